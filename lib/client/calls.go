/*
 * Corral
 * Copyright (C) 2025  Josh Moyers
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package client

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/jmoyers/corral/lib/events"
	"github.com/jmoyers/corral/lib/srv"
	"github.com/jmoyers/corral/lib/state"
	"github.com/jmoyers/corral/lib/term"
	"github.com/jmoyers/corral/lib/wire"
)

// StartSessionParams configures pty.start. Everything is optional; the
// daemon fills defaults and generates the session id when absent.
type StartSessionParams struct {
	SessionID   string `json:"sessionId,omitempty"`
	AgentType   string `json:"agentType,omitempty"`
	Title       string `json:"title,omitempty"`
	Command     string `json:"command,omitempty"`
	DirectoryID string `json:"directoryId,omitempty"`
	Cwd         string `json:"cwd,omitempty"`
	Cols        int    `json:"cols,omitempty"`
	Rows        int    `json:"rows,omitempty"`
	TenantID    string `json:"tenantId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// StartSession launches a new agent session and returns its id.
func (c *Client) StartSession(ctx context.Context, params StartSessionParams) (string, error) {
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.Call(ctx, wire.CmdPtyStart, params, &result); err != nil {
		return "", trace.Wrap(err)
	}
	return result.SessionID, nil
}

// ListSessions returns session summaries matching filter in the given
// order. Sort accepts the srv sort names; empty keeps attention-first.
func (c *Client) ListSessions(ctx context.Context, filter srv.SessionFilter, sort string) ([]srv.SessionSummary, error) {
	var result struct {
		Sessions []srv.SessionSummary `json:"sessions"`
	}
	err := c.Call(ctx, wire.CmdSessionList, sessionListPayload{Filter: filter, Sort: sort}, &result)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Sessions, nil
}

// ListAttention returns sessions waiting on a human, longest wait first.
func (c *Client) ListAttention(ctx context.Context) ([]srv.SessionSummary, error) {
	var result struct {
		Sessions []srv.SessionSummary `json:"sessions"`
	}
	if err := c.Call(ctx, wire.CmdAttentionList, nil, &result); err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Sessions, nil
}

// SessionStatus returns one session's summary.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (srv.SessionSummary, error) {
	var summary srv.SessionSummary
	if err := c.Call(ctx, wire.CmdSessionStatus, sessionPayload{SessionID: sessionID}, &summary); err != nil {
		return srv.SessionSummary{}, trace.Wrap(err)
	}
	return summary, nil
}

// SessionSnapshot is a rendered screen with its provenance.
type SessionSnapshot struct {
	SessionID string         `json:"sessionId"`
	Snapshot  *term.Snapshot `json:"snapshot"`
	Stale     bool           `json:"stale"`
}

// Snapshot returns a session's current screen. Stale snapshots come from
// the last persisted state of a session that is no longer live.
func (c *Client) Snapshot(ctx context.Context, sessionID string) (SessionSnapshot, error) {
	var snap SessionSnapshot
	if err := c.Call(ctx, wire.CmdSessionSnapshot, sessionPayload{SessionID: sessionID}, &snap); err != nil {
		return SessionSnapshot{}, trace.Wrap(err)
	}
	return snap, nil
}

// Respond types text into a session followed by a carriage return and
// returns the number of bytes written.
func (c *Client) Respond(ctx context.Context, sessionID, text string) (int, error) {
	var result struct {
		Responded bool `json:"responded"`
		SentBytes int  `json:"sentBytes"`
	}
	err := c.Call(ctx, wire.CmdSessionRespond, respondPayload{SessionID: sessionID, Text: text}, &result)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return result.SentBytes, nil
}

// Interrupt sends the interrupt sequence to a session.
func (c *Client) Interrupt(ctx context.Context, sessionID string) error {
	return trace.Wrap(c.Call(ctx, wire.CmdSessionInterrupt, sessionPayload{SessionID: sessionID}, nil))
}

// ClaimParams configures session.claim.
type ClaimParams struct {
	SessionID       string `json:"sessionId"`
	ControllerID    string `json:"controllerId"`
	ControllerType  string `json:"controllerType,omitempty"`
	ControllerLabel string `json:"controllerLabel,omitempty"`

	// Takeover seizes a session held by another controller instead of
	// failing.
	Takeover bool `json:"takeover,omitempty"`
}

// Claim makes this connection the session's controller. Claiming a
// session held by someone else fails unless Takeover is set.
func (c *Client) Claim(ctx context.Context, params ClaimParams) (*events.Controller, error) {
	var result struct {
		Controller *events.Controller `json:"controller"`
	}
	if err := c.Call(ctx, wire.CmdSessionClaim, params, &result); err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Controller, nil
}

// Release gives up this connection's claim. Returns false when the
// session was not held by this connection.
func (c *Client) Release(ctx context.Context, sessionID, reason string) (bool, error) {
	var result struct {
		Released bool `json:"released"`
	}
	err := c.Call(ctx, wire.CmdSessionRelease, releasePayload{SessionID: sessionID, Reason: reason}, &result)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return result.Released, nil
}

// RemoveSession destroys a session, live or tombstoned.
func (c *Client) RemoveSession(ctx context.Context, sessionID string) error {
	return trace.Wrap(c.Call(ctx, wire.CmdSessionRemove, sessionPayload{SessionID: sessionID}, nil))
}

// DirectoryParams configures directory.upsert. Path is required.
type DirectoryParams struct {
	ID             string `json:"id,omitempty"`
	TenantID       string `json:"tenantId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	WorkspaceID    string `json:"workspaceId,omitempty"`
	Path           string `json:"path"`
	Name           string `json:"name,omitempty"`
	PinnedBranch   string `json:"pinnedBranch,omitempty"`
	BranchStrategy string `json:"branchStrategy,omitempty"`
}

// UpsertDirectory registers or updates a tracked directory.
func (c *Client) UpsertDirectory(ctx context.Context, params DirectoryParams) (state.Directory, error) {
	var dir state.Directory
	if err := c.Call(ctx, wire.CmdDirectoryUpsert, params, &dir); err != nil {
		return state.Directory{}, trace.Wrap(err)
	}
	return dir, nil
}

// ListDirectories returns tracked directories.
func (c *Client) ListDirectories(ctx context.Context, includeArchived bool) ([]state.Directory, error) {
	var result struct {
		Directories []state.Directory `json:"directories"`
	}
	err := c.Call(ctx, wire.CmdDirectoryList, directoryListPayload{IncludeArchived: includeArchived}, &result)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Directories, nil
}

// ArchiveDirectory archives a directory and returns the updated record.
func (c *Client) ArchiveDirectory(ctx context.Context, directoryID string) (state.Directory, error) {
	var dir state.Directory
	err := c.Call(ctx, wire.CmdDirectoryArchive, directoryPayload{DirectoryID: directoryID}, &dir)
	if err != nil {
		return state.Directory{}, trace.Wrap(err)
	}
	return dir, nil
}

// ConversationParams configures conversation.upsert. Fields left empty
// keep the existing record's values.
type ConversationParams struct {
	ID          string `json:"id,omitempty"`
	TenantID    string `json:"tenantId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	DirectoryID string `json:"directoryId,omitempty"`
	WorktreeID  string `json:"worktreeId,omitempty"`
	AgentType   string `json:"agentType,omitempty"`
	Title       string `json:"title,omitempty"`
}

// UpsertConversation creates or updates a conversation record.
func (c *Client) UpsertConversation(ctx context.Context, params ConversationParams) (state.Conversation, error) {
	var conv state.Conversation
	if err := c.Call(ctx, wire.CmdConversationUpsert, params, &conv); err != nil {
		return state.Conversation{}, trace.Wrap(err)
	}
	return conv, nil
}

// ListConversations returns conversations, optionally narrowed to one
// directory.
func (c *Client) ListConversations(ctx context.Context, directoryID string, includeArchived bool) ([]state.Conversation, error) {
	var result struct {
		Conversations []state.Conversation `json:"conversations"`
	}
	err := c.Call(ctx, wire.CmdConversationList, conversationListPayload{
		DirectoryID:     directoryID,
		IncludeArchived: includeArchived,
	}, &result)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Conversations, nil
}

// ArchiveConversation archives a conversation and returns the updated
// record.
func (c *Client) ArchiveConversation(ctx context.Context, conversationID string) (state.Conversation, error) {
	var conv state.Conversation
	err := c.Call(ctx, wire.CmdConversationArchive, conversationPayload{ConversationID: conversationID}, &conv)
	if err != nil {
		return state.Conversation{}, trace.Wrap(err)
	}
	return conv, nil
}

// DeleteConversation removes a conversation record. A live session for
// it goes down with the record.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return trace.Wrap(c.Call(ctx, wire.CmdConversationDelete, conversationPayload{ConversationID: conversationID}, nil))
}

// TaskCreateParams configures task.create. DirectoryID and Title are
// required; a nil SortOrder appends to the end of the board.
type TaskCreateParams struct {
	ID             string `json:"id,omitempty"`
	TenantID       string `json:"tenantId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	WorkspaceID    string `json:"workspaceId,omitempty"`
	DirectoryID    string `json:"directoryId"`
	ConversationID string `json:"conversationId,omitempty"`
	Title          string `json:"title"`
	Status         string `json:"status,omitempty"`
	SortOrder      *int   `json:"sortOrder,omitempty"`
}

// CreateTask creates a task and returns the stored record.
func (c *Client) CreateTask(ctx context.Context, params TaskCreateParams) (state.Task, error) {
	var task state.Task
	if err := c.Call(ctx, wire.CmdTaskCreate, params, &task); err != nil {
		return state.Task{}, trace.Wrap(err)
	}
	return task, nil
}

// TaskUpdateParams configures task.update. Nil fields keep their current
// values.
type TaskUpdateParams struct {
	TaskID         string  `json:"taskId"`
	Title          *string `json:"title,omitempty"`
	Status         *string `json:"status,omitempty"`
	ConversationID *string `json:"conversationId,omitempty"`
	SortOrder      *int    `json:"sortOrder,omitempty"`
}

// UpdateTask applies a partial update and returns the stored record.
func (c *Client) UpdateTask(ctx context.Context, params TaskUpdateParams) (state.Task, error) {
	var task state.Task
	if err := c.Call(ctx, wire.CmdTaskUpdate, params, &task); err != nil {
		return state.Task{}, trace.Wrap(err)
	}
	return task, nil
}

// ListTasks returns tasks narrowed by directory or conversation.
func (c *Client) ListTasks(ctx context.Context, directoryID, conversationID string) ([]state.Task, error) {
	var result struct {
		Tasks []state.Task `json:"tasks"`
	}
	err := c.Call(ctx, wire.CmdTaskList, taskListPayload{
		DirectoryID:    directoryID,
		ConversationID: conversationID,
	}, &result)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Tasks, nil
}

// ReorderTasks rewrites a directory's task order and returns the tasks
// in their new order.
func (c *Client) ReorderTasks(ctx context.Context, directoryID string, taskIDs []string) ([]state.Task, error) {
	var result struct {
		Tasks []state.Task `json:"tasks"`
	}
	err := c.Call(ctx, wire.CmdTaskReorder, taskReorderPayload{
		DirectoryID: directoryID,
		TaskIDs:     taskIDs,
	}, &result)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Tasks, nil
}

// RepositorySummary is a repository with its tracked pull requests.
type RepositorySummary struct {
	state.Repository
	PullRequests []PullRequestSummary `json:"pullRequests"`
}

// PullRequestSummary is a pull request with its check jobs.
type PullRequestSummary struct {
	state.PullRequest
	Jobs []state.PullRequestJob `json:"jobs"`
}

// ListRepositories returns every tracked repository with its pull
// requests and their check jobs.
func (c *Client) ListRepositories(ctx context.Context) ([]RepositorySummary, error) {
	var result struct {
		Repositories []RepositorySummary `json:"repositories"`
	}
	if err := c.Call(ctx, wire.CmdRepositoryList, nil, &result); err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Repositories, nil
}

// AgentTools probes the known agent binaries and reports availability
// and version per tool.
func (c *Client) AgentTools(ctx context.Context) ([]srv.ToolStatus, error) {
	var result struct {
		Tools []srv.ToolStatus `json:"tools"`
	}
	if err := c.Call(ctx, wire.CmdAgentToolsStatus, nil, &result); err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Tools, nil
}

// Wire payload mirrors for single-purpose requests.

type sessionPayload struct {
	SessionID string `json:"sessionId"`
}

type sessionListPayload struct {
	Filter srv.SessionFilter `json:"filter"`
	Sort   string            `json:"sort,omitempty"`
}

type respondPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type releasePayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

type ptyAttachPayload struct {
	SessionID   string `json:"sessionId"`
	SinceCursor uint64 `json:"sinceCursor,omitempty"`
}

type streamSubscribePayload struct {
	AfterCursor uint64        `json:"afterCursor,omitempty"`
	Filter      events.Filter `json:"filter"`
}

type streamUnsubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

type directoryPayload struct {
	DirectoryID string `json:"directoryId"`
}

type directoryListPayload struct {
	IncludeArchived bool `json:"includeArchived,omitempty"`
}

type conversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type conversationListPayload struct {
	DirectoryID     string `json:"directoryId,omitempty"`
	IncludeArchived bool   `json:"includeArchived,omitempty"`
}

type taskListPayload struct {
	DirectoryID    string `json:"directoryId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

type taskReorderPayload struct {
	DirectoryID string   `json:"directoryId"`
	TaskIDs     []string `json:"taskIds"`
}
