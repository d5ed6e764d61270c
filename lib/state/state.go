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

// Package state defines the records the daemon persists and the store
// contract the core invokes. The concrete storage lives in state/lite;
// everything above it depends only on this interface.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrClosed is reported by every operation issued after Close. The
// daemon treats it as fatal: pollers stop and mutations are refused.
var ErrClosed = errors.New("database is closed")

// IsClosed reports whether err means the store was closed underneath the
// caller.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// Branch strategies a directory can use for pull request syncing.
const (
	// BranchPinnedOnly syncs only the directory's pinned branch.
	BranchPinnedOnly = "pinned-only"
	// BranchCurrentOnly syncs only the branch currently checked out.
	BranchCurrentOnly = "current-only"
	// BranchPinnedThenCurrent syncs the pinned branch and falls back to
	// the current one when no branch is pinned.
	BranchPinnedThenCurrent = "pinned-then-current"
)

// Pull request states.
const (
	PROpen   = "open"
	PRMerged = "merged"
	PRClosed = "closed"
)

// Pull request status rollups. An empty rollup means the head commit
// has no check runs.
const (
	RollupPending = "pending"
	RollupFailure = "failure"
	RollupSuccess = "success"
)

// Directory is a workspace directory the daemon watches.
type Directory struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenantId,omitempty"`
	UserID         string     `json:"userId,omitempty"`
	WorkspaceID    string     `json:"workspaceId,omitempty"`
	Path           string     `json:"path"`
	Name           string     `json:"name,omitempty"`
	PinnedBranch   string     `json:"pinnedBranch,omitempty"`
	BranchStrategy string     `json:"branchStrategy,omitempty"`
	ArchivedAt     *time.Time `json:"archivedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Conversation is the persisted twin of a session. The conversation id
// doubles as the session id.
type Conversation struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	DirectoryID string `json:"directoryId,omitempty"`
	WorktreeID  string `json:"worktreeId,omitempty"`
	AgentType   string `json:"agentType"`
	Title       string `json:"title,omitempty"`

	// Runtime fields mirror the live session and are rewritten on every
	// status change.
	RuntimeStatus          string          `json:"runtimeStatus,omitempty"`
	RuntimeLastEventAt     *time.Time      `json:"runtimeLastEventAt,omitempty"`
	RuntimeAttentionReason string          `json:"runtimeAttentionReason,omitempty"`
	RuntimeLastExit        json.RawMessage `json:"runtimeLastExit,omitempty"`

	// AdapterState is an opaque per-agent bag preserved across restarts.
	AdapterState json.RawMessage `json:"adapterState,omitempty"`

	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// ConversationRuntime carries the runtime fields persisted onto a
// conversation after a status transition.
type ConversationRuntime struct {
	Status          string
	LastEventAt     *time.Time
	AttentionReason string
	LastExit        json.RawMessage
	AdapterState    json.RawMessage
}

// Repository is a git repository reconciled from a directory's remote.
// Records are keyed by the normalized remote URL so the same remote seen
// from two directories resolves to one repository.
type Repository struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
	RemoteURL   string    `json:"remoteUrl"`
	Name        string    `json:"name,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Task is a unit of planned work ordered inside a directory.
type Task struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	WorkspaceID    string    `json:"workspaceId,omitempty"`
	DirectoryID    string    `json:"directoryId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	Title          string    `json:"title"`
	Status         string    `json:"status,omitempty"`
	SortOrder      int       `json:"sortOrder"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Telemetry record sources. History rows come from replaying the agent
// history file and must never drive live status.
const (
	TelemetrySourceHistory    = "history"
	TelemetrySourceOTLPLog    = "otlp-log"
	TelemetrySourceOTLPMetric = "otlp-metric"
	TelemetrySourceOTLPTrace  = "otlp-trace"
)

// TelemetryRecord is one ingested telemetry event. Records are unique by
// fingerprint; AppendTelemetry rejects duplicates.
type TelemetryRecord struct {
	Source           string          `json:"source"`
	SessionID        string          `json:"sessionId,omitempty"`
	ProviderThreadID string          `json:"providerThreadId,omitempty"`
	EventName        string          `json:"eventName,omitempty"`
	Severity         string          `json:"severity,omitempty"`
	Summary          string          `json:"summary,omitempty"`
	ObservedAt       time.Time       `json:"observedAt"`
	Fingerprint      string          `json:"fingerprint"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// PullRequest is the synced snapshot of an external pull request.
type PullRequest struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	Branch       string    `json:"branch"`
	Number       int       `json:"number"`
	Title        string    `json:"title,omitempty"`
	State        string    `json:"state"`
	URL          string    `json:"url,omitempty"`
	HeadSHA      string    `json:"headSha,omitempty"`
	StatusRollup string    `json:"statusRollup,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PullRequestJob is one check run attached to a pull request head.
type PullRequestJob struct {
	PullRequestID string    `json:"pullRequestId"`
	Name          string    `json:"name"`
	Status        string    `json:"status,omitempty"`
	Conclusion    string    `json:"conclusion,omitempty"`
	URL           string    `json:"url,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// PullRequestSync records the outcome of the most recent sync pass for a
// (repository, branch) tuple, success or failure.
type PullRequestSync struct {
	RepositoryID string    `json:"repositoryId"`
	Branch       string    `json:"branch"`
	SyncedAt     time.Time `json:"syncedAt"`
	LastError    string    `json:"lastError,omitempty"`
}

// ListDirectoriesParams filters ListDirectories.
type ListDirectoriesParams struct {
	IncludeArchived bool
}

// ListConversationsParams filters ListConversations.
type ListConversationsParams struct {
	IncludeArchived bool
	DirectoryID     string
}

// ListTasksParams filters ListTasks.
type ListTasksParams struct {
	DirectoryID    string
	ConversationID string
}

// Store is the persistence contract the core invokes. Implementations
// must be safe for concurrent use. Mutations are transactional; upserts
// de-duplicate on stable ids.
type Store interface {
	// UpsertDirectory inserts or replaces a directory keyed by id.
	UpsertDirectory(ctx context.Context, d Directory) (Directory, error)
	// GetDirectory returns a directory or trace.NotFound.
	GetDirectory(ctx context.Context, id string) (Directory, error)
	// ListDirectories returns directories, newest first.
	ListDirectories(ctx context.Context, p ListDirectoriesParams) ([]Directory, error)
	// ArchiveDirectory stamps a directory archived.
	ArchiveDirectory(ctx context.Context, id string, at time.Time) error

	// UpsertConversation inserts or replaces a conversation keyed by id.
	UpsertConversation(ctx context.Context, c Conversation) (Conversation, error)
	// GetConversation returns a conversation or trace.NotFound.
	GetConversation(ctx context.Context, id string) (Conversation, error)
	// ListConversations returns conversations, newest first.
	ListConversations(ctx context.Context, p ListConversationsParams) ([]Conversation, error)
	// UpdateConversationRuntime rewrites the runtime fields of a
	// conversation. A nil AdapterState leaves the stored state untouched.
	UpdateConversationRuntime(ctx context.Context, id string, r ConversationRuntime) error
	// ArchiveConversation stamps a conversation archived.
	ArchiveConversation(ctx context.Context, id string, at time.Time) error
	// DeleteConversation removes a conversation.
	DeleteConversation(ctx context.Context, id string) error

	// UpsertRepository inserts or updates a repository keyed by its
	// normalized remote URL, preserving the existing id when the URL is
	// already known.
	UpsertRepository(ctx context.Context, r Repository) (Repository, error)
	// GetRepository returns a repository or trace.NotFound.
	GetRepository(ctx context.Context, id string) (Repository, error)
	// ListRepositories returns every repository.
	ListRepositories(ctx context.Context) ([]Repository, error)

	// UpsertTask inserts or replaces a task keyed by id.
	UpsertTask(ctx context.Context, t Task) (Task, error)
	// GetTask returns a task or trace.NotFound.
	GetTask(ctx context.Context, id string) (Task, error)
	// ListTasks returns tasks ordered by sort order.
	ListTasks(ctx context.Context, p ListTasksParams) ([]Task, error)
	// ReorderTasks rewrites the sort order of the given tasks to match
	// the order of ids and returns the touched records.
	ReorderTasks(ctx context.Context, directoryID string, ids []string) ([]Task, error)

	// AppendTelemetry stores a telemetry record, returning
	// trace.AlreadyExists when the fingerprint was seen before.
	AppendTelemetry(ctx context.Context, rec TelemetryRecord) error

	// UpsertPullRequest inserts or updates a pull request keyed by
	// (repository, number).
	UpsertPullRequest(ctx context.Context, pr PullRequest) (PullRequest, error)
	// ListPullRequests returns the pull requests synced for a repository.
	ListPullRequests(ctx context.Context, repositoryID string) ([]PullRequest, error)
	// DeletePullRequest removes a pull request and its jobs, typically
	// after the remote reports it closed or merged.
	DeletePullRequest(ctx context.Context, id string) error
	// ListPullRequestJobs returns the check jobs recorded for a pull
	// request, in the order they were last replaced.
	ListPullRequestJobs(ctx context.Context, pullRequestID string) ([]PullRequestJob, error)
	// ReplacePullRequestJobs swaps the job list attached to a pull
	// request.
	ReplacePullRequestJobs(ctx context.Context, pullRequestID string, jobs []PullRequestJob) error
	// UpsertPullRequestSync records the latest sync outcome for a
	// (repository, branch) tuple.
	UpsertPullRequestSync(ctx context.Context, s PullRequestSync) error
	// GetPullRequestSync reports when a repository branch was last
	// polled. Returns NotFound before the first sync.
	GetPullRequestSync(ctx context.Context, repositoryID, branch string) (PullRequestSync, error)

	// Close releases the store. Operations issued after Close report
	// ErrClosed.
	Close() error
}
