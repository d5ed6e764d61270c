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

// Package events defines the observed-event records published to the
// journal, the scope they are published under, and the filters stream
// subscriptions use to select them.
package events

import (
	"encoding/json"
	"time"
)

// Observed event kinds.
const (
	// KindSessionStatus reports a session status transition.
	KindSessionStatus = "session-status"
	// KindSessionOutput carries a terminal output chunk.
	KindSessionOutput = "session-output"
	// KindSessionEvent passes a session lifecycle event through.
	KindSessionEvent = "session-event"
	// KindSessionKeyEvent reports a telemetry event with lifecycle
	// semantics.
	KindSessionKeyEvent = "session-key-event"
	// KindSessionPromptEvent reports a user prompt observed in telemetry.
	KindSessionPromptEvent = "session-prompt-event"
	// KindSessionControl reports a controller claim change.
	KindSessionControl = "session-control"

	// KindConversationCreated through KindConversationDeleted report
	// conversation record changes.
	KindConversationCreated  = "conversation-created"
	KindConversationUpdated  = "conversation-updated"
	KindConversationArchived = "conversation-archived"
	KindConversationDeleted  = "conversation-deleted"

	// KindDirectoryUpserted and KindDirectoryArchived report directory
	// record changes.
	KindDirectoryUpserted = "directory-upserted"
	KindDirectoryArchived = "directory-archived"

	// KindTaskCreated through KindTaskReordered report task changes.
	KindTaskCreated   = "task-created"
	KindTaskUpdated   = "task-updated"
	KindTaskReordered = "task-reordered"

	// KindRepositoryUpserted reports a repository record change.
	KindRepositoryUpserted = "repository-upserted"

	// KindGitHubPRUpserted through KindGitHubPRJobsUpdated report pull
	// request sync results.
	KindGitHubPRUpserted    = "github-pr-upserted"
	KindGitHubPRClosed      = "github-pr-closed"
	KindGitHubPRJobsUpdated = "github-pr-jobs-updated"

	// KindDirectoryGitUpdated reports a changed git status snapshot.
	KindDirectoryGitUpdated = "directory-git-updated"
)

// Controller claim actions carried by session-control events.
const (
	ActionClaimed   = "claimed"
	ActionTakenOver = "taken-over"
	ActionReleased  = "released"
)

// Scope names the tenancy coordinates an event was published under. Kinds
// that do not embed their own identifiers are matched against it.
type Scope struct {
	TenantID       string `json:"tenantId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	WorkspaceID    string `json:"workspaceId,omitempty"`
	DirectoryID    string `json:"directoryId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Controller identifies the single connection currently permitted to
// mutate a session.
type Controller struct {
	ID           string    `json:"controllerId"`
	Type         string    `json:"controllerType"`
	Label        string    `json:"controllerLabel,omitempty"`
	ConnectionID string    `json:"connectionId,omitempty"`
	ClaimedAt    time.Time `json:"claimedAt"`
}

// DisplayLabel is the name claim conflicts are reported under.
func (c *Controller) DisplayLabel() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Type + ":" + c.ID
}

// Event is one observed event. Kind selects which of the remaining fields
// are meaningful; the rest stay zero and are omitted when marshaled.
type Event struct {
	Kind string `json:"kind"`

	// Identifiers embedded by kinds that carry them.
	SessionID      string   `json:"sessionId,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	DirectoryID    string   `json:"directoryId,omitempty"`
	RepositoryID   string   `json:"repositoryId,omitempty"`
	TaskIDs        []string `json:"taskIds,omitempty"`

	// session-status fields.
	AgentType       string          `json:"agentType,omitempty"`
	Status          string          `json:"status,omitempty"`
	AttentionReason string          `json:"attentionReason,omitempty"`
	ExitCode        *int            `json:"exitCode,omitempty"`
	ExitSignal      string          `json:"exitSignal,omitempty"`
	StatusModel     json.RawMessage `json:"statusModel,omitempty"`

	// session-output fields. Cursor is the byte cursor of the first byte
	// in the chunk.
	Cursor      uint64 `json:"cursor,omitempty"`
	ChunkBase64 string `json:"chunkBase64,omitempty"`

	// session-event fields.
	SessionEvent string `json:"sessionEvent,omitempty"`

	// session-key-event fields.
	Source     string     `json:"source,omitempty"`
	EventName  string     `json:"eventName,omitempty"`
	Severity   string     `json:"severity,omitempty"`
	Summary    string     `json:"summary,omitempty"`
	ObservedAt *time.Time `json:"observedAt,omitempty"`
	StatusHint string     `json:"statusHint,omitempty"`

	// session-prompt-event fields.
	PromptText string `json:"promptText,omitempty"`
	PromptHash string `json:"promptHash,omitempty"`

	// session-control fields.
	Action             string      `json:"action,omitempty"`
	Controller         *Controller `json:"controller,omitempty"`
	PreviousController *Controller `json:"previousController,omitempty"`
	Reason             string      `json:"reason,omitempty"`

	// Record carries the touched record for store CRUD kinds.
	Record json.RawMessage `json:"record,omitempty"`

	// directory-git-updated fields.
	GitSummary  json.RawMessage `json:"gitSummary,omitempty"`
	GitSnapshot json.RawMessage `json:"gitSnapshot,omitempty"`
}

// Entry is one observed-event journal record. Cursors start at 1 and are
// strictly increasing over the life of the process.
type Entry struct {
	Cursor uint64 `json:"cursor"`
	Scope  Scope  `json:"scope"`
	Event  Event  `json:"event"`
}

// Publisher accepts observed events for journal publication. Implemented
// by the stream server; handed to every component that reports changes.
type Publisher interface {
	PublishObserved(scope Scope, event Event)
}
