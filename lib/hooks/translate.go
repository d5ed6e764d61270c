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

package hooks

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/events"
	"github.com/jmoyers/corral/lib/state"
)

// Lifecycle event types in the external taxonomy.
const (
	TypeSessionStarted = "session.started"
	TypeSessionExited  = "session.exited"
	TypeTurnStarted    = "turn.started"
	TypeTurnCompleted  = "turn.completed"
	TypeTurnFailed     = "turn.failed"
	TypeToolStarted    = "tool.started"
	TypeToolCompleted  = "tool.completed"
	TypeToolFailed     = "tool.failed"
	TypeInputRequired  = "input.required"
	TypeThreadCreated  = "thread.created"
	TypeThreadUpdated  = "thread.updated"
	TypeThreadArchived = "thread.archived"
	TypeThreadDeleted  = "thread.deleted"
)

// LifecycleEvent is one normalized external event, POSTed as the JSON
// body to every configured webhook.
type LifecycleEvent struct {
	Type           string          `json:"type"`
	Provider       string          `json:"provider,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	DirectoryID    string          `json:"directoryId,omitempty"`
	At             time.Time       `json:"at"`
	Summary        string          `json:"summary,omitempty"`
	ExitCode       *int            `json:"exitCode,omitempty"`
	ExitSignal     string          `json:"exitSignal,omitempty"`
	Cursor         uint64          `json:"cursor,omitempty"`
	Detail         json.RawMessage `json:"detail,omitempty"`
}

// keyEventTypes maps provider event names, stripped of the provider
// prefix, onto taxonomy types.
var keyEventTypes = map[string]string{
	"user_prompt":                  TypeTurnStarted,
	"turn.e2e_duration_ms":         TypeTurnCompleted,
	"exec_approval_request":        TypeInputRequired,
	"apply_patch_approval_request": TypeInputRequired,
	"user_input_request":           TypeInputRequired,
	"tool_decision":                TypeToolStarted,
	"tool_call":                    TypeToolCompleted,
}

// threadKinds maps conversation record changes onto thread types.
var threadKinds = map[string]string{
	events.KindConversationCreated:  TypeThreadCreated,
	events.KindConversationUpdated:  TypeThreadUpdated,
	events.KindConversationArchived: TypeThreadArchived,
	events.KindConversationDeleted:  TypeThreadDeleted,
}

// translateLocked maps one journal entry onto zero or more lifecycle
// events. It owns the first-sight bookkeeping behind session.started,
// so it runs with the runtime lock held.
func (r *Runtime) translateLocked(entry events.Entry) []LifecycleEvent {
	switch entry.Event.Kind {
	case events.KindSessionStatus:
		return r.translateStatusLocked(entry)
	case events.KindSessionKeyEvent:
		return r.translateKeyEvent(entry)
	}
	if t, ok := threadKinds[entry.Event.Kind]; ok {
		return []LifecycleEvent{{
			Type:           t,
			ConversationID: entry.Event.ConversationID,
			DirectoryID:    entry.Event.DirectoryID,
			At:             r.now(),
			Cursor:         entry.Cursor,
			Detail:         entry.Event.Record,
		}}
	}
	return nil
}

func (r *Runtime) translateStatusLocked(entry events.Entry) []LifecycleEvent {
	ev := entry.Event
	base := LifecycleEvent{
		Provider:       ev.AgentType,
		SessionID:      ev.SessionID,
		ConversationID: entry.Scope.ConversationID,
		DirectoryID:    entry.Scope.DirectoryID,
		At:             r.now(),
		Cursor:         entry.Cursor,
	}

	if ev.Status == corral.StatusExited {
		delete(r.seen, ev.SessionID)
		var out []LifecycleEvent
		if failedExit(ev) {
			failed := base
			failed.Type = TypeTurnFailed
			failed.ExitCode = ev.ExitCode
			failed.ExitSignal = ev.ExitSignal
			out = append(out, failed)
		}
		exited := base
		exited.Type = TypeSessionExited
		exited.ExitCode = ev.ExitCode
		exited.ExitSignal = ev.ExitSignal
		return append(out, exited)
	}

	var out []LifecycleEvent
	if !r.seen[ev.SessionID] {
		r.seen[ev.SessionID] = true
		started := base
		started.Type = TypeSessionStarted
		out = append(out, started)
	}
	switch ev.Status {
	case corral.StatusNeedsInput:
		attn := base
		attn.Type = TypeInputRequired
		attn.Summary = ev.AttentionReason
		out = append(out, attn)
	case corral.StatusCompleted:
		done := base
		done.Type = TypeTurnCompleted
		out = append(out, done)
	}
	return out
}

func (r *Runtime) translateKeyEvent(entry events.Entry) []LifecycleEvent {
	ev := entry.Event
	// History replay is not live activity.
	if ev.Source == state.TelemetrySourceHistory {
		return nil
	}
	provider := inferProvider(ev.Source, ev.EventName)
	name := strings.TrimPrefix(ev.EventName, provider+".")
	t, ok := keyEventTypes[name]
	if !ok {
		return nil
	}
	if t == TypeToolCompleted && failedSeverity(ev.Severity) {
		t = TypeToolFailed
	}
	at := r.now()
	if ev.ObservedAt != nil && !ev.ObservedAt.IsZero() {
		at = ev.ObservedAt.UTC()
	}
	return []LifecycleEvent{{
		Type:           t,
		Provider:       provider,
		SessionID:      ev.SessionID,
		ConversationID: entry.Scope.ConversationID,
		DirectoryID:    entry.Scope.DirectoryID,
		At:             at,
		Summary:        ev.Summary,
		Cursor:         entry.Cursor,
	}}
}

// inferProvider names the agent behind a telemetry event: the event
// name prefix when it names a known agent, else the source channel.
// The prompt history file belongs to codex.
func inferProvider(source, eventName string) string {
	if i := strings.IndexByte(eventName, '.'); i > 0 {
		if prefix := eventName[:i]; corral.KnownAgent(prefix) {
			return prefix
		}
	}
	if source == state.TelemetrySourceHistory {
		return corral.AgentCodex
	}
	return ""
}

// failedExit reports whether an exit should also surface as a failed
// turn: a non-zero exit code or a terminating signal.
func failedExit(ev events.Event) bool {
	if ev.ExitSignal != "" {
		return true
	}
	return ev.ExitCode != nil && *ev.ExitCode != 0
}

func failedSeverity(severity string) bool {
	upper := strings.ToUpper(severity)
	return strings.HasPrefix(upper, "ERROR") || strings.HasPrefix(upper, "FATAL")
}
