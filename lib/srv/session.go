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

package srv

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/events"
	"github.com/jmoyers/corral/lib/term"
	"github.com/jmoyers/corral/lib/utils"
)

// session is the runtime state of one agent session. Every field is
// guarded by the server mutex. live points at the PTY host and becomes
// nil when the session turns into a tombstone.
type session struct {
	id        string
	agentType string
	title     string
	scope     events.Scope
	cwd       string

	live           *term.Session
	serverAttachID uint64
	stopEvents     func()

	status          string
	attentionReason string
	statusModel     json.RawMessage
	adapterState    json.RawMessage
	startedAt       time.Time
	lastEventAt     *time.Time
	exitedAt        *time.Time
	lastExit        *term.ExitStatus

	controller *events.Controller

	// attachments maps connection id to the term attachment id; at most
	// one attachment per connection.
	attachments map[string]uint64
	// eventSubs is the set of connection ids subscribed to pty.event.
	eventSubs map[string]bool

	lastSnapshot *term.Snapshot
	tombstone    clockwork.Timer

	telemetryToken string
	profile        term.Profile

	diag diagnostics
}

// diagnostics are the per-session counters surfaced in summaries.
type diagnostics struct {
	telemetryIngested       uint64
	telemetryRetained       uint64
	telemetryDropped        uint64
	fanoutBytes             uint64
	fanoutEvents            uint64
	backpressureSignals     uint64
	backpressureDisconnects uint64
	outputRate              *utils.RateCounter
}

// SessionSummary is the projection session.list, attention.list and
// session.status return.
type SessionSummary struct {
	SessionID       string             `json:"sessionId"`
	AgentType       string             `json:"agentType"`
	Title           string             `json:"title,omitempty"`
	Status          string             `json:"status"`
	AttentionReason string             `json:"attentionReason,omitempty"`
	Live            bool               `json:"live"`
	TenantID        string             `json:"tenantId,omitempty"`
	UserID          string             `json:"userId,omitempty"`
	WorkspaceID     string             `json:"workspaceId,omitempty"`
	DirectoryID     string             `json:"directoryId,omitempty"`
	Cwd             string             `json:"cwd,omitempty"`
	StartedAt       time.Time          `json:"startedAt"`
	LastEventAt     *time.Time         `json:"lastEventAt,omitempty"`
	ExitedAt        *time.Time         `json:"exitedAt,omitempty"`
	Exit            *term.ExitStatus   `json:"exit,omitempty"`
	LatestCursor    uint64             `json:"latestCursor"`
	Controller      *events.Controller `json:"controller,omitempty"`
	StatusModel     json.RawMessage    `json:"statusModel,omitempty"`
	Diagnostics     DiagnosticsSummary `json:"diagnostics"`
}

// DiagnosticsSummary is the wire shape of the per-session counters.
type DiagnosticsSummary struct {
	TelemetryIngestedTotal             uint64 `json:"telemetryIngestedTotal"`
	TelemetryRetainedTotal             uint64 `json:"telemetryRetainedTotal"`
	TelemetryDroppedTotal              uint64 `json:"telemetryDroppedTotal"`
	FanoutBytesTotal                   uint64 `json:"fanoutBytesTotal"`
	FanoutEventsTotal                  uint64 `json:"fanoutEventsTotal"`
	FanoutBackpressureSignalsTotal     uint64 `json:"fanoutBackpressureSignalsTotal"`
	FanoutBackpressureDisconnectsTotal uint64 `json:"fanoutBackpressureDisconnectsTotal"`
	OutputBytesPerMinute               uint64 `json:"outputBytesPerMinute"`
}

// summarize projects the session under the server mutex.
func (s *session) summarize() SessionSummary {
	sum := SessionSummary{
		SessionID:       s.id,
		AgentType:       s.agentType,
		Title:           s.title,
		Status:          s.status,
		AttentionReason: s.attentionReason,
		Live:            s.live != nil,
		TenantID:        s.scope.TenantID,
		UserID:          s.scope.UserID,
		WorkspaceID:     s.scope.WorkspaceID,
		DirectoryID:     s.scope.DirectoryID,
		Cwd:             s.cwd,
		StartedAt:       s.startedAt,
		LastEventAt:     s.lastEventAt,
		ExitedAt:        s.exitedAt,
		Exit:            s.lastExit,
		Controller:      s.controller,
		StatusModel:     s.statusModel,
		Diagnostics: DiagnosticsSummary{
			TelemetryIngestedTotal:             s.diag.telemetryIngested,
			TelemetryRetainedTotal:             s.diag.telemetryRetained,
			TelemetryDroppedTotal:              s.diag.telemetryDropped,
			FanoutBytesTotal:                   s.diag.fanoutBytes,
			FanoutEventsTotal:                  s.diag.fanoutEvents,
			FanoutBackpressureSignalsTotal:     s.diag.backpressureSignals,
			FanoutBackpressureDisconnectsTotal: s.diag.backpressureDisconnects,
			OutputBytesPerMinute:               s.diag.outputRate.Count(),
		},
	}
	switch {
	case s.live != nil:
		sum.LatestCursor = s.live.LatestCursor()
	case s.lastSnapshot != nil:
		sum.LatestCursor = s.lastSnapshot.Cursor
	}
	return sum
}

// claimedByOther reports whether a different connection holds the
// controller claim.
func (s *session) claimedByOther(connID string) bool {
	return s.controller != nil && s.controller.ConnectionID != connID
}

func claimConflict(controller *events.Controller) error {
	return trace.AccessDenied("session is claimed by %v", controller.DisplayLabel())
}

// statusModel is the projected record carried by session-status events
// and summaries. Phase folds the status and attention reason into the
// single word UIs key off.
type statusModel struct {
	AgentType       string           `json:"agentType"`
	Status          string           `json:"status"`
	Phase           string           `json:"phase"`
	AttentionReason string           `json:"attentionReason,omitempty"`
	LastEventAt     *time.Time       `json:"lastEventAt,omitempty"`
	Exit            *term.ExitStatus `json:"exit,omitempty"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

func phaseFor(status string) string {
	switch status {
	case corral.StatusNeedsInput:
		return "blocked"
	case corral.StatusCompleted:
		return "done"
	case corral.StatusExited:
		return "exited"
	default:
		return "working"
	}
}

// projectStatusModel regenerates the opaque status model. Called on
// every state-affecting input.
func (s *session) projectStatusModel(now time.Time) {
	model := statusModel{
		AgentType:       s.agentType,
		Status:          s.status,
		Phase:           phaseFor(s.status),
		AttentionReason: s.attentionReason,
		LastEventAt:     s.lastEventAt,
		Exit:            s.lastExit,
		UpdatedAt:       now,
	}
	data, err := json.Marshal(model)
	if err != nil {
		return
	}
	s.statusModel = data
}

// Sort orders accepted by session.list.
const (
	SortAttentionFirst = "attention-first"
	SortStartedAsc     = "started-asc"
	SortStartedDesc    = "started-desc"
)

func statusPriority(status string) int {
	switch status {
	case corral.StatusNeedsInput:
		return 0
	case corral.StatusRunning:
		return 1
	case corral.StatusCompleted:
		return 2
	case corral.StatusExited:
		return 3
	}
	return 4
}

// sortSummaries orders the list in place. Attention-first ranks by
// status priority, then most recent event, then most recent start, then
// id; the started orders rank by start time with id tiebreak.
func sortSummaries(list []SessionSummary, order string) error {
	switch order {
	case "", SortAttentionFirst:
		sort.SliceStable(list, func(i, j int) bool {
			a, b := list[i], list[j]
			if pa, pb := statusPriority(a.Status), statusPriority(b.Status); pa != pb {
				return pa < pb
			}
			switch {
			case a.LastEventAt != nil && b.LastEventAt == nil:
				return true
			case a.LastEventAt == nil && b.LastEventAt != nil:
				return false
			case a.LastEventAt != nil && b.LastEventAt != nil &&
				!a.LastEventAt.Equal(*b.LastEventAt):
				return a.LastEventAt.After(*b.LastEventAt)
			}
			if !a.StartedAt.Equal(b.StartedAt) {
				return a.StartedAt.After(b.StartedAt)
			}
			return a.SessionID < b.SessionID
		})
	case SortStartedAsc:
		sort.SliceStable(list, func(i, j int) bool {
			a, b := list[i], list[j]
			if !a.StartedAt.Equal(b.StartedAt) {
				return a.StartedAt.Before(b.StartedAt)
			}
			return a.SessionID < b.SessionID
		})
	case SortStartedDesc:
		sort.SliceStable(list, func(i, j int) bool {
			a, b := list[i], list[j]
			if !a.StartedAt.Equal(b.StartedAt) {
				return a.StartedAt.After(b.StartedAt)
			}
			return a.SessionID < b.SessionID
		})
	default:
		return trace.BadParameter("unknown sort order %q", order)
	}
	return nil
}

// SessionFilter selects sessions for session.list. Set fields must all
// match.
type SessionFilter struct {
	Status      string `json:"status,omitempty"`
	Live        *bool  `json:"live,omitempty"`
	TenantID    string `json:"tenantId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	DirectoryID string `json:"directoryId,omitempty"`
}

func (f SessionFilter) matches(sum SessionSummary) bool {
	if f.Status != "" && f.Status != sum.Status {
		return false
	}
	if f.Live != nil && *f.Live != sum.Live {
		return false
	}
	if f.TenantID != "" && f.TenantID != sum.TenantID {
		return false
	}
	if f.UserID != "" && f.UserID != sum.UserID {
		return false
	}
	if f.WorkspaceID != "" && f.WorkspaceID != sum.WorkspaceID {
		return false
	}
	if f.DirectoryID != "" && f.DirectoryID != sum.DirectoryID {
		return false
	}
	return true
}

// resumeThreadID digs the codex resume thread out of an adapter state
// bag, empty when absent or unreadable.
func resumeThreadID(state json.RawMessage) string {
	if len(state) == 0 {
		return ""
	}
	var bag struct {
		Codex struct {
			ResumeSessionID string `json:"resumeSessionId"`
		} `json:"codex"`
	}
	if err := json.Unmarshal(state, &bag); err != nil {
		return ""
	}
	return bag.Codex.ResumeSessionID
}

// withResumeThreadID returns the adapter state with
// codex.resumeSessionId set to threadID, preserving unrelated keys, and
// reports whether the state changed.
func withResumeThreadID(state json.RawMessage, threadID string) (json.RawMessage, bool) {
	if resumeThreadID(state) == threadID {
		return state, false
	}
	bag := map[string]json.RawMessage{}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &bag); err != nil {
			bag = map[string]json.RawMessage{}
		}
	}
	codex := map[string]any{}
	if raw, ok := bag["codex"]; ok {
		if err := json.Unmarshal(raw, &codex); err != nil {
			codex = map[string]any{}
		}
	}
	codex["resumeSessionId"] = threadID
	codexRaw, err := json.Marshal(codex)
	if err != nil {
		return state, false
	}
	bag["codex"] = codexRaw
	merged, err := json.Marshal(bag)
	if err != nil {
		return state, false
	}
	return merged, true
}
