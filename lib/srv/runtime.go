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
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/events"
	"github.com/jmoyers/corral/lib/state"
	"github.com/jmoyers/corral/lib/term"
	"github.com/jmoyers/corral/lib/utils"
	"github.com/jmoyers/corral/lib/wire"
)

// startParams collects everything createSession needs. Fields left
// empty fall back to the persisted conversation, then to defaults.
type startParams struct {
	sessionID   string
	agentType   string
	title       string
	command     string
	directoryID string
	cwd         string
	cols        int
	rows        int
	tenantID    string
	userID      string
	workspaceID string
}

// createSession is the pty.start path, shared with startup recovery: it
// recovers the persisted conversation, builds the launch profile with a
// freshly minted telemetry token, starts the PTY host, registers the
// journal feed and lifecycle listener, then persists and publishes the
// initial status.
func (s *Server) createSession(p startParams) (string, error) {
	id := p.sessionID
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return "", trace.ConnectionProblem(nil, "server is shutting down")
	}
	if existing, ok := s.sessions[id]; ok {
		if existing.live != nil {
			s.mu.Unlock()
			return "", trace.AlreadyExists("session already exists: %v", id)
		}
		// a tombstone with the same id is destroyed, then recreated
		fn := s.destroySessionLocked(existing, "restarted")
		s.mu.Unlock()
		fn()
	} else {
		s.mu.Unlock()
	}

	conv, err := s.cfg.Store.GetConversation(s.ctx, id)
	exists := err == nil
	if err != nil && !trace.IsNotFound(err) {
		return "", trace.Wrap(err)
	}

	agentType := firstNonEmpty(p.agentType, conv.AgentType, corral.AgentTerminal)
	if !corral.KnownAgent(agentType) {
		return "", trace.BadParameter("unknown agent type %q", agentType)
	}
	title := firstNonEmpty(p.title, conv.Title)
	scope := events.Scope{
		TenantID:       firstNonEmpty(p.tenantID, conv.TenantID),
		UserID:         firstNonEmpty(p.userID, conv.UserID),
		WorkspaceID:    firstNonEmpty(p.workspaceID, conv.WorkspaceID),
		DirectoryID:    firstNonEmpty(p.directoryID, conv.DirectoryID),
		ConversationID: id,
	}

	cwd := p.cwd
	if cwd == "" {
		if scope.DirectoryID == "" {
			return "", trace.BadParameter("missing directory or cwd")
		}
		dir, err := s.cfg.Store.GetDirectory(s.ctx, scope.DirectoryID)
		if err != nil {
			if trace.IsNotFound(err) {
				return "", trace.NotFound("directory not found")
			}
			return "", trace.Wrap(err)
		}
		cwd = dir.Path
	}

	var token string
	if s.cfg.Tokens != nil {
		token = s.cfg.Tokens.Mint(id)
	}
	profile, err := term.BuildProfile(term.ProfileParams{
		Kind:           agentType,
		SessionID:      id,
		Command:        p.command,
		ResumeThreadID: resumeThreadID(conv.AdapterState),
		TelemetryURL:   s.cfg.TelemetryURL,
		TelemetryToken: token,
		SettingsDir:    s.cfg.SettingsDir,
	})
	if err != nil {
		s.revokeToken(id, token)
		return "", trace.Wrap(err)
	}
	live, err := term.StartSession(s.ctx, term.Config{
		Profile:     profile,
		Dir:         cwd,
		SessionID:   id,
		Cols:        p.cols,
		Rows:        p.rows,
		ReplayBytes: s.cfg.ReplayBytes,
		KillDelay:   s.cfg.KillDelay,
		Clock:       s.cfg.Clock,
	})
	if err != nil {
		s.revokeToken(id, token)
		profile.Cleanup()
		return "", trace.Wrap(err)
	}

	now := s.cfg.Clock.Now()
	sess := &session{
		id:             id,
		agentType:      agentType,
		title:          title,
		scope:          scope,
		cwd:            cwd,
		live:           live,
		status:         corral.StatusRunning,
		adapterState:   conv.AdapterState,
		startedAt:      now,
		attachments:    make(map[string]uint64),
		eventSubs:      make(map[string]bool),
		telemetryToken: token,
		profile:        profile,
	}
	sess.diag.outputRate = utils.NewRateCounter(s.cfg.Clock, time.Minute)
	// a needs-input or completed status with a recorded event survives
	// the restart; anything else starts running
	switch conv.RuntimeStatus {
	case corral.StatusNeedsInput, corral.StatusCompleted:
		if conv.RuntimeLastEventAt != nil {
			sess.status = conv.RuntimeStatus
			sess.lastEventAt = conv.RuntimeLastEventAt
			if conv.RuntimeStatus == corral.StatusNeedsInput {
				sess.attentionReason = conv.RuntimeAttentionReason
			}
		}
	}
	sess.projectStatusModel(now)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		live.Close()
		s.revokeToken(id, token)
		profile.Cleanup()
		return "", trace.ConnectionProblem(nil, "server is shutting down")
	}
	if _, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		live.Close()
		s.revokeToken(id, token)
		profile.Cleanup()
		return "", trace.AlreadyExists("session already exists: %v", id)
	}
	s.sessions[id] = sess
	s.metrics.sessionsActive.Inc()
	s.mu.Unlock()

	// journal feed; replay from zero so early output is never lost
	attachID := live.Attach(term.AttachHandlers{
		OnData: func(cursor uint64, data []byte) {
			s.fanOutput(id, cursor, data)
		},
	}, 0)
	stop := live.OnEvent(func(ev term.Event) {
		s.handleSessionEvent(id, live, ev)
	})
	s.mu.Lock()
	sess.serverAttachID = attachID
	sess.stopEvents = stop
	s.mu.Unlock()

	if !exists {
		created, err := s.cfg.Store.UpsertConversation(s.ctx, state.Conversation{
			ID:          id,
			TenantID:    scope.TenantID,
			UserID:      scope.UserID,
			WorkspaceID: scope.WorkspaceID,
			DirectoryID: scope.DirectoryID,
			AgentType:   agentType,
			Title:       title,
		})
		if err != nil {
			s.logger.Warn("Persisting conversation failed.", "session_id", id, "error", err)
		} else if record, err := json.Marshal(created); err == nil {
			s.PublishObserved(scope, events.Event{
				Kind:           events.KindConversationCreated,
				ConversationID: id,
				DirectoryID:    scope.DirectoryID,
				Record:         record,
			})
		}
	}

	s.mu.Lock()
	if cur, ok := s.sessions[id]; ok && cur == sess {
		s.persistRuntimeLocked(sess)
		s.publishStatusLocked(sess)
	}
	s.mu.Unlock()

	// a child that died before the listener registered would otherwise
	// be missed
	if exit := live.Exited(); exit != nil {
		s.handleSessionEvent(id, live, term.Event{
			Kind: term.EventSessionExit,
			At:   s.cfg.Clock.Now(),
			Exit: exit,
		})
	}

	s.logger.Info("Session created.",
		"session_id", id, "agent", agentType, "cwd", cwd, "status", sess.status)
	return id, nil
}

// RecoverSessions restarts a session for every non-archived persisted
// conversation. Individual failures are logged and counted, never
// fatal.
func (s *Server) RecoverSessions(ctx context.Context) (int, error) {
	convs, err := s.cfg.Store.ListConversations(ctx, state.ListConversationsParams{})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	recovered := 0
	for _, conv := range convs {
		if _, err := s.createSession(startParams{sessionID: conv.ID}); err != nil {
			s.logger.Warn("Recovering session failed.", "session_id", conv.ID, "error", err)
			continue
		}
		recovered++
	}
	if len(convs) > 0 {
		s.logger.Info("Session recovery finished.", "recovered", recovered, "total", len(convs))
	}
	return recovered, nil
}

// handleSessionEvent is the lifecycle listener: it drives the status
// engine, forwards pty.event records to subscribers, and runs the exit
// path. Terminal output goes through fanOutput instead.
func (s *Server) handleSessionEvent(id string, live *term.Session, ev term.Event) {
	if ev.Kind == term.EventTerminalOutput {
		return
	}
	var exitSnap *term.Snapshot
	if ev.Kind == term.EventSessionExit {
		snap := live.Snapshot()
		exitSnap = &snap
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || sess.live != live {
		s.mu.Unlock()
		return
	}
	if ev.Kind == term.EventSessionExit && sess.status == corral.StatusExited {
		s.mu.Unlock()
		return
	}
	now := ev.At
	if now.IsZero() {
		now = s.cfg.Clock.Now()
	}

	s.fanEventLocked(sess, ev)

	var finish func()
	switch ev.Kind {
	case term.EventNotify:
		sess.lastEventAt = &now
		sess.projectStatusModel(now)
		s.persistRuntimeLocked(sess)
		s.publishLocked(sess.scope, events.Event{
			Kind:         events.KindSessionEvent,
			SessionID:    id,
			SessionEvent: string(term.EventNotify),
			Record:       ev.Payload,
		})
	case term.EventAttentionRequired:
		reason := ev.Reason
		if reason == "" {
			reason = "attention-required"
		}
		sess.status = corral.StatusNeedsInput
		sess.attentionReason = reason
		sess.lastEventAt = &now
		sess.projectStatusModel(now)
		s.persistRuntimeLocked(sess)
		s.publishStatusLocked(sess)
	case term.EventTurnCompleted:
		sess.status = corral.StatusCompleted
		sess.attentionReason = ""
		sess.lastEventAt = &now
		sess.projectStatusModel(now)
		s.persistRuntimeLocked(sess)
		s.publishStatusLocked(sess)
	case term.EventSessionExit:
		finish = s.finishExitLocked(sess, ev, exitSnap, now)
	}
	s.mu.Unlock()

	if finish != nil {
		finish()
	}
}

// finishExitLocked turns the session into a tombstone: captures the
// exit and last frame, drops attachment and subscriber bookkeeping,
// persists and publishes the exited status, and arms the tombstone
// timer. Returns the teardown to run outside the mutex.
func (s *Server) finishExitLocked(sess *session, ev term.Event, snap *term.Snapshot, now time.Time) func() {
	exit := ev.Exit
	if exit == nil {
		exit = &term.ExitStatus{}
	}
	sess.status = corral.StatusExited
	sess.attentionReason = ""
	sess.lastExit = exit
	sess.lastEventAt = &now
	sess.exitedAt = &now
	sess.lastSnapshot = snap
	sess.live = nil
	stop := sess.stopEvents
	sess.stopEvents = nil

	// the term side already dropped its handlers at exit; drop the
	// bookkeeping mirror
	for connID := range sess.attachments {
		if c, ok := s.conns[connID]; ok {
			delete(c.attachments, sess.id)
		}
	}
	sess.attachments = make(map[string]uint64)
	for connID := range sess.eventSubs {
		if c, ok := s.conns[connID]; ok {
			delete(c.eventSubs, sess.id)
		}
	}
	sess.eventSubs = make(map[string]bool)

	sess.projectStatusModel(now)
	s.persistRuntimeLocked(sess)
	s.publishStatusLocked(sess)
	s.logger.Info("Session exited.",
		"session_id", sess.id, "code", exitCode(exit), "signal", exit.Signal)

	var destroy func()
	if ttl := *s.cfg.TombstoneTTL; ttl <= 0 {
		destroy = s.destroySessionLocked(sess, "tombstone disabled")
	} else {
		id := sess.id
		sess.tombstone = s.cfg.Clock.AfterFunc(ttl, func() {
			s.expireTombstone(id)
		})
	}

	return func() {
		if stop != nil {
			stop()
		}
		if destroy != nil {
			destroy()
		}
	}
}

// destroySessionLocked removes the session from the runtime: stops the
// tombstone timer, releases the controller claim, clears connection
// bookkeeping, and returns the teardown to run outside the mutex.
func (s *Server) destroySessionLocked(sess *session, reason string) func() {
	if _, ok := s.sessions[sess.id]; !ok {
		return func() {}
	}
	delete(s.sessions, sess.id)
	s.metrics.sessionsActive.Dec()

	if sess.tombstone != nil {
		sess.tombstone.Stop()
		sess.tombstone = nil
	}
	if sess.controller != nil {
		released := sess.controller
		sess.controller = nil
		s.publishLocked(sess.scope, events.Event{
			Kind:       events.KindSessionControl,
			SessionID:  sess.id,
			Action:     events.ActionReleased,
			Controller: released,
			Reason:     corral.ReleaseReasonSessionRemoved,
		})
	}
	for connID := range sess.attachments {
		if c, ok := s.conns[connID]; ok {
			delete(c.attachments, sess.id)
		}
	}
	sess.attachments = make(map[string]uint64)
	for connID := range sess.eventSubs {
		if c, ok := s.conns[connID]; ok {
			delete(c.eventSubs, sess.id)
		}
	}
	sess.eventSubs = make(map[string]bool)

	live := sess.live
	sess.live = nil
	stop := sess.stopEvents
	sess.stopEvents = nil
	token := sess.telemetryToken
	profile := sess.profile
	id := sess.id

	s.logger.Info("Session destroyed.", "session_id", id, "reason", reason)
	return func() {
		if stop != nil {
			stop()
		}
		if live != nil {
			live.Close()
		}
		s.revokeToken(id, token)
		if err := profile.Cleanup(); err != nil {
			s.logger.Debug("Profile cleanup failed.", "session_id", id, "error", err)
		}
	}
}

// destroySession destroys a session by id at any point in its life.
func (s *Server) destroySession(id, reason string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	fn := s.destroySessionLocked(sess, reason)
	s.mu.Unlock()
	fn()
	return true
}

func (s *Server) expireTombstone(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || sess.live != nil {
		s.mu.Unlock()
		return
	}
	fn := s.destroySessionLocked(sess, "tombstone expired")
	s.mu.Unlock()
	fn()
}

// fanOutput is the journal feed for terminal output: it charges the
// fan-out diagnostics and publishes the chunk as a session-output
// event. Per-connection byte delivery happens through the connections'
// own attachments.
func (s *Server) fanOutput(id string, cursor uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	size := uint64(len(data))
	n := uint64(len(sess.attachments))
	sess.diag.fanoutBytes += size * n
	sess.diag.fanoutEvents += n
	sess.diag.outputRate.Add(size)
	s.metrics.fanoutBytes.Add(float64(size * n))
	s.metrics.fanoutEvents.Add(float64(n))

	s.publishLocked(sess.scope, events.Event{
		Kind:        events.KindSessionOutput,
		SessionID:   id,
		Cursor:      cursor - size,
		ChunkBase64: base64.StdEncoding.EncodeToString(data),
	})
}

// fanEventLocked forwards one lifecycle event to the connections
// subscribed through pty.subscribe-events.
func (s *Server) fanEventLocked(sess *session, ev term.Event) {
	if len(sess.eventSubs) == 0 {
		return
	}
	record := struct {
		Kind    string           `json:"kind"`
		At      time.Time        `json:"at"`
		Cursor  uint64           `json:"cursor"`
		Reason  string           `json:"reason,omitempty"`
		Exit    *term.ExitStatus `json:"exit,omitempty"`
		Payload json.RawMessage  `json:"payload,omitempty"`
	}{string(ev.Kind), ev.At, ev.Cursor, ev.Reason, ev.Exit, ev.Payload}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	frame, err := wire.Encode(wire.ServerEnvelope{
		Kind:      wire.KindEvent,
		SessionID: sess.id,
		Event:     data,
	})
	if err != nil {
		return
	}
	for connID := range sess.eventSubs {
		if c, ok := s.conns[connID]; ok {
			if _, signaled := c.enqueue(frame, sess.id); signaled {
				sess.diag.backpressureSignals++
			}
		}
	}
}

// persistRuntimeLocked writes the session's runtime fields back to its
// conversation row. Store failures are logged; the in-memory runtime
// stays authoritative.
func (s *Server) persistRuntimeLocked(sess *session) {
	runtime := state.ConversationRuntime{
		Status:          sess.status,
		LastEventAt:     sess.lastEventAt,
		AttentionReason: sess.attentionReason,
		AdapterState:    sess.adapterState,
	}
	if sess.lastExit != nil {
		if data, err := json.Marshal(sess.lastExit); err == nil {
			runtime.LastExit = data
		}
	}
	if err := s.cfg.Store.UpdateConversationRuntime(s.ctx, sess.id, runtime); err != nil {
		s.logger.Warn("Persisting session runtime failed.", "session_id", sess.id, "error", err)
	}
}

// publishStatusLocked publishes the session-status observed event with
// the current projection.
func (s *Server) publishStatusLocked(sess *session) {
	event := events.Event{
		Kind:            events.KindSessionStatus,
		SessionID:       sess.id,
		AgentType:       sess.agentType,
		Status:          sess.status,
		AttentionReason: sess.attentionReason,
		StatusModel:     sess.statusModel,
	}
	if sess.status == corral.StatusExited && sess.lastExit != nil {
		event.ExitCode = sess.lastExit.Code
		event.ExitSignal = sess.lastExit.Signal
	}
	s.publishLocked(sess.scope, event)
}

// KeyEvent is a telemetry event distilled for the status engine.
type KeyEvent struct {
	Source     string
	EventName  string
	Severity   string
	Summary    string
	ObservedAt time.Time
	StatusHint string
}

// ApplyKeyEvent feeds one retained telemetry event into the status
// engine and publishes the session-key-event journal record. Status
// hints are honored only for needs-input and running, only while the
// session is live, and never from the history replay source.
func (s *Server) ApplyKeyEvent(sessionID string, ev KeyEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	now := ev.ObservedAt
	if now.IsZero() {
		now = s.cfg.Clock.Now()
	}

	changed := false
	if sess.live != nil && ev.Source != state.TelemetrySourceHistory {
		switch ev.StatusHint {
		case corral.StatusNeedsInput:
			if sess.status != corral.StatusNeedsInput {
				sess.status = corral.StatusNeedsInput
				sess.attentionReason = firstNonEmpty(ev.Summary, "agent requested input")
				changed = true
			}
		case corral.StatusRunning:
			if sess.status != corral.StatusRunning {
				sess.status = corral.StatusRunning
				sess.attentionReason = ""
				changed = true
			}
		}
	}
	if ev.Source != state.TelemetrySourceHistory {
		sess.lastEventAt = &now
	}
	sess.projectStatusModel(now)
	if changed {
		s.persistRuntimeLocked(sess)
		s.publishStatusLocked(sess)
	}

	observed := now
	s.publishLocked(sess.scope, events.Event{
		Kind:       events.KindSessionKeyEvent,
		SessionID:  sessionID,
		Source:     ev.Source,
		EventName:  ev.EventName,
		Severity:   ev.Severity,
		Summary:    ev.Summary,
		ObservedAt: &observed,
		StatusHint: ev.StatusHint,
	})
}

// PublishPromptEvent publishes a session-prompt-event under the
// session's scope.
func (s *Server) PublishPromptEvent(sessionID, text, hash string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	observed := at
	s.publishLocked(sess.scope, events.Event{
		Kind:       events.KindSessionPromptEvent,
		SessionID:  sessionID,
		PromptText: text,
		PromptHash: hash,
		ObservedAt: &observed,
	})
}

// ReconcileResumeThread folds a provider thread id into the session's
// adapter state, persisting only on change.
func (s *Server) ReconcileResumeThread(sessionID, threadID string) {
	if threadID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	next, changed := withResumeThreadID(sess.adapterState, threadID)
	if !changed {
		return
	}
	sess.adapterState = next
	s.persistRuntimeLocked(sess)
}

// SessionForThread finds the session whose adapter state carries the
// given provider thread id. History replay attributes lines that only
// name the provider's conversation through it.
func (s *Server) SessionForThread(threadID string) (string, bool) {
	if threadID == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if resumeThreadID(sess.adapterState) == threadID {
			return id, true
		}
	}
	return "", false
}

// CountTelemetry adds to a session's ingest counters.
func (s *Server) CountTelemetry(sessionID string, ingested, retained, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	sess.diag.telemetryIngested += ingested
	sess.diag.telemetryRetained += retained
	sess.diag.telemetryDropped += dropped
}

// InjectSessionEvent feeds an agent-relayed lifecycle record (hook
// callbacks from the claude and cursor wrappers) into the session's
// event feed.
func (s *Server) InjectSessionEvent(sessionID, kind, reason string, payload []byte) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	var live *term.Session
	if ok {
		live = sess.live
	}
	s.mu.Unlock()
	if !ok {
		return trace.NotFound("session not found: %v", sessionID)
	}
	if live == nil {
		return trace.BadParameter("session is not live: %v", sessionID)
	}
	return trace.Wrap(live.Inject(term.Event{
		Kind:    term.EventKind(kind),
		Reason:  reason,
		Payload: payload,
	}))
}

func (s *Server) revokeToken(sessionID, token string) {
	if s.cfg.Tokens != nil && token != "" {
		s.cfg.Tokens.Revoke(sessionID)
	}
}

func exitCode(exit *term.ExitStatus) any {
	if exit == nil || exit.Code == nil {
		return nil
	}
	return *exit.Code
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
