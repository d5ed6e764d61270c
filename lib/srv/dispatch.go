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
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/events"
	"github.com/jmoyers/corral/lib/state"
	"github.com/jmoyers/corral/lib/term"
	"github.com/jmoyers/corral/lib/wire"
)

// handleCommand runs one command envelope and replies with
// command.completed or command.failed. Command errors never propagate
// into the runtime. pty.start additionally acknowledges up front
// because session launch can take a while.
func (s *Server) handleCommand(c *conn, env wire.ClientEnvelope) {
	if env.Command == wire.CmdPtyStart {
		c.send(wire.ServerEnvelope{
			Kind:      wire.KindCommandAccepted,
			CommandID: env.CommandID,
		}, "")
	}
	result, err := s.runCommand(c, env)
	if err != nil {
		c.logger.Debug("Command failed.", "command", env.Command, "error", err)
		c.send(wire.ServerEnvelope{
			Kind:      wire.KindCommandFailed,
			CommandID: env.CommandID,
			Error:     trace.UserMessage(err),
		}, "")
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		c.send(wire.ServerEnvelope{
			Kind:      wire.KindCommandFailed,
			CommandID: env.CommandID,
			Error:     err.Error(),
		}, "")
		return
	}
	c.send(wire.ServerEnvelope{
		Kind:      wire.KindCommandCompleted,
		CommandID: env.CommandID,
		Result:    data,
	}, "")
}

func (s *Server) runCommand(c *conn, env wire.ClientEnvelope) (any, error) {
	switch env.Command {
	case wire.CmdSessionList:
		return s.cmdSessionList(env)
	case wire.CmdAttentionList:
		return s.cmdAttentionList()
	case wire.CmdSessionStatus:
		return s.cmdSessionStatus(env)
	case wire.CmdSessionSnapshot:
		return s.cmdSessionSnapshot(env)
	case wire.CmdSessionRespond:
		return s.cmdSessionRespond(c, env)
	case wire.CmdSessionInterrupt:
		return s.cmdSessionInterrupt(c, env)
	case wire.CmdSessionClaim:
		return s.cmdSessionClaim(c, env)
	case wire.CmdSessionRelease:
		return s.cmdSessionRelease(c, env)
	case wire.CmdSessionRemove:
		return s.cmdSessionRemove(env)
	case wire.CmdPtyStart:
		return s.cmdPtyStart(env)
	case wire.CmdPtyAttach:
		return s.cmdPtyAttach(c, env)
	case wire.CmdPtyDetach:
		return s.cmdPtyDetach(c, env)
	case wire.CmdSubscribeEvents:
		return s.cmdSubscribeEvents(c, env)
	case wire.CmdUnsubscribeEvents:
		return s.cmdUnsubscribeEvents(c, env)
	case wire.CmdStreamSubscribe:
		return s.cmdStreamSubscribe(c, env)
	case wire.CmdStreamUnsubscribe:
		return s.cmdStreamUnsubscribe(c, env)
	case wire.CmdDirectoryUpsert:
		return s.cmdDirectoryUpsert(env)
	case wire.CmdDirectoryList:
		return s.cmdDirectoryList(env)
	case wire.CmdDirectoryArchive:
		return s.cmdDirectoryArchive(env)
	case wire.CmdConversationUpsert:
		return s.cmdConversationUpsert(env)
	case wire.CmdConversationList:
		return s.cmdConversationList(env)
	case wire.CmdConversationArchive:
		return s.cmdConversationArchive(env)
	case wire.CmdConversationDelete:
		return s.cmdConversationDelete(env)
	case wire.CmdTaskCreate:
		return s.cmdTaskCreate(env)
	case wire.CmdTaskUpdate:
		return s.cmdTaskUpdate(env)
	case wire.CmdTaskList:
		return s.cmdTaskList(env)
	case wire.CmdTaskReorder:
		return s.cmdTaskReorder(env)
	case wire.CmdRepositoryList:
		return s.cmdRepositoryList()
	case wire.CmdAgentToolsStatus:
		return s.cmdAgentToolsStatus()
	}
	return nil, trace.BadParameter("unknown command %q", env.Command)
}

func parsePayload(env wire.ClientEnvelope, out any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return trace.BadParameter("invalid %v payload: %v", env.Command, err)
	}
	return nil
}

type sessionListRequest struct {
	Filter SessionFilter `json:"filter"`
	Sort   string        `json:"sort,omitempty"`
}

type sessionListResult struct {
	Sessions []SessionSummary `json:"sessions"`
}

func (s *Server) cmdSessionList(env wire.ClientEnvelope) (any, error) {
	var req sessionListRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	list := s.listSummaries(req.Filter)
	if err := sortSummaries(list, req.Sort); err != nil {
		return nil, trace.Wrap(err)
	}
	return sessionListResult{Sessions: list}, nil
}

func (s *Server) cmdAttentionList() (any, error) {
	list := s.listSummaries(SessionFilter{Status: corral.StatusNeedsInput})
	if err := sortSummaries(list, SortAttentionFirst); err != nil {
		return nil, trace.Wrap(err)
	}
	return sessionListResult{Sessions: list}, nil
}

func (s *Server) listSummaries(filter SessionFilter) []SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]SessionSummary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sum := sess.summarize()
		if filter.matches(sum) {
			list = append(list, sum)
		}
	}
	return list
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) cmdSessionStatus(env wire.ClientEnvelope) (any, error) {
	var req sessionRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		return nil, trace.NotFound("session not found: %v", req.SessionID)
	}
	return sess.summarize(), nil
}

type sessionSnapshotResult struct {
	SessionID string         `json:"sessionId"`
	Snapshot  *term.Snapshot `json:"snapshot"`
	Stale     bool           `json:"stale"`
}

func (s *Server) cmdSessionSnapshot(env wire.ClientEnvelope) (any, error) {
	var req sessionRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		s.mu.Unlock()
		return nil, trace.NotFound("session not found: %v", req.SessionID)
	}
	live := sess.live
	last := sess.lastSnapshot
	s.mu.Unlock()

	if live != nil {
		snap := live.Snapshot()
		return sessionSnapshotResult{SessionID: req.SessionID, Snapshot: &snap}, nil
	}
	return sessionSnapshotResult{SessionID: req.SessionID, Snapshot: last, Stale: true}, nil
}

type sessionRespondRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type sessionRespondResult struct {
	Responded bool `json:"responded"`
	SentBytes int  `json:"sentBytes"`
}

func (s *Server) cmdSessionRespond(c *conn, env wire.ClientEnvelope) (any, error) {
	var req sessionRespondRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	live, err := s.claimGatedLive(c, req.SessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	data := append([]byte(req.Text), '\r')
	if err := live.Write(data); err != nil {
		return nil, trace.Wrap(err)
	}
	s.forceRunning(req.SessionID, live)
	return sessionRespondResult{Responded: true, SentBytes: len(data)}, nil
}

type sessionInterruptResult struct {
	Interrupted bool `json:"interrupted"`
}

func (s *Server) cmdSessionInterrupt(c *conn, env wire.ClientEnvelope) (any, error) {
	var req sessionRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	live, err := s.claimGatedLive(c, req.SessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := live.Signal(wire.SignalInterrupt); err != nil {
		return nil, trace.Wrap(err)
	}
	s.forceRunning(req.SessionID, live)
	return sessionInterruptResult{Interrupted: true}, nil
}

// claimGatedLive resolves a live session for a mutating command,
// enforcing the controller claim against the calling connection.
func (s *Server) claimGatedLive(c *conn, sessionID string) (*term.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, trace.NotFound("session not found: %v", sessionID)
	}
	if sess.claimedByOther(c.id) {
		return nil, claimConflict(sess.controller)
	}
	if sess.live == nil {
		return nil, trace.BadParameter("session is not live: %v", sessionID)
	}
	return sess.live, nil
}

// forceRunning is the respond/interrupt transition: back to running
// with the attention reason cleared.
func (s *Server) forceRunning(sessionID string, live *term.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.live != live {
		return
	}
	if sess.status == corral.StatusRunning && sess.attentionReason == "" {
		return
	}
	sess.status = corral.StatusRunning
	sess.attentionReason = ""
	sess.projectStatusModel(s.cfg.Clock.Now())
	s.persistRuntimeLocked(sess)
	s.publishStatusLocked(sess)
}

type sessionClaimRequest struct {
	SessionID       string `json:"sessionId"`
	ControllerID    string `json:"controllerId"`
	ControllerType  string `json:"controllerType,omitempty"`
	ControllerLabel string `json:"controllerLabel,omitempty"`
	Takeover        bool   `json:"takeover,omitempty"`
}

type sessionClaimResult struct {
	Controller *events.Controller `json:"controller"`
}

func (s *Server) cmdSessionClaim(c *conn, env wire.ClientEnvelope) (any, error) {
	var req sessionClaimRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.ControllerID == "" {
		return nil, trace.BadParameter("missing controllerId")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		return nil, trace.NotFound("session not found: %v", req.SessionID)
	}
	next := &events.Controller{
		ID:           req.ControllerID,
		Type:         req.ControllerType,
		Label:        req.ControllerLabel,
		ConnectionID: c.id,
		ClaimedAt:    s.cfg.Clock.Now(),
	}
	switch cur := sess.controller; {
	case cur == nil:
		sess.controller = next
		s.publishLocked(sess.scope, events.Event{
			Kind:       events.KindSessionControl,
			SessionID:  sess.id,
			Action:     events.ActionClaimed,
			Controller: next,
		})
	case cur.ID == req.ControllerID:
		// same controller re-claiming; rebind the connection quietly
		next.ClaimedAt = cur.ClaimedAt
		sess.controller = next
	case !req.Takeover:
		return nil, claimConflict(cur)
	default:
		prev := cur
		sess.controller = next
		s.publishLocked(sess.scope, events.Event{
			Kind:               events.KindSessionControl,
			SessionID:          sess.id,
			Action:             events.ActionTakenOver,
			Controller:         next,
			PreviousController: prev,
		})
	}
	return sessionClaimResult{Controller: sess.controller}, nil
}

type sessionReleaseRequest struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

type sessionReleaseResult struct {
	Released bool `json:"released"`
}

func (s *Server) cmdSessionRelease(c *conn, env wire.ClientEnvelope) (any, error) {
	var req sessionReleaseRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		return nil, trace.NotFound("session not found: %v", req.SessionID)
	}
	if sess.controller == nil || sess.controller.ConnectionID != c.id {
		return sessionReleaseResult{}, nil
	}
	released := sess.controller
	sess.controller = nil
	s.publishLocked(sess.scope, events.Event{
		Kind:       events.KindSessionControl,
		SessionID:  sess.id,
		Action:     events.ActionReleased,
		Controller: released,
		Reason:     req.Reason,
	})
	return sessionReleaseResult{Released: true}, nil
}

type sessionRemoveResult struct {
	Removed bool `json:"removed"`
}

func (s *Server) cmdSessionRemove(env wire.ClientEnvelope) (any, error) {
	var req sessionRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		s.mu.Unlock()
		return nil, trace.NotFound("session not found: %v", req.SessionID)
	}
	fn := s.destroySessionLocked(sess, "removed by command")
	s.mu.Unlock()
	fn()
	return sessionRemoveResult{Removed: true}, nil
}

type ptyStartRequest struct {
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

type ptyStartResult struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) cmdPtyStart(env wire.ClientEnvelope) (any, error) {
	var req ptyStartRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	id, err := s.createSession(startParams{
		sessionID:   req.SessionID,
		agentType:   req.AgentType,
		title:       req.Title,
		command:     req.Command,
		directoryID: req.DirectoryID,
		cwd:         req.Cwd,
		cols:        req.Cols,
		rows:        req.Rows,
		tenantID:    req.TenantID,
		userID:      req.UserID,
		workspaceID: req.WorkspaceID,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ptyStartResult{SessionID: id}, nil
}

type ptyAttachRequest struct {
	SessionID   string `json:"sessionId"`
	SinceCursor uint64 `json:"sinceCursor,omitempty"`
}

type ptyAttachResult struct {
	LatestCursor uint64 `json:"latestCursor"`
}

func (s *Server) cmdPtyAttach(c *conn, env wire.ClientEnvelope) (any, error) {
	var req ptyAttachRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		s.mu.Unlock()
		return nil, trace.NotFound("session not found: %v", req.SessionID)
	}
	live := sess.live
	if live == nil {
		s.mu.Unlock()
		return nil, trace.BadParameter("session is not live: %v", req.SessionID)
	}
	prevID, hadPrev := sess.attachments[c.id]
	s.mu.Unlock()

	// one active attachment per connection per session
	if hadPrev {
		live.Detach(prevID)
	}

	id := req.SessionID
	attachID := live.Attach(term.AttachHandlers{
		OnData: func(cursor uint64, data []byte) {
			frame, err := wire.Encode(wire.ServerEnvelope{
				Kind:        wire.KindOutput,
				SessionID:   id,
				Cursor:      cursor - uint64(len(data)),
				ChunkBase64: base64.StdEncoding.EncodeToString(data),
			})
			if err != nil {
				return
			}
			if _, signaled := c.enqueue(frame, id); signaled {
				s.noteBackpressureSignal(id)
			}
		},
		OnExit: func(exit term.ExitStatus) {
			frame, err := wire.Encode(wire.ServerEnvelope{
				Kind:      wire.KindExit,
				SessionID: id,
				Exit:      &wire.ExitStatus{Code: exit.Code, Signal: exit.Signal},
			})
			if err != nil {
				return
			}
			c.enqueue(frame, id)
		},
	}, req.SinceCursor)

	s.mu.Lock()
	cur, sessAlive := s.sessions[id]
	_, connAlive := s.conns[c.id]
	if !sessAlive || !connAlive || cur != sess || sess.live != live {
		s.mu.Unlock()
		live.Detach(attachID)
		return ptyAttachResult{LatestCursor: live.LatestCursor()}, nil
	}
	sess.attachments[c.id] = attachID
	c.attachments[id] = attachID
	s.mu.Unlock()
	return ptyAttachResult{LatestCursor: live.LatestCursor()}, nil
}

type ptyDetachResult struct {
	Detached bool `json:"detached"`
}

func (s *Server) cmdPtyDetach(c *conn, env wire.ClientEnvelope) (any, error) {
	var req sessionRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		s.mu.Unlock()
		return nil, trace.NotFound("session not found: %v", req.SessionID)
	}
	attachID, attached := sess.attachments[c.id]
	var live *term.Session
	if attached {
		delete(sess.attachments, c.id)
		delete(c.attachments, sess.id)
		live = sess.live
	}
	s.mu.Unlock()
	if attached && live != nil {
		live.Detach(attachID)
	}
	return ptyDetachResult{Detached: attached}, nil
}

type eventSubscribeResult struct {
	Subscribed bool `json:"subscribed"`
}

func (s *Server) cmdSubscribeEvents(c *conn, env wire.ClientEnvelope) (any, error) {
	var req sessionRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		return nil, trace.NotFound("session not found: %v", req.SessionID)
	}
	sess.eventSubs[c.id] = true
	c.eventSubs[sess.id] = true
	return eventSubscribeResult{Subscribed: true}, nil
}

func (s *Server) cmdUnsubscribeEvents(c *conn, env wire.ClientEnvelope) (any, error) {
	var req sessionRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		return nil, trace.NotFound("session not found: %v", req.SessionID)
	}
	delete(sess.eventSubs, c.id)
	delete(c.eventSubs, sess.id)
	return eventSubscribeResult{Subscribed: false}, nil
}

type streamSubscribeRequest struct {
	AfterCursor uint64        `json:"afterCursor,omitempty"`
	Filter      events.Filter `json:"filter"`
}

type streamSubscribeResult struct {
	SubscriptionID string         `json:"subscriptionId"`
	Backlog        []events.Entry `json:"backlog"`
	Stale          bool           `json:"stale,omitempty"`
}

func (s *Server) cmdStreamSubscribe(c *conn, env wire.ClientEnvelope) (any, error) {
	var req streamSubscribeRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	stale := s.journal.stale(req.AfterCursor)
	entries := s.journal.after(req.AfterCursor)
	backlog := make([]events.Entry, 0, len(entries))
	for _, entry := range entries {
		if req.Filter.Matches(entry.Scope, entry.Event) {
			backlog = append(backlog, entry)
		}
	}
	s.subs[id] = &streamSub{id: id, connID: c.id, filter: req.Filter}
	c.streamSubs[id] = true
	return streamSubscribeResult{SubscriptionID: id, Backlog: backlog, Stale: stale}, nil
}

type streamUnsubscribeRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

type streamUnsubscribeResult struct {
	Unsubscribed bool `json:"unsubscribed"`
}

func (s *Server) cmdStreamUnsubscribe(c *conn, env wire.ClientEnvelope) (any, error) {
	var req streamUnsubscribeRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[req.SubscriptionID]
	if !ok || sub.connID != c.id {
		return streamUnsubscribeResult{}, nil
	}
	delete(s.subs, req.SubscriptionID)
	delete(c.streamSubs, req.SubscriptionID)
	return streamUnsubscribeResult{Unsubscribed: true}, nil
}

type directoryUpsertRequest struct {
	ID             string `json:"id,omitempty"`
	TenantID       string `json:"tenantId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	WorkspaceID    string `json:"workspaceId,omitempty"`
	Path           string `json:"path"`
	Name           string `json:"name,omitempty"`
	PinnedBranch   string `json:"pinnedBranch,omitempty"`
	BranchStrategy string `json:"branchStrategy,omitempty"`
}

func (s *Server) cmdDirectoryUpsert(env wire.ClientEnvelope) (any, error) {
	var req directoryUpsertRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Path == "" {
		return nil, trace.BadParameter("missing path")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	dir, err := s.cfg.Store.UpsertDirectory(s.ctx, state.Directory{
		ID:             req.ID,
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		WorkspaceID:    req.WorkspaceID,
		Path:           req.Path,
		Name:           req.Name,
		PinnedBranch:   req.PinnedBranch,
		BranchStrategy: req.BranchStrategy,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.publishRecord(events.Scope{
		TenantID:    dir.TenantID,
		UserID:      dir.UserID,
		WorkspaceID: dir.WorkspaceID,
		DirectoryID: dir.ID,
	}, events.Event{Kind: events.KindDirectoryUpserted, DirectoryID: dir.ID}, dir)
	return dir, nil
}

type directoryListRequest struct {
	IncludeArchived bool `json:"includeArchived,omitempty"`
}

type directoryListResult struct {
	Directories []state.Directory `json:"directories"`
}

func (s *Server) cmdDirectoryList(env wire.ClientEnvelope) (any, error) {
	var req directoryListRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	dirs, err := s.cfg.Store.ListDirectories(s.ctx, state.ListDirectoriesParams{
		IncludeArchived: req.IncludeArchived,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return directoryListResult{Directories: dirs}, nil
}

type directoryArchiveRequest struct {
	DirectoryID string `json:"directoryId"`
}

func (s *Server) cmdDirectoryArchive(env wire.ClientEnvelope) (any, error) {
	var req directoryArchiveRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	dir, err := s.cfg.Store.GetDirectory(s.ctx, req.DirectoryID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("directory not found")
		}
		return nil, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now()
	if err := s.cfg.Store.ArchiveDirectory(s.ctx, dir.ID, now); err != nil {
		return nil, trace.Wrap(err)
	}
	if fetched, err := s.cfg.Store.GetDirectory(s.ctx, dir.ID); err == nil {
		dir = fetched
	} else {
		dir.ArchivedAt = &now
	}
	s.publishRecord(events.Scope{
		TenantID:    dir.TenantID,
		UserID:      dir.UserID,
		WorkspaceID: dir.WorkspaceID,
		DirectoryID: dir.ID,
	}, events.Event{Kind: events.KindDirectoryArchived, DirectoryID: dir.ID}, dir)
	return dir, nil
}

type conversationUpsertRequest struct {
	ID          string `json:"id,omitempty"`
	TenantID    string `json:"tenantId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	DirectoryID string `json:"directoryId,omitempty"`
	WorktreeID  string `json:"worktreeId,omitempty"`
	AgentType   string `json:"agentType,omitempty"`
	Title       string `json:"title,omitempty"`
}

func (s *Server) cmdConversationUpsert(env wire.ClientEnvelope) (any, error) {
	var req conversationUpsertRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	existing, err := s.cfg.Store.GetConversation(s.ctx, req.ID)
	existed := err == nil
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	// runtime and adapter fields ride along untouched
	next := existing
	next.ID = req.ID
	next.TenantID = firstNonEmpty(req.TenantID, existing.TenantID)
	next.UserID = firstNonEmpty(req.UserID, existing.UserID)
	next.WorkspaceID = firstNonEmpty(req.WorkspaceID, existing.WorkspaceID)
	next.DirectoryID = firstNonEmpty(req.DirectoryID, existing.DirectoryID)
	next.WorktreeID = firstNonEmpty(req.WorktreeID, existing.WorktreeID)
	next.AgentType = firstNonEmpty(req.AgentType, existing.AgentType, corral.AgentTerminal)
	next.Title = firstNonEmpty(req.Title, existing.Title)
	conv, err := s.cfg.Store.UpsertConversation(s.ctx, next)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	kind := events.KindConversationCreated
	if existed {
		kind = events.KindConversationUpdated
	}
	s.publishRecord(conversationScope(conv), events.Event{
		Kind:           kind,
		ConversationID: conv.ID,
		DirectoryID:    conv.DirectoryID,
	}, conv)
	return conv, nil
}

type conversationListRequest struct {
	DirectoryID     string `json:"directoryId,omitempty"`
	IncludeArchived bool   `json:"includeArchived,omitempty"`
}

type conversationListResult struct {
	Conversations []state.Conversation `json:"conversations"`
}

func (s *Server) cmdConversationList(env wire.ClientEnvelope) (any, error) {
	var req conversationListRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	convs, err := s.cfg.Store.ListConversations(s.ctx, state.ListConversationsParams{
		DirectoryID:     req.DirectoryID,
		IncludeArchived: req.IncludeArchived,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return conversationListResult{Conversations: convs}, nil
}

type conversationRequest struct {
	ConversationID string `json:"conversationId"`
}

func (s *Server) cmdConversationArchive(env wire.ClientEnvelope) (any, error) {
	var req conversationRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	conv, err := s.cfg.Store.GetConversation(s.ctx, req.ConversationID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("conversation not found: %v", req.ConversationID)
		}
		return nil, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now()
	if err := s.cfg.Store.ArchiveConversation(s.ctx, conv.ID, now); err != nil {
		return nil, trace.Wrap(err)
	}
	if fetched, err := s.cfg.Store.GetConversation(s.ctx, conv.ID); err == nil {
		conv = fetched
	} else {
		conv.ArchivedAt = &now
	}
	s.publishRecord(conversationScope(conv), events.Event{
		Kind:           events.KindConversationArchived,
		ConversationID: conv.ID,
		DirectoryID:    conv.DirectoryID,
	}, conv)
	return conv, nil
}

type conversationDeleteResult struct {
	Deleted bool `json:"deleted"`
}

func (s *Server) cmdConversationDelete(env wire.ClientEnvelope) (any, error) {
	var req conversationRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	conv, err := s.cfg.Store.GetConversation(s.ctx, req.ConversationID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("conversation not found: %v", req.ConversationID)
		}
		return nil, trace.Wrap(err)
	}
	// a runtime session for this conversation goes down with the record
	s.destroySession(conv.ID, "conversation deleted")
	if err := s.cfg.Store.DeleteConversation(s.ctx, conv.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	s.PublishObserved(conversationScope(conv), events.Event{
		Kind:           events.KindConversationDeleted,
		ConversationID: conv.ID,
		DirectoryID:    conv.DirectoryID,
	})
	return conversationDeleteResult{Deleted: true}, nil
}

func conversationScope(conv state.Conversation) events.Scope {
	return events.Scope{
		TenantID:       conv.TenantID,
		UserID:         conv.UserID,
		WorkspaceID:    conv.WorkspaceID,
		DirectoryID:    conv.DirectoryID,
		ConversationID: conv.ID,
	}
}

type taskCreateRequest struct {
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

func (s *Server) cmdTaskCreate(env wire.ClientEnvelope) (any, error) {
	var req taskCreateRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.DirectoryID == "" {
		return nil, trace.BadParameter("missing directoryId")
	}
	if req.Title == "" {
		return nil, trace.BadParameter("missing title")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = "todo"
	}
	sortOrder := 0
	if req.SortOrder != nil {
		sortOrder = *req.SortOrder
	} else {
		existing, err := s.cfg.Store.ListTasks(s.ctx, state.ListTasksParams{DirectoryID: req.DirectoryID})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		sortOrder = len(existing)
	}
	task, err := s.cfg.Store.UpsertTask(s.ctx, state.Task{
		ID:             req.ID,
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		WorkspaceID:    req.WorkspaceID,
		DirectoryID:    req.DirectoryID,
		ConversationID: req.ConversationID,
		Title:          req.Title,
		Status:         req.Status,
		SortOrder:      sortOrder,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.publishRecord(taskScope(task), events.Event{
		Kind:           events.KindTaskCreated,
		DirectoryID:    task.DirectoryID,
		ConversationID: task.ConversationID,
		TaskIDs:        []string{task.ID},
	}, task)
	return task, nil
}

type taskUpdateRequest struct {
	TaskID         string  `json:"taskId"`
	Title          *string `json:"title,omitempty"`
	Status         *string `json:"status,omitempty"`
	ConversationID *string `json:"conversationId,omitempty"`
	SortOrder      *int    `json:"sortOrder,omitempty"`
}

func (s *Server) cmdTaskUpdate(env wire.ClientEnvelope) (any, error) {
	var req taskUpdateRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	task, err := s.cfg.Store.GetTask(s.ctx, req.TaskID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("task not found: %v", req.TaskID)
		}
		return nil, trace.Wrap(err)
	}
	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Status != nil {
		task.Status = *req.Status
	}
	if req.ConversationID != nil {
		task.ConversationID = *req.ConversationID
	}
	if req.SortOrder != nil {
		task.SortOrder = *req.SortOrder
	}
	task, err = s.cfg.Store.UpsertTask(s.ctx, task)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.publishRecord(taskScope(task), events.Event{
		Kind:           events.KindTaskUpdated,
		DirectoryID:    task.DirectoryID,
		ConversationID: task.ConversationID,
		TaskIDs:        []string{task.ID},
	}, task)
	return task, nil
}

type taskListRequest struct {
	DirectoryID    string `json:"directoryId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

type taskListResult struct {
	Tasks []state.Task `json:"tasks"`
}

func (s *Server) cmdTaskList(env wire.ClientEnvelope) (any, error) {
	var req taskListRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	tasks, err := s.cfg.Store.ListTasks(s.ctx, state.ListTasksParams{
		DirectoryID:    req.DirectoryID,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return taskListResult{Tasks: tasks}, nil
}

type taskReorderRequest struct {
	DirectoryID string   `json:"directoryId"`
	TaskIDs     []string `json:"taskIds"`
}

func (s *Server) cmdTaskReorder(env wire.ClientEnvelope) (any, error) {
	var req taskReorderRequest
	if err := parsePayload(env, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.DirectoryID == "" {
		return nil, trace.BadParameter("missing directoryId")
	}
	tasks, err := s.cfg.Store.ReorderTasks(s.ctx, req.DirectoryID, req.TaskIDs)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	scope := events.Scope{DirectoryID: req.DirectoryID}
	if len(tasks) > 0 {
		scope.TenantID = tasks[0].TenantID
		scope.UserID = tasks[0].UserID
		scope.WorkspaceID = tasks[0].WorkspaceID
	}
	s.PublishObserved(scope, events.Event{
		Kind:        events.KindTaskReordered,
		DirectoryID: req.DirectoryID,
		TaskIDs:     req.TaskIDs,
	})
	return taskListResult{Tasks: tasks}, nil
}

func taskScope(task state.Task) events.Scope {
	return events.Scope{
		TenantID:       task.TenantID,
		UserID:         task.UserID,
		WorkspaceID:    task.WorkspaceID,
		DirectoryID:    task.DirectoryID,
		ConversationID: task.ConversationID,
	}
}

type repositorySummary struct {
	state.Repository
	PullRequests []pullRequestSummary `json:"pullRequests"`
}

type pullRequestSummary struct {
	state.PullRequest
	Jobs []state.PullRequestJob `json:"jobs"`
}

type repositoryListResult struct {
	Repositories []repositorySummary `json:"repositories"`
}

func (s *Server) cmdRepositoryList() (any, error) {
	repos, err := s.cfg.Store.ListRepositories(s.ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	result := repositoryListResult{Repositories: make([]repositorySummary, 0, len(repos))}
	for _, repo := range repos {
		prs, err := s.cfg.Store.ListPullRequests(s.ctx, repo.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		sum := repositorySummary{Repository: repo, PullRequests: make([]pullRequestSummary, 0, len(prs))}
		for _, pr := range prs {
			jobs, err := s.cfg.Store.ListPullRequestJobs(s.ctx, pr.ID)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			sum.PullRequests = append(sum.PullRequests, pullRequestSummary{PullRequest: pr, Jobs: jobs})
		}
		result.Repositories = append(result.Repositories, sum)
	}
	return result, nil
}

type agentToolsResult struct {
	Tools []ToolStatus `json:"tools"`
}

func (s *Server) cmdAgentToolsStatus() (any, error) {
	tools, err := probeTools(s.ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return agentToolsResult{Tools: tools}, nil
}

// publishRecord publishes an observed event carrying the full record.
// Records that fail to marshal publish without one.
func (s *Server) publishRecord(scope events.Scope, event events.Event, record any) {
	if data, err := json.Marshal(record); err == nil {
		event.Record = data
	}
	s.PublishObserved(scope, event)
}

// noteBackpressureSignal charges a backpressure signal to a session's
// diagnostics.
func (s *Server) noteBackpressureSignal(sessionID string) {
	s.mu.Lock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.diag.backpressureSignals++
	}
	s.mu.Unlock()
}
