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

// Package srv is the control plane: it accepts connections on the TCP
// endpoint, authenticates them, runs the command surface, hosts the
// session runtime with its status engine and controller claims, and
// publishes every observed event through the bounded journal to stream
// subscribers and the lifecycle-hooks runtime.
package srv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/defaults"
	"github.com/jmoyers/corral/lib/events"
	"github.com/jmoyers/corral/lib/perf"
	"github.com/jmoyers/corral/lib/state"
	"github.com/jmoyers/corral/lib/term"
	logutils "github.com/jmoyers/corral/lib/utils/log"
	"github.com/jmoyers/corral/lib/wire"
)

// TokenRegistry mints and revokes the single-use telemetry ingest
// tokens handed to launched agents. Implemented by the telemetry
// listener.
type TokenRegistry interface {
	Mint(sessionID string) string
	Revoke(sessionID string)
}

// EntrySink receives every published journal entry after fan-out.
// Offer must not block. Implemented by the lifecycle-hooks runtime.
type EntrySink interface {
	Offer(entry events.Entry)
}

// Config holds the settings to build a Server.
type Config struct {
	// ListenAddr is the host:port the control endpoint binds.
	ListenAddr string
	// Listener overrides ListenAddr when set, mostly for tests.
	Listener net.Listener
	// AuthToken guards the endpoint. Connections start unauthenticated
	// when set; required when ListenAddr is not loopback.
	AuthToken string
	// Store is the persistence backend.
	Store state.Store
	// Tokens mints telemetry tokens at pty.start. Optional.
	Tokens TokenRegistry
	// Hooks receives journal entries. Optional.
	Hooks EntrySink
	// TelemetryURL is the base URL launched agents post OTLP payloads
	// to. Empty disables telemetry wiring in launch profiles.
	TelemetryURL string
	// SettingsDir is where per-session hook-relay settings files are
	// written.
	SettingsDir string
	// Clock drives timers and timestamps.
	Clock clockwork.Clock
	// Registry receives the server's Prometheus collectors.
	Registry *prometheus.Registry

	// MaxFrameBytes bounds a single inbound record.
	MaxFrameBytes int
	// MaxBufferedBytes bounds a connection's outbound queue. Zero
	// destroys a connection on its first queued frame; nil picks the
	// default.
	MaxBufferedBytes *int
	// JournalLimit bounds the observed-event ring.
	JournalLimit int
	// ReplayBytes bounds per-session output retained for replay.
	ReplayBytes int
	// KillDelay is how long a child gets after SIGTERM.
	KillDelay time.Duration
	// TombstoneTTL is how long an exited session lingers. Zero destroys
	// immediately; nil picks the default.
	TombstoneTTL *time.Duration
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing state store")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = net.JoinHostPort(defaults.ControlHost, strconv.Itoa(defaults.ControlPort))
	}
	if c.Listener == nil && c.AuthToken == "" {
		host, _, err := net.SplitHostPort(c.ListenAddr)
		if err != nil {
			return trace.BadParameter("invalid listen address %q: %v", c.ListenAddr, err)
		}
		ip := net.ParseIP(host)
		if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			return trace.BadParameter(
				"refusing to listen on non-loopback address %v without an auth token", c.ListenAddr)
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaults.MaxFrameBytes
	}
	if c.MaxBufferedBytes == nil {
		budget := defaults.MaxConnectionBufferedBytes
		c.MaxBufferedBytes = &budget
	}
	if *c.MaxBufferedBytes < 0 {
		return trace.BadParameter("connection buffer budget cannot be negative")
	}
	if c.JournalLimit <= 0 {
		c.JournalLimit = defaults.MaxStreamJournalEntries
	}
	if c.ReplayBytes <= 0 {
		c.ReplayBytes = defaults.SessionReplayBufferBytes
	}
	if c.KillDelay <= 0 {
		c.KillDelay = defaults.SessionKillDelay
	}
	if c.TombstoneTTL == nil {
		ttl := defaults.SessionExitTombstoneTTL
		c.TombstoneTTL = &ttl
	}
	return nil
}

// Server is the control-plane daemon core.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *serverMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*conn
	sessions map[string]*session
	subs     map[string]*streamSub
	journal  *journal
	closing  bool

	wg sync.WaitGroup
}

// New builds a Server. Call Serve to start accepting.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newServerMetrics(cfg.Registry)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		logger:   logutils.NewPackageLogger(corral.ComponentKey, corral.ComponentServer),
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*conn),
		sessions: make(map[string]*session),
		subs:     make(map[string]*streamSub),
		journal:  newJournal(cfg.JournalLimit),
	}, nil
}

// Serve binds the control endpoint and accepts connections until Close.
func (s *Server) Serve() error {
	listener := s.cfg.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return trace.Wrap(err, "binding control endpoint %v", s.cfg.ListenAddr)
		}
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.InfoContext(s.ctx, "Control endpoint listening.", "addr", listener.Addr().String())
	for {
		sock, err := listener.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			return trace.Wrap(err)
		}
		s.addConn(sock)
	}
}

// Addr reports the bound control endpoint address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) addConn(sock net.Conn) {
	c := newConn(s, sock, s.cfg.AuthToken == "")
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		sock.Close()
		return
	}
	s.conns[c.id] = c
	s.metrics.connectionsActive.Inc()
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.serve()
	}()
	go func() {
		defer s.wg.Done()
		c.flushLoop()
	}()
	c.logger.Debug("Connection accepted.")
}

// handleEnvelope routes one parsed client record. Returns false when
// the connection must stop reading.
func (s *Server) handleEnvelope(c *conn, env wire.ClientEnvelope) bool {
	s.mu.Lock()
	authed := c.authenticated
	s.mu.Unlock()

	if !authed {
		if env.Kind != wire.KindAuth {
			// The write queue is empty pre-auth, so a direct socket
			// write cannot interleave with a queued frame.
			c.sendDirect(wire.ServerEnvelope{Kind: wire.KindAuthError, Error: "authentication required"})
			c.fail("authentication required")
			return false
		}
		if env.Token != s.cfg.AuthToken {
			c.sendDirect(wire.ServerEnvelope{Kind: wire.KindAuthError, Error: "invalid auth token"})
			c.fail("invalid auth token")
			return false
		}
		s.mu.Lock()
		c.authenticated = true
		s.mu.Unlock()
		c.send(wire.ServerEnvelope{Kind: wire.KindAuthOK, Protocol: wire.ProtocolVersion}, "")
		return true
	}

	switch env.Kind {
	case wire.KindAuth:
		if env.Token == s.cfg.AuthToken || s.cfg.AuthToken == "" {
			c.send(wire.ServerEnvelope{Kind: wire.KindAuthOK, Protocol: wire.ProtocolVersion}, "")
		}
	case wire.KindCommand:
		s.handleCommand(c, env)
	case wire.KindInput:
		s.handleInput(c, env)
	case wire.KindResize:
		s.handleResize(c, env)
	case wire.KindSignal:
		s.handleSignal(c, env)
	default:
		c.logger.Debug("Dropping record of unknown kind.", "kind", env.Kind)
	}
	return true
}

// liveSessionFor resolves a session for a mutation envelope: nil when
// the session is missing, not live, or claimed by another connection.
// Mutation envelopes are dropped silently in all three cases.
func (s *Server) liveSessionFor(c *conn, sessionID string) (*term.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.live == nil {
		return nil, false
	}
	if sess.claimedByOther(c.id) {
		return nil, false
	}
	return sess.live, true
}

func (s *Server) handleInput(c *conn, env wire.ClientEnvelope) {
	data, err := base64.StdEncoding.DecodeString(env.DataBase64)
	if err != nil || len(data) == 0 {
		return
	}
	live, ok := s.liveSessionFor(c, env.SessionID)
	if !ok {
		return
	}
	if err := live.Write(data); err != nil {
		c.logger.Debug("Session write failed.", "session_id", env.SessionID, "error", err)
	}
}

func (s *Server) handleResize(c *conn, env wire.ClientEnvelope) {
	live, ok := s.liveSessionFor(c, env.SessionID)
	if !ok {
		return
	}
	if err := live.Resize(env.Cols, env.Rows); err != nil {
		c.logger.Debug("Session resize failed.", "session_id", env.SessionID, "error", err)
	}
}

func (s *Server) handleSignal(c *conn, env wire.ClientEnvelope) {
	if !wire.KnownSignal(env.Signal) {
		return
	}
	live, ok := s.liveSessionFor(c, env.SessionID)
	if !ok {
		return
	}
	if env.Signal == wire.SignalTerminate {
		s.destroySession(env.SessionID, "terminate signal")
		return
	}
	if err := live.Signal(env.Signal); err != nil {
		c.logger.Debug("Session signal failed.", "session_id", env.SessionID, "error", err)
	}
}

// removeConn runs once the read loop returns: it deregisters the
// connection, detaches its sessions, drops its subscriptions, and
// releases any controller claims it held.
func (s *Server) removeConn(c *conn) {
	reason, diagSession := c.failure()

	s.mu.Lock()
	if _, ok := s.conns[c.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.id)
	s.metrics.connectionsActive.Dec()

	type detach struct {
		live     *term.Session
		attachID uint64
	}
	var detaches []detach
	for sessionID, attachID := range c.attachments {
		sess, ok := s.sessions[sessionID]
		if !ok {
			continue
		}
		delete(sess.attachments, c.id)
		if sess.live != nil {
			detaches = append(detaches, detach{live: sess.live, attachID: attachID})
		}
	}
	for sessionID := range c.eventSubs {
		if sess, ok := s.sessions[sessionID]; ok {
			delete(sess.eventSubs, c.id)
		}
	}
	for subID := range c.streamSubs {
		delete(s.subs, subID)
	}
	for _, sess := range s.sessions {
		if sess.controller == nil || sess.controller.ConnectionID != c.id {
			continue
		}
		released := sess.controller
		sess.controller = nil
		s.publishLocked(sess.scope, events.Event{
			Kind:       events.KindSessionControl,
			SessionID:  sess.id,
			Action:     events.ActionReleased,
			Controller: released,
			Reason:     corral.ReleaseReasonControllerDisconnected,
		})
	}
	if reason == reasonWriteBufferExceeded {
		s.metrics.backpressureDisconnects.Inc()
		if sess, ok := s.sessions[diagSession]; ok {
			sess.diag.backpressureDisconnects++
		}
	}
	s.mu.Unlock()

	for _, d := range detaches {
		d.live.Detach(d.attachID)
	}

	if reason != "" {
		c.logger.Warn("Connection destroyed.", "reason", reason)
		perf.Record("connection.destroyed", map[string]any{
			"reason":     reason,
			"session_id": diagSession,
		})
	} else {
		c.logger.Debug("Connection closed.")
	}
}

// PublishObserved stamps the event with the next cursor, journals it,
// fans it out to matching subscriptions, and hands it to the hooks
// runtime. Implements events.Publisher.
func (s *Server) PublishObserved(scope events.Scope, event events.Event) {
	s.mu.Lock()
	s.publishLocked(scope, event)
	s.mu.Unlock()
}

func (s *Server) publishLocked(scope events.Scope, event events.Event) {
	entry := s.journal.append(scope, event)
	s.metrics.journalEvents.Inc()

	var encoded []byte
	for _, sub := range s.subs {
		if !sub.filter.Matches(scope, event) {
			continue
		}
		c, ok := s.conns[sub.connID]
		if !ok {
			continue
		}
		if encoded == nil {
			data, err := json.Marshal(entry.Event)
			if err != nil {
				s.logger.Warn("Encoding journal entry failed.", "kind", event.Kind, "error", err)
				break
			}
			encoded = data
		}
		c.send(wire.ServerEnvelope{
			Kind:           wire.KindStreamEvent,
			SubscriptionID: sub.id,
			Cursor:         entry.Cursor,
			Event:          encoded,
		}, event.SessionID)
	}

	if s.cfg.Hooks != nil {
		s.cfg.Hooks.Offer(entry)
	}
}

// Close shuts the server down: new work is refused, sessions are
// terminated and reaped, connections destroyed, the listener closed.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true

	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	var dones []<-chan struct{}
	var finishers []func()
	for _, sess := range all {
		if sess.live != nil {
			dones = append(dones, sess.live.Done())
		}
		finishers = append(finishers, s.destroySessionLocked(sess, "server shutdown"))
	}
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	listener := s.listener
	s.mu.Unlock()

	for _, fn := range finishers {
		fn()
	}
	if len(dones) > 0 {
		deadline := s.cfg.Clock.NewTimer(s.cfg.KillDelay + time.Second)
		defer deadline.Stop()
	reap:
		for _, done := range dones {
			select {
			case <-done:
			case <-deadline.Chan():
				s.logger.Warn("Timed out waiting for session children.")
				break reap
			}
		}
	}

	for _, c := range conns {
		c.fail("server shutdown")
	}
	if listener != nil {
		listener.Close()
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Server stopped.")
	return nil
}
