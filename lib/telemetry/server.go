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

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/defaults"
	logutils "github.com/jmoyers/corral/lib/utils/log"
)

// ServerConfig holds the settings to build the ingest listener.
type ServerConfig struct {
	// ListenAddr is the host:port the ingest endpoint binds.
	ListenAddr string
	// Listener overrides ListenAddr when set, mostly for tests.
	Listener net.Listener
	// Tokens resolves URL tokens to sessions.
	Tokens *Registry
	// Ingest runs the export pipeline.
	Ingest *Ingestor
	// Core receives relayed lifecycle hooks.
	Core Core
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Tokens == nil {
		return trace.BadParameter("missing parameter Tokens")
	}
	if c.Ingest == nil {
		return trace.BadParameter("missing parameter Ingest")
	}
	if c.Core == nil {
		return trace.BadParameter("missing parameter Core")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = net.JoinHostPort(defaults.TelemetryHost, strconv.Itoa(defaults.TelemetryPort))
	}
	return nil
}

// Server is the HTTP listener agents export OTLP payloads and relay
// lifecycle hook callbacks to. Routes are authenticated by the
// per-session token in the path; everything else is 404.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	httpSrv *http.Server

	mu       sync.Mutex
	listener net.Listener
	closing  bool
}

// NewServer builds the ingest listener. Call Serve to start accepting.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: logutils.NewPackageLogger(corral.ComponentKey, corral.ComponentTelemetry),
		ctx:    ctx,
		cancel: cancel,
	}

	router := httprouter.New()
	router.POST("/v1/logs/:token", s.handleExport(ParseLogs))
	router.POST("/v1/metrics/:token", s.handleExport(ParseMetrics))
	router.POST("/v1/traces/:token", s.handleExport(ParseTraces))
	router.POST("/v1/hooks/:token/:kind", s.handleHook)

	s.httpSrv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: defaults.HTTPReadHeaderTimeout,
		// Dropped uploads and half-open sockets are routine for hook
		// relays; keep their noise out of normal output.
		ErrorLog: slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}
	return s, nil
}

// Serve binds the ingest endpoint and accepts requests until Close.
func (s *Server) Serve() error {
	listener := s.cfg.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return trace.Wrap(err, "binding ingest endpoint %v", s.cfg.ListenAddr)
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

	s.logger.InfoContext(s.ctx, "Telemetry ingest listening.", "addr", listener.Addr().String())
	err := s.httpSrv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return trace.Wrap(err)
}

// Addr reports the bound ingest address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the listener and aborts in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	s.cancel()
	return trace.Wrap(s.httpSrv.Close())
}

// handleExport authenticates the path token, parses the export body
// with the given parser, and runs the ingest pipeline. The response is
// the OTLP partial-success envelope the exporters expect.
func (s *Server) handleExport(parse func([]byte) ([]ParsedEvent, error)) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		sessionID, ok := s.cfg.Tokens.Lookup(p.ByName("token"))
		if !ok {
			http.Error(w, "unknown token", http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, defaults.TelemetryMaxBodyBytes))
		if err != nil {
			// aborted or oversized upload; nothing to answer
			return
		}
		parsed, err := parse(body)
		if err != nil {
			http.Error(w, trace.UserMessage(err), http.StatusBadRequest)
			return
		}
		s.cfg.Ingest.Ingest(s.ctx, sessionID, parsed)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"partialSuccess":{}}`)
	}
}

// handleHook relays an agent hook callback into the session's event
// feed. The hook kind rides in the path; the callback payload, when it
// is JSON, is forwarded whole with its message lifted out as the
// attention reason.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	sessionID, ok := s.cfg.Tokens.Lookup(p.ByName("token"))
	if !ok {
		http.Error(w, "unknown token", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, defaults.TelemetryMaxBodyBytes))
	if err != nil {
		return
	}
	var payload json.RawMessage
	var reason string
	if len(bytes.TrimSpace(body)) > 0 {
		if !json.Valid(body) {
			http.Error(w, "request body is not JSON", http.StatusBadRequest)
			return
		}
		payload = body
		reason = hookReason(body)
	}
	err = s.cfg.Core.InjectSessionEvent(sessionID, p.ByName("kind"), reason, payload)
	switch {
	case trace.IsNotFound(err):
		http.Error(w, trace.UserMessage(err), http.StatusNotFound)
	case trace.IsBadParameter(err):
		http.Error(w, trace.UserMessage(err), http.StatusBadRequest)
	case err != nil:
		http.Error(w, trace.UserMessage(err), http.StatusInternalServerError)
	default:
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}
}

// hookReason lifts the human message out of a hook callback payload.
func hookReason(body []byte) string {
	var fields struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}
	if fields.Message != "" {
		return fields.Message
	}
	return fields.Reason
}
