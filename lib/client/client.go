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

// Package client is the programmatic interface to a running daemon. It
// dials the control endpoint, authenticates, and correlates command
// replies while routing terminal traffic and journal entries to
// registered handlers, all over a single connection. The corral CLI is
// built on it.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/defaults"
	"github.com/jmoyers/corral/lib/events"
	logutils "github.com/jmoyers/corral/lib/utils/log"
	"github.com/jmoyers/corral/lib/wire"
)

// Config holds the dial parameters.
type Config struct {
	// Addr is the control endpoint address as host:port. Empty picks the
	// default loopback endpoint.
	Addr string

	// AuthToken authenticates the connection. Empty is only accepted by a
	// daemon running without a token.
	AuthToken string

	// DialTimeout bounds the TCP dial.
	DialTimeout time.Duration
}

// CheckAndSetDefaults fills the blanks.
func (c *Config) CheckAndSetDefaults() error {
	if c.Addr == "" {
		c.Addr = net.JoinHostPort(defaults.ControlHost, strconv.Itoa(defaults.ControlPort))
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaults.ClientDialTimeout
	}
	return nil
}

// Client is one authenticated control-plane connection. Methods are safe
// for concurrent use. Registered handlers run on the connection's read
// goroutine and must return quickly without calling back into the
// client.
type Client struct {
	cfg    Config
	logger *slog.Logger
	sock   net.Conn

	// wmu serializes frame writes.
	wmu sync.Mutex

	// mu guards the routing state below.
	mu          sync.Mutex
	pending     map[string]chan wire.ServerEnvelope
	attached    map[string]AttachHandlers
	eventFns    map[string]func(SessionEvent)
	streams     map[string]*Stream
	streamReqs  map[string]int
	streamByCmd map[string]*Stream
	closed      bool
	readErr     error

	auth chan wire.ServerEnvelope
	done chan struct{}
}

// Dial connects to the control endpoint and authenticates. The daemon
// acknowledges even tokenless loopback connections, so every dial
// performs the full exchange; a rejected token surfaces as an access
// denied error.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	sock, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "dialing control endpoint %v", cfg.Addr)
	}
	c := &Client{
		cfg:         cfg,
		logger:      logutils.NewPackageLogger(corral.ComponentKey, corral.ComponentClient),
		sock:        sock,
		pending:     make(map[string]chan wire.ServerEnvelope),
		attached:    make(map[string]AttachHandlers),
		eventFns:    make(map[string]func(SessionEvent)),
		streams:     make(map[string]*Stream),
		streamReqs:  make(map[string]int),
		streamByCmd: make(map[string]*Stream),
		auth:        make(chan wire.ServerEnvelope, 1),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	if err := c.authenticate(ctx); err != nil {
		_ = c.Close()
		return nil, trace.Wrap(err)
	}
	return c, nil
}

// Close hangs up. Pending calls and open streams end with a connection
// problem.
func (c *Client) Close() error {
	err := c.sock.Close()
	<-c.done
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return trace.Wrap(err)
	}
	return nil
}

// Addr returns the endpoint the client dialed.
func (c *Client) Addr() string {
	return c.cfg.Addr
}

func (c *Client) authenticate(ctx context.Context) error {
	if err := c.write(wire.ClientEnvelope{Kind: wire.KindAuth, Token: c.cfg.AuthToken}); err != nil {
		return trace.Wrap(err)
	}
	var env wire.ServerEnvelope
	select {
	case env = <-c.auth:
	case <-c.done:
		// a rejecting daemon sends the verdict and hangs up, so the
		// verdict wins over the close
		select {
		case env = <-c.auth:
		default:
			return trace.ConnectionProblem(c.err(), "connection closed during authentication")
		}
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
	if env.Kind == wire.KindAuthError {
		return trace.AccessDenied("%s", env.Error)
	}
	if env.Protocol != wire.ProtocolVersion {
		c.logger.Warn("Control endpoint speaks a different protocol version.",
			"ours", wire.ProtocolVersion, "theirs", env.Protocol)
	}
	return nil
}

// Call runs one correlated command and decodes its result into out when
// out is non-nil. A failed command surfaces as a CommandError carrying
// the daemon's message.
func (c *Client) Call(ctx context.Context, command string, payload, out any) error {
	return c.call(ctx, uuid.NewString(), command, payload, out)
}

func (c *Client) call(ctx context.Context, id, command string, payload, out any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return trace.Wrap(err)
		}
		raw = data
	}
	ch := make(chan wire.ServerEnvelope, 2)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return trace.ConnectionProblem(c.readErr, "connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(wire.ClientEnvelope{
		Kind:      wire.KindCommand,
		CommandID: id,
		Command:   command,
		Payload:   raw,
	}); err != nil {
		return trace.Wrap(err)
	}

	for {
		var reply wire.ServerEnvelope
		select {
		case reply = <-ch:
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-c.done:
			// the reply may have been routed just before the connection
			// died
			select {
			case reply = <-ch:
			default:
				return trace.ConnectionProblem(c.err(), "connection closed awaiting %v reply", command)
			}
		}
		switch reply.Kind {
		case wire.KindCommandFailed:
			return trace.Wrap(&CommandError{Command: command, Message: reply.Error})
		case wire.KindCommandCompleted:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(reply.Result, out); err != nil {
				return trace.BadParameter("decoding %v result: %v", command, err)
			}
			return nil
		}
		// command.accepted; keep waiting
	}
}

// SendInput writes raw bytes to a session's terminal. Delivery is
// fire-and-forget; the daemon silently drops writes to sessions that are
// gone or claimed by another controller.
func (c *Client) SendInput(sessionID string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return trace.Wrap(c.write(wire.ClientEnvelope{
		Kind:       wire.KindInput,
		SessionID:  sessionID,
		DataBase64: base64.StdEncoding.EncodeToString(data),
	}))
}

// Resize changes a session's terminal dimensions. Fire-and-forget like
// SendInput.
func (c *Client) Resize(sessionID string, cols, rows int) error {
	return trace.Wrap(c.write(wire.ClientEnvelope{
		Kind:      wire.KindResize,
		SessionID: sessionID,
		Cols:      cols,
		Rows:      rows,
	}))
}

// Signal delivers a control signal to a session. Fire-and-forget like
// SendInput.
func (c *Client) Signal(sessionID, signal string) error {
	if !wire.KnownSignal(signal) {
		return trace.BadParameter("unknown signal %q", signal)
	}
	return trace.Wrap(c.write(wire.ClientEnvelope{
		Kind:      wire.KindSignal,
		SessionID: sessionID,
		Signal:    signal,
	}))
}

// write frames and sends one record. Safe for concurrent use.
func (c *Client) write(env wire.ClientEnvelope) error {
	frame, err := wire.Encode(env)
	if err != nil {
		return trace.Wrap(err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.sock.Write(frame); err != nil {
		return trace.ConnectionProblem(err, "writing to control endpoint")
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	var buf []byte
	chunk := make([]byte, 32*1024)
	for {
		n, err := c.sock.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			records, rest := wire.ConsumeJSONLines(buf)
			for _, record := range records {
				env, perr := wire.ParseServer(record)
				if perr != nil {
					c.logger.Debug("Dropping malformed record.", "error", perr)
					continue
				}
				c.route(env)
			}
			buf = append(buf[:0], rest...)
		}
		if err != nil {
			c.shutdown(err)
			return
		}
	}
}

// route hands one record to whatever is waiting for it. Runs on the read
// goroutine, so handlers it invokes run there too.
func (c *Client) route(env wire.ServerEnvelope) {
	switch env.Kind {
	case wire.KindAuthOK, wire.KindAuthError:
		select {
		case c.auth <- env:
		default:
		}
	case wire.KindCommandAccepted, wire.KindCommandCompleted, wire.KindCommandFailed:
		c.mu.Lock()
		if env.Kind == wire.KindCommandCompleted {
			// Stream subscriptions register here, on the read goroutine,
			// so no stream.event can be routed before its stream exists.
			if buffer, ok := c.streamReqs[env.CommandID]; ok {
				c.registerStreamLocked(env.CommandID, env.Result, buffer)
			}
		}
		ch := c.pending[env.CommandID]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- env:
			default:
			}
		}
	case wire.KindOutput:
		c.mu.Lock()
		handlers := c.attached[env.SessionID]
		c.mu.Unlock()
		if handlers.OnData == nil {
			return
		}
		data, err := base64.StdEncoding.DecodeString(env.ChunkBase64)
		if err != nil {
			c.logger.Debug("Dropping undecodable output chunk.", "session_id", env.SessionID, "error", err)
			return
		}
		handlers.OnData(env.Cursor, data)
	case wire.KindExit:
		c.mu.Lock()
		handlers := c.attached[env.SessionID]
		c.mu.Unlock()
		if handlers.OnExit != nil && env.Exit != nil {
			handlers.OnExit(*env.Exit)
		}
	case wire.KindEvent:
		c.mu.Lock()
		fn := c.eventFns[env.SessionID]
		c.mu.Unlock()
		if fn == nil {
			return
		}
		var record sessionEventRecord
		if err := json.Unmarshal(env.Event, &record); err != nil {
			c.logger.Debug("Dropping undecodable session event.", "session_id", env.SessionID, "error", err)
			return
		}
		fn(SessionEvent{
			SessionID: env.SessionID,
			Kind:      record.Kind,
			At:        record.At,
			Cursor:    record.Cursor,
			Reason:    record.Reason,
			Exit:      record.Exit,
			Payload:   record.Payload,
		})
	case wire.KindStreamEvent:
		c.mu.Lock()
		stream := c.streams[env.SubscriptionID]
		c.mu.Unlock()
		if stream == nil {
			return
		}
		var event events.Event
		if err := json.Unmarshal(env.Event, &event); err != nil {
			c.logger.Debug("Dropping undecodable stream entry.", "subscription_id", env.SubscriptionID, "error", err)
			return
		}
		stream.deliver(StreamEntry{Cursor: env.Cursor, Event: event})
	default:
		c.logger.Debug("Dropping record of unexpected kind.", "kind", env.Kind)
	}
}

// shutdown fails everything waiting on the connection. Called once, from
// the read loop on its way out.
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
			c.readErr = err
		}
	}
	streams := c.streams
	c.streams = make(map[string]*Stream)
	c.attached = make(map[string]AttachHandlers)
	c.eventFns = make(map[string]func(SessionEvent))
	c.streamReqs = make(map[string]int)
	c.streamByCmd = make(map[string]*Stream)
	c.mu.Unlock()
	for _, stream := range streams {
		stream.finish()
	}
}

func (c *Client) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// CommandError is a failed command reply. Message carries the daemon's
// error text verbatim.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return e.Message
}

// AsCommandError unwraps err to the failed command reply inside it, if
// any.
func AsCommandError(err error) (*CommandError, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
