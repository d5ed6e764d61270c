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
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/jmoyers/corral/lib/defaults"
	"github.com/jmoyers/corral/lib/events"
	"github.com/jmoyers/corral/lib/wire"
)

// AttachHandlers receive one session's terminal feed. Both run on the
// connection's read goroutine.
type AttachHandlers struct {
	// OnData receives output chunks; cursor is the byte offset of the
	// first byte in data.
	OnData func(cursor uint64, data []byte)

	// OnExit reports how the session's child process ended.
	OnExit func(exit wire.ExitStatus)
}

// Attach subscribes to a session's terminal feed, replaying retained
// output after sinceCursor before live bytes flow. Handlers are
// registered before the command goes out because replayed chunks arrive
// ahead of the command result. One attachment per session per
// connection; attaching again replaces the handlers. Returns the
// session's cursor as of the attach.
func (c *Client) Attach(ctx context.Context, sessionID string, sinceCursor uint64, handlers AttachHandlers) (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, trace.ConnectionProblem(c.readErr, "connection closed")
	}
	c.attached[sessionID] = handlers
	c.mu.Unlock()
	var result struct {
		LatestCursor uint64 `json:"latestCursor"`
	}
	err := c.Call(ctx, wire.CmdPtyAttach, ptyAttachPayload{
		SessionID:   sessionID,
		SinceCursor: sinceCursor,
	}, &result)
	if err != nil {
		c.mu.Lock()
		delete(c.attached, sessionID)
		c.mu.Unlock()
		return 0, trace.Wrap(err)
	}
	return result.LatestCursor, nil
}

// Detach drops the attachment and stops the terminal feed.
func (c *Client) Detach(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	delete(c.attached, sessionID)
	c.mu.Unlock()
	return trace.Wrap(c.Call(ctx, wire.CmdPtyDetach, sessionPayload{SessionID: sessionID}, nil))
}

// SessionEvent is one lifecycle event from a session's event feed.
type SessionEvent struct {
	SessionID string
	Kind      string
	At        time.Time
	Cursor    uint64
	Reason    string
	Exit      *wire.ExitStatus
	Payload   json.RawMessage
}

type sessionEventRecord struct {
	Kind    string           `json:"kind"`
	At      time.Time        `json:"at"`
	Cursor  uint64           `json:"cursor"`
	Reason  string           `json:"reason,omitempty"`
	Exit    *wire.ExitStatus `json:"exit,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// SubscribeEvents feeds a session's lifecycle events to fn until
// UnsubscribeEvents or disconnect. fn runs on the read goroutine.
func (c *Client) SubscribeEvents(ctx context.Context, sessionID string, fn func(SessionEvent)) error {
	if fn == nil {
		return trace.BadParameter("missing event handler")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return trace.ConnectionProblem(c.readErr, "connection closed")
	}
	c.eventFns[sessionID] = fn
	c.mu.Unlock()
	if err := c.Call(ctx, wire.CmdSubscribeEvents, sessionPayload{SessionID: sessionID}, nil); err != nil {
		c.mu.Lock()
		delete(c.eventFns, sessionID)
		c.mu.Unlock()
		return trace.Wrap(err)
	}
	return nil
}

// UnsubscribeEvents stops the session's event feed.
func (c *Client) UnsubscribeEvents(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	delete(c.eventFns, sessionID)
	c.mu.Unlock()
	return trace.Wrap(c.Call(ctx, wire.CmdUnsubscribeEvents, sessionPayload{SessionID: sessionID}, nil))
}

// StreamEntry is one live journal delivery.
type StreamEntry struct {
	Cursor uint64
	Event  events.Event
}

// StreamRequest configures a journal subscription.
type StreamRequest struct {
	// AfterCursor resumes delivery after a previously seen journal
	// cursor. Zero subscribes from now.
	AfterCursor uint64

	// Filter narrows the feed. The zero filter passes everything except
	// raw output events.
	Filter events.Filter

	// Buffer is the local entry buffer. A consumer that falls further
	// behind loses entries and can detect the gap by cursor. Zero picks
	// the default.
	Buffer int
}

// Stream is one journal subscription. Live entries arrive on C until the
// stream closes or the connection drops; the channel closes after
// either.
type Stream struct {
	client  *Client
	id      string
	backlog []events.Entry
	stale   bool

	ch chan StreamEntry

	mu      sync.Mutex
	dropped uint64
	done    bool
}

// SubscribeStream opens a journal subscription. Replayed backlog is
// carried on the returned stream; live entries follow on C. When the
// requested cursor has already been evicted Stale reports it and the
// caller resyncs through state queries instead of the backlog.
func (c *Client) SubscribeStream(ctx context.Context, req StreamRequest) (*Stream, error) {
	if req.Buffer <= 0 {
		req.Buffer = defaults.ClientStreamBuffer
	}
	id := uuid.NewString()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, trace.ConnectionProblem(c.readErr, "connection closed")
	}
	c.streamReqs[id] = req.Buffer
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.streamReqs, id)
		delete(c.streamByCmd, id)
		c.mu.Unlock()
	}()

	err := c.call(ctx, id, wire.CmdStreamSubscribe, streamSubscribePayload{
		AfterCursor: req.AfterCursor,
		Filter:      req.Filter,
	}, nil)
	if err != nil {
		// the subscription may have registered before the call was
		// abandoned; tear it down so entries stop flowing
		c.mu.Lock()
		stream := c.streamByCmd[id]
		if stream != nil {
			delete(c.streams, stream.id)
		}
		c.mu.Unlock()
		if stream != nil {
			stream.finish()
		}
		return nil, trace.Wrap(err)
	}
	c.mu.Lock()
	stream := c.streamByCmd[id]
	c.mu.Unlock()
	if stream == nil {
		return nil, trace.BadParameter("malformed stream.subscribe result")
	}
	return stream, nil
}

// registerStreamLocked builds and registers the stream for a completed
// stream.subscribe call. Runs under c.mu on the read goroutine.
func (c *Client) registerStreamLocked(commandID string, result json.RawMessage, buffer int) {
	var decoded struct {
		SubscriptionID string         `json:"subscriptionId"`
		Backlog        []events.Entry `json:"backlog"`
		Stale          bool           `json:"stale,omitempty"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil || decoded.SubscriptionID == "" {
		return
	}
	stream := &Stream{
		client:  c,
		id:      decoded.SubscriptionID,
		backlog: decoded.Backlog,
		stale:   decoded.Stale,
		ch:      make(chan StreamEntry, buffer),
	}
	c.streams[stream.id] = stream
	c.streamByCmd[commandID] = stream
}

// ID returns the daemon-assigned subscription id.
func (s *Stream) ID() string {
	return s.id
}

// Backlog returns the entries replayed at subscribe time, oldest first.
func (s *Stream) Backlog() []events.Entry {
	return s.backlog
}

// Stale reports that the requested cursor was older than the journal
// retains.
func (s *Stream) Stale() bool {
	return s.stale
}

// C is the live entry feed. It closes when the stream or the connection
// does.
func (s *Stream) C() <-chan StreamEntry {
	return s.ch
}

// Dropped counts entries discarded because the consumer fell behind the
// buffer.
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and closes the feed.
func (s *Stream) Close(ctx context.Context) error {
	s.client.mu.Lock()
	delete(s.client.streams, s.id)
	s.client.mu.Unlock()
	s.finish()
	return trace.Wrap(s.client.Call(ctx, wire.CmdStreamUnsubscribe, streamUnsubscribePayload{
		SubscriptionID: s.id,
	}, nil))
}

func (s *Stream) deliver(entry StreamEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.ch <- entry:
	default:
		s.dropped++
	}
}

func (s *Stream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.ch)
	}
}
