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
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/jmoyers/corral"
	logutils "github.com/jmoyers/corral/lib/utils/log"
	"github.com/jmoyers/corral/lib/wire"
)

// reasonWriteBufferExceeded is the destroy reason recorded when a
// connection falls too far behind its write queue.
const reasonWriteBufferExceeded = "write buffer exceeded"

// conn is one control-plane connection. The read goroutine owns parsing
// and dispatch; the flush goroutine owns socket writes. Auth state and
// per-session bookkeeping are guarded by the server mutex, the write
// queue by wmu.
type conn struct {
	id     string
	server *Server
	sock   net.Conn
	logger *slog.Logger

	// Guarded by the server mutex.
	authenticated bool
	// attachments maps session id to the term attachment id.
	attachments map[string]uint64
	// eventSubs is the set of session ids this connection receives
	// pty.event records for.
	eventSubs map[string]bool
	// streamSubs is the set of stream subscription ids owned here.
	streamSubs map[string]bool

	// Write path, guarded by wmu.
	wmu             sync.Mutex
	wcond           *sync.Cond
	queue           [][]byte
	queuedBytes     int
	maxBuffered     int
	writing         bool
	failed          bool
	failReason      string
	failDiagSession string
}

func newConn(server *Server, sock net.Conn, authenticated bool) *conn {
	c := &conn{
		id:            uuid.NewString(),
		server:        server,
		sock:          sock,
		authenticated: authenticated,
		attachments:   make(map[string]uint64),
		eventSubs:     make(map[string]bool),
		streamSubs:    make(map[string]bool),
		maxBuffered:   *server.cfg.MaxBufferedBytes,
		logger: logutils.NewPackageLogger(
			corral.ComponentKey, corral.Component(corral.ComponentServer, corral.ComponentConn),
			"addr", sock.RemoteAddr().String()),
	}
	c.wcond = sync.NewCond(&c.wmu)
	return c
}

// serve is the read loop: it accumulates socket bytes, splits them into
// framed records, and routes each through the server. A partial frame
// larger than the frame limit destroys the connection.
func (c *conn) serve() {
	defer c.server.removeConn(c)
	defer c.sock.Close()

	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := c.sock.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			records, rest := wire.ConsumeJSONLines(buf)
			for _, record := range records {
				if !c.handleRecord(record) {
					return
				}
			}
			buf = append(buf[:0], rest...)
			if len(buf) > c.server.cfg.MaxFrameBytes {
				c.fail("frame exceeds limit")
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// handleRecord parses and routes one framed record. Malformed records
// are dropped so mixed-version clients stay connected. Returns false
// once the connection must stop reading.
func (c *conn) handleRecord(record []byte) bool {
	env, err := wire.ParseClient(record)
	if err != nil {
		c.logger.Debug("Dropping malformed record.", "error", err)
		return true
	}
	return c.server.handleEnvelope(c, env)
}

// flushLoop drains the write queue with synchronous socket writes.
func (c *conn) flushLoop() {
	for {
		c.wmu.Lock()
		for len(c.queue) == 0 && !c.failed {
			c.wcond.Wait()
		}
		if c.failed {
			c.wmu.Unlock()
			return
		}
		frame := c.queue[0]
		c.queue = c.queue[1:]
		c.writing = true
		c.wmu.Unlock()

		_, err := c.sock.Write(frame)

		c.wmu.Lock()
		c.writing = false
		c.queuedBytes -= len(frame)
		c.wmu.Unlock()
		if err != nil {
			c.fail("write failed")
			return
		}
	}
}

// enqueue charges the frame against the write budget and queues it.
// Exceeding the budget destroys the connection; the session named by
// diagSessionID gets the blame on cleanup. The second return reports a
// back-pressure signal: the socket was mid-write with nothing queued
// behind it, meaning the client has started to lag.
func (c *conn) enqueue(frame []byte, diagSessionID string) (bool, bool) {
	c.wmu.Lock()
	if c.failed {
		c.wmu.Unlock()
		return false, false
	}
	signaled := c.writing && len(c.queue) == 0
	c.queuedBytes += len(frame)
	if c.queuedBytes > c.maxBuffered {
		c.failed = true
		c.failReason = reasonWriteBufferExceeded
		c.failDiagSession = diagSessionID
		c.wcond.Broadcast()
		c.wmu.Unlock()
		c.sock.Close()
		return false, signaled
	}
	c.queue = append(c.queue, frame)
	c.wcond.Broadcast()
	c.wmu.Unlock()
	return true, signaled
}

// send encodes and queues one envelope. Drops are final: a destroyed
// connection never gets another frame.
func (c *conn) send(env wire.ServerEnvelope, diagSessionID string) bool {
	frame, err := wire.Encode(env)
	if err != nil {
		c.logger.Warn("Encoding envelope failed.", "kind", env.Kind, "error", err)
		return false
	}
	ok, _ := c.enqueue(frame, diagSessionID)
	return ok
}

// sendDirect writes one envelope straight to the socket, bypassing the
// queue. Only valid before authentication completes, while nothing can
// have been queued for the flush goroutine to interleave with.
func (c *conn) sendDirect(env wire.ServerEnvelope) {
	frame, err := wire.Encode(env)
	if err != nil {
		return
	}
	c.sock.Write(frame)
}

// fail marks the connection destroyed and closes the socket, which
// unblocks both the read and flush goroutines.
func (c *conn) fail(reason string) {
	c.wmu.Lock()
	if !c.failed {
		c.failed = true
		c.failReason = reason
	}
	c.wcond.Broadcast()
	c.wmu.Unlock()
	c.sock.Close()
}

// failure reports why the connection died and which session's fan-out
// tipped it over, both empty for an orderly client hangup.
func (c *conn) failure() (string, string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.failReason, c.failDiagSession
}
