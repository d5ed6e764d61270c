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
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/events"
	"github.com/jmoyers/corral/lib/state"
	"github.com/jmoyers/corral/lib/state/lite"
	logutils "github.com/jmoyers/corral/lib/utils/log"
	"github.com/jmoyers/corral/lib/wire"
)

func TestMain(m *testing.M) {
	logutils.Initialize(logutils.Config{Severity: "error"})
	os.Exit(m.Run())
}

type testEnv struct {
	server  *Server
	backend *lite.Backend
	addr    string
}

// newTestEnv starts a server on a loopback listener with an in-memory
// store. Cleanup closes clients first, then the server, then the store.
func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	backend, err := lite.New(lite.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := Config{
		Listener: listener,
		Store:    backend,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	server, err := New(cfg)
	require.NoError(t, err)
	go server.Serve()
	t.Cleanup(func() { server.Close() })

	return &testEnv{server: server, backend: backend, addr: listener.Addr().String()}
}

// testClient speaks the newline-delimited protocol over a raw socket.
// Frames read while correlating a command reply are parked in pending so
// output and event assertions never race command dispatch.
type testClient struct {
	t       *testing.T
	sock    net.Conn
	scanner *bufio.Scanner
	seq     int
	pending []wire.ServerEnvelope
}

func dialServer(t *testing.T, addr string) *testClient {
	t.Helper()
	sock, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	scanner := bufio.NewScanner(sock)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &testClient{t: t, sock: sock, scanner: scanner}
}

func (c *testClient) send(env wire.ClientEnvelope) {
	c.t.Helper()
	frame, err := wire.Encode(env)
	require.NoError(c.t, err)
	_, err = c.sock.Write(frame)
	require.NoError(c.t, err)
}

// read pulls the next frame off the socket. False means the server hung
// up or ten seconds passed without one.
func (c *testClient) read() (wire.ServerEnvelope, bool) {
	c.t.Helper()
	require.NoError(c.t, c.sock.SetReadDeadline(time.Now().Add(10*time.Second)))
	if !c.scanner.Scan() {
		return wire.ServerEnvelope{}, false
	}
	// the scanner reuses its buffer, and parsed envelopes alias raw
	// fields into it
	record := append([]byte(nil), c.scanner.Bytes()...)
	env, err := wire.ParseServer(record)
	require.NoError(c.t, err)
	return env, true
}

func (c *testClient) next() (wire.ServerEnvelope, bool) {
	if len(c.pending) > 0 {
		env := c.pending[0]
		c.pending = c.pending[1:]
		return env, true
	}
	return c.read()
}

func (c *testClient) auth(token string) {
	c.t.Helper()
	c.send(wire.ClientEnvelope{Kind: wire.KindAuth, Token: token})
	env, ok := c.read()
	require.True(c.t, ok, "connection closed during auth")
	require.Equal(c.t, wire.KindAuthOK, env.Kind, "auth failed: %v", env.Error)
	require.Equal(c.t, wire.ProtocolVersion, env.Protocol)
}

// run sends a command and reads until its completed or failed reply,
// parking everything else.
func (c *testClient) run(command string, payload any) wire.ServerEnvelope {
	c.t.Helper()
	c.seq++
	id := fmt.Sprintf("%v-%d", command, c.seq)
	env := wire.ClientEnvelope{Kind: wire.KindCommand, CommandID: id, Command: command}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(c.t, err)
		env.Payload = data
	}
	c.send(env)
	for {
		reply, ok := c.read()
		require.True(c.t, ok, "connection closed waiting for %v reply", command)
		if reply.CommandID == id {
			switch reply.Kind {
			case wire.KindCommandAccepted:
				continue
			case wire.KindCommandCompleted, wire.KindCommandFailed:
				return reply
			}
		}
		c.pending = append(c.pending, reply)
	}
}

func (c *testClient) complete(command string, payload, out any) {
	c.t.Helper()
	reply := c.run(command, payload)
	require.Equal(c.t, wire.KindCommandCompleted, reply.Kind,
		"command %v failed: %v", command, reply.Error)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(reply.Result, out))
	}
}

func (c *testClient) fail(command string, payload any) string {
	c.t.Helper()
	reply := c.run(command, payload)
	require.Equal(c.t, wire.KindCommandFailed, reply.Kind,
		"command %v unexpectedly succeeded: %s", command, reply.Result)
	return reply.Error
}

func (c *testClient) startTerminal(command, cwd string) string {
	c.t.Helper()
	var started ptyStartResult
	c.complete(wire.CmdPtyStart, ptyStartRequest{
		AgentType: corral.AgentTerminal,
		Command:   command,
		Cwd:       cwd,
	}, &started)
	require.NotEmpty(c.t, started.SessionID)
	return started.SessionID
}

func (c *testClient) attach(sessionID string) ptyAttachResult {
	c.t.Helper()
	var attached ptyAttachResult
	c.complete(wire.CmdPtyAttach, ptyAttachRequest{SessionID: sessionID}, &attached)
	return attached
}

func (c *testClient) input(sessionID, text string) {
	c.t.Helper()
	c.send(wire.ClientEnvelope{
		Kind:       wire.KindInput,
		SessionID:  sessionID,
		DataBase64: base64.StdEncoding.EncodeToString([]byte(text)),
	})
}

// collectOutput accumulates pty.output bytes until the accumulated text
// contains until.
func (c *testClient) collectOutput(sessionID, until string) string {
	c.t.Helper()
	var buf strings.Builder
	for !strings.Contains(buf.String(), until) {
		env, ok := c.next()
		require.True(c.t, ok,
			"connection closed waiting for output %q, have %q", until, buf.String())
		if env.Kind != wire.KindOutput || env.SessionID != sessionID {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(env.ChunkBase64)
		require.NoError(c.t, err)
		buf.Write(data)
	}
	return buf.String()
}

func (c *testClient) waitExit(sessionID string) *wire.ExitStatus {
	c.t.Helper()
	for {
		env, ok := c.next()
		require.True(c.t, ok, "connection closed waiting for pty.exit")
		if env.Kind == wire.KindExit && env.SessionID == sessionID {
			return env.Exit
		}
	}
}

func (c *testClient) waitStreamEvent(match func(subID string, ev events.Event) bool) events.Event {
	c.t.Helper()
	for {
		env, ok := c.next()
		require.True(c.t, ok, "connection closed waiting for stream event")
		if env.Kind != wire.KindStreamEvent {
			continue
		}
		var ev events.Event
		require.NoError(c.t, json.Unmarshal(env.Event, &ev))
		if match(env.SubscriptionID, ev) {
			return ev
		}
	}
}

// ptyEventRecord mirrors the record carried by pty.event frames.
type ptyEventRecord struct {
	Kind    string           `json:"kind"`
	At      time.Time        `json:"at"`
	Cursor  uint64           `json:"cursor"`
	Reason  string           `json:"reason,omitempty"`
	Exit    *wire.ExitStatus `json:"exit,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

func (c *testClient) waitPtyEvent(sessionID, kind string) ptyEventRecord {
	c.t.Helper()
	for {
		env, ok := c.next()
		require.True(c.t, ok, "connection closed waiting for pty.event %v", kind)
		if env.Kind != wire.KindEvent || env.SessionID != sessionID {
			continue
		}
		var record ptyEventRecord
		require.NoError(c.t, json.Unmarshal(env.Event, &record))
		if record.Kind == kind {
			return record
		}
	}
}

func (c *testClient) status(sessionID string) SessionSummary {
	c.t.Helper()
	var sum SessionSummary
	c.complete(wire.CmdSessionStatus, sessionRequest{SessionID: sessionID}, &sum)
	return sum
}

func (c *testClient) waitStatus(sessionID, status string) SessionSummary {
	c.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		sum := c.status(sessionID)
		if sum.Status == status {
			return sum
		}
		if time.Now().After(deadline) {
			c.t.Fatalf("session %v stuck in status %v, want %v", sessionID, sum.Status, status)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func (c *testClient) waitGone(sessionID string) {
	c.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		reply := c.run(wire.CmdSessionStatus, sessionRequest{SessionID: sessionID})
		if reply.Kind == wire.KindCommandFailed &&
			strings.Contains(reply.Error, "session not found") {
			return
		}
		if time.Now().After(deadline) {
			c.t.Fatalf("session %v still present", sessionID)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestAuthGate(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.AuthToken = "hunter2" })

	t.Run("command before auth destroys", func(t *testing.T) {
		c := dialServer(t, env.addr)
		c.send(wire.ClientEnvelope{Kind: wire.KindCommand, CommandID: "x", Command: wire.CmdSessionList})
		reply, ok := c.read()
		require.True(t, ok)
		require.Equal(t, wire.KindAuthError, reply.Kind)
		require.Equal(t, "authentication required", reply.Error)
		_, ok = c.read()
		require.False(t, ok, "connection should be gone")
	})

	t.Run("wrong token destroys", func(t *testing.T) {
		c := dialServer(t, env.addr)
		c.send(wire.ClientEnvelope{Kind: wire.KindAuth, Token: "nope"})
		reply, ok := c.read()
		require.True(t, ok)
		require.Equal(t, wire.KindAuthError, reply.Kind)
		require.Equal(t, "invalid auth token", reply.Error)
		_, ok = c.read()
		require.False(t, ok)
	})

	t.Run("right token authenticates", func(t *testing.T) {
		c := dialServer(t, env.addr)
		c.auth("hunter2")

		var listed sessionListResult
		c.complete(wire.CmdSessionList, nil, &listed)
		require.Empty(t, listed.Sessions)

		// re-auth with a matching token is acknowledged again
		c.auth("hunter2")
		// re-auth with a bad token is dropped without killing the
		// connection
		c.send(wire.ClientEnvelope{Kind: wire.KindAuth, Token: "nope"})
		c.complete(wire.CmdSessionList, nil, &listed)
	})
}

func TestStartValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	c := dialServer(t, env.addr)
	cwd := t.TempDir()

	require.Contains(t,
		c.fail(wire.CmdPtyStart, ptyStartRequest{AgentType: corral.AgentTerminal}),
		"missing directory or cwd")
	require.Contains(t,
		c.fail(wire.CmdPtyStart, ptyStartRequest{DirectoryID: "ghost"}),
		"directory not found")
	require.Contains(t,
		c.fail(wire.CmdPtyStart, ptyStartRequest{AgentType: "gpt", Cwd: cwd}),
		`unknown agent type "gpt"`)

	id := c.startTerminal("/bin/cat", cwd)
	require.Contains(t,
		c.fail(wire.CmdPtyStart, ptyStartRequest{SessionID: id, Cwd: cwd}),
		"session already exists: "+id)

	require.Contains(t, c.fail("bogus.command", nil), `unknown command "bogus.command"`)
	require.Contains(t,
		c.fail(wire.CmdSessionList, sessionListRequest{Sort: "alphabetical"}),
		`unknown sort order "alphabetical"`)
	require.Contains(t,
		c.fail(wire.CmdSessionStatus, sessionRequest{SessionID: "nope"}),
		"session not found: nope")
	require.Contains(t,
		c.fail(wire.CmdSessionRespond, sessionRespondRequest{SessionID: "nope", Text: "hi"}),
		"session not found: nope")
	require.Contains(t,
		c.fail(wire.CmdPtyAttach, ptyAttachRequest{SessionID: "nope"}),
		"session not found: nope")
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	c := dialServer(t, env.addr)
	cwd := t.TempDir()

	id := c.startTerminal("/bin/cat", cwd)
	attached := c.attach(id)
	require.Zero(t, attached.LatestCursor)

	c.input(id, "hello\r")
	output := c.collectOutput(id, "hello")
	require.Contains(t, output, "hello")

	sum := c.status(id)
	require.Equal(t, corral.StatusRunning, sum.Status)
	require.True(t, sum.Live)
	require.Equal(t, corral.AgentTerminal, sum.AgentType)
	require.Equal(t, cwd, sum.Cwd)
	require.NotZero(t, sum.LatestCursor)
	require.NotZero(t, sum.Diagnostics.FanoutBytesTotal)
	require.NotZero(t, sum.Diagnostics.FanoutEventsTotal)
	require.NotEmpty(t, sum.StatusModel)

	var listed sessionListResult
	c.complete(wire.CmdSessionList, nil, &listed)
	require.Len(t, listed.Sessions, 1)
	require.Equal(t, id, listed.Sessions[0].SessionID)

	live := true
	c.complete(wire.CmdSessionList, sessionListRequest{Filter: SessionFilter{Live: &live}}, &listed)
	require.Len(t, listed.Sessions, 1)

	var snap sessionSnapshotResult
	c.complete(wire.CmdSessionSnapshot, sessionRequest{SessionID: id}, &snap)
	require.False(t, snap.Stale)
	require.NotNil(t, snap.Snapshot)
	require.NotZero(t, snap.Snapshot.Cursor)
	require.Contains(t, strings.Join(snap.Snapshot.Lines, "\n"), "hello")

	// the attached conversation row exists with runtime status mirrored
	conv, err := env.backend.GetConversation(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, corral.AgentTerminal, conv.AgentType)
	require.Equal(t, corral.StatusRunning, conv.RuntimeStatus)

	var removed sessionRemoveResult
	c.complete(wire.CmdSessionRemove, sessionRequest{SessionID: id}, &removed)
	require.True(t, removed.Removed)
	require.Contains(t,
		c.fail(wire.CmdSessionStatus, sessionRequest{SessionID: id}),
		"session not found: "+id)
}

func TestSessionExitAndRestart(t *testing.T) {
	env := newTestEnv(t, nil)
	c := dialServer(t, env.addr)
	cwd := t.TempDir()

	id := c.startTerminal("/bin/sh", cwd)
	c.attach(id)
	c.input(id, "exit 7\r")

	exit := c.waitExit(id)
	require.NotNil(t, exit)
	require.NotNil(t, exit.Code)
	require.Equal(t, 7, *exit.Code)

	sum := c.waitStatus(id, corral.StatusExited)
	require.False(t, sum.Live)
	require.NotNil(t, sum.Exit)
	require.NotNil(t, sum.Exit.Code)
	require.Equal(t, 7, *sum.Exit.Code)
	require.NotNil(t, sum.ExitedAt)

	// the tombstone serves its last frame, refuses writes and
	// attachments
	var snap sessionSnapshotResult
	c.complete(wire.CmdSessionSnapshot, sessionRequest{SessionID: id}, &snap)
	require.True(t, snap.Stale)
	require.NotNil(t, snap.Snapshot)

	require.Contains(t,
		c.fail(wire.CmdSessionRespond, sessionRespondRequest{SessionID: id, Text: "hi"}),
		"session is not live: "+id)
	require.Contains(t,
		c.fail(wire.CmdPtyAttach, ptyAttachRequest{SessionID: id}),
		"session is not live: "+id)

	// the exit was persisted
	conv, err := env.backend.GetConversation(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, corral.StatusExited, conv.RuntimeStatus)
	require.Contains(t, string(conv.RuntimeLastExit), `"code":7`)

	// starting the same id again replaces the tombstone with a fresh
	// running session
	var started ptyStartResult
	c.complete(wire.CmdPtyStart, ptyStartRequest{
		SessionID: id,
		AgentType: corral.AgentTerminal,
		Command:   "/bin/cat",
		Cwd:       cwd,
	}, &started)
	require.Equal(t, id, started.SessionID)

	sum = c.status(id)
	require.Equal(t, corral.StatusRunning, sum.Status)
	require.True(t, sum.Live)
	require.Nil(t, sum.Exit)
}

func TestSessionInterrupt(t *testing.T) {
	env := newTestEnv(t, nil)
	c := dialServer(t, env.addr)

	id := c.startTerminal("/bin/cat", t.TempDir())
	var interrupted sessionInterruptResult
	c.complete(wire.CmdSessionInterrupt, sessionRequest{SessionID: id}, &interrupted)
	require.True(t, interrupted.Interrupted)

	// ^C through the line discipline kills cat with SIGINT
	sum := c.waitStatus(id, corral.StatusExited)
	require.NotNil(t, sum.Exit)
	require.Nil(t, sum.Exit.Code)
	require.Equal(t, "SIGINT", sum.Exit.Signal)
}

func TestClaimMutex(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := dialServer(t, env.addr)
	bob := dialServer(t, env.addr)

	id := alice.startTerminal("/bin/cat", t.TempDir())

	var claimed sessionClaimResult
	alice.complete(wire.CmdSessionClaim, sessionClaimRequest{
		SessionID:       id,
		ControllerID:    "ctl-a",
		ControllerType:  "ui",
		ControllerLabel: "alice",
	}, &claimed)
	require.NotNil(t, claimed.Controller)
	require.Equal(t, "ctl-a", claimed.Controller.ID)
	require.NotEmpty(t, claimed.Controller.ConnectionID)
	firstClaimAt := claimed.Controller.ClaimedAt

	require.Contains(t,
		bob.fail(wire.CmdSessionClaim, sessionClaimRequest{SessionID: id, ControllerID: "ctl-b"}),
		"session is claimed by alice")
	require.Contains(t,
		bob.fail(wire.CmdSessionRespond, sessionRespondRequest{SessionID: id, Text: "hi"}),
		"session is claimed by alice")
	require.Contains(t,
		alice.fail(wire.CmdSessionClaim, sessionClaimRequest{SessionID: id}),
		"missing controllerId")

	// the holder responds and re-claims freely; the re-claim keeps the
	// original claim time
	var responded sessionRespondResult
	alice.complete(wire.CmdSessionRespond, sessionRespondRequest{SessionID: id, Text: "go"}, &responded)
	require.True(t, responded.Responded)

	alice.complete(wire.CmdSessionClaim, sessionClaimRequest{
		SessionID: id, ControllerID: "ctl-a", ControllerType: "ui",
	}, &claimed)
	require.True(t, claimed.Controller.ClaimedAt.Equal(firstClaimAt))

	// takeover moves the claim, then release is owner-only
	bob.complete(wire.CmdSessionClaim, sessionClaimRequest{
		SessionID:       id,
		ControllerID:    "ctl-b",
		ControllerLabel: "bob",
		Takeover:        true,
	}, &claimed)
	require.Equal(t, "ctl-b", claimed.Controller.ID)

	require.Contains(t,
		alice.fail(wire.CmdSessionRespond, sessionRespondRequest{SessionID: id, Text: "hi"}),
		"session is claimed by bob")

	var released sessionReleaseResult
	alice.complete(wire.CmdSessionRelease, sessionReleaseRequest{SessionID: id}, &released)
	require.False(t, released.Released)
	bob.complete(wire.CmdSessionRelease, sessionReleaseRequest{SessionID: id, Reason: "handoff"}, &released)
	require.True(t, released.Released)
	bob.complete(wire.CmdSessionRelease, sessionReleaseRequest{SessionID: id}, &released)
	require.False(t, released.Released)

	// the journal recorded the control handoffs in order
	var sub streamSubscribeResult
	alice.complete(wire.CmdStreamSubscribe, streamSubscribeRequest{}, &sub)
	var control []events.Event
	for _, entry := range sub.Backlog {
		if entry.Event.Kind == events.KindSessionControl {
			control = append(control, entry.Event)
		}
	}
	require.Len(t, control, 3)
	require.Equal(t, events.ActionClaimed, control[0].Action)
	require.Equal(t, "ctl-a", control[0].Controller.ID)
	require.Equal(t, events.ActionTakenOver, control[1].Action)
	require.Equal(t, "ctl-b", control[1].Controller.ID)
	require.NotNil(t, control[1].PreviousController)
	require.Equal(t, "ctl-a", control[1].PreviousController.ID)
	require.Equal(t, events.ActionReleased, control[2].Action)
	require.Equal(t, "handoff", control[2].Reason)
}

func TestClaimReleasedOnDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := dialServer(t, env.addr)
	bob := dialServer(t, env.addr)

	id := alice.startTerminal("/bin/cat", t.TempDir())

	var sub streamSubscribeResult
	bob.complete(wire.CmdStreamSubscribe, streamSubscribeRequest{}, &sub)

	var claimed sessionClaimResult
	alice.complete(wire.CmdSessionClaim, sessionClaimRequest{
		SessionID: id, ControllerID: "ctl-a", ControllerLabel: "alice",
	}, &claimed)

	require.NoError(t, alice.sock.Close())

	ev := bob.waitStreamEvent(func(subID string, ev events.Event) bool {
		return subID == sub.SubscriptionID && ev.Kind == events.KindSessionControl &&
			ev.Action == events.ActionReleased
	})
	require.Equal(t, corral.ReleaseReasonControllerDisconnected, ev.Reason)
	require.Equal(t, "ctl-a", ev.Controller.ID)

	sum := bob.status(id)
	require.Nil(t, sum.Controller)
}

func TestStreamSubscriptions(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.JournalLimit = 4 })
	c := dialServer(t, env.addr)

	for i := 1; i <= 6; i++ {
		c.complete(wire.CmdDirectoryUpsert, directoryUpsertRequest{
			ID:   fmt.Sprintf("d%d", i),
			Path: fmt.Sprintf("/work/repo-%d", i),
		}, nil)
	}

	// cursor zero means from-now: the resident backlog, never stale
	var fromZero streamSubscribeResult
	c.complete(wire.CmdStreamSubscribe, streamSubscribeRequest{}, &fromZero)
	require.False(t, fromZero.Stale)
	require.Len(t, fromZero.Backlog, 4)
	require.Equal(t, uint64(3), fromZero.Backlog[0].Cursor)
	require.Equal(t, uint64(6), fromZero.Backlog[3].Cursor)

	// resuming before the eviction horizon is stale
	var behind streamSubscribeResult
	c.complete(wire.CmdStreamSubscribe, streamSubscribeRequest{AfterCursor: 1}, &behind)
	require.True(t, behind.Stale)
	require.Len(t, behind.Backlog, 4)

	// resuming inside the window replays only what was missed
	var tail streamSubscribeResult
	c.complete(wire.CmdStreamSubscribe, streamSubscribeRequest{AfterCursor: 5}, &tail)
	require.False(t, tail.Stale)
	require.Len(t, tail.Backlog, 1)
	require.Equal(t, uint64(6), tail.Backlog[0].Cursor)

	var unsubbed streamUnsubscribeResult
	for _, id := range []string{fromZero.SubscriptionID, behind.SubscriptionID, tail.SubscriptionID} {
		c.complete(wire.CmdStreamUnsubscribe, streamUnsubscribeRequest{SubscriptionID: id}, &unsubbed)
		require.True(t, unsubbed.Unsubscribed)
	}
	c.complete(wire.CmdStreamUnsubscribe, streamUnsubscribeRequest{SubscriptionID: fromZero.SubscriptionID}, &unsubbed)
	require.False(t, unsubbed.Unsubscribed)

	// a filtered subscription only sees its directory
	var filtered streamSubscribeResult
	c.complete(wire.CmdStreamSubscribe, streamSubscribeRequest{
		Filter: events.Filter{DirectoryID: "dx"},
	}, &filtered)
	require.Empty(t, filtered.Backlog)

	c.complete(wire.CmdDirectoryUpsert, directoryUpsertRequest{ID: "other", Path: "/work/other"}, nil)
	c.complete(wire.CmdDirectoryUpsert, directoryUpsertRequest{ID: "dx", Path: "/work/dx"}, nil)

	ev := c.waitStreamEvent(func(subID string, ev events.Event) bool {
		return subID == filtered.SubscriptionID
	})
	require.Equal(t, events.KindDirectoryUpserted, ev.Kind)
	require.Equal(t, "dx", ev.DirectoryID)
}

func TestObservedOutputJournal(t *testing.T) {
	env := newTestEnv(t, nil)
	c := dialServer(t, env.addr)
	cwd := t.TempDir()

	var sub streamSubscribeResult
	c.complete(wire.CmdStreamSubscribe, streamSubscribeRequest{
		Filter: events.Filter{IncludeOutput: true},
	}, &sub)

	id := c.startTerminal("/bin/cat", cwd)

	created := c.waitStreamEvent(func(subID string, ev events.Event) bool {
		return subID == sub.SubscriptionID && ev.Kind == events.KindConversationCreated
	})
	require.Equal(t, id, created.ConversationID)
	require.NotEmpty(t, created.Record)

	status := c.waitStreamEvent(func(subID string, ev events.Event) bool {
		return subID == sub.SubscriptionID && ev.Kind == events.KindSessionStatus
	})
	require.Equal(t, id, status.SessionID)
	require.Equal(t, corral.StatusRunning, status.Status)
	require.NotEmpty(t, status.StatusModel)

	c.input(id, "ping\r")
	var got strings.Builder
	for !strings.Contains(got.String(), "ping") {
		out := c.waitStreamEvent(func(subID string, ev events.Event) bool {
			return subID == sub.SubscriptionID && ev.Kind == events.KindSessionOutput &&
				ev.SessionID == id
		})
		data, err := base64.StdEncoding.DecodeString(out.ChunkBase64)
		require.NoError(t, err)
		got.Write(data)
	}
}

func TestPtyEventFeed(t *testing.T) {
	env := newTestEnv(t, nil)
	c := dialServer(t, env.addr)

	id := c.startTerminal("/bin/cat", t.TempDir())
	var subbed eventSubscribeResult
	c.complete(wire.CmdSubscribeEvents, sessionRequest{SessionID: id}, &subbed)
	require.True(t, subbed.Subscribed)

	require.NoError(t, env.server.InjectSessionEvent(id, "attention-required",
		"approval needed", nil))
	record := c.waitPtyEvent(id, "attention-required")
	require.Equal(t, "approval needed", record.Reason)

	sum := c.waitStatus(id, corral.StatusNeedsInput)
	require.Equal(t, "approval needed", sum.AttentionReason)
	require.Contains(t, string(sum.StatusModel), `"blocked"`)

	// responding forces the session back to running and clears the
	// reason
	var responded sessionRespondResult
	c.complete(wire.CmdSessionRespond, sessionRespondRequest{SessionID: id, Text: "yes"}, &responded)
	require.True(t, responded.Responded)
	sum = c.waitStatus(id, corral.StatusRunning)
	require.Empty(t, sum.AttentionReason)

	require.NoError(t, env.server.InjectSessionEvent(id, "turn-completed", "", nil))
	c.waitPtyEvent(id, "turn-completed")
	c.waitStatus(id, corral.StatusCompleted)

	require.NoError(t, env.server.InjectSessionEvent(id, "notify", "",
		[]byte(`{"msg":"build done"}`)))
	record = c.waitPtyEvent(id, "notify")
	require.JSONEq(t, `{"msg":"build done"}`, string(record.Payload))

	require.Error(t, env.server.InjectSessionEvent(id, "session-exit", "", nil))
	require.Error(t, env.server.InjectSessionEvent("ghost", "notify", "", nil))

	c.complete(wire.CmdUnsubscribeEvents, sessionRequest{SessionID: id}, &subbed)
	require.False(t, subbed.Subscribed)
}

func TestBackpressureZeroBudget(t *testing.T) {
	zero := 0
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxBufferedBytes = &zero })
	c := dialServer(t, env.addr)

	// the first queued reply overruns the zero budget and destroys the
	// connection
	c.send(wire.ClientEnvelope{Kind: wire.KindCommand, CommandID: "x", Command: wire.CmdSessionList})
	_, ok := c.read()
	require.False(t, ok, "connection should have been destroyed")
}

func TestDirectoryConversationTaskCommands(t *testing.T) {
	env := newTestEnv(t, nil)
	c := dialServer(t, env.addr)

	require.Contains(t, c.fail(wire.CmdDirectoryUpsert, directoryUpsertRequest{}), "missing path")

	var dir state.Directory
	c.complete(wire.CmdDirectoryUpsert, directoryUpsertRequest{
		Path: "/work/corral",
		Name: "corral",
	}, &dir)
	require.NotEmpty(t, dir.ID)
	require.Equal(t, "/work/corral", dir.Path)

	var dirs directoryListResult
	c.complete(wire.CmdDirectoryList, nil, &dirs)
	require.Len(t, dirs.Directories, 1)

	require.Contains(t,
		c.fail(wire.CmdDirectoryArchive, directoryArchiveRequest{DirectoryID: "ghost"}),
		"directory not found")
	c.complete(wire.CmdDirectoryArchive, directoryArchiveRequest{DirectoryID: dir.ID}, &dir)
	require.NotNil(t, dir.ArchivedAt)

	c.complete(wire.CmdDirectoryList, nil, &dirs)
	require.Empty(t, dirs.Directories)
	c.complete(wire.CmdDirectoryList, directoryListRequest{IncludeArchived: true}, &dirs)
	require.Len(t, dirs.Directories, 1)

	var conv state.Conversation
	c.complete(wire.CmdConversationUpsert, conversationUpsertRequest{
		DirectoryID: dir.ID,
		AgentType:   corral.AgentCodex,
		Title:       "fix flaky test",
	}, &conv)
	require.NotEmpty(t, conv.ID)
	require.Equal(t, corral.AgentCodex, conv.AgentType)

	// updating the title leaves the agent type alone
	c.complete(wire.CmdConversationUpsert, conversationUpsertRequest{
		ID:    conv.ID,
		Title: "fix the flaky test",
	}, &conv)
	require.Equal(t, "fix the flaky test", conv.Title)
	require.Equal(t, corral.AgentCodex, conv.AgentType)

	var convs conversationListResult
	c.complete(wire.CmdConversationList, conversationListRequest{DirectoryID: dir.ID}, &convs)
	require.Len(t, convs.Conversations, 1)

	c.complete(wire.CmdConversationArchive, conversationRequest{ConversationID: conv.ID}, &conv)
	require.NotNil(t, conv.ArchivedAt)
	c.complete(wire.CmdConversationList, conversationListRequest{DirectoryID: dir.ID}, &convs)
	require.Empty(t, convs.Conversations)

	var deleted conversationDeleteResult
	c.complete(wire.CmdConversationDelete, conversationRequest{ConversationID: conv.ID}, &deleted)
	require.True(t, deleted.Deleted)
	require.Contains(t,
		c.fail(wire.CmdConversationArchive, conversationRequest{ConversationID: conv.ID}),
		"conversation not found: "+conv.ID)

	require.Contains(t, c.fail(wire.CmdTaskCreate, taskCreateRequest{Title: "t"}), "missing directoryId")
	require.Contains(t, c.fail(wire.CmdTaskCreate, taskCreateRequest{DirectoryID: dir.ID}), "missing title")

	var first, second state.Task
	c.complete(wire.CmdTaskCreate, taskCreateRequest{DirectoryID: dir.ID, Title: "write parser"}, &first)
	require.Equal(t, "todo", first.Status)
	require.Zero(t, first.SortOrder)
	c.complete(wire.CmdTaskCreate, taskCreateRequest{DirectoryID: dir.ID, Title: "wire codec"}, &second)
	require.Equal(t, 1, second.SortOrder)

	done := "done"
	c.complete(wire.CmdTaskUpdate, taskUpdateRequest{TaskID: first.ID, Status: &done}, &first)
	require.Equal(t, "done", first.Status)
	require.Contains(t,
		c.fail(wire.CmdTaskUpdate, taskUpdateRequest{TaskID: "ghost"}),
		"task not found: ghost")

	var tasks taskListResult
	c.complete(wire.CmdTaskReorder, taskReorderRequest{
		DirectoryID: dir.ID,
		TaskIDs:     []string{second.ID, first.ID},
	}, &tasks)
	require.Len(t, tasks.Tasks, 2)
	require.Equal(t, second.ID, tasks.Tasks[0].ID)
	require.Zero(t, tasks.Tasks[0].SortOrder)
	require.Equal(t, first.ID, tasks.Tasks[1].ID)
	require.Equal(t, 1, tasks.Tasks[1].SortOrder)

	var repos repositoryListResult
	c.complete(wire.CmdRepositoryList, nil, &repos)
	require.Empty(t, repos.Repositories)
}

func TestRecoverSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	cwd := t.TempDir()

	_, err := env.backend.UpsertDirectory(ctx, state.Directory{ID: "dir-1", Path: cwd})
	require.NoError(t, err)
	_, err = env.backend.UpsertConversation(ctx, state.Conversation{
		ID:          "conv-1",
		DirectoryID: "dir-1",
		AgentType:   corral.AgentTerminal,
		Title:       "shell",
	})
	require.NoError(t, err)
	eventAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, env.backend.UpdateConversationRuntime(ctx, "conv-1", state.ConversationRuntime{
		Status:          corral.StatusNeedsInput,
		LastEventAt:     &eventAt,
		AttentionReason: "awaiting approval",
	}))

	recovered, err := env.server.RecoverSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	c := dialServer(t, env.addr)
	sum := c.status("conv-1")
	require.True(t, sum.Live)
	require.Equal(t, corral.StatusNeedsInput, sum.Status)
	require.Equal(t, "awaiting approval", sum.AttentionReason)
	require.Equal(t, "dir-1", sum.DirectoryID)
	require.Equal(t, cwd, sum.Cwd)
}

func TestTombstoneExpiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	ttl := time.Minute
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Clock = clock
		cfg.TombstoneTTL = &ttl
	})
	c := dialServer(t, env.addr)

	id := c.startTerminal("/bin/sh", t.TempDir())
	c.input(id, "exit 0\r")
	c.waitStatus(id, corral.StatusExited)

	// the tombstone survives until the timer fires
	sum := c.status(id)
	require.False(t, sum.Live)

	clock.Advance(ttl + time.Second)
	c.waitGone(id)
}
