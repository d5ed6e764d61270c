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

// Package term runs agent processes under a PTY and exposes the live
// session surface the daemon consumes: ordered byte streaming with
// attach-time replay, resize, signals, rendered snapshots, and a
// lifecycle event feed.
package term

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gravitational/trace"
	"github.com/hinshun/vt10x"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/defaults"
	logutils "github.com/jmoyers/corral/lib/utils/log"
)

// EventKind labels an entry on the session's lifecycle feed.
type EventKind string

const (
	// EventNotify is an agent-surfaced notification.
	EventNotify EventKind = "notify"
	// EventTurnCompleted marks the end of an agent turn.
	EventTurnCompleted EventKind = "turn-completed"
	// EventAttentionRequired means the agent is blocked on the user.
	EventAttentionRequired EventKind = "attention-required"
	// EventSessionExit is emitted once when the child exits.
	EventSessionExit EventKind = "session-exit"
	// EventTerminalOutput marks that output advanced to Cursor. The
	// bytes themselves flow through attachments.
	EventTerminalOutput EventKind = "terminal-output"
)

// Event is one entry on the lifecycle feed.
type Event struct {
	Kind    EventKind
	At      time.Time
	Cursor  uint64
	Exit    *ExitStatus
	Reason  string
	Payload json.RawMessage
}

// ExitStatus reports how the child ended: an exit code, or the name of
// the fatal signal.
type ExitStatus struct {
	Code   *int   `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// AttachHandlers receive the byte stream for one attachment. Handlers
// must not block and must not call back into the session.
type AttachHandlers struct {
	// OnData receives a chunk and the absolute cursor after its last
	// byte. Chunks arrive in order, never concurrently.
	OnData func(cursor uint64, data []byte)
	// OnExit fires once, after the last OnData.
	OnExit func(exit ExitStatus)
}

// Config holds the settings to start a session.
type Config struct {
	// Profile is the resolved launch plan.
	Profile Profile
	// Dir is the child's working directory.
	Dir string
	// SessionID tags log lines.
	SessionID string
	// Cols and Rows set the initial PTY size.
	Cols int
	Rows int
	// ReplayBytes bounds the output retained for attach-time replay.
	ReplayBytes int
	// KillDelay is how long the child gets after SIGTERM before SIGKILL.
	KillDelay time.Duration
	// Clock is used for timestamps and the kill timer.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Profile.Command == "" {
		return trace.BadParameter("missing launch command")
	}
	if c.Cols <= 0 {
		c.Cols = defaults.TerminalCols
	}
	if c.Rows <= 0 {
		c.Rows = defaults.TerminalRows
	}
	if c.ReplayBytes <= 0 {
		c.ReplayBytes = defaults.SessionReplayBufferBytes
	}
	if c.KillDelay <= 0 {
		c.KillDelay = defaults.SessionKillDelay
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Session is a live agent process under a PTY.
type Session struct {
	cfg    Config
	logger *slog.Logger
	cmd    *exec.Cmd
	pty    *os.File
	vt     vt10x.Terminal
	replay *replayBuffer

	mu          sync.Mutex
	attachments map[uint64]AttachHandlers
	listeners   map[uint64]func(Event)
	nextID      uint64
	exit        *ExitStatus
	last        *Snapshot
	closed      bool

	// emitMu serializes lifecycle event delivery across the reader
	// goroutine and Inject callers.
	emitMu sync.Mutex

	done chan struct{}
}

// StartSession launches the profile's command under a new PTY. The
// context terminates the child when canceled.
func StartSession(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cmd := exec.CommandContext(ctx, cfg.Profile.Command, cfg.Profile.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Profile.Env...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = cfg.KillDelay

	ptyFile, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cfg.Cols),
		Rows: uint16(cfg.Rows),
	})
	if err != nil {
		return nil, trace.Wrap(err, "starting %v", cfg.Profile.Command)
	}

	s := &Session{
		cfg: cfg,
		logger: logutils.NewPackageLogger(
			corral.ComponentKey, corral.ComponentTerm,
			"session_id", cfg.SessionID),
		cmd:         cmd,
		pty:         ptyFile,
		vt:          vt10x.New(vt10x.WithSize(cfg.Cols, cfg.Rows)),
		replay:      newReplayBuffer(cfg.ReplayBytes),
		attachments: make(map[uint64]AttachHandlers),
		listeners:   make(map[uint64]func(Event)),
		done:        make(chan struct{}),
	}
	s.logger.InfoContext(ctx, "Session started.",
		"command", cfg.Profile.Command, "dir", cfg.Dir, "pid", cmd.Process.Pid)
	go s.run()
	return s, nil
}

// run is the single reader goroutine: it drains the PTY until the child
// hangs up, reaps it, and fans out the exit.
func (s *Session) run() {
	buf := make([]byte, 4096)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.vt.Write(chunk)
			cursor := s.deliver(chunk)
			s.emit(Event{Kind: EventTerminalOutput, At: s.cfg.Clock.Now(), Cursor: cursor})
		}
		if err != nil {
			// Linux reports EIO on the master once the child exits.
			break
		}
	}
	exit := exitStatus(s.cmd.Wait())
	s.finish(exit)
}

// deliver appends the chunk to the replay buffer and hands it to every
// attachment while holding the session lock, so attach-time replay and
// live delivery cannot interleave.
func (s *Session) deliver(chunk []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor := s.replay.append(chunk)
	for _, h := range s.attachments {
		if h.OnData != nil {
			h.OnData(cursor, chunk)
		}
	}
	return cursor
}

func (s *Session) finish(exit ExitStatus) {
	snap := captureSnapshot(s.vt, s.replay.end(), s.cfg.Clock.Now())

	s.mu.Lock()
	alreadyExited := s.exit != nil
	if !alreadyExited {
		s.exit = &exit
		s.last = &snap
	}
	attachments := s.attachments
	s.attachments = make(map[uint64]AttachHandlers)
	s.mu.Unlock()

	if alreadyExited {
		return
	}
	for _, h := range attachments {
		if h.OnExit != nil {
			h.OnExit(exit)
		}
	}
	s.emit(Event{
		Kind:   EventSessionExit,
		At:     s.cfg.Clock.Now(),
		Cursor: s.replay.end(),
		Exit:   &exit,
	})
	s.pty.Close()
	close(s.done)
	s.logger.Info("Session exited.", "code", exitCodeAttr(exit), "signal", exit.Signal)
}

// Attach registers handlers and replays retained output at offsets >=
// sinceCursor exactly once before live delivery begins. Attaching to an
// exited session replays what is retained, then fires OnExit.
func (s *Session) Attach(h AttachHandlers, sinceCursor uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if data, end := s.replay.from(sinceCursor); len(data) > 0 && h.OnData != nil {
		h.OnData(end, data)
	}
	if s.exit != nil {
		if h.OnExit != nil {
			h.OnExit(*s.exit)
		}
		return id
	}
	s.attachments[id] = h
	return id
}

// Detach removes an attachment. Idempotent.
func (s *Session) Detach(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attachments, id)
}

// Write sends bytes to the child's terminal.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	exited := s.exit != nil
	s.mu.Unlock()
	if exited {
		return trace.BadParameter("session has exited")
	}
	_, err := s.pty.Write(data)
	return trace.Wrap(err)
}

// Resize changes the PTY and mirror dimensions. Best effort.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return trace.BadParameter("invalid size %vx%v", cols, rows)
	}
	s.vt.Resize(cols, rows)
	err := pty.Setsize(s.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	return trace.Wrap(err)
}

// Signal delivers a control signal: "interrupt" and "eof" go through the
// terminal line discipline, "terminate" goes straight to the process.
func (s *Session) Signal(name string) error {
	switch name {
	case "interrupt":
		return s.Write([]byte{0x03})
	case "eof":
		return s.Write([]byte{0x04})
	case "terminate":
		s.mu.Lock()
		exited := s.exit != nil
		s.mu.Unlock()
		if exited {
			return trace.BadParameter("session has exited")
		}
		return trace.Wrap(s.cmd.Process.Signal(syscall.SIGTERM))
	default:
		return trace.BadParameter("unknown signal %q", name)
	}
}

// LatestCursor returns the offset after the last byte produced, zero
// before any output.
func (s *Session) LatestCursor() uint64 {
	return s.replay.end()
}

// Snapshot returns the current rendered frame, or the frame captured at
// exit once the child is gone.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	if s.last != nil {
		snap := *s.last
		s.mu.Unlock()
		return snap
	}
	s.mu.Unlock()
	return captureSnapshot(s.vt, s.replay.end(), s.cfg.Clock.Now())
}

// Exited reports the exit status, nil while the child runs.
func (s *Session) Exited() *ExitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit
}

// Done is closed after the exit has been fully fanned out.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// OnEvent registers a lifecycle listener and returns its unsubscribe.
// Listeners must not block and must not inject further events; reading
// session state from a listener is fine.
func (s *Session) OnEvent(l func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Inject feeds an agent-originated lifecycle record (relayed hook
// callbacks) into the event feed.
func (s *Session) Inject(ev Event) error {
	switch ev.Kind {
	case EventNotify, EventTurnCompleted, EventAttentionRequired:
	default:
		return trace.BadParameter("cannot inject event kind %q", ev.Kind)
	}
	if ev.At.IsZero() {
		ev.At = s.cfg.Clock.Now()
	}
	ev.Cursor = s.replay.end()
	s.emit(ev)
	return nil
}

func (s *Session) emit(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	listeners := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Close terminates the child: SIGTERM, then SIGKILL after the kill
// delay if it lingers. Safe to call repeatedly and after exit.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed || s.exit != nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug("Signaling child failed.", "error", err)
	}
	timer := s.cfg.Clock.AfterFunc(s.cfg.KillDelay, func() {
		s.logger.Warn("Child ignored SIGTERM, killing.", "pid", s.cmd.Process.Pid)
		s.cmd.Process.Kill()
	})
	go func() {
		<-s.done
		timer.Stop()
	}()
	return nil
}

func exitStatus(err error) ExitStatus {
	if err == nil {
		code := 0
		return ExitStatus{Code: &code}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitStatus{Signal: unix.SignalName(ws.Signal())}
		}
		code := exitErr.ExitCode()
		return ExitStatus{Code: &code}
	}
	code := -1
	return ExitStatus{Code: &code}
}

func exitCodeAttr(exit ExitStatus) any {
	if exit.Code == nil {
		return nil
	}
	return *exit.Code
}
