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

// Package wire frames and parses the newline-delimited JSON protocol
// spoken on the control-plane endpoint. Every record is one UTF-8 JSON
// object terminated by a single line feed; the newline belongs to the
// framing, never to the payload.
package wire

import "encoding/json"

// ProtocolVersion is reported in auth.ok so clients can detect drift.
const ProtocolVersion = 1

// Client to server record kinds.
const (
	// KindAuth authenticates the connection.
	KindAuth = "auth"
	// KindCommand carries a correlated request.
	KindCommand = "command"
	// KindInput writes bytes to a session's terminal.
	KindInput = "pty.input"
	// KindResize changes a session's terminal dimensions.
	KindResize = "pty.resize"
	// KindSignal delivers a control signal to a session.
	KindSignal = "pty.signal"
)

// Server to client record kinds.
const (
	// KindAuthOK acknowledges authentication.
	KindAuthOK = "auth.ok"
	// KindAuthError rejects authentication; the connection closes after.
	KindAuthError = "auth.error"
	// KindCommandAccepted acknowledges receipt of a command.
	KindCommandAccepted = "command.accepted"
	// KindCommandCompleted carries a command result.
	KindCommandCompleted = "command.completed"
	// KindCommandFailed carries a command error.
	KindCommandFailed = "command.failed"
	// KindOutput carries one chunk of terminal output.
	KindOutput = "pty.output"
	// KindExit reports the session child process exit.
	KindExit = "pty.exit"
	// KindEvent carries a session lifecycle event.
	KindEvent = "pty.event"
	// KindStreamEvent carries one observed-event journal entry to a
	// subscription.
	KindStreamEvent = "stream.event"
)

// Signals accepted in pty.signal records.
const (
	// SignalInterrupt sends ^C to the child.
	SignalInterrupt = "interrupt"
	// SignalEOF sends ^D to the child.
	SignalEOF = "eof"
	// SignalTerminate tears the session down.
	SignalTerminate = "terminate"
)

// ClientEnvelope is any record a client sends. Kind selects which of the
// remaining fields are meaningful; the rest stay zero and are omitted on
// the wire.
type ClientEnvelope struct {
	Kind string `json:"kind"`

	// Token authenticates the connection (kind auth).
	Token string `json:"token,omitempty"`

	// CommandID correlates a command with its replies (kind command).
	CommandID string `json:"commandId,omitempty"`
	// Command names the operation to run (kind command).
	Command string `json:"command,omitempty"`
	// Payload carries the command's arguments (kind command).
	Payload json.RawMessage `json:"payload,omitempty"`

	// SessionID targets a session (kinds pty.input, pty.resize,
	// pty.signal).
	SessionID string `json:"sessionId,omitempty"`
	// DataBase64 carries terminal input bytes (kind pty.input).
	DataBase64 string `json:"dataBase64,omitempty"`
	// Cols and Rows carry the new terminal size (kind pty.resize).
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`
	// Signal names the control signal to deliver (kind pty.signal).
	Signal string `json:"signal,omitempty"`
}

// ServerEnvelope is any record the server sends.
type ServerEnvelope struct {
	Kind string `json:"kind"`

	// Protocol reports the protocol version (kind auth.ok).
	Protocol int `json:"protocol,omitempty"`
	// Error carries a failure message (kinds auth.error, command.failed).
	Error string `json:"error,omitempty"`

	// CommandID correlates replies with the originating command.
	CommandID string `json:"commandId,omitempty"`
	// Result carries a command's result (kind command.completed).
	Result json.RawMessage `json:"result,omitempty"`

	// SessionID names the session a record belongs to.
	SessionID string `json:"sessionId,omitempty"`
	// Cursor is the byte cursor of the first byte in ChunkBase64 (kind
	// pty.output) or the journal cursor (kind stream.event).
	Cursor uint64 `json:"cursor,omitempty"`
	// ChunkBase64 carries terminal output bytes (kind pty.output).
	ChunkBase64 string `json:"chunkBase64,omitempty"`
	// Exit reports how the child ended (kind pty.exit).
	Exit *ExitStatus `json:"exit,omitempty"`
	// Event carries a lifecycle or observed event (kinds pty.event,
	// stream.event).
	Event json.RawMessage `json:"event,omitempty"`

	// SubscriptionID names the stream subscription a record belongs to
	// (kind stream.event).
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// ExitStatus describes how a session's child process ended.
type ExitStatus struct {
	// Code is the process exit code; null when the process was killed by
	// a signal.
	Code *int `json:"code"`
	// Signal is the terminating signal name; empty when the process
	// exited on its own.
	Signal string `json:"signal,omitempty"`
}

// KnownClientKind reports whether kind names a record clients may send.
// Unknown kinds are dropped by the connection layer so mixed-version
// clients stay connected.
func KnownClientKind(kind string) bool {
	switch kind {
	case KindAuth, KindCommand, KindInput, KindResize, KindSignal:
		return true
	}
	return false
}

// KnownServerKind reports whether kind names a record the server emits.
func KnownServerKind(kind string) bool {
	switch kind {
	case KindAuthOK, KindAuthError, KindCommandAccepted, KindCommandCompleted,
		KindCommandFailed, KindOutput, KindExit, KindEvent, KindStreamEvent:
		return true
	}
	return false
}

// KnownSignal reports whether signal names a deliverable control signal.
func KnownSignal(signal string) bool {
	switch signal {
	case SignalInterrupt, SignalEOF, SignalTerminate:
		return true
	}
	return false
}
