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

// Package corral holds process-wide constants shared by every corral
// component: component names used in structured log output, agent kinds,
// and the names of the Prometheus metrics the daemon registers.
package corral

import "strings"

// ComponentKey is the name of the component field in structured log output.
const ComponentKey = "component"

const (
	// ComponentCorral is the root daemon component.
	ComponentCorral = "corral"

	// ComponentServer is the control-plane stream server.
	ComponentServer = "server"

	// ComponentConn is a single client connection.
	ComponentConn = "conn"

	// ComponentSession is the session runtime.
	ComponentSession = "session"

	// ComponentTerm is the PTY host.
	ComponentTerm = "term"

	// ComponentTelemetry is the OTLP ingest listener.
	ComponentTelemetry = "telemetry"

	// ComponentHistory is the history file tailer.
	ComponentHistory = "history"

	// ComponentGit is the git status refresher.
	ComponentGit = "git"

	// ComponentGitHub is the pull request poller.
	ComponentGitHub = "github"

	// ComponentHooks is the lifecycle webhook runtime.
	ComponentHooks = "hooks"

	// ComponentPerf is the performance event sink.
	ComponentPerf = "perf"

	// ComponentState is the state store.
	ComponentState = "state"

	// ComponentClient is the protocol client.
	ComponentClient = "client"
)

// Component generates a component name joined from individual parts,
// for example Component("server", "conn") -> "server:conn".
func Component(components ...string) string {
	return strings.Join(components, ":")
}

// Agent kinds the daemon knows how to launch. An unknown kind falls back
// to the terminal launch profile.
const (
	// AgentCodex is the codex CLI agent.
	AgentCodex = "codex"

	// AgentClaude is the claude CLI agent.
	AgentClaude = "claude"

	// AgentCursor is the cursor CLI agent.
	AgentCursor = "cursor"

	// AgentCritique is the critique review agent.
	AgentCritique = "critique"

	// AgentTerminal is a plain shell session.
	AgentTerminal = "terminal"
)

// KnownAgent reports whether kind names one of the launchable agent kinds.
func KnownAgent(kind string) bool {
	switch kind {
	case AgentCodex, AgentClaude, AgentCursor, AgentCritique, AgentTerminal:
		return true
	}
	return false
}

// Session runtime statuses. A session is exactly one of these at any
// moment; exited sessions linger as tombstones until their TTL fires.
const (
	// StatusRunning means the agent process is working or idle at its prompt.
	StatusRunning = "running"

	// StatusNeedsInput means the agent asked for user attention.
	StatusNeedsInput = "needs-input"

	// StatusCompleted means the agent finished a turn and is waiting.
	StatusCompleted = "completed"

	// StatusExited means the agent process has terminated.
	StatusExited = "exited"
)

// KnownStatus reports whether status names one of the runtime statuses.
func KnownStatus(status string) bool {
	switch status {
	case StatusRunning, StatusNeedsInput, StatusCompleted, StatusExited:
		return true
	}
	return false
}

// Reasons attached to session-control release notifications.
const (
	// ReleaseReasonControllerDisconnected is used when the controlling
	// connection went away without an explicit release.
	ReleaseReasonControllerDisconnected = "controller-disconnected"

	// ReleaseReasonSessionRemoved is used when the session itself is
	// destroyed while still claimed.
	ReleaseReasonSessionRemoved = "session-removed"
)
