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

// Package defaults holds the default values for every tunable the daemon
// exposes. Anything configurable through flags or the config file has its
// default defined here and only here.
package defaults

import "time"

const (
	// ControlHost is the address the control-plane listener binds when
	// none is configured. Non-loopback binds require an auth token.
	ControlHost = "127.0.0.1"

	// ControlPort is the default control-plane port.
	ControlPort = 7433

	// TelemetryHost is the default bind address for the OTLP ingest
	// listener.
	TelemetryHost = "127.0.0.1"

	// TelemetryPort is the default OTLP ingest port.
	TelemetryPort = 7434

	// TelemetryMaxBodyBytes bounds a single OTLP export body. Uploads
	// beyond it are cut off.
	TelemetryMaxBodyBytes = 16 * 1024 * 1024

	// HTTPReadHeaderTimeout bounds how long an ingest connection may
	// take to send its request headers.
	HTTPReadHeaderTimeout = 10 * time.Second
)

const (
	// MaxFrameBytes bounds a single newline-delimited protocol record in
	// either direction. Connections that exceed it are destroyed.
	MaxFrameBytes = 8 * 1024 * 1024

	// MaxConnectionBufferedBytes bounds the bytes queued for write to a
	// single connection. A connection that falls further behind is
	// destroyed rather than blocking producers.
	MaxConnectionBufferedBytes = 16 * 1024 * 1024

	// MaxStreamJournalEntries bounds the observed-event journal ring.
	// Subscribers replaying past the oldest resident entry are told to
	// resync.
	MaxStreamJournalEntries = 4096

	// SessionReplayBufferBytes bounds the PTY output retained per session
	// for attach-time replay.
	SessionReplayBufferBytes = 2 * 1024 * 1024

	// SessionExitTombstoneTTL is how long an exited session stays
	// queryable before it is removed. Zero removes it immediately.
	SessionExitTombstoneTTL = 10 * time.Minute

	// TerminalCols is the initial PTY width when the client does not
	// specify one.
	TerminalCols = 80

	// TerminalRows is the initial PTY height when the client does not
	// specify one.
	TerminalRows = 24

	// SessionKillDelay is how long a closing session's child gets to exit
	// after SIGTERM before it is killed.
	SessionKillDelay = 5 * time.Second
)

const (
	// ClientDialTimeout bounds the TCP dial to the control endpoint.
	ClientDialTimeout = 5 * time.Second

	// ClientStreamBuffer is the per-subscription entry buffer held on the
	// client side. A consumer that falls further behind loses entries and
	// has to resync by cursor.
	ClientStreamBuffer = 1024
)

const (
	// ToolProbeTimeout bounds a single agent binary version probe.
	ToolProbeTimeout = 2 * time.Second
)

const (
	// HistoryPollInterval is the base period of the history file tailer.
	HistoryPollInterval = 2 * time.Second

	// PollBackoffCap caps the delay any poller backs off to when idle or
	// failing.
	PollBackoffCap = time.Minute

	// PollIdleStreakLimit caps the exponent applied to a poller's base
	// interval while it keeps coming up empty.
	PollIdleStreakLimit = 4

	// PollJitterRatio spreads poller wakeups by this fraction around the
	// computed delay.
	PollJitterRatio = 0.35
)

const (
	// GitStatusPollInterval is the period of the directory enumeration
	// pass in the git status refresher.
	GitStatusPollInterval = 5 * time.Second

	// GitStatusMinDirectoryRefresh is the floor of the per-directory
	// refresh cooldown.
	GitStatusMinDirectoryRefresh = 10 * time.Second

	// GitStatusMaxDirectoryRefresh is the ceiling of the per-directory
	// refresh cooldown for slow repositories.
	GitStatusMaxDirectoryRefresh = 10 * time.Minute

	// GitStatusCooldownFactor multiplies the last refresh duration to
	// derive the adaptive cooldown.
	GitStatusCooldownFactor = 4

	// GitStatusMaxConcurrency bounds parallel directory refreshes.
	GitStatusMaxConcurrency = 4

	// GitAheadBehindLimit bounds the commit walk when counting how far a
	// branch diverged from its upstream.
	GitAheadBehindLimit = 100
)

const (
	// GitHubPollInterval is the period of the pull request sync pass.
	GitHubPollInterval = time.Minute

	// GitHubBackoffCap bounds the delay between sync passes while there
	// is nothing to sync.
	GitHubBackoffCap = 5 * time.Minute

	// GitHubMaxConcurrency bounds parallel per-branch syncs.
	GitHubMaxConcurrency = 3
)

const (
	// HookQueueLimit bounds the pending lifecycle hook queue. When full
	// the oldest pending event is dropped.
	HookQueueLimit = 2048

	// HookDedupeWindow suppresses duplicate lifecycle events of the same
	// type for the same session inside this window.
	HookDedupeWindow = 250 * time.Millisecond

	// HookDispatchTimeout bounds a single webhook delivery.
	HookDispatchTimeout = 10 * time.Second
)

const (
	// PromptDedupeSize bounds the LRU used to suppress duplicate prompt
	// events.
	PromptDedupeSize = 4096

	// PromptDedupeTTL expires prompt dedupe entries.
	PromptDedupeTTL = 5 * time.Minute
)

const (
	// PerfQueueLimit bounds the in-memory perf event queue. Events beyond
	// it are dropped, never blocked on.
	PerfQueueLimit = 8192

	// PerfFlushInterval is how often buffered perf events are written out.
	PerfFlushInterval = time.Second

	// PerfFlushBatch flushes early once this many events are buffered.
	PerfFlushBatch = 256
)

const (
	// StateBusyTimeout is how long sqlite waits on a locked database
	// before failing a statement.
	StateBusyTimeout = 5 * time.Second
)
