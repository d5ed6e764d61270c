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
	"log/slog"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/defaults"
	"github.com/jmoyers/corral/lib/utils"
	logutils "github.com/jmoyers/corral/lib/utils/log"
)

// TailerConfig holds the settings to build a Tailer.
type TailerConfig struct {
	// Path is the provider history file to follow.
	Path string
	// Core attributes lines to sessions by provider thread id.
	Core Core
	// Ingest runs the pipeline over parsed lines.
	Ingest *Ingestor
	// Clock schedules polls.
	Clock clockwork.Clock
	// PollInterval is the base period between polls.
	PollInterval time.Duration
	// BackoffCap bounds the delay while the file stays quiet.
	BackoffCap time.Duration
	// Jitter spreads poll wakeups.
	Jitter utils.Jitter
}

// CheckAndSetDefaults checks and sets defaults.
func (c *TailerConfig) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Core == nil {
		return trace.BadParameter("missing parameter Core")
	}
	if c.Ingest == nil {
		return trace.BadParameter("missing parameter Ingest")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.HistoryPollInterval
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaults.PollBackoffCap
	}
	if c.Jitter == nil {
		c.Jitter = utils.NewPollJitter(defaults.PollJitterRatio)
	}
	return nil
}

// Tailer follows the provider's prompt history file. It reads appended
// bytes, splits complete lines off an in-memory remainder, and routes
// each parsed line through the ingest pipeline under the history
// source, so replay can never drive the status engine. A rewritten
// file is detected and re-read from the start; fingerprint dedupe makes
// the replay idempotent.
type Tailer struct {
	cfg     TailerConfig
	logger  *slog.Logger
	backoff *utils.IdleBackoff

	offset    int64
	remainder []byte
}

// NewTailer builds a Tailer. Call Run to start polling.
func NewTailer(cfg TailerConfig) (*Tailer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	backoff, err := utils.NewIdleBackoff(utils.IdleBackoffConfig{
		Base:        cfg.PollInterval,
		Cap:         cfg.BackoffCap,
		StreakLimit: defaults.PollIdleStreakLimit,
		Jitter:      cfg.Jitter,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Tailer{
		cfg: cfg,
		logger: logutils.NewPackageLogger(
			corral.ComponentKey, corral.ComponentHistory),
		backoff: backoff,
	}, nil
}

// Run polls the history file until the context is canceled. Polls never
// overlap; the next one is scheduled only after the last finished.
func (t *Tailer) Run(ctx context.Context) {
	for {
		lines, err := t.poll(ctx)
		var delay time.Duration
		switch {
		case err != nil:
			t.logger.WarnContext(ctx, "History poll failed.", "error", err)
			delay = t.backoff.Idle()
		case lines == 0:
			delay = t.backoff.Idle()
		default:
			delay = t.backoff.Busy()
		}
		select {
		case <-ctx.Done():
			return
		case <-t.cfg.Clock.After(delay):
		}
	}
}

// poll reads everything appended since the last pass and ingests the
// complete lines, returning how many it processed. A missing file is an
// empty poll, not an error.
func (t *Tailer) poll(ctx context.Context) (int, error) {
	f, err := os.Open(t.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, trace.ConvertSystemError(err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, trace.ConvertSystemError(err)
	}
	size := fi.Size()
	truncated, err := t.detectTruncation(f, size)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if truncated {
		t.offset = 0
		t.remainder = nil
	}
	if size == t.offset {
		return 0, nil
	}

	chunk := make([]byte, size-t.offset)
	if _, err := f.ReadAt(chunk, t.offset); err != nil {
		return 0, trace.ConvertSystemError(err)
	}
	t.offset = size
	t.remainder = append(t.remainder, chunk...)

	cut := bytes.LastIndexByte(t.remainder, '\n')
	if cut < 0 {
		return 0, nil
	}
	complete := t.remainder[:cut]
	t.remainder = append([]byte(nil), t.remainder[cut+1:]...)

	lines := 0
	for _, line := range bytes.Split(complete, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		ev, err := ParseHistoryLine(line)
		if err != nil {
			t.logger.DebugContext(ctx, "Skipping malformed history line.", "error", err)
			continue
		}
		sessionID, _ := t.cfg.Core.SessionForThread(ev.ProviderThreadID)
		t.cfg.Ingest.Ingest(ctx, sessionID, []ParsedEvent{ev})
		lines++
	}
	return lines, nil
}

// detectTruncation reports whether the file was rewritten since the
// last poll: it shrank below the read offset, or the byte just before
// the offset is no longer a newline.
func (t *Tailer) detectTruncation(f *os.File, size int64) (bool, error) {
	if size < t.offset {
		return true, nil
	}
	if t.offset == 0 {
		return false, nil
	}
	var b [1]byte
	if _, err := f.ReadAt(b[:], t.offset-1); err != nil {
		return false, trace.ConvertSystemError(err)
	}
	return b[0] != '\n', nil
}
