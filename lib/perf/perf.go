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

// Package perf is a fire-and-forget performance event sink. Events are
// queued without blocking and flushed to an append-only JSONL file in
// batches. The sink is process-global: components record through the
// package function and never hold a handle, so a process that skips
// Initialize simply records nothing.
package perf

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/defaults"
	logutils "github.com/jmoyers/corral/lib/utils/log"
)

// Config configures the process-global perf sink.
type Config struct {
	// Path is the JSONL file events are appended to.
	Path string
	// Output overrides Path with an arbitrary writer. Used by tests.
	Output io.Writer
	// SampleRates maps an event name to the fraction of its events that
	// are kept, in [0, 1]. Names not present keep everything.
	SampleRates map[string]float64
	// QueueLimit bounds the pending event queue; events beyond it are
	// dropped. Defaults to defaults.PerfQueueLimit.
	QueueLimit int
	// FlushInterval is how often buffered events are written out.
	// Defaults to defaults.PerfFlushInterval.
	FlushInterval time.Duration
	// FlushBatch flushes early once this many events are buffered.
	// Defaults to defaults.PerfFlushBatch.
	FlushBatch int
	// Clock stamps events and drives the flush timer.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" && c.Output == nil {
		return trace.BadParameter("missing perf output path")
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = defaults.PerfQueueLimit
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaults.PerfFlushInterval
	}
	if c.FlushBatch <= 0 {
		c.FlushBatch = defaults.PerfFlushBatch
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	for name, rate := range c.SampleRates {
		if rate < 0 || rate > 1 {
			return trace.BadParameter("sample rate for %q must be in [0, 1]", name)
		}
	}
	return nil
}

type sink struct {
	cfg    Config
	logger *slog.Logger

	out     io.Writer
	closer  io.Closer
	queue   chan map[string]any
	stop    chan struct{}
	done    chan struct{}
	dropped atomic.Uint64

	rngMu sync.Mutex
	rng   *rand.Rand
}

var (
	globalMu sync.Mutex
	global   *sink
)

// Initialize opens the sink and installs it as the process global.
// Initializing twice replaces the previous sink after flushing it.
func Initialize(cfg Config) error {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	out := cfg.Output
	var closer io.Closer
	if out == nil {
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		out = f
		closer = f
	}
	s := &sink{
		cfg:    cfg,
		logger: logutils.NewPackageLogger(corral.ComponentKey, corral.ComponentPerf),
		out:    out,
		closer: closer,
		queue:  make(chan map[string]any, cfg.QueueLimit),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	go s.run()

	globalMu.Lock()
	prev := global
	global = s
	globalMu.Unlock()
	if prev != nil {
		prev.close()
	}
	return nil
}

// Record queues one perf event. It never blocks: when the queue is full
// or no sink is installed the event is dropped.
func Record(name string, fields map[string]any) {
	globalMu.Lock()
	s := global
	globalMu.Unlock()
	if s == nil {
		return
	}
	s.record(name, fields)
}

// Close flushes and tears down the process-global sink.
func Close() error {
	globalMu.Lock()
	s := global
	global = nil
	globalMu.Unlock()
	if s == nil {
		return nil
	}
	return s.close()
}

func (s *sink) record(name string, fields map[string]any) {
	if !s.sampled(name) {
		return
	}
	event := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		event[k] = v
	}
	event["ts"] = s.cfg.Clock.Now().UTC().Format(time.RFC3339Nano)
	event["name"] = name
	select {
	case s.queue <- event:
	default:
		s.dropped.Add(1)
	}
}

func (s *sink) sampled(name string) bool {
	rate, ok := s.cfg.SampleRates[name]
	if !ok || rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64() < rate
}

func (s *sink) run() {
	defer close(s.done)
	ticker := s.cfg.Clock.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	batch := make([]map[string]any, 0, s.cfg.FlushBatch)
	for {
		select {
		case event := <-s.queue:
			batch = append(batch, event)
			if len(batch) >= s.cfg.FlushBatch {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.Chan():
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.stop:
			for {
				select {
				case event := <-s.queue:
					batch = append(batch, event)
				default:
					s.flush(batch)
					return
				}
			}
		}
	}
}

func (s *sink) flush(batch []map[string]any) {
	if len(batch) == 0 {
		return
	}
	var buf bytes.Buffer
	for _, event := range batch {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if _, err := s.out.Write(buf.Bytes()); err != nil {
		s.logger.Debug("Perf flush failed.", "error", err)
	}
}

func (s *sink) close() error {
	close(s.stop)
	<-s.done
	if dropped := s.dropped.Load(); dropped > 0 {
		s.logger.Debug("Perf events dropped under load.", "dropped", dropped)
	}
	if s.closer != nil {
		return trace.ConvertSystemError(s.closer.Close())
	}
	return nil
}
