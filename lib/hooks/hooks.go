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

// Package hooks turns the daemon's internal journal into webhook
// deliveries. Entries offered by the publishers are translated into a
// small lifecycle taxonomy, deduplicated over a short window, queued,
// and POSTed to every configured endpoint by a single drain goroutine.
// Delivery failures are logged and counted, never surfaced to the
// offering side.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/defaults"
	"github.com/jmoyers/corral/lib/events"
	logutils "github.com/jmoyers/corral/lib/utils/log"
)

// Config holds the lifecycle hooks runtime settings.
type Config struct {
	// Endpoints are the webhook URLs every lifecycle event is POSTed
	// to. The runtime is inert when empty.
	Endpoints []string
	// DisabledProviders lists agent types whose events are skipped.
	DisabledProviders []string
	// Client issues the webhook requests.
	Client *http.Client
	// Clock stamps lifecycle events.
	Clock clockwork.Clock
	// DispatchTimeout bounds a single webhook request.
	DispatchTimeout time.Duration
	// QueueLimit caps pending events. The oldest is dropped on overflow.
	QueueLimit int
	// DedupeWindow suppresses identical events observed back to back.
	DedupeWindow time.Duration
	// Registry receives the dispatch counters.
	Registry *prometheus.Registry
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	for _, endpoint := range c.Endpoints {
		u, err := url.Parse(endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return trace.BadParameter("invalid webhook endpoint %q", endpoint)
		}
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = defaults.HookDispatchTimeout
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = defaults.HookQueueLimit
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = defaults.HookDedupeWindow
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	return nil
}

// Runtime fans lifecycle events out to webhooks. It implements the
// server's entry sink: Offer enqueues and returns immediately, a lone
// drain goroutine works the queue down.
type Runtime struct {
	cfg      Config
	logger   *slog.Logger
	disabled map[string]bool
	dedupe   *cache.Cache
	metrics  *hookMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queue    []LifecycleEvent
	seen     map[string]bool
	draining bool
	closed   bool
	dropped  uint64
}

// NewRuntime creates a hooks runtime from config.
func NewRuntime(cfg Config) (*Runtime, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newHookMetrics(cfg.Registry)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	disabled := make(map[string]bool, len(cfg.DisabledProviders))
	for _, provider := range cfg.DisabledProviders {
		disabled[provider] = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		cfg:      cfg,
		logger:   logutils.NewPackageLogger(corral.ComponentKey, corral.ComponentHooks),
		disabled: disabled,
		dedupe:   cache.New(cfg.DedupeWindow, time.Minute),
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		seen:     make(map[string]bool),
	}, nil
}

// Offer translates a journal entry and enqueues the resulting
// lifecycle events. It never blocks on delivery.
func (r *Runtime) Offer(entry events.Entry) {
	if len(r.cfg.Endpoints) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	queued := false
	for _, ev := range r.translateLocked(entry) {
		if ev.Provider != "" && r.disabled[ev.Provider] {
			continue
		}
		if r.suppressed(ev) {
			continue
		}
		if len(r.queue) >= r.cfg.QueueLimit {
			r.queue = r.queue[1:]
			r.dropped++
			r.logger.DebugContext(r.ctx, "Hook queue full, dropping oldest event.",
				"dropped", r.dropped,
			)
		}
		r.queue = append(r.queue, ev)
		queued = true
	}
	if queued && !r.draining {
		r.draining = true
		r.wg.Add(1)
		go r.drain()
	}
}

// suppressed reports whether an identical event was already queued
// inside the dedupe window. Add fails exactly when the key is present
// and unexpired, which makes it the check and the mark in one step.
func (r *Runtime) suppressed(ev LifecycleEvent) bool {
	key := ev.Type + "\x00" + ev.SessionID + "\x00" + ev.ConversationID
	return r.dedupe.Add(key, struct{}{}, cache.DefaultExpiration) != nil
}

func (r *Runtime) drain() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if r.closed || len(r.queue) == 0 {
			r.draining = false
			r.mu.Unlock()
			return
		}
		ev := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		r.dispatch(ev)
	}
}

func (r *Runtime) dispatch(ev LifecycleEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		r.logger.WarnContext(r.ctx, "Failed to encode lifecycle event.",
			"type", ev.Type,
			"error", err,
		)
		return
	}
	for _, endpoint := range r.cfg.Endpoints {
		r.metrics.dispatches.Inc()
		if err := r.post(endpoint, body); err != nil {
			r.metrics.failures.Inc()
			r.logger.WarnContext(r.ctx, "Webhook delivery failed.",
				"endpoint", endpoint,
				"type", ev.Type,
				"error", err,
			)
		}
	}
}

func (r *Runtime) post(endpoint string, body []byte) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.DispatchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.cfg.Client.Do(req)
	if err != nil {
		return trace.Wrap(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return trace.BadParameter("webhook returned %v", resp.Status)
	}
	return nil
}

// Close stops the runtime: pending events are discarded and any
// in-flight request is aborted. Safe to call more than once.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.queue = nil
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
	return nil
}

type hookMetrics struct {
	dispatches prometheus.Counter
	failures   prometheus.Counter
}

func newHookMetrics(registry *prometheus.Registry) (*hookMetrics, error) {
	m := &hookMetrics{
		dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: corral.MetricNamespace,
			Name:      corral.MetricHookDispatches,
			Help:      "Number of webhook deliveries attempted.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: corral.MetricNamespace,
			Name:      corral.MetricHookFailures,
			Help:      "Number of webhook deliveries that failed.",
		}),
	}
	for _, collector := range []prometheus.Collector{m.dispatches, m.failures} {
		if err := registry.Register(collector); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return m, nil
}

func (r *Runtime) now() time.Time {
	return r.cfg.Clock.Now().UTC()
}
