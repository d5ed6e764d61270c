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
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/defaults"
	"github.com/jmoyers/corral/lib/srv"
	"github.com/jmoyers/corral/lib/state"
	logutils "github.com/jmoyers/corral/lib/utils/log"
)

// Core is the session-runtime surface the ingest side drives: key
// events, prompt publications, resume-thread reconciliation, ingest
// counters, relayed lifecycle hooks, and history attribution.
// Implemented by *srv.Server.
type Core interface {
	// ApplyKeyEvent feeds a retained telemetry event into the status
	// engine and publishes it on the journal.
	ApplyKeyEvent(sessionID string, ev srv.KeyEvent)
	// PublishPromptEvent publishes a deduplicated submitted prompt.
	PublishPromptEvent(sessionID, text, hash string, at time.Time)
	// ReconcileResumeThread folds a provider thread id into the
	// session's adapter state.
	ReconcileResumeThread(sessionID, threadID string)
	// CountTelemetry adds to a session's ingest counters.
	CountTelemetry(sessionID string, ingested, retained, dropped uint64)
	// InjectSessionEvent feeds an agent-relayed lifecycle callback into
	// the session's event feed.
	InjectSessionEvent(sessionID, kind, reason string, payload []byte) error
	// SessionForThread resolves a provider thread id to a session.
	SessionForThread(threadID string) (string, bool)
}

// IngestorConfig holds the settings to build an Ingestor.
type IngestorConfig struct {
	// Core is the session runtime.
	Core Core
	// Store records retained events.
	Store state.Store
	// Mode selects the retention filter. Defaults to lifecycle-fast.
	Mode Mode
	// Clock stamps events that arrive without a timestamp.
	Clock clockwork.Clock
	// Registry receives the ingest Prometheus collectors.
	Registry *prometheus.Registry
}

// CheckAndSetDefaults checks and sets defaults.
func (c *IngestorConfig) CheckAndSetDefaults() error {
	if c.Core == nil {
		return trace.BadParameter("missing parameter Core")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	switch c.Mode {
	case "":
		c.Mode = ModeLifecycleFast
	case ModeLifecycleFast, ModeFull:
	default:
		return trace.BadParameter("unknown telemetry mode %q", c.Mode)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	return nil
}

// Ingestor runs the retained-event pipeline shared by the HTTP listener
// and the history tailer: filter, fingerprint, record, then feed the
// session runtime.
type Ingestor struct {
	cfg     IngestorConfig
	logger  *slog.Logger
	metrics *ingestMetrics
	prompts *expirable.LRU[string, struct{}]
}

// NewIngestor builds an Ingestor.
func NewIngestor(cfg IngestorConfig) (*Ingestor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newIngestMetrics(cfg.Registry)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Ingestor{
		cfg:     cfg,
		logger:  logutils.NewPackageLogger(corral.ComponentKey, corral.ComponentTelemetry),
		metrics: metrics,
		prompts: expirable.NewLRU[string, struct{}](
			defaults.PromptDedupeSize, nil, defaults.PromptDedupeTTL),
	}, nil
}

// Ingest runs the pipeline over a batch of parsed events attributed to
// one session. An empty session id records the events without driving
// any runtime state; the runtime ignores ids it does not know.
func (ig *Ingestor) Ingest(ctx context.Context, sessionID string, parsed []ParsedEvent) {
	var ingested, retained, dropped uint64
	for _, ev := range parsed {
		ingested++
		if ev.ObservedAt.IsZero() {
			ev.ObservedAt = ig.cfg.Clock.Now().UTC()
		}
		if !Retained(ig.cfg.Mode, ev) {
			dropped++
			continue
		}
		err := ig.cfg.Store.AppendTelemetry(ctx, state.TelemetryRecord{
			Source:           ev.Source,
			SessionID:        sessionID,
			ProviderThreadID: ev.ProviderThreadID,
			EventName:        ev.EventName,
			Severity:         ev.Severity,
			Summary:          ev.Summary,
			ObservedAt:       ev.ObservedAt,
			Fingerprint:      Fingerprint(ev, sessionID),
			Payload:          ev.Payload,
		})
		switch {
		case trace.IsAlreadyExists(err):
			dropped++
			continue
		case err != nil:
			ig.logger.WarnContext(ctx, "Failed to record telemetry event.",
				"event", ev.EventName, "error", err)
			dropped++
			continue
		}
		retained++

		if text := PromptText(ev); text != "" {
			ig.publishPrompt(sessionID, text, ev.ObservedAt)
		}
		if ev.ProviderThreadID != "" {
			ig.cfg.Core.ReconcileResumeThread(sessionID, ev.ProviderThreadID)
		}
		ig.cfg.Core.ApplyKeyEvent(sessionID, srv.KeyEvent{
			Source:     ev.Source,
			EventName:  ev.EventName,
			Severity:   ev.Severity,
			Summary:    ev.Summary,
			ObservedAt: ev.ObservedAt,
			StatusHint: ev.StatusHint,
		})
	}
	ig.metrics.ingested.Add(float64(ingested))
	ig.metrics.retained.Add(float64(retained))
	ig.metrics.dropped.Add(float64(dropped))
	ig.cfg.Core.CountTelemetry(sessionID, ingested, retained, dropped)
}

// publishPrompt publishes a prompt event unless the same text was seen
// for the session within the same second. History replay and the live
// OTLP export both carry submitted prompts; the dedupe collapses them.
func (ig *Ingestor) publishPrompt(sessionID, text string, at time.Time) {
	hash := PromptHash(text)
	key := sessionID + "/" + strconv.FormatInt(at.Unix(), 10) + "/" + hash
	if _, ok := ig.prompts.Get(key); ok {
		return
	}
	ig.prompts.Add(key, struct{}{})
	ig.cfg.Core.PublishPromptEvent(sessionID, text, hash, at)
}

type ingestMetrics struct {
	ingested prometheus.Counter
	retained prometheus.Counter
	dropped  prometheus.Counter
}

func newIngestMetrics(registry *prometheus.Registry) (*ingestMetrics, error) {
	m := &ingestMetrics{
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: corral.MetricNamespace,
			Name:      corral.MetricTelemetryIngested,
			Help:      "Telemetry events parsed from any ingest source.",
		}),
		retained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: corral.MetricNamespace,
			Name:      corral.MetricTelemetryRetained,
			Help:      "Telemetry events recorded after filtering and dedupe.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: corral.MetricNamespace,
			Name:      corral.MetricTelemetryDropped,
			Help:      "Telemetry events dropped by the lifecycle filter or the fingerprint dedupe.",
		}),
	}
	collectors := []prometheus.Collector{m.ingested, m.retained, m.dropped}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return m, nil
}
