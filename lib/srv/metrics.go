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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/trace"

	"github.com/jmoyers/corral"
)

type serverMetrics struct {
	sessionsActive          prometheus.Gauge
	connectionsActive       prometheus.Gauge
	fanoutBytes             prometheus.Counter
	fanoutEvents            prometheus.Counter
	backpressureDisconnects prometheus.Counter
	journalEvents           prometheus.Counter
}

func newServerMetrics(registry *prometheus.Registry) (*serverMetrics, error) {
	m := &serverMetrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: corral.MetricNamespace,
			Name:      corral.MetricSessionsActive,
			Help:      "Number of sessions currently registered, tombstones included.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: corral.MetricNamespace,
			Name:      corral.MetricConnectionsActive,
			Help:      "Number of open control-plane connections.",
		}),
		fanoutBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: corral.MetricNamespace,
			Name:      corral.MetricFanoutBytes,
			Help:      "Terminal output bytes fanned out to attached connections.",
		}),
		fanoutEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: corral.MetricNamespace,
			Name:      corral.MetricFanoutEvents,
			Help:      "Terminal output envelopes fanned out to attached connections.",
		}),
		backpressureDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: corral.MetricNamespace,
			Name:      corral.MetricBackpressureDisconnects,
			Help:      "Connections destroyed because their write queue exceeded the budget.",
		}),
		journalEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: corral.MetricNamespace,
			Name:      corral.MetricJournalEvents,
			Help:      "Observed events published to the journal.",
		}),
	}
	collectors := []prometheus.Collector{
		m.sessionsActive,
		m.connectionsActive,
		m.fanoutBytes,
		m.fanoutEvents,
		m.backpressureDisconnects,
		m.journalEvents,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return m, nil
}
