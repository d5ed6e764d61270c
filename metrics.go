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

package corral

const (
	// MetricNamespace is the prefix shared by all corral metrics.
	MetricNamespace = "corral"

	// MetricSessionsActive tracks the number of live sessions.
	MetricSessionsActive = "sessions_active"

	// MetricConnectionsActive tracks the number of authenticated connections.
	MetricConnectionsActive = "connections_active"

	// MetricFanoutBytes counts PTY bytes fanned out to subscribers.
	MetricFanoutBytes = "fanout_bytes_total"

	// MetricFanoutEvents counts envelopes fanned out to subscribers.
	MetricFanoutEvents = "fanout_events_total"

	// MetricBackpressureDisconnects counts connections destroyed because
	// their write queue exceeded the configured budget.
	MetricBackpressureDisconnects = "backpressure_disconnects_total"

	// MetricJournalEvents counts observed events published to the journal.
	MetricJournalEvents = "journal_events_total"

	// MetricTelemetryIngested counts telemetry events received.
	MetricTelemetryIngested = "telemetry_ingested_total"

	// MetricTelemetryRetained counts telemetry events kept after filtering.
	MetricTelemetryRetained = "telemetry_retained_total"

	// MetricTelemetryDropped counts telemetry events dropped by the
	// lifecycle filter or the fingerprint dedupe.
	MetricTelemetryDropped = "telemetry_dropped_total"

	// MetricHookDispatches counts lifecycle hook webhook deliveries.
	MetricHookDispatches = "hook_dispatches_total"

	// MetricHookFailures counts failed lifecycle hook deliveries.
	MetricHookFailures = "hook_failures_total"
)
