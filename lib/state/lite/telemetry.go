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

package lite

import (
	"context"
	"database/sql"

	"github.com/gravitational/trace"

	"github.com/jmoyers/corral/lib/state"
)

// AppendTelemetry inserts an observed telemetry record. The fingerprint
// column is the primary key, so a record seen before, including before a
// restart, comes back as AlreadyExists and the caller treats it as a
// duplicate.
func (l *Backend) AppendTelemetry(ctx context.Context, rec state.TelemetryRecord) error {
	if rec.Fingerprint == "" {
		return trace.BadParameter("missing telemetry fingerprint")
	}
	if rec.Source == "" {
		return trace.BadParameter("missing telemetry source")
	}
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO telemetry (fingerprint, source, session_id,
				provider_thread_id, event_name, severity, summary,
				observed_at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.Fingerprint, rec.Source, rec.SessionID, rec.ProviderThreadID,
			rec.EventName, rec.Severity, rec.Summary, millis(rec.ObservedAt),
			nullableText(rec.Payload))
		return trace.Wrap(convertError(err))
	})
	if trace.IsAlreadyExists(err) {
		return trace.AlreadyExists("telemetry record %v already exists", rec.Fingerprint)
	}
	return trace.Wrap(err)
}
