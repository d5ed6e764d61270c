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
	"github.com/jmoyers/corral/lib/events"
)

// journal is the bounded ring of observed events. Cursors are assigned
// 1, 2, 3, ... for the life of the process and never reused; the ring
// keeps the most recent limit entries for subscription backlog replay.
// Callers hold the server mutex.
type journal struct {
	entries []events.Entry
	cursor  uint64
	limit   int
}

func newJournal(limit int) *journal {
	return &journal{limit: limit}
}

// append stamps the next cursor on a new entry and retains it, evicting
// the oldest once the ring is full.
func (j *journal) append(scope events.Scope, event events.Event) events.Entry {
	j.cursor++
	entry := events.Entry{Cursor: j.cursor, Scope: scope, Event: event}
	j.entries = append(j.entries, entry)
	if len(j.entries) > j.limit {
		overflow := len(j.entries) - j.limit
		j.entries = append(j.entries[:0], j.entries[overflow:]...)
	}
	return entry
}

// oldest returns the cursor of the oldest resident entry, zero when the
// ring is empty.
func (j *journal) oldest() uint64 {
	if len(j.entries) == 0 {
		return 0
	}
	return j.entries[0].Cursor
}

// after returns the resident entries with cursor greater than the given
// one, in cursor order.
func (j *journal) after(cursor uint64) []events.Entry {
	for i, entry := range j.entries {
		if entry.Cursor > cursor {
			out := make([]events.Entry, len(j.entries)-i)
			copy(out, j.entries[i:])
			return out
		}
	}
	return nil
}

// stale reports whether a subscription resuming after cursor has missed
// evicted entries and must resync from state queries instead of replay.
func (j *journal) stale(cursor uint64) bool {
	if cursor == 0 || len(j.entries) == 0 {
		return false
	}
	return cursor+1 < j.entries[0].Cursor
}

// streamSub is one observed-event subscription owned by a connection.
type streamSub struct {
	id     string
	connID string
	filter events.Filter
}
