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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmoyers/corral/lib/events"
)

func journalEvent(i int) events.Event {
	return events.Event{Kind: events.KindSessionStatus, SessionID: fmt.Sprintf("s%d", i)}
}

func TestJournalCursorsAreMonotone(t *testing.T) {
	j := newJournal(8)
	for i := 1; i <= 5; i++ {
		entry := j.append(events.Scope{}, journalEvent(i))
		require.Equal(t, uint64(i), entry.Cursor)
	}
	require.Equal(t, uint64(1), j.oldest())
	require.Len(t, j.after(0), 5)
}

func TestJournalEvictsOldest(t *testing.T) {
	j := newJournal(3)
	for i := 1; i <= 7; i++ {
		j.append(events.Scope{}, journalEvent(i))
	}
	require.Equal(t, uint64(5), j.oldest())

	resident := j.after(0)
	require.Len(t, resident, 3)
	require.Equal(t, uint64(5), resident[0].Cursor)
	require.Equal(t, uint64(7), resident[2].Cursor)

	// Cursors keep counting past eviction.
	entry := j.append(events.Scope{}, journalEvent(8))
	require.Equal(t, uint64(8), entry.Cursor)
	require.Equal(t, uint64(6), j.oldest())
}

func TestJournalAfter(t *testing.T) {
	j := newJournal(10)
	for i := 1; i <= 4; i++ {
		j.append(events.Scope{}, journalEvent(i))
	}

	tail := j.after(2)
	require.Len(t, tail, 2)
	require.Equal(t, uint64(3), tail[0].Cursor)
	require.Equal(t, uint64(4), tail[1].Cursor)

	require.Nil(t, j.after(4))
	require.Nil(t, j.after(99))

	// The returned slice is a copy; appending more entries must not
	// mutate a backlog already handed to a subscriber.
	j.append(events.Scope{}, journalEvent(5))
	require.Equal(t, uint64(3), tail[0].Cursor)
}

func TestJournalStale(t *testing.T) {
	j := newJournal(3)

	// Empty journal and cursor zero are never stale.
	require.False(t, j.stale(0))
	require.False(t, j.stale(42))

	for i := 1; i <= 5; i++ {
		j.append(events.Scope{}, journalEvent(i))
	}
	// Resident entries are 3, 4, 5.
	require.Equal(t, uint64(3), j.oldest())

	require.False(t, j.stale(0), "cursor zero means from-now, never stale")
	require.True(t, j.stale(1), "entry 2 was evicted")
	require.False(t, j.stale(2), "entry 3 is the oldest resident, nothing missed")
	require.False(t, j.stale(4))
	require.False(t, j.stale(5))
}
