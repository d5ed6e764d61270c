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

package perf

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for scanner.Scan() {
		var event map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		out = append(out, event)
	}
	return out
}

func TestBatchFlush(t *testing.T) {
	out := &syncBuffer{}
	require.NoError(t, Initialize(Config{
		Output:        out,
		FlushBatch:    2,
		FlushInterval: time.Hour,
	}))
	t.Cleanup(func() { require.NoError(t, Close()) })

	Record("command.dispatch", map[string]any{"command": "session.list", "ms": 3})
	Record("command.dispatch", map[string]any{"command": "session.status", "ms": 1})

	require.Eventually(t, func() bool {
		return len(out.lines()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	events := out.lines()
	require.Equal(t, "command.dispatch", events[0]["name"])
	require.Equal(t, "session.list", events[0]["command"])
	require.NotEmpty(t, events[0]["ts"])
	require.Equal(t, "session.status", events[1]["command"])
}

func TestCloseFlushesPending(t *testing.T) {
	out := &syncBuffer{}
	require.NoError(t, Initialize(Config{
		Output:        out,
		FlushBatch:    100,
		FlushInterval: time.Hour,
	}))

	Record("connection.destroyed", map[string]any{"reason": "write buffer exceeded"})
	require.NoError(t, Close())

	events := out.lines()
	require.Len(t, events, 1)
	require.Equal(t, "connection.destroyed", events[0]["name"])
	require.Equal(t, "write buffer exceeded", events[0]["reason"])
}

func TestSampleRateZeroDropsAll(t *testing.T) {
	out := &syncBuffer{}
	require.NoError(t, Initialize(Config{
		Output:      out,
		SampleRates: map[string]float64{"noisy.event": 0},
	}))

	for range 100 {
		Record("noisy.event", nil)
	}
	Record("kept.event", nil)
	require.NoError(t, Close())

	events := out.lines()
	require.Len(t, events, 1)
	require.Equal(t, "kept.event", events[0]["name"])
}

func TestRecordWithoutInitializeIsNoop(t *testing.T) {
	require.NoError(t, Close())
	Record("orphan.event", map[string]any{"x": 1})
}

func TestConfigValidation(t *testing.T) {
	err := (&Config{}).CheckAndSetDefaults()
	require.Error(t, err)

	err = (&Config{Output: &syncBuffer{}, SampleRates: map[string]float64{"a": 1.5}}).CheckAndSetDefaults()
	require.Error(t, err)
}
