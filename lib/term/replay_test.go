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

package term

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplayBuffer(t *testing.T) {
	t.Run("append returns absolute end", func(t *testing.T) {
		b := newReplayBuffer(1024)
		require.Equal(t, uint64(5), b.append([]byte("hello")))
		require.Equal(t, uint64(11), b.append([]byte(" world")))
		require.Equal(t, uint64(11), b.end())
	})

	t.Run("from replays the requested suffix", func(t *testing.T) {
		b := newReplayBuffer(1024)
		b.append([]byte("hello world"))

		data, end := b.from(0)
		require.Equal(t, "hello world", string(data))
		require.Equal(t, uint64(11), end)

		data, end = b.from(6)
		require.Equal(t, "world", string(data))
		require.Equal(t, uint64(11), end)

		data, end = b.from(11)
		require.Empty(t, data)
		require.Equal(t, uint64(11), end)

		data, end = b.from(999)
		require.Empty(t, data)
		require.Equal(t, uint64(11), end)
	})

	t.Run("trims to the limit and clamps stale cursors", func(t *testing.T) {
		b := newReplayBuffer(4)
		b.append([]byte("abcdef"))
		require.Equal(t, uint64(6), b.end())

		// Only the last 4 bytes remain; a cursor inside the trimmed
		// region is clamped forward.
		data, end := b.from(0)
		require.Equal(t, "cdef", string(data))
		require.Equal(t, uint64(6), end)

		data, _ = b.from(3)
		require.Equal(t, "def", string(data))
	})

	t.Run("many small appends keep offsets consistent", func(t *testing.T) {
		b := newReplayBuffer(16)
		var reference bytes.Buffer
		for i := 0; i < 100; i++ {
			chunk := []byte{byte('a' + i%26), byte('0' + i%10)}
			reference.Write(chunk)
			b.append(chunk)
		}
		total := uint64(reference.Len())
		require.Equal(t, total, b.end())

		data, end := b.from(total - 16)
		require.Equal(t, total, end)
		require.Equal(t, reference.Bytes()[total-16:], data)
	})

	t.Run("returned data is a copy", func(t *testing.T) {
		b := newReplayBuffer(64)
		b.append([]byte("abc"))
		data, _ := b.from(0)
		data[0] = 'X'
		again, _ := b.from(0)
		require.Equal(t, "abc", string(again))
	})
}
