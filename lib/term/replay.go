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

import "sync"

// replayBuffer retains the tail of the output stream addressed by
// absolute byte offsets, so attachments created after output started can
// catch up. Offset n is the position after the n-th byte ever produced;
// offsets below start have been trimmed away.
type replayBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start uint64
	limit int
}

func newReplayBuffer(limit int) *replayBuffer {
	return &replayBuffer{limit: limit}
}

// append adds a chunk and returns the absolute offset after its last
// byte.
func (b *replayBuffer) append(p []byte) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		n := copy(b.buf, b.buf[over:])
		b.buf = b.buf[:n]
		b.start += uint64(over)
	}
	return b.start + uint64(len(b.buf))
}

// from returns a copy of the retained bytes at offsets >= cursor and the
// offset after the last returned byte. A cursor older than the retained
// window is clamped to its start.
func (b *replayBuffer) from(cursor uint64) ([]byte, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := b.start + uint64(len(b.buf))
	if cursor >= end {
		return nil, end
	}
	if cursor < b.start {
		cursor = b.start
	}
	out := make([]byte, end-cursor)
	copy(out, b.buf[cursor-b.start:])
	return out, end
}

// end returns the offset after the last byte ever appended.
func (b *replayBuffer) end() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.start + uint64(len(b.buf))
}
