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

package utils

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateCounter counts events over a sliding window using one-second
// buckets. It answers "how many events in the last N seconds" without
// retaining a timestamp per event. Safe for concurrent use.
type RateCounter struct {
	clock   clockwork.Clock
	seconds int64

	mu      sync.Mutex
	buckets []rateBucket
}

type rateBucket struct {
	second int64
	count  uint64
}

// NewRateCounter creates a counter over the given window, rounded down to
// whole seconds with a one second minimum.
func NewRateCounter(clock clockwork.Clock, window time.Duration) *RateCounter {
	seconds := int64(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return &RateCounter{
		clock:   clock,
		seconds: seconds,
		buckets: make([]rateBucket, seconds),
	}
}

// Add records n events at the current time.
func (c *RateCounter) Add(n uint64) {
	now := c.clock.Now().Unix()
	c.mu.Lock()
	defer c.mu.Unlock()
	b := &c.buckets[now%c.seconds]
	if b.second != now {
		b.second = now
		b.count = 0
	}
	b.count += n
}

// Count returns the number of events recorded inside the window.
func (c *RateCounter) Count() uint64 {
	now := c.clock.Now().Unix()
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for i := range c.buckets {
		if now-c.buckets[i].second < c.seconds {
			total += c.buckets[i].count
		}
	}
	return total
}
