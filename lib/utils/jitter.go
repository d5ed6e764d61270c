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
	"math/rand"
	"sync"
	"time"
)

// Jitter is a function which applies random jitter to a duration. Used to
// spread out poller wakeups so they do not synchronize. Must be safe for
// concurrent usage.
type Jitter func(time.Duration) time.Duration

// NewPollJitter returns a jitter on the range [(1-ratio)*n, (1+ratio)*n).
// Pollers use it with ratio 0.35 so repeated schedules drift apart instead
// of clustering.
func NewPollJitter(ratio float64) Jitter {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		// values less than 1 short-circuit so zero stays non-blocking.
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		spread := 1 - ratio + 2*ratio*rng.Float64()
		return time.Duration(float64(d) * spread)
	}
}

// NewFullJitter returns a jitter on the range [0, n). Useful for startup
// delays where any value in the range is equally acceptable.
func NewFullJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return time.Duration(rng.Int63n(int64(d)))
	}
}
