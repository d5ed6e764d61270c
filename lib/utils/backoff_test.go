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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestIdleBackoff(t *testing.T) {
	t.Parallel()

	identity := Jitter(func(d time.Duration) time.Duration { return d })

	b, err := NewIdleBackoff(IdleBackoffConfig{
		Base:        2 * time.Second,
		Cap:         time.Minute,
		StreakLimit: 4,
		Jitter:      identity,
	})
	require.NoError(t, err)

	t.Run("busy stays at base", func(t *testing.T) {
		require.Equal(t, 2*time.Second, b.Busy())
		require.Equal(t, 2*time.Second, b.Busy())
		require.Equal(t, 0, b.Streak())
	})

	t.Run("idle doubles up to the streak limit", func(t *testing.T) {
		require.Equal(t, 4*time.Second, b.Idle())
		require.Equal(t, 8*time.Second, b.Idle())
		require.Equal(t, 16*time.Second, b.Idle())
		require.Equal(t, 32*time.Second, b.Idle())
		// streak is pinned at the limit; delay stops growing.
		require.Equal(t, 32*time.Second, b.Idle())
		require.Equal(t, 4, b.Streak())
	})

	t.Run("busy resets the streak", func(t *testing.T) {
		require.Equal(t, 2*time.Second, b.Busy())
		require.Equal(t, 0, b.Streak())
		require.Equal(t, 4*time.Second, b.Idle())
	})
}

func TestIdleBackoffCap(t *testing.T) {
	t.Parallel()

	identity := Jitter(func(d time.Duration) time.Duration { return d })

	b, err := NewIdleBackoff(IdleBackoffConfig{
		Base:        45 * time.Second,
		Cap:         time.Minute,
		StreakLimit: 4,
		Jitter:      identity,
	})
	require.NoError(t, err)

	// 45s doubled exceeds the one minute cap immediately.
	require.Equal(t, time.Minute, b.Idle())
	require.Equal(t, time.Minute, b.Idle())
}

func TestIdleBackoffConfig(t *testing.T) {
	t.Parallel()

	_, err := NewIdleBackoff(IdleBackoffConfig{Cap: time.Minute})
	require.True(t, trace.IsBadParameter(err))

	_, err = NewIdleBackoff(IdleBackoffConfig{Base: time.Second})
	require.True(t, trace.IsBadParameter(err))
}

func TestPollJitterRange(t *testing.T) {
	t.Parallel()

	jitter := NewPollJitter(0.35)
	base := 10 * time.Second
	low := time.Duration(float64(base) * 0.65)
	high := time.Duration(float64(base) * 1.35)

	for range 1000 {
		d := jitter(base)
		require.GreaterOrEqual(t, d, low)
		require.Less(t, d, high)
	}

	require.Equal(t, time.Duration(0), jitter(0))
}
