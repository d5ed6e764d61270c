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
	"time"

	"github.com/gravitational/trace"
)

// IdleBackoffConfig configures an IdleBackoff.
type IdleBackoffConfig struct {
	// Base is the delay scheduled after a productive pass.
	Base time.Duration
	// Cap bounds the delay no matter how long the idle streak gets.
	Cap time.Duration
	// StreakLimit caps the exponent applied to Base while the poller
	// keeps coming up empty.
	StreakLimit int
	// Jitter is applied to every returned delay.
	Jitter Jitter
}

// CheckAndSetDefaults checks and sets defaults.
func (c *IdleBackoffConfig) CheckAndSetDefaults() error {
	if c.Base <= 0 {
		return trace.BadParameter("missing parameter Base")
	}
	if c.Cap <= 0 {
		return trace.BadParameter("missing parameter Cap")
	}
	if c.StreakLimit < 0 {
		return trace.BadParameter("negative parameter StreakLimit")
	}
	if c.Jitter == nil {
		c.Jitter = func(d time.Duration) time.Duration { return d }
	}
	return nil
}

// NewIdleBackoff returns a backoff for a poller that doubles its delay
// while passes come up empty and snaps back to the base delay on the
// first productive pass.
func NewIdleBackoff(cfg IdleBackoffConfig) (*IdleBackoff, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &IdleBackoff{cfg: cfg}, nil
}

// IdleBackoff computes poller delays. A productive pass resets the idle
// streak and schedules at the base interval; an empty or failed pass
// lengthens the streak, doubling the delay up to the cap. Not safe for
// concurrent use; each poller owns its backoff.
type IdleBackoff struct {
	cfg    IdleBackoffConfig
	streak int
}

// Busy resets the idle streak and returns the jittered base delay.
func (b *IdleBackoff) Busy() time.Duration {
	b.streak = 0
	return b.cfg.Jitter(b.cfg.Base)
}

// Idle lengthens the idle streak and returns the jittered backoff delay.
func (b *IdleBackoff) Idle() time.Duration {
	if b.streak < b.cfg.StreakLimit {
		b.streak++
	}
	d := b.cfg.Base << b.streak
	if d > b.cfg.Cap || d <= 0 {
		d = b.cfg.Cap
	}
	return b.cfg.Jitter(d)
}

// Streak returns the current idle streak.
func (b *IdleBackoff) Streak() int {
	return b.streak
}
