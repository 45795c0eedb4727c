// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAdmissionTimeout is returned by Acquire when admission could not be
// granted within the limiter's wait bound.
var ErrAdmissionTimeout = errors.New("pipeline: rate limiter admission timed out")

type admission struct {
	at   time.Time
	cost int
}

// RateLimiter is sliding-window admission control for outbound generation
// calls. It records the timestamp and weight of recent admissions; when the
// window is full, Acquire sleeps just long enough for the oldest admission
// to fall out, then re-checks. One mutex guards the window; Acquire is
// called concurrently by every generation worker.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   int
	window     time.Duration
	maxWait    time.Duration
	admissions []admission

	// Injectable for simulated-clock tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter admits up to capacity weighted slots per sliding window.
// maxWait bounds how long one Acquire may block.
func NewRateLimiter(capacity int, window, maxWait time.Duration) *RateLimiter {
	if capacity < 1 {
		capacity = 1
	}
	return &RateLimiter{
		capacity: capacity,
		window:   window,
		maxWait:  maxWait,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire blocks until cost slots are admitted, the context is cancelled,
// or the wait bound elapses. cost lets large requests consume more than one
// slot; it is clamped to [1, capacity] so an oversized request can still be
// admitted into an empty window.
func (l *RateLimiter) Acquire(ctx context.Context, cost int) error {
	// Cancellation wins over free capacity: a cancelled caller is never
	// admitted, even into an empty window.
	if err := ctx.Err(); err != nil {
		return err
	}
	if cost < 1 {
		cost = 1
	}
	if cost > l.capacity {
		cost = l.capacity
	}
	deadline := l.now().Add(l.maxWait)

	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if l.used()+cost <= l.capacity {
			l.admissions = append(l.admissions, admission{at: now, cost: cost})
			l.mu.Unlock()
			return nil
		}
		// Minimal sleep until the oldest admission leaves the window.
		wait := l.admissions[0].at.Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		if now.Add(wait).After(deadline) {
			return ErrAdmissionTimeout
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// prune drops admissions older than one window. Caller holds the lock.
func (l *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.admissions) && !l.admissions[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		l.admissions = append(l.admissions[:0], l.admissions[i:]...)
	}
}

func (l *RateLimiter) used() int {
	total := 0
	for _, a := range l.admissions {
		total += a.cost
	}
	return total
}
