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
)

// ErrQueueClosed is returned by Get once a queue is closed and drained, and
// by Put after Close. It is the sentinel-free end-of-stream signal between
// stages.
var ErrQueueClosed = errors.New("pipeline: queue closed")

// Queue is a bounded FIFO connecting two stages. Put blocks when the queue
// is full, which is the pipeline's only form of backpressure. Close marks
// the stream finished; consumers keep draining buffered items and only then
// observe ErrQueueClosed.
//
// The producing stage owns Close. Put after Close is a contract violation
// and reports ErrQueueClosed rather than panicking.
type Queue[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

// NewQueue creates a queue with the given capacity. Capacity must be at
// least 1; unbuffered queues would serialize stages completely.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Put enqueues one item, blocking while the queue is full. It returns the
// context error on cancellation and ErrQueueClosed if the queue was closed.
//
// Close is owned by the producing side, after all its Puts have returned.
// A Put racing Close may still enqueue; the item is then drained normally,
// so consumers never observe a gap.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- item:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues one item, blocking while the queue is empty. After Close it
// keeps returning buffered items until the queue drains, then reports
// ErrQueueClosed.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	// Cancellation wins over buffered work: a cancelled worker must not
	// pull another item.
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	// Fast path: drain buffered items even when already closed.
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	select {
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		// A producer may have raced an item in just before Close.
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return zero, ErrQueueClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close marks the stream finished. Idempotent.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}

// Len reports the number of buffered items. Advisory only.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}
