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
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"context"
)

// Transform turns one input item into zero or more outputs. Item-scoped
// failures must be handled inside the transform (by emitting failure
// outcomes); a non-nil error is pool-scoped and fatal for the run.
type Transform[In, Out any] func(ctx context.Context, item In) ([]Out, error)

// StageWorkerPool runs N workers that each loop: pull from source, apply
// the transform, push outputs to sink. Workers stop when the source is
// closed and drained, or when the context is cancelled. The pool closes its
// sink exactly once, after every worker has exited, so downstream stages
// see a clean end-of-stream.
type StageWorkerPool[In, Out any] struct {
	name      string
	workers   int
	transform Transform[In, Out]
	source    *Queue[In]
	sink      *Queue[Out] // nil for terminal stages
	logger    *slog.Logger

	started atomic.Bool
	eg      *errgroup.Group
}

// NewStagePool wires a pool. sink may be nil when the transform consumes
// items terminally.
func NewStagePool[In, Out any](name string, workers int, transform Transform[In, Out], source *Queue[In], sink *Queue[Out], logger *slog.Logger) *StageWorkerPool[In, Out] {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	return &StageWorkerPool[In, Out]{
		name:      name,
		workers:   workers,
		transform: transform,
		source:    source,
		sink:      sink,
		logger:    logger,
	}
}

// Start launches the workers. Starting twice is an error.
func (p *StageWorkerPool[In, Out]) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, p.name)
	}
	p.eg, ctx = errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		p.eg.Go(func() error { return p.run(ctx) })
	}
	p.logger.Debug("pipeline.pool.start", "stage", p.name, "workers", p.workers)
	return nil
}

// Wait blocks until every worker has exited, closes the sink, and returns
// the first pool-scoped error if one occurred. Per-item failures never
// surface here; they travel through the sink as outcomes.
func (p *StageWorkerPool[In, Out]) Wait() error {
	err := p.eg.Wait()
	if p.sink != nil {
		p.sink.Close()
	}
	if err != nil {
		p.logger.Error("pipeline.pool.fatal", "stage", p.name, "err", err)
	} else {
		p.logger.Debug("pipeline.pool.done", "stage", p.name)
	}
	return err
}

func (p *StageWorkerPool[In, Out]) run(ctx context.Context) (err error) {
	// A worker escaping its per-item handling is a programming defect,
	// fatal for the run rather than for the item.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: stage %s worker panicked: %v", p.name, r)
		}
	}()

	for {
		item, getErr := p.source.Get(ctx)
		if getErr != nil {
			// Closed-and-drained or cancelled: either way this worker is
			// done; cancellation is reported by the orchestrator, not here.
			if errors.Is(getErr, ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pipeline: stage %s: %w", p.name, getErr)
		}

		outs, terr := p.transform(ctx, item)
		if terr != nil {
			return fmt.Errorf("pipeline: stage %s: %w", p.name, terr)
		}
		for _, out := range outs {
			if p.sink == nil {
				break
			}
			if perr := p.sink.Put(ctx, out); perr != nil {
				// Cancelled mid-emit: the item in flight is abandoned
				// whole; nothing further is pushed for it.
				return nil
			}
		}
	}
}
