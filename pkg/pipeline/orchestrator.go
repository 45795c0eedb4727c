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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the orchestrator's lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateFailing
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateFailing:
		return "failing"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// breakerPollInterval paces the error-rate checks against the collector.
const breakerPollInterval = 100 * time.Millisecond

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithLogger sets the structured logger for the run.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithProgress registers a periodic summary-snapshot callback. The callback
// receives a copy and may be slow without stalling the collector.
func WithProgress(fn func(RunSummary)) Option {
	return func(o *Orchestrator) { o.onProgress = fn }
}

// WithArtifactSink streams successful outcomes to persistent storage as
// they arrive rather than holding generated code in memory until the end.
func WithArtifactSink(sink ArtifactSink) Option {
	return func(o *Orchestrator) { o.artifacts = sink }
}

// Orchestrator owns one pipeline run: four stage pools connected by bounded
// queues, a feeder that drains the unit source, and an error-rate breaker.
// An Orchestrator executes at most once.
type Orchestrator struct {
	cfg      Config
	source   UnitSource
	analyzer Analyzer
	gen      Generator

	logger     *slog.Logger
	onProgress func(RunSummary)
	artifacts  ArtifactSink

	state    atomic.Int32
	executed atomic.Bool
}

// New validates the configuration and assembles an orchestrator. The unit
// source, analyzer and generator are the three external collaborators; all
// concurrency lives inside.
func New(cfg Config, source UnitSource, analyzer Analyzer, gen Generator, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("pipeline: unit source is required")
	}
	if analyzer == nil {
		return nil, fmt.Errorf("pipeline: analyzer is required")
	}
	if gen == nil {
		return nil, fmt.Errorf("pipeline: generator is required")
	}
	o := &Orchestrator{
		cfg:      cfg,
		source:   source,
		analyzer: analyzer,
		gen:      gen,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// State reports the current lifecycle phase.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	o.logger.Debug("pipeline.state", "state", s.String())
}

// Execute runs the pipeline to completion and returns the sealed summary.
// It returns ErrAlreadyExecuted on reuse. The summary is returned even when
// the run aborts; the error is non-nil only for pool-scoped failures, never
// for item failures or a breaker abort.
func (o *Orchestrator) Execute(ctx context.Context) (*RunSummary, error) {
	if !o.executed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyExecuted
	}

	started := time.Now()
	if o.cfg.WallClockTimeout > 0 {
		var cancelTO context.CancelFunc
		ctx, cancelTO = context.WithTimeout(ctx, o.cfg.WallClockTimeout)
		defer cancelTO()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unitQ := NewQueue[Item[unitRecord]](o.cfg.QueueCapacity)
	fileQ := NewQueue[Item[FileTask]](o.cfg.QueueCapacity)
	fnQ := NewQueue[Item[FunctionTask]](o.cfg.QueueCapacity)
	outQ := NewQueue[Item[Outcome]](o.cfg.QueueCapacity)

	limiter := NewRateLimiter(o.cfg.RequestsPerWindow, o.cfg.RateWindow, o.cfg.AdmissionTimeout)
	collector := newResultCollector(o.cfg, o.artifacts, o.onProgress, o.logger)

	discovery := newFileDiscoveryStage(o.cfg, outQ, o.logger)
	extraction := newFunctionExtractionStage(o.analyzer, outQ, o.logger)
	generation := newGenerationStage(o.cfg, o.gen, limiter, o.logger)

	discPool := NewStagePool("discovery", o.cfg.MaxConcurrentFiles, discovery.process, unitQ, fileQ, o.logger)
	extrPool := NewStagePool("extraction", o.cfg.MaxConcurrentFunctions, extraction.process, fileQ, fnQ, o.logger)
	genPool := NewStagePool("generation", o.cfg.MaxConcurrentGenerations, generation.process, fnQ, outQ, o.logger)
	colPool := NewStagePool[Item[Outcome], struct{}]("collection", 1, collector.process, outQ, nil, o.logger)

	o.setState(StateRunning)
	for _, start := range []func(context.Context) error{
		discPool.Start, extrPool.Start, genPool.Start, colPool.Start,
	} {
		if err := start(ctx); err != nil {
			cancel()
			return nil, err
		}
	}

	// Outcomes travel a single downstream-ordered chain: discovery and
	// extraction also write failures into outQ, and both pools are fully
	// drained before the generation pool closes it.
	var (
		errMu    sync.Mutex
		firstErr error
		poolWG   sync.WaitGroup
	)
	fatal := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
		o.setState(StateFailing)
		cancel()
	}
	waitPool := func(wait func() error) {
		poolWG.Add(1)
		go func() {
			defer poolWG.Done()
			if err := wait(); err != nil {
				fatal(err)
			}
		}()
	}
	waitPool(discPool.Wait)
	waitPool(extrPool.Wait)
	waitPool(genPool.Wait)
	waitPool(colPool.Wait)

	// Feeder: drain the unit source, assigning each record its run-unique
	// sequence id, then close the head queue to begin the drain.
	go func() {
		var seq uint64
		for unit, err := range o.source.Units(ctx) {
			item := NewItem(StageDiscovery, seq, unitRecord{unit: unit, err: err})
			seq++
			if perr := unitQ.Put(ctx, item); perr != nil {
				break
			}
		}
		unitQ.Close()
		if o.State() == StateRunning {
			o.setState(StateDraining)
		}
		o.logger.Debug("pipeline.feed.done", "units", seq)
	}()

	// Error-rate breaker. Trips once and cancels the run; in-flight and
	// queued tasks then drain as aborted outcomes.
	var aborted atomic.Bool
	var abortReason string
	breakerDone := make(chan struct{})
	go func() {
		defer close(breakerDone)
		if o.cfg.ErrorRateAbortThreshold <= 0 {
			return
		}
		ticker := time.NewTicker(breakerPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			total, failed := collector.Stats()
			if total < o.cfg.MinAbortSamples {
				continue
			}
			rate := float64(failed) / float64(total)
			if rate > o.cfg.ErrorRateAbortThreshold {
				abortReason = fmt.Sprintf("error rate %.2f exceeded threshold %.2f after %d outcomes",
					rate, o.cfg.ErrorRateAbortThreshold, total)
				aborted.Store(true)
				o.logger.Error("pipeline.abort", "reason", abortReason)
				o.setState(StateFailing)
				cancel()
				return
			}
		}
	}()

	poolWG.Wait()
	cancelled := ctx.Err() != nil
	cancel()
	<-breakerDone

	elapsed := time.Since(started)
	reason := abortReason
	wasAborted := aborted.Load()
	if !wasAborted && cancelled && firstErr == nil {
		wasAborted = true
		reason = "run cancelled: " + context.Cause(ctx).Error()
	}

	summary := collector.Final(wasAborted, reason, elapsed)
	o.setState(StateCompleted)
	o.logger.Info("pipeline.done",
		"total", summary.TotalSeen,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"aborted", summary.Aborted,
		"elapsed", elapsed,
	)
	return &summary, firstErr
}
