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
	"log/slog"
	"math/rand"
	"time"
)

// Generator is the generation service consumed by the pipeline. It performs
// exactly one request per call; retries, timeouts and rate limiting all live
// in the stage, not the implementation.
type Generator interface {
	Generate(ctx context.Context, task FunctionTask) (string, TokenUsage, error)
}

// generationStage turns FunctionTasks into Outcomes. Every task entering this
// stage produces exactly one outcome, success or failure; transform never
// returns an error for item-scoped conditions.
type generationStage struct {
	gen            Generator
	limiter        *RateLimiter
	retryAttempts  int
	backoffBase    time.Duration
	perCallTimeout time.Duration
	logger         *slog.Logger

	// Injectable for tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

func newGenerationStage(cfg Config, gen Generator, limiter *RateLimiter, logger *slog.Logger) *generationStage {
	return &generationStage{
		gen:            gen,
		limiter:        limiter,
		retryAttempts:  cfg.RetryAttempts,
		backoffBase:    cfg.RetryBackoffBase,
		perCallTimeout: cfg.PerCallTimeout,
		logger:         logger,
		sleep:          sleepCtx,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// cost converts the task's estimated context size into rate-limiter weight.
// Small tasks still cost one admission slot.
func (s *generationStage) cost(task FunctionTask) int {
	c := task.EstimatedTokens / 1000
	if c < 1 {
		c = 1
	}
	return c
}

func (s *generationStage) process(ctx context.Context, item Item[FunctionTask]) ([]Item[Outcome], error) {
	task := item.Payload
	started := time.Now()

	outcome := Outcome{
		SourcePath:   task.SourcePath,
		FunctionName: task.FunctionName,
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= s.retryAttempts; attempt++ {
		if err := s.limiter.Acquire(ctx, s.cost(task)); err != nil {
			if errors.Is(err, ErrAdmissionTimeout) {
				recordRateLimitTimeout()
				outcome.Kind = FailureRateLimited
				outcome.Error = err.Error()
				outcome.Attempts = attempts
				outcome.Latency = time.Since(started)
				s.logger.Warn("generation.admission.timeout",
					"path", task.SourcePath,
					"function", task.FunctionName,
				)
				return s.emit(item, outcome), nil
			}
			// Run cancelled while queued for admission.
			outcome.Kind = FailureAborted
			outcome.Error = err.Error()
			outcome.Attempts = attempts
			outcome.Latency = time.Since(started)
			return s.emit(item, outcome), nil
		}

		attempts++
		callCtx, cancel := context.WithTimeout(ctx, s.perCallTimeout)
		generated, usage, err := s.gen.Generate(callCtx, task)
		cancel()

		if err == nil {
			outcome.Success = true
			outcome.Generated = generated
			outcome.Usage = usage
			outcome.Attempts = attempts
			outcome.Latency = time.Since(started)
			recordGeneration(true, outcome.Latency)
			s.logger.Debug("generation.done",
				"path", task.SourcePath,
				"function", task.FunctionName,
				"attempts", attempts,
			)
			return s.emit(item, outcome), nil
		}

		lastErr = err
		if !retryableGeneration(err) || attempt == s.retryAttempts {
			break
		}

		recordRetry()
		backoff := s.backoffBase * (1 << attempt)
		backoff += s.jitter(backoff / 2)
		s.logger.Debug("generation.retry",
			"path", task.SourcePath,
			"function", task.FunctionName,
			"attempt", attempts,
			"backoff", backoff,
			"err", err,
		)
		if err := s.sleep(ctx, backoff); err != nil {
			lastErr = err
			break
		}
	}

	outcome.Kind = classifyGenerationError(lastErr)
	outcome.Error = lastErr.Error()
	outcome.Attempts = attempts
	outcome.Latency = time.Since(started)
	recordGeneration(false, outcome.Latency)
	s.logger.Warn("generation.failed",
		"path", task.SourcePath,
		"function", task.FunctionName,
		"kind", outcome.Kind,
		"attempts", attempts,
		"err", lastErr,
	)
	return s.emit(item, outcome), nil
}

func (s *generationStage) emit(item Item[FunctionTask], outcome Outcome) []Item[Outcome] {
	return []Item[Outcome]{Derive(item, StageGeneration, outcome)}
}
