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
	"fmt"
	"time"
)

// Config is the immutable value object that sizes every pool, queue and
// timeout in a run. It is passed into New explicitly; there is no
// process-wide configuration state.
type Config struct {
	// MaxConcurrentFiles bounds the discovery worker pool.
	MaxConcurrentFiles int

	// MaxConcurrentFunctions bounds the extraction worker pool.
	MaxConcurrentFunctions int

	// MaxConcurrentGenerations bounds workers holding an open generation
	// call. Usually set lower than MaxConcurrentFunctions because the
	// external service imposes its own, stricter ceiling.
	MaxConcurrentGenerations int

	// QueueCapacity sizes each inter-stage queue. Queue capacity is the
	// only admission control between stages.
	QueueCapacity int

	// PerCallTimeout is the hard deadline for a single generation call,
	// independent of retries.
	PerCallTimeout time.Duration

	// RetryAttempts is the number of retries after the first attempt for
	// transient generation failures.
	RetryAttempts int

	// RetryBackoffBase is the base for exponential backoff between
	// generation attempts (base * 2^attempt + jitter).
	RetryBackoffBase time.Duration

	// RequestsPerWindow and RateWindow configure the sliding-window rate
	// limiter for outbound generation calls. Weighted: one request may
	// consume several slots.
	RequestsPerWindow int
	RateWindow        time.Duration

	// AdmissionTimeout bounds how long a generation worker may wait inside
	// the rate limiter before the task fails as rate_limited.
	AdmissionTimeout time.Duration

	// ErrorRateAbortThreshold trips the circuit breaker when
	// failed/total exceeds it after MinAbortSamples outcomes.
	// Zero disables the breaker.
	ErrorRateAbortThreshold float64
	MinAbortSamples         int

	// ProgressInterval is the minimum spacing between progress callbacks.
	ProgressInterval time.Duration

	// WallClockTimeout cancels the whole run when exceeded. Zero disables.
	WallClockTimeout time.Duration

	// IncludeGlobs and ExcludeGlobs filter discovered source paths.
	// An empty include list admits everything not excluded.
	IncludeGlobs []string
	ExcludeGlobs []string
}

// DefaultConfig returns a conservative configuration suitable for a local
// OpenAI-compatible endpoint.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentFiles:       3,
		MaxConcurrentFunctions:   5,
		MaxConcurrentGenerations: 3,
		QueueCapacity:            100,
		PerCallTimeout:           120 * time.Second,
		RetryAttempts:            3,
		RetryBackoffBase:         time.Second,
		RequestsPerWindow:        60,
		RateWindow:               time.Minute,
		AdmissionTimeout:         2 * time.Minute,
		ErrorRateAbortThreshold:  0.5,
		MinAbortSamples:          10,
		ProgressInterval:         time.Second,
	}
}

// Validate rejects configurations that would stall or livelock the
// pipeline.
func (c Config) Validate() error {
	if c.MaxConcurrentFiles <= 0 {
		return fmt.Errorf("pipeline config: max concurrent files must be positive, got %d", c.MaxConcurrentFiles)
	}
	if c.MaxConcurrentFunctions <= 0 {
		return fmt.Errorf("pipeline config: max concurrent functions must be positive, got %d", c.MaxConcurrentFunctions)
	}
	if c.MaxConcurrentGenerations <= 0 {
		return fmt.Errorf("pipeline config: max concurrent generations must be positive, got %d", c.MaxConcurrentGenerations)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("pipeline config: queue capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.PerCallTimeout <= 0 {
		return fmt.Errorf("pipeline config: per-call timeout must be positive")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("pipeline config: retry attempts must be non-negative, got %d", c.RetryAttempts)
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("pipeline config: retry backoff base must be positive")
	}
	if c.RequestsPerWindow <= 0 || c.RateWindow <= 0 {
		return fmt.Errorf("pipeline config: rate limit window must admit at least one request")
	}
	if c.AdmissionTimeout <= 0 {
		return fmt.Errorf("pipeline config: admission timeout must be positive")
	}
	if c.ErrorRateAbortThreshold < 0 || c.ErrorRateAbortThreshold > 1 {
		return fmt.Errorf("pipeline config: error-rate threshold must be in [0,1], got %v", c.ErrorRateAbortThreshold)
	}
	if c.ErrorRateAbortThreshold > 0 && c.MinAbortSamples <= 0 {
		return fmt.Errorf("pipeline config: min abort samples must be positive when the breaker is enabled")
	}
	return nil
}
