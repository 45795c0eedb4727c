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
	"log/slog"
	"sync"
	"time"
)

// ArtifactSink persists generated artifacts as outcomes arrive. Write errors
// are logged and counted but never fail the run.
type ArtifactSink interface {
	WriteArtifact(outcome Outcome) error
}

// ewmaAlpha weights the most recent inter-arrival interval in the
// throughput estimate.
const ewmaAlpha = 0.3

// ResultCollector is the terminal stage. It consumes outcomes in arrival
// order, maintains the run summary under a single mutex, and emits periodic
// progress snapshots. Nothing downstream of it exists; its pool runs with a
// nil sink.
type ResultCollector struct {
	mu           sync.Mutex
	summary      RunSummary
	lastArrival  time.Time
	lastProgress time.Time

	sink       ArtifactSink
	onProgress func(RunSummary)
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func newResultCollector(cfg Config, sink ArtifactSink, onProgress func(RunSummary), logger *slog.Logger) *ResultCollector {
	return &ResultCollector{
		summary: RunSummary{
			PerFile:      make(map[string]FileStats),
			FailureKinds: make(map[FailureKind]int),
		},
		sink:       sink,
		onProgress: onProgress,
		interval:   cfg.ProgressInterval,
		logger:     logger,
		now:        time.Now,
	}
}

func (c *ResultCollector) process(_ context.Context, item Item[Outcome]) ([]struct{}, error) {
	outcome := item.Payload

	var snapshot *RunSummary
	c.mu.Lock()
	now := c.now()

	c.summary.TotalSeen++
	stats := c.summary.PerFile[outcome.SourcePath]
	stats.Outcomes++
	if outcome.Success {
		c.summary.Succeeded++
		stats.Succeeded++
	} else {
		c.summary.Failed++
		stats.Failed++
		c.summary.FailureKinds[outcome.Kind]++
	}
	c.summary.PerFile[outcome.SourcePath] = stats

	if !c.lastArrival.IsZero() {
		if dt := now.Sub(c.lastArrival).Seconds(); dt > 0 {
			inst := 1.0 / dt
			if c.summary.ThroughputEWMA == 0 {
				c.summary.ThroughputEWMA = inst
			} else {
				c.summary.ThroughputEWMA = ewmaAlpha*inst + (1-ewmaAlpha)*c.summary.ThroughputEWMA
			}
		}
	}
	c.lastArrival = now

	if c.onProgress != nil && now.Sub(c.lastProgress) >= c.interval {
		c.lastProgress = now
		s := c.summary.clone()
		snapshot = &s
	}
	c.mu.Unlock()

	recordOutcome(outcome.Success)

	if outcome.Success && c.sink != nil {
		if err := c.sink.WriteArtifact(outcome); err != nil {
			c.logger.Warn("collector.artifact.error",
				"path", outcome.SourcePath,
				"function", outcome.FunctionName,
				"err", err,
			)
		}
	}

	// Callback runs outside the lock so a slow observer cannot stall
	// accounting.
	if snapshot != nil {
		c.onProgress(*snapshot)
	}
	return nil, nil
}

// Stats returns the current outcome counts. Used by the orchestrator's
// error-rate breaker.
func (c *ResultCollector) Stats() (total, failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary.TotalSeen, c.summary.Failed
}

// Snapshot returns a copy of the summary as it stands.
func (c *ResultCollector) Snapshot() RunSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary.clone()
}

// Final seals the summary with run-level disposition and returns it.
func (c *ResultCollector) Final(aborted bool, reason string, elapsed time.Duration) RunSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary.Aborted = aborted
	c.summary.AbortReason = reason
	c.summary.Elapsed = elapsed
	return c.summary.clone()
}
