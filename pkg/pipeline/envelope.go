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
	"iter"
	"time"
)

// Stage tags carried by envelopes for tracing and attribution.
const (
	StageDiscovery  = "discovery"
	StageExtraction = "extraction"
	StageGeneration = "generation"
	StageCollection = "collection"
)

// Item is the immutable envelope that carries one unit of work between
// stages. Seq is assigned once at discovery and preserved through every
// derived envelope, so callers can reconstruct input ordering even though
// stages complete out of order. Envelopes are never mutated in place;
// Derive produces a new one.
type Item[P any] struct {
	StageTag  string
	Seq       uint64
	CreatedAt time.Time
	Attempt   int
	Payload   P
}

// NewItem creates a fresh envelope at the given stage. Seq must be unique
// and monotonically increasing within a run.
func NewItem[P any](stage string, seq uint64, payload P) Item[P] {
	return Item[P]{
		StageTag:  stage,
		Seq:       seq,
		CreatedAt: time.Now(),
		Payload:   payload,
	}
}

// Derive produces a new envelope for the next stage, preserving the
// originating sequence id.
func Derive[P, Q any](parent Item[P], stage string, payload Q) Item[Q] {
	return Item[Q]{
		StageTag:  stage,
		Seq:       parent.Seq,
		CreatedAt: time.Now(),
		Payload:   payload,
	}
}

// Unit is one compilation-database record: a source file plus the compile
// arguments needed to analyze it.
type Unit struct {
	SourcePath  string
	CompileArgs []string
}

// UnitSource feeds compilation units into the pipeline. The sequence is
// finite and not restartable; a record that fails to parse surfaces as a
// non-nil error for that unit only, never for the whole iteration.
type UnitSource interface {
	Units(ctx context.Context) iter.Seq2[Unit, error]
}

// FileTask is one compilation unit admitted by discovery. Never mutated
// after creation.
type FileTask struct {
	SourcePath  string
	CompileArgs []string
}

// FunctionTask is one function to generate a test for, with its compressed
// analysis context. Priority is a complexity-derived scheduling hint only;
// correctness never depends on it.
type FunctionTask struct {
	SourcePath        string
	FunctionName      string
	Signature         string
	CompressedContext string
	Priority          int
	EstimatedTokens   int
}

// TokenUsage is the token accounting reported by the generation service.
type TokenUsage struct {
	PromptTokens int
	OutputTokens int
	TotalTokens  int
}

// Outcome is the terminal record for a task: exactly one per FunctionTask
// that enters generation, plus one per file-level discovery or extraction
// failure. Retries update the same logical outcome, not separate ones.
type Outcome struct {
	SourcePath   string
	FunctionName string // empty for file-level outcomes
	Success      bool
	Generated    string
	Kind         FailureKind // zero value for successes
	Error        string
	Attempts     int
	Latency      time.Duration
	Usage        TokenUsage
}

// FileStats is the per-source-file breakdown inside a RunSummary.
type FileStats struct {
	Outcomes  int `json:"outcomes"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RunSummary is the aggregate produced by the collector. Only the collector
// mutates it; everyone else sees snapshot copies.
type RunSummary struct {
	TotalSeen      int                    `json:"total_seen"`
	Succeeded      int                    `json:"succeeded"`
	Failed         int                    `json:"failed"`
	PerFile        map[string]FileStats   `json:"per_file"`
	FailureKinds   map[FailureKind]int    `json:"failure_kinds"`
	ThroughputEWMA float64                `json:"throughput_ewma"`
	Aborted        bool                   `json:"aborted"`
	AbortReason    string                 `json:"abort_reason,omitempty"`
	Elapsed        time.Duration          `json:"elapsed"`
}

// clone returns a deep copy safe to hand to observers.
func (s *RunSummary) clone() RunSummary {
	out := *s
	out.PerFile = make(map[string]FileStats, len(s.PerFile))
	for k, v := range s.PerFile {
		out.PerFile[k] = v
	}
	out.FailureKinds = make(map[FailureKind]int, len(s.FailureKinds))
	for k, v := range s.FailureKinds {
		out.FailureKinds[k] = v
	}
	return out
}
