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
)

// FunctionRecord is one function as reported by the analyzer. Err is
// non-nil when context compression failed for this function only; the rest
// of the file's functions are unaffected.
type FunctionRecord struct {
	Name              string
	Signature         string
	CompressedContext string
	Priority          int
	EstimatedTokens   int
	Err               error
}

// Analyzer is the external function/context analyzer consumed by the
// extraction stage. A file-level error means the file could not be parsed
// at all; an empty slice means no testable functions, which is not an
// error.
type Analyzer interface {
	ExtractFunctions(ctx context.Context, task FileTask) ([]FunctionRecord, error)
}

// functionExtractionStage fans one FileTask out into 0..N FunctionTasks.
// File-level parse failures produce a single file-scoped outcome sent
// straight to the collector, bypassing generation; per-function compression
// failures skip only that function.
type functionExtractionStage struct {
	analyzer Analyzer
	outcomes *Queue[Item[Outcome]]
	logger   *slog.Logger
}

func newFunctionExtractionStage(analyzer Analyzer, outcomes *Queue[Item[Outcome]], logger *slog.Logger) *functionExtractionStage {
	return &functionExtractionStage{analyzer: analyzer, outcomes: outcomes, logger: logger}
}

func (s *functionExtractionStage) process(ctx context.Context, item Item[FileTask]) ([]Item[FunctionTask], error) {
	task := item.Payload

	records, err := s.analyzer.ExtractFunctions(ctx, task)
	if err != nil {
		recordExtractionFailure()
		s.logger.Warn("extraction.file.error", "path", task.SourcePath, "err", err)
		s.emitFailure(ctx, item, Outcome{
			SourcePath: task.SourcePath,
			Kind:       FailureExtraction,
			Error:      err.Error(),
		})
		return nil, nil
	}

	out := make([]Item[FunctionTask], 0, len(records))
	for _, rec := range records {
		if rec.Err != nil {
			recordExtractionFailure()
			s.logger.Warn("extraction.function.error",
				"path", task.SourcePath,
				"function", rec.Name,
				"err", rec.Err,
			)
			s.emitFailure(ctx, item, Outcome{
				SourcePath:   task.SourcePath,
				FunctionName: rec.Name,
				Kind:         FailureExtraction,
				Error:        rec.Err.Error(),
			})
			continue
		}
		recordFunctionExtracted()
		out = append(out, Derive(item, StageExtraction, FunctionTask{
			SourcePath:        task.SourcePath,
			FunctionName:      rec.Name,
			Signature:         rec.Signature,
			CompressedContext: rec.CompressedContext,
			Priority:          rec.Priority,
			EstimatedTokens:   rec.EstimatedTokens,
		}))
	}
	return out, nil
}

func (s *functionExtractionStage) emitFailure(ctx context.Context, item Item[FileTask], outcome Outcome) {
	if err := s.outcomes.Put(ctx, Derive(item, StageExtraction, outcome)); err != nil {
		s.logger.Debug("extraction.outcome.dropped", "path", outcome.SourcePath, "err", err)
	}
}
