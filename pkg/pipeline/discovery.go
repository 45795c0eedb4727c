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
	"os"
	"path/filepath"
)

// unitRecord is the discovery stage's input payload: one compilation unit,
// or the per-unit error the reader surfaced for it.
type unitRecord struct {
	unit Unit
	err  error
}

// fileDiscoveryStage turns compilation-database records into FileTasks,
// 1:1, applying include/exclude filters. Records that fail to resolve are
// reported to the collector as discovery failures; they never silently
// vanish.
type fileDiscoveryStage struct {
	includeGlobs []string
	excludeGlobs []string
	outcomes     *Queue[Item[Outcome]]
	logger       *slog.Logger
}

func newFileDiscoveryStage(cfg Config, outcomes *Queue[Item[Outcome]], logger *slog.Logger) *fileDiscoveryStage {
	return &fileDiscoveryStage{
		includeGlobs: cfg.IncludeGlobs,
		excludeGlobs: cfg.ExcludeGlobs,
		outcomes:     outcomes,
		logger:       logger,
	}
}

func (s *fileDiscoveryStage) process(ctx context.Context, item Item[unitRecord]) ([]Item[FileTask], error) {
	rec := item.Payload

	if rec.err != nil {
		s.fail(ctx, item, rec.unit.SourcePath, rec.err.Error())
		return nil, nil
	}

	path := rec.unit.SourcePath
	if !s.admitted(path) {
		s.logger.Debug("discovery.filtered", "path", path)
		return nil, nil
	}

	if _, err := os.Stat(path); err != nil {
		s.fail(ctx, item, path, "source file unresolvable: "+err.Error())
		return nil, nil
	}

	recordFileDiscovered()
	task := FileTask{SourcePath: path, CompileArgs: rec.unit.CompileArgs}
	return []Item[FileTask]{Derive(item, StageDiscovery, task)}, nil
}

// admitted applies include/exclude globs against the path's base name and
// the full path. Empty include list admits everything not excluded.
func (s *fileDiscoveryStage) admitted(path string) bool {
	base := filepath.Base(path)
	for _, g := range s.excludeGlobs {
		if matched, _ := filepath.Match(g, base); matched {
			return false
		}
		if matched, _ := filepath.Match(g, path); matched {
			return false
		}
	}
	if len(s.includeGlobs) == 0 {
		return true
	}
	for _, g := range s.includeGlobs {
		if matched, _ := filepath.Match(g, base); matched {
			return true
		}
		if matched, _ := filepath.Match(g, path); matched {
			return true
		}
	}
	return false
}

func (s *fileDiscoveryStage) fail(ctx context.Context, item Item[unitRecord], path, msg string) {
	recordDiscoveryFailure()
	s.logger.Warn("discovery.unit.error", "path", path, "err", msg)
	outcome := Outcome{
		SourcePath: path,
		Kind:       FailureDiscovery,
		Error:      msg,
	}
	if err := s.outcomes.Put(ctx, Derive(item, StageDiscovery, outcome)); err != nil {
		s.logger.Debug("discovery.outcome.dropped", "path", path, "err", err)
	}
}
