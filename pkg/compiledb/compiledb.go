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

// Package compiledb streams compilation units out of a Clang-style
// compile_commands.json. Records are decoded one at a time, so a large
// database never has to fit in memory, and a malformed record surfaces as
// a per-unit error rather than killing the whole read.
package compiledb

import (
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"context"

	"github.com/kraklabs/testgen/pkg/pipeline"
)

// record is one entry of compile_commands.json. Either Command or
// Arguments is populated, per the Clang compilation-database spec.
type record struct {
	Directory string   `json:"directory"`
	File      string   `json:"file"`
	Command   string   `json:"command,omitempty"`
	Arguments []string `json:"arguments,omitempty"`
	Output    string   `json:"output,omitempty"`
}

// Source reads compilation units from a compile_commands.json file. It
// implements pipeline.UnitSource.
type Source struct {
	path   string
	logger *slog.Logger
}

// NewSource points a Source at a compile_commands.json path. The file is
// not opened until Units is iterated.
func NewSource(path string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{path: path, logger: logger}
}

// Units streams the database. The sequence is finite and single-use. A
// record that cannot be resolved yields a non-nil error alongside whatever
// unit fields could be recovered; a database that cannot be opened or whose
// top-level structure is broken yields one terminal error entry.
func (s *Source) Units(ctx context.Context) iter.Seq2[pipeline.Unit, error] {
	return func(yield func(pipeline.Unit, error) bool) {
		f, err := os.Open(s.path)
		if err != nil {
			yield(pipeline.Unit{}, fmt.Errorf("compiledb: open %s: %w", s.path, err))
			return
		}
		defer f.Close()

		dec := json.NewDecoder(f)
		tok, err := dec.Token()
		if err != nil {
			yield(pipeline.Unit{}, fmt.Errorf("compiledb: %s: %w", s.path, err))
			return
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			yield(pipeline.Unit{}, fmt.Errorf("compiledb: %s: expected top-level array, got %v", s.path, tok))
			return
		}

		count := 0
		for dec.More() {
			if ctx.Err() != nil {
				return
			}
			var rec record
			if err := dec.Decode(&rec); err != nil {
				// The stream is unrecoverable past a syntax error.
				yield(pipeline.Unit{}, fmt.Errorf("compiledb: %s: record %d: %w", s.path, count, err))
				return
			}
			count++

			unit, err := rec.toUnit()
			if !yield(unit, err) {
				return
			}
		}
		s.logger.Debug("compiledb.read.done", "path", s.path, "records", count)
	}
}

// toUnit resolves the record into a pipeline.Unit: absolute source path and
// the compile flags relevant to analysis.
func (r record) toUnit() (pipeline.Unit, error) {
	if r.File == "" {
		return pipeline.Unit{}, fmt.Errorf("compiledb: record missing file field")
	}

	path := r.File
	if !filepath.IsAbs(path) {
		if r.Directory == "" {
			return pipeline.Unit{SourcePath: path}, fmt.Errorf("compiledb: relative file %q without directory", r.File)
		}
		path = filepath.Join(r.Directory, path)
	}
	path = filepath.Clean(path)

	argv := r.Arguments
	if len(argv) == 0 {
		if r.Command == "" {
			return pipeline.Unit{SourcePath: path}, fmt.Errorf("compiledb: record for %q has neither command nor arguments", r.File)
		}
		argv = strings.Fields(r.Command)
	}

	return pipeline.Unit{
		SourcePath:  path,
		CompileArgs: filterArgs(argv),
	}, nil
}

// filterArgs keeps the flags that matter for parsing a translation unit:
// include paths, macro definitions, language standard and optimization
// level. The compiler executable, output arguments and file operands are
// dropped.
func filterArgs(argv []string) []string {
	var kept []string
	skipNext := false
	for i, arg := range argv {
		if skipNext {
			skipNext = false
			continue
		}
		if i == 0 && looksLikeCompiler(arg) {
			continue
		}
		switch {
		case arg == "-o":
			skipNext = true
		case arg == "-c":
			// no operand
		case strings.HasPrefix(arg, "-I"),
			strings.HasPrefix(arg, "-D"),
			strings.HasPrefix(arg, "-std="),
			strings.HasPrefix(arg, "-O"):
			kept = append(kept, arg)
		}
	}
	return kept
}

func looksLikeCompiler(arg string) bool {
	base := filepath.Base(arg)
	for _, name := range []string{"gcc", "g++", "clang", "clang++", "cc", "c++"} {
		if base == name || strings.HasPrefix(base, name+"-") {
			return true
		}
	}
	return strings.Contains(base, "gcc") || strings.Contains(base, "clang")
}
