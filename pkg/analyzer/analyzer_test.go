// Copyright 2025 KrakLabs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package analyzer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/testgen/pkg/pipeline"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func analyzeFixture(t *testing.T, cfg Config, path string, args ...string) []pipeline.FunctionRecord {
	t.Helper()
	a := New(cfg, quietLogger())
	records, err := a.ExtractFunctions(context.Background(), pipeline.FileTask{
		SourcePath:  path,
		CompileArgs: args,
	})
	require.NoError(t, err, "fixture must parse")
	return records
}

func recordByName(t *testing.T, records []pipeline.FunctionRecord, name string) pipeline.FunctionRecord {
	t.Helper()
	for _, r := range records {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("function %s not extracted", name)
	return pipeline.FunctionRecord{}
}

func TestCAnalyzer_ExtractsFunctions(t *testing.T) {
	records := analyzeFixture(t, DefaultConfig(), "testdata/math_utils.c", "-Iinclude", "-DDEBUG")
	require.Len(t, records, 3, "fixture defines three functions")

	add := recordByName(t, records, "add")
	require.NoError(t, add.Err)
	assert.Contains(t, add.Signature, "int add(int a, int b)")
	assert.Contains(t, add.CompressedContext, "return a + b")
	assert.Equal(t, 2, add.Priority, "two parameters, non-pointer return")
	assert.Greater(t, add.EstimatedTokens, 0)

	manhattan := recordByName(t, records, "manhattan")
	require.NoError(t, manhattan.Err)
	assert.Contains(t, manhattan.CompressedContext, "Calls: abs, add",
		"callees listed once each in source order")
	assert.Contains(t, manhattan.CompressedContext, "Structs: point")
	assert.Contains(t, manhattan.CompressedContext, "Macros: MAX_BUFFER")
	assert.Contains(t, manhattan.CompressedContext, "-Iinclude")
}

func TestCAnalyzer_PointerReturnRaisesPriority(t *testing.T) {
	records := analyzeFixture(t, DefaultConfig(), "testdata/math_utils.c")
	dup := recordByName(t, records, "duplicate_label")
	require.NoError(t, dup.Err)
	assert.Equal(t, 3, dup.Priority, "two parameters plus pointer-return bonus")
	assert.Contains(t, dup.Signature, "duplicate_label")
}

func TestCAnalyzer_EmptyFileIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.c")
	require.NoError(t, os.WriteFile(path, []byte("#include <stdio.h>\n"), 0644))

	records := analyzeFixture(t, DefaultConfig(), path)
	assert.Empty(t, records, "a file without function definitions yields no records")
}

func TestCAnalyzer_MissingFile(t *testing.T) {
	a := New(DefaultConfig(), quietLogger())
	_, err := a.ExtractFunctions(context.Background(), pipeline.FileTask{
		SourcePath: filepath.Join(t.TempDir(), "nope.c"),
	})
	assert.Error(t, err)
}

func TestCAnalyzer_OversizedFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.c")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("/* pad */\n", 100)), 0644))

	cfg := DefaultConfig()
	cfg.MaxFileSizeBytes = 64
	a := New(cfg, quietLogger())
	_, err := a.ExtractFunctions(context.Background(), pipeline.FileTask{SourcePath: path})
	assert.ErrorContains(t, err, "byte limit")
}

func TestCAnalyzer_OverBudgetFunctionFailsAlone(t *testing.T) {
	// One tiny function and one with an enormous body; a tight budget must
	// fail only the big one.
	var b strings.Builder
	b.WriteString("int tiny(void) { return 1; }\n")
	b.WriteString("int big(void) {\n int acc = 0;\n")
	for i := 0; i < 400; i++ {
		b.WriteString(" acc += some_dependency_with_a_long_name_")
		b.WriteString(strings.Repeat("x", 40))
		b.WriteString("();\n")
	}
	b.WriteString(" return acc;\n}\n")

	path := filepath.Join(t.TempDir(), "mixed.c")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))

	cfg := DefaultConfig()
	cfg.TokenBudget = 60
	records := analyzeFixture(t, cfg, path)
	require.Len(t, records, 2)

	assert.NoError(t, recordByName(t, records, "tiny").Err)
	assert.Error(t, recordByName(t, records, "big").Err,
		"a function over budget at aggressive compression fails by itself")
}

func TestCompress_EscalatesUntilFit(t *testing.T) {
	fn := functionInfo{
		name:      "crunch",
		signature: "void crunch(void)",
		body:      strings.Repeat("x += 1;\n", 200),
	}
	file := fileContext{path: "a.c"}

	// Full body blows a small budget; the escalated render must fit.
	text, err := compressToBudget(fn, file, LevelNone, 120)
	require.NoError(t, err)
	assert.Contains(t, text, "truncated", "body preview must be cut down")
	assert.LessOrEqual(t, estimateTokens(text), 120)
}

func TestCompress_Deterministic(t *testing.T) {
	fn := functionInfo{name: "f", signature: "int f(void)", body: "return 7;", callees: []string{"g", "h"}}
	file := fileContext{path: "a.c", macros: []string{"M1", "M2", "M3"}, flags: []string{"-Ix", "-Dy"}}

	first, err := compressToBudget(fn, file, LevelModerate, 500)
	require.NoError(t, err)
	second, err := compressToBudget(fn, file, LevelModerate, 500)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Contains(t, first, "Macros: M1, M2", "moderate level keeps two macros")
	assert.NotContains(t, first, "M3")
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"", LevelModerate, true},
		{"moderate", LevelModerate, true},
		{"none", LevelNone, true},
		{"AGGRESSIVE", LevelAggressive, true},
		{"max", LevelModerate, false},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if tc.ok {
			assert.NoError(t, err, tc.in)
			assert.Equal(t, tc.want, got, tc.in)
		} else {
			assert.Error(t, err, tc.in)
		}
	}
}

func TestCompress_TruncatesOnRuneBoundary(t *testing.T) {
	// Multibyte text right at the cut point must not be split mid-rune.
	fn := functionInfo{
		name:      "greet",
		signature: "void greet(void)",
		// The 5-byte prefix puts every 2-byte rune start on an odd offset,
		// so a naive byte cut at an even limit would split a rune.
		body:      `s = "` + strings.Repeat("ñ", 400) + `";`,
	}
	file := fileContext{path: "a.c"}

	text, err := compressToBudget(fn, file, LevelModerate, 200)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(text), "truncation must respect rune boundaries")
	assert.Contains(t, text, "truncated")
}
