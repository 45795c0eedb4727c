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
	"iter"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/testgen/pkg/llm"
)

type unitEntry struct {
	unit Unit
	err  error
}

// sliceSource yields a fixed list of compilation units.
type sliceSource struct {
	entries []unitEntry
}

func (s *sliceSource) Units(ctx context.Context) iter.Seq2[Unit, error] {
	return func(yield func(Unit, error) bool) {
		for _, e := range s.entries {
			if ctx.Err() != nil {
				return
			}
			if !yield(e.unit, e.err) {
				return
			}
		}
	}
}

// analyzerFunc adapts a function to the Analyzer interface.
type analyzerFunc func(ctx context.Context, task FileTask) ([]FunctionRecord, error)

func (f analyzerFunc) ExtractFunctions(ctx context.Context, task FileTask) ([]FunctionRecord, error) {
	return f(ctx, task)
}

// writeSources creates n real C files and returns unit entries for them.
func writeSources(t *testing.T, n int) []unitEntry {
	t.Helper()
	dir := t.TempDir()
	entries := make([]unitEntry, 0, n)
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, fmt.Sprintf("file%02d.c", i))
		require.NoError(t, os.WriteFile(path, []byte("int f(void) { return 0; }\n"), 0644))
		entries = append(entries, unitEntry{unit: Unit{SourcePath: path, CompileArgs: []string{"-std=c11"}}})
	}
	return entries
}

func fixedFunctions(perFile int) Analyzer {
	return analyzerFunc(func(_ context.Context, task FileTask) ([]FunctionRecord, error) {
		recs := make([]FunctionRecord, perFile)
		for i := range recs {
			recs[i] = FunctionRecord{
				Name:              fmt.Sprintf("fn%d", i),
				Signature:         fmt.Sprintf("int fn%d(void)", i),
				CompressedContext: "int fn(void);",
				EstimatedTokens:   100,
			}
		}
		return recs, nil
	})
}

func okGenerator() Generator {
	return genFunc(func(_ context.Context, task FunctionTask) (string, TokenUsage, error) {
		return "TEST(" + task.FunctionName + ") {}", TokenUsage{TotalTokens: 10}, nil
	})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 16
	cfg.PerCallTimeout = time.Second
	cfg.RetryAttempts = 0
	cfg.RetryBackoffBase = time.Millisecond
	cfg.AdmissionTimeout = 5 * time.Second
	cfg.ErrorRateAbortThreshold = 0 // breaker off unless the test enables it
	cfg.MinAbortSamples = 0
	return cfg
}

func TestOrchestrator_HappyPath(t *testing.T) {
	source := &sliceSource{entries: writeSources(t, 4)}
	orch, err := New(testConfig(), source, fixedFunctions(2), okGenerator(), WithLogger(quietLogger()))
	require.NoError(t, err)

	summary, err := orch.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 8, summary.TotalSeen, "4 files with 2 functions each")
	assert.Equal(t, 8, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.False(t, summary.Aborted)
	assert.Len(t, summary.PerFile, 4)
	assert.Equal(t, StateCompleted, orch.State())
}

func TestOrchestrator_DiscoveryFailuresStillCounted(t *testing.T) {
	entries := writeSources(t, 7)
	for i := 0; i < 3; i++ {
		entries = append(entries, unitEntry{
			unit: Unit{SourcePath: fmt.Sprintf("missing%d.c", i)},
			err:  fmt.Errorf("malformed compile command"),
		})
	}

	source := &sliceSource{entries: entries}
	orch, err := New(testConfig(), source, fixedFunctions(1), okGenerator(), WithLogger(quietLogger()))
	require.NoError(t, err)

	summary, err := orch.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, summary.TotalSeen, "failed units must not silently vanish")
	assert.Equal(t, 7, summary.Succeeded)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 3, summary.FailureKinds[FailureDiscovery])
	assert.Equal(t, summary.TotalSeen, summary.Succeeded+summary.Failed)
}

func TestOrchestrator_ExtractionFailureIsolation(t *testing.T) {
	entries := writeSources(t, 2)
	bad := entries[0].unit.SourcePath

	analyzer := analyzerFunc(func(_ context.Context, task FileTask) ([]FunctionRecord, error) {
		if task.SourcePath == bad {
			return nil, fmt.Errorf("parse error at line 3")
		}
		return []FunctionRecord{
			{Name: "good", Signature: "int good(void)", EstimatedTokens: 50},
			{Name: "huge", Err: fmt.Errorf("context exceeds token budget")},
		}, nil
	})

	orch, err := New(testConfig(), &sliceSource{entries: entries}, analyzer, okGenerator(), WithLogger(quietLogger()))
	require.NoError(t, err)

	summary, err := orch.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalSeen, "one file failure, one function failure, one success")
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 2, summary.FailureKinds[FailureExtraction])
}

func TestOrchestrator_BreakerAbortsRun(t *testing.T) {
	source := &sliceSource{entries: writeSources(t, 30)}

	// Every call is rejected outright; no retries burn time, but a small
	// delay keeps the run alive long enough for the breaker to sample it.
	gen := genFunc(func(ctx context.Context, task FunctionTask) (string, TokenUsage, error) {
		select {
		case <-time.After(30 * time.Millisecond):
		case <-ctx.Done():
			return "", TokenUsage{}, ctx.Err()
		}
		return "", TokenUsage{}, &llm.StatusError{Provider: "test", Status: 400}
	})

	cfg := testConfig()
	cfg.MaxConcurrentGenerations = 2
	cfg.ErrorRateAbortThreshold = 0.5
	cfg.MinAbortSamples = 10

	orch, err := New(cfg, source, fixedFunctions(1), gen, WithLogger(quietLogger()))
	require.NoError(t, err)

	summary, err := orch.Execute(context.Background())
	require.NoError(t, err, "a breaker abort is a disposition, not an error")

	assert.True(t, summary.Aborted)
	assert.Contains(t, summary.AbortReason, "error rate")
	assert.GreaterOrEqual(t, summary.Failed, 10)
	assert.Equal(t, summary.TotalSeen, summary.Succeeded+summary.Failed)
	assert.Equal(t, StateCompleted, orch.State())
}

func TestOrchestrator_CancellationMarksAborted(t *testing.T) {
	source := &sliceSource{entries: writeSources(t, 10)}
	gen := genFunc(func(ctx context.Context, task FunctionTask) (string, TokenUsage, error) {
		<-ctx.Done()
		return "", TokenUsage{}, ctx.Err()
	})

	orch, err := New(testConfig(), source, fixedFunctions(1), gen, WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	done := make(chan struct{})
	var summary *RunSummary
	go func() {
		summary, _ = orch.Execute(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not unwind the run")
	}
	require.NotNil(t, summary)
	assert.True(t, summary.Aborted)
	assert.Contains(t, summary.AbortReason, "cancelled")
}

func TestOrchestrator_ExecuteOnlyOnce(t *testing.T) {
	source := &sliceSource{entries: writeSources(t, 1)}
	orch, err := New(testConfig(), source, fixedFunctions(1), okGenerator(), WithLogger(quietLogger()))
	require.NoError(t, err)

	_, err = orch.Execute(context.Background())
	require.NoError(t, err)

	_, err = orch.Execute(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
}

func TestOrchestrator_SequentialRunPreservesOrder(t *testing.T) {
	source := &sliceSource{entries: writeSources(t, 5)}

	var mu sync.Mutex
	var order []string
	sink := sinkFunc(func(o Outcome) error {
		mu.Lock()
		order = append(order, filepath.Base(o.SourcePath))
		mu.Unlock()
		return nil
	})

	cfg := testConfig()
	cfg.MaxConcurrentFiles = 1
	cfg.MaxConcurrentFunctions = 1
	cfg.MaxConcurrentGenerations = 1

	orch, err := New(cfg, source, fixedFunctions(1), okGenerator(),
		WithLogger(quietLogger()), WithArtifactSink(sink))
	require.NoError(t, err)

	_, err = orch.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"file00.c", "file01.c", "file02.c", "file03.c", "file04.c"}, order,
		"single-worker pools must preserve discovery order end to end")
}

func TestOrchestrator_ProgressCallbacks(t *testing.T) {
	source := &sliceSource{entries: writeSources(t, 3)}

	var mu sync.Mutex
	calls := 0
	cfg := testConfig()
	cfg.ProgressInterval = 0

	orch, err := New(cfg, source, fixedFunctions(1), okGenerator(),
		WithLogger(quietLogger()),
		WithProgress(func(s RunSummary) {
			mu.Lock()
			calls++
			mu.Unlock()
		}))
	require.NoError(t, err)

	_, err = orch.Execute(context.Background())
	require.NoError(t, err)
	assert.Greater(t, calls, 0)
}

func TestOrchestrator_RejectsBadInputs(t *testing.T) {
	source := &sliceSource{}
	analyzer := fixedFunctions(1)
	gen := okGenerator()

	bad := testConfig()
	bad.QueueCapacity = 0
	_, err := New(bad, source, analyzer, gen)
	assert.Error(t, err)

	_, err = New(testConfig(), nil, analyzer, gen)
	assert.Error(t, err)
	_, err = New(testConfig(), source, nil, gen)
	assert.Error(t, err)
	_, err = New(testConfig(), source, analyzer, nil)
	assert.Error(t, err)
}

func TestOrchestrator_NoNewGenerationCallsAfterCancel(t *testing.T) {
	source := &sliceSource{entries: writeSources(t, 10)}

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	calls := 0
	gen := genFunc(func(callCtx context.Context, task FunctionTask) (string, TokenUsage, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		cancel()
		<-callCtx.Done()
		return "", TokenUsage{}, callCtx.Err()
	})

	cfg := testConfig()
	cfg.MaxConcurrentGenerations = 1
	orch, err := New(cfg, source, fixedFunctions(1), gen, WithLogger(quietLogger()))
	require.NoError(t, err)

	summary, err := orch.Execute(ctx)
	require.NoError(t, err)
	require.NotNil(t, summary)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "queued tasks must not reach the service once the run is cancelled")
	assert.True(t, summary.Aborted)
}

func TestOrchestrator_SequentialRunsAreDeterministic(t *testing.T) {
	// Same fixed input, all pools single-worker: two runs must agree on
	// every count, including the failure breakdown.
	entries := writeSources(t, 6)
	gen := genFunc(func(_ context.Context, task FunctionTask) (string, TokenUsage, error) {
		if task.FunctionName == "fn1" {
			return "", TokenUsage{}, &llm.StatusError{Provider: "test", Status: 400, Body: "bad request"}
		}
		return "TEST(" + task.FunctionName + ") {}", TokenUsage{TotalTokens: 10}, nil
	})

	run := func() *RunSummary {
		cfg := testConfig()
		cfg.MaxConcurrentFiles = 1
		cfg.MaxConcurrentFunctions = 1
		cfg.MaxConcurrentGenerations = 1
		orch, err := New(cfg, &sliceSource{entries: entries}, fixedFunctions(2), gen, WithLogger(quietLogger()))
		require.NoError(t, err)
		summary, err := orch.Execute(context.Background())
		require.NoError(t, err)
		return summary
	}

	first := run()
	second := run()

	assert.Equal(t, 12, first.TotalSeen, "6 files with 2 functions each")
	assert.Equal(t, first.TotalSeen, second.TotalSeen)
	assert.Equal(t, first.Succeeded, second.Succeeded)
	assert.Equal(t, first.Failed, second.Failed)
	assert.Equal(t, first.FailureKinds, second.FailureKinds)
	assert.Equal(t, first.PerFile, second.PerFile)
	assert.Equal(t, 6, first.Failed, "fn1 is rejected once per file")
}
