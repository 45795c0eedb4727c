// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package output

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kraklabs/testgen/pkg/pipeline"
)

// ArtifactWriter streams generated tests to disk as outcomes arrive,
// aggregating every function's test for one source file into a single
// test_<source>.cpp. It implements pipeline.ArtifactSink.
//
// The first write for a target in a run truncates any leftover from a
// previous run; later writes append.
type ArtifactWriter struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	touched map[string]bool
}

// NewArtifactWriter ensures the output directory exists.
func NewArtifactWriter(dir string, logger *slog.Logger) (*ArtifactWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("output: create %s: %w", dir, err)
	}
	return &ArtifactWriter{
		dir:     dir,
		logger:  logger,
		touched: make(map[string]bool),
	}, nil
}

// TargetPath maps a source file to its aggregated test file.
func (w *ArtifactWriter) TargetPath(sourcePath string) string {
	base := filepath.Base(sourcePath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(w.dir, "test_"+base+".cpp")
}

// WriteArtifact appends one function's generated test to the source file's
// aggregate.
func (w *ArtifactWriter) WriteArtifact(outcome pipeline.Outcome) error {
	target := w.TargetPath(outcome.SourcePath)

	w.mu.Lock()
	defer w.mu.Unlock()

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !w.touched[target] {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(target, flags, 0644)
	if err != nil {
		return fmt.Errorf("output: open %s: %w", target, err)
	}
	defer f.Close()

	if !w.touched[target] {
		if _, err := fmt.Fprintf(f, "// Generated tests for %s\n", outcome.SourcePath); err != nil {
			return fmt.Errorf("output: write %s: %w", target, err)
		}
		w.touched[target] = true
	}
	if _, err := fmt.Fprintf(f, "\n// --- %s ---\n%s\n", outcome.FunctionName, strings.TrimSpace(outcome.Generated)); err != nil {
		return fmt.Errorf("output: write %s: %w", target, err)
	}

	w.logger.Debug("output.artifact.saved",
		"function", outcome.FunctionName,
		"target", target,
	)
	return nil
}

// WriteReport persists the run summary as report.json in the output
// directory and returns its path.
func (w *ArtifactWriter) WriteReport(summary *pipeline.RunSummary) (string, error) {
	path := filepath.Join(w.dir, "report.json")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()
	if err := JSONTo(f, summary); err != nil {
		return "", err
	}
	return path, nil
}
