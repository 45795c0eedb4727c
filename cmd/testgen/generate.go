// Copyright 2026 KrakLabs
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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/testgen/internal/errors"
	"github.com/kraklabs/testgen/internal/output"
	"github.com/kraklabs/testgen/internal/prompt"
	"github.com/kraklabs/testgen/internal/ui"
	"github.com/kraklabs/testgen/pkg/analyzer"
	"github.com/kraklabs/testgen/pkg/compiledb"
	"github.com/kraklabs/testgen/pkg/llm"
	"github.com/kraklabs/testgen/pkg/pipeline"
)

// runGenerate executes the 'generate' CLI command, running the full test
// generation pipeline against the configured compilation database.
//
// Flags:
//   - --compile-db: Override the compilation database path
//   - --output-dir: Override the artifact output directory
//   - --model: Override the configured LLM model
//   - --debug: Enable debug logging
//   - --metrics-addr: HTTP address for Prometheus metrics (default: disabled)
//
// Examples:
//
//	testgen generate
//	testgen generate --model deepseek-coder --debug
//	testgen generate --json > report.json
func runGenerate(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	compileDB := fs.String("compile-db", "", "Override compilation database path")
	outputDir := fs.String("output-dir", "", "Override artifact output directory")
	model := fs.String("model", "", "Override the configured LLM model")
	debug := fs.Bool("debug", false, "Enable debug logging")
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: testgen generate [options]

Generates unit tests using configuration from .testgen/project.yaml.
Artifacts are written to the configured output directory, one
test_<source>.cpp per compilation unit, plus a report.json run summary.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(errors.NewConfigError(
			"Cannot load configuration",
			err.Error(),
			"Run 'testgen init' to create .testgen/project.yaml",
			err,
		), globals.JSON)
	}
	if *compileDB != "" {
		cfg.CompileDB = *compileDB
	}
	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}
	if *model != "" {
		cfg.LLM.Model = *model
	}

	logLevel := slog.LevelWarn
	if globals.Verbose > 0 {
		logLevel = slog.LevelInfo
	}
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Prometheus metrics endpoint (optional)
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: *metricsAddr, Handler: mux}
			logger.Info("metrics.http.start", "addr", *metricsAddr, "path", "/metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics.http.error", "err", err)
			}
		}()
	}

	// Signal handling for graceful shutdown. A second signal is left to the
	// default handler so a stuck run can still be killed.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutdown.signal", "signal", sig.String())
		signal.Stop(sigChan)
		cancel()
	}()

	dbPath := cfg.CompileDB
	if !filepath.IsAbs(dbPath) {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot get current directory: %v\n", err)
			os.Exit(1)
		}
		dbPath = filepath.Join(cwd, dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		errors.FatalError(errors.NewNotFoundError(
			"Compilation database not found",
			fmt.Sprintf("No file at %s", dbPath),
			"Generate one with: cmake -DCMAKE_EXPORT_COMPILE_COMMANDS=ON, or bear -- make",
		), globals.JSON)
	}

	acfg, err := cfg.analyzerConfig()
	if err != nil {
		errors.FatalError(errors.NewConfigError(
			"Invalid analysis configuration",
			err.Error(),
			"Set analysis.compression to none, moderate or aggressive",
			err,
		), globals.JSON)
	}

	apiKey := ""
	if cfg.LLM.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.LLM.APIKeyEnv)
	}
	provider, err := llm.NewProvider(llm.ProviderConfig{
		Type:         cfg.LLM.Provider,
		BaseURL:      cfg.LLM.BaseURL,
		APIKey:       apiKey,
		DefaultModel: cfg.LLM.Model,
	})
	if err != nil {
		errors.FatalError(errors.NewConfigError(
			"Invalid LLM configuration",
			err.Error(),
			"Set llm.provider to openai, deepseek, ollama or mock",
			err,
		), globals.JSON)
	}

	writer, err := output.NewArtifactWriter(cfg.OutputDir, logger)
	if err != nil {
		errors.FatalError(errors.NewPermissionError(
			"Cannot create output directory",
			err.Error(),
			"Check permissions on "+cfg.OutputDir+" or pass --output-dir",
			err,
		), globals.JSON)
	}

	source := compiledb.NewSource(dbPath, logger)
	anz := analyzer.New(acfg, logger)
	gen := prompt.NewGenerator(provider, cfg.LLM.Model, cfg.LLM.MaxTokens)

	progress := NewProgressConfig(globals)
	spinner := NewProgressSpinner(progress, "Generating tests")

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithArtifactSink(writer),
	}
	if spinner != nil {
		opts = append(opts, pipeline.WithProgress(func(s pipeline.RunSummary) {
			_ = spinner.Set(s.TotalSeen)
			spinner.Describe(fmt.Sprintf("Generating tests (%d ok, %d failed)", s.Succeeded, s.Failed))
		}))
	}

	orch, err := pipeline.New(cfg.pipelineConfig(), source, anz, gen, opts...)
	if err != nil {
		errors.FatalError(errors.NewConfigError(
			"Invalid pipeline configuration",
			err.Error(),
			"Review the pipeline section of .testgen/project.yaml",
			err,
		), globals.JSON)
	}

	summary, runErr := orch.Execute(ctx)
	if spinner != nil {
		_ = spinner.Finish()
	}
	if summary == nil {
		errors.FatalError(errors.NewInternalError(
			"Generation pipeline failed",
			runErr.Error(),
			"Re-run with --debug and report the issue at github.com/kraklabs/testgen/issues",
			runErr,
		), globals.JSON)
	}

	reportPath, reportErr := writer.WriteReport(summary)
	if reportErr != nil {
		logger.Warn("report.write.error", "err", reportErr)
	}

	if globals.JSON {
		if err := output.JSON(summary); err != nil {
			os.Exit(errors.ExitInternal)
		}
	} else {
		printSummary(summary, cfg.OutputDir, reportPath)
	}

	switch {
	case runErr != nil:
		errors.FatalError(errors.NewInternalError(
			"Generation pipeline failed",
			runErr.Error(),
			"Re-run with --debug and report the issue at github.com/kraklabs/testgen/issues",
			runErr,
		), globals.JSON)
	case summary.Aborted:
		errors.FatalError(errors.NewGenerationError(
			"Generation run aborted",
			summary.AbortReason,
			"Inspect the failure kinds in the report and check the LLM endpoint",
			nil,
		), globals.JSON)
	case summary.TotalSeen > 0 && summary.Succeeded == 0:
		errors.FatalError(errors.NewGenerationError(
			"All generation tasks failed",
			fmt.Sprintf("%d tasks, 0 succeeded", summary.TotalSeen),
			"Inspect the failure kinds in the report and check the LLM endpoint",
			nil,
		), globals.JSON)
	}
}

// printSummary renders the human-readable run summary.
func printSummary(s *pipeline.RunSummary, outputDir, reportPath string) {
	ui.Header("Generation Summary")
	fmt.Printf("%s %s\n", ui.Label("Tasks:"), ui.CountText(s.TotalSeen))
	fmt.Printf("%s %s\n", ui.Label("Succeeded:"), ui.CountText(s.Succeeded))
	fmt.Printf("%s %s\n", ui.Label("Failed:"), ui.CountText(s.Failed))
	fmt.Printf("%s %.2f outcomes/s\n", ui.Label("Throughput:"), s.ThroughputEWMA)
	fmt.Printf("%s %s\n", ui.Label("Elapsed:"), s.Elapsed.Round(10*time.Millisecond).String())

	if len(s.FailureKinds) > 0 {
		fmt.Println()
		ui.SubHeader("Failures by kind")
		kinds := make([]string, 0, len(s.FailureKinds))
		for k := range s.FailureKinds {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Printf("  %-14s %d\n", k, s.FailureKinds[pipeline.FailureKind(k)])
		}
	}

	fmt.Println()
	if s.Aborted {
		ui.Warningf("Run aborted: %s", s.AbortReason)
	} else if s.Failed == 0 && s.TotalSeen > 0 {
		ui.Successf("Generated tests for all %d functions", s.Succeeded)
	} else {
		ui.Successf("Generated tests for %d of %d tasks", s.Succeeded, s.TotalSeen)
	}
	ui.Info("Artifacts: " + outputDir)
	if reportPath != "" {
		ui.Info("Report:    " + reportPath)
	}
}
