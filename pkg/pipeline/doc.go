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

// Package pipeline provides the streaming test-generation pipeline for
// testgen.
//
// The pipeline turns a compilation database into generated unit tests by
// running four concurrent stages connected by bounded queues:
//
//  1. Discovery: resolve compilation-database records into source files,
//     applying include/exclude glob filters
//  2. Extraction: parse each file and extract per-function analysis
//     context, compressed to a token budget
//  3. Generation: dispatch one LLM request per function through a bounded
//     worker pool with rate limiting, timeouts and retries
//  4. Collection: fold outcomes into a run summary in arrival order and
//     stream artifacts to disk
//
// Results flow as soon as they are ready; the pipeline never materializes
// the full set of files or functions in memory. Queue capacity is the only
// admission control between stages, so a slow generation stage naturally
// backpressures discovery.
//
// # Quick Start
//
//	orch, err := pipeline.New(pipeline.DefaultConfig(), source, analyzer, gen,
//	    pipeline.WithLogger(logger),
//	    pipeline.WithProgress(func(s pipeline.RunSummary) {
//	        fmt.Printf("%d/%d done\n", s.Succeeded+s.Failed, s.TotalSeen)
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	summary, err := orch.Execute(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("generated %d tests, %d failures\n", summary.Succeeded, summary.Failed)
//
// An Orchestrator executes at most once; a second Execute returns
// ErrAlreadyExecuted.
//
// # Collaborators
//
// Three interfaces connect the pipeline to the outside world:
//
//   - UnitSource streams compilation units (see pkg/compiledb)
//   - Analyzer extracts functions and compressed context from a file
//     (see pkg/analyzer)
//   - Generator performs a single LLM call per function; retries and rate
//     limiting live in the pipeline, not the generator
//
// # Failure Isolation
//
// Item-scoped failures (an unreadable file, a parse error, an exhausted
// retry budget) become failed outcomes in the summary; they never stop the
// run. Every function task that enters generation produces exactly one
// outcome, so TotalSeen always equals Succeeded+Failed. Pool-scoped
// failures (a worker panic) cancel the run and surface as the error from
// Execute.
//
// An error-rate circuit breaker aborts the run when the failure ratio
// exceeds Config.ErrorRateAbortThreshold after Config.MinAbortSamples
// outcomes; the summary is then marked Aborted with the reason recorded.
//
// # Rate Limiting
//
// Outbound generation calls pass through a weighted sliding-window
// limiter: Config.RequestsPerWindow slots per Config.RateWindow, where a
// large request may consume several slots. A task that cannot be admitted
// within Config.AdmissionTimeout fails as rate_limited without retry.
//
// Prometheus metrics (tg_pipe_*) are exported for monitoring production
// runs.
package pipeline
