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
	"errors"

	"github.com/kraklabs/testgen/pkg/llm"
)

// FailureKind classifies a failed outcome. Item-scoped failures flow to the
// collector as outcomes; they are never raised to the orchestrator.
type FailureKind string

const (
	// FailureDiscovery marks a compilation-database record that could not
	// be resolved into a FileTask.
	FailureDiscovery FailureKind = "discovery"

	// FailureExtraction marks a parse or context-compression failure,
	// either file-scoped or function-scoped.
	FailureExtraction FailureKind = "extraction"

	// FailureRateLimited marks a rate-limiter admission timeout. Not
	// retried.
	FailureRateLimited FailureKind = "rate_limited"

	// FailureTransport marks a retryable generation failure (timeout,
	// connection error, 429/5xx) that exhausted its retry budget.
	FailureTransport FailureKind = "transport"

	// FailureRejected marks a non-retryable generation failure (the
	// service rejected the request itself).
	FailureRejected FailureKind = "rejected"

	// FailureAborted marks a task abandoned because the run was cancelled,
	// typically by the circuit breaker.
	FailureAborted FailureKind = "aborted"
)

// ErrAlreadyExecuted is returned when Execute is called more than once on
// the same orchestrator.
var ErrAlreadyExecuted = errors.New("pipeline: orchestrator already executed")

// ErrAlreadyStarted is returned when a worker pool is started twice.
var ErrAlreadyStarted = errors.New("pipeline: pool already started")

// classifyGenerationError maps a generation-service error onto the failure
// taxonomy. Context cancellation means the run itself is going down;
// everything retryable collapses to transport.
func classifyGenerationError(err error) FailureKind {
	switch {
	case errors.Is(err, context.Canceled):
		return FailureAborted
	case llm.IsRejected(err):
		return FailureRejected
	default:
		return FailureTransport
	}
}

// retryableGeneration reports whether a generation error is worth another
// attempt. Deadline, connection and 429/5xx-class errors are; rejection and
// run cancellation are not.
func retryableGeneration(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return llm.IsRetryable(err)
}
