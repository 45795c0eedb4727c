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

// Package llm provides a unified interface for text-generation providers.
// A provider is selected once at construction time via NewProvider; callers
// never branch on provider type per call. Providers perform a single
// request per Generate call; retry policy belongs to the caller.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Provider is the capability interface for text generation.
type Provider interface {
	// Generate produces a completion for the given request. Errors are
	// typed: *StatusError for non-2xx responses, wrapped transport errors
	// otherwise.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)

	// Name returns the provider identifier.
	Name() string
}

// GenerateRequest is a single text generation request.
type GenerateRequest struct {
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// GenerateResponse carries the completion and its token accounting.
type GenerateResponse struct {
	Text         string
	Model        string
	PromptTokens int
	OutputTokens int
	TotalTokens  int
	Duration     time.Duration
}

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	// Type: "openai", "deepseek", "ollama", "mock".
	Type string

	// BaseURL of the API endpoint. Defaults depend on Type.
	BaseURL string

	// APIKey for authenticated providers.
	APIKey string

	// DefaultModel used when a request does not name one.
	DefaultModel string

	// Timeout for the underlying HTTP client. Callers typically impose a
	// tighter per-call deadline through the context.
	Timeout time.Duration
}

// NewProvider builds a Provider from configuration. "deepseek" is an
// OpenAI-compatible endpoint with a different default base URL and model.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	switch strings.ToLower(cfg.Type) {
	case "openai", "openai-compatible", "":
		return newOpenAIProvider(cfg), nil
	case "deepseek":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.deepseek.com/v1"
		}
		if cfg.DefaultModel == "" {
			cfg.DefaultModel = "deepseek-coder"
		}
		return newOpenAIProvider(cfg), nil
	case "ollama", "local":
		return newOllamaProvider(cfg), nil
	case "mock", "test":
		return &MockProvider{Model: cfg.DefaultModel}, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider type: %s (supported: openai, deepseek, ollama, mock)", cfg.Type)
	}
}

// StatusError is a non-2xx response from the generation service.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether the status indicates a transient condition.
// 429 and the 5xx class are; other 4xx responses mean the request itself
// was rejected.
func (e *StatusError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// IsRetryable reports whether err is a transient generation failure:
// a retryable status, a network error, or a request deadline.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRejected reports whether the service rejected the request itself
// (malformed, too large, unauthorized). Rejections are never retried.
func IsRejected(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && !se.Retryable()
}
