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

// Package prompt renders function analysis context into test-generation
// prompts and adapts an llm.Provider to the pipeline's Generator interface.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/kraklabs/testgen/pkg/llm"
	"github.com/kraklabs/testgen/pkg/pipeline"
)

// Build renders the generation prompt for one function task.
func Build(task pipeline.FunctionTask) string {
	var b strings.Builder
	b.WriteString("# Target function\n")
	fmt.Fprintf(&b, "Signature: %s\n", task.Signature)
	fmt.Fprintf(&b, "Source file: %s\n\n", task.SourcePath)

	b.WriteString("# Analysis context\n")
	b.WriteString(task.CompressedContext)
	b.WriteString("\n")

	b.WriteString(`# Requirements
Generate a complete Google Test unit test file for the target function:
1. Include the necessary headers
2. Use Google Test assertions (EXPECT_*/ASSERT_*)
3. Mock external dependencies where the function calls other functions
4. Cover the normal path and boundary conditions
5. Cover error handling paths (NULL inputs, allocation failure, overflow)
6. Name test cases after the behavior they verify

Respond with the test code only, no explanation.
`)
	return b.String()
}

// defaultMaxTokens bounds the completion length for one generated test
// file.
const defaultMaxTokens = 2500

// Generator adapts an llm.Provider to pipeline.Generator. It performs
// exactly one request per call; retries, timeouts and rate limiting belong
// to the pipeline.
type Generator struct {
	provider  llm.Provider
	model     string
	maxTokens int
}

// NewGenerator wraps the provider. model may be empty to use the
// provider's default; maxTokens <= 0 uses the package default.
func NewGenerator(provider llm.Provider, model string, maxTokens int) *Generator {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Generator{provider: provider, model: model, maxTokens: maxTokens}
}

// Generate builds the prompt and performs a single completion request.
func (g *Generator) Generate(ctx context.Context, task pipeline.FunctionTask) (string, pipeline.TokenUsage, error) {
	resp, err := g.provider.Generate(ctx, llm.GenerateRequest{
		Prompt:    Build(task),
		Model:     g.model,
		MaxTokens: g.maxTokens,
	})
	if err != nil {
		return "", pipeline.TokenUsage{}, err
	}
	return resp.Text, pipeline.TokenUsage{
		PromptTokens: resp.PromptTokens,
		OutputTokens: resp.OutputTokens,
		TotalTokens:  resp.TotalTokens,
	}, nil
}
