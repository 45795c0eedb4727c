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

// Package analyzer extracts testable functions and their analysis context
// from C translation units using Tree-sitter.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"

	"github.com/kraklabs/testgen/pkg/pipeline"
)

// Config sizes the per-function context budget.
type Config struct {
	// TokenBudget caps the estimated token count of one function's
	// compressed context.
	TokenBudget int

	// Compression is the starting compression level. The analyzer
	// escalates toward LevelAggressive when the context exceeds the
	// budget.
	Compression Level

	// MaxFileSizeBytes skips pathological inputs. Zero means 1MB.
	MaxFileSizeBytes int64
}

// DefaultConfig matches a ~8000 character context window at roughly four
// characters per token.
func DefaultConfig() Config {
	return Config{
		TokenBudget:      2000,
		Compression:      LevelModerate,
		MaxFileSizeBytes: 1 << 20,
	}
}

// CAnalyzer parses C sources with Tree-sitter and produces per-function
// analysis context compressed to the token budget. Safe for concurrent use;
// parsers are pooled because a sitter.Parser is single-threaded.
type CAnalyzer struct {
	cfg     Config
	logger  *slog.Logger
	parsers sync.Pool
}

// New builds an analyzer for C translation units.
func New(cfg Config, logger *slog.Logger) *CAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = DefaultConfig().TokenBudget
	}
	if cfg.MaxFileSizeBytes <= 0 {
		cfg.MaxFileSizeBytes = DefaultConfig().MaxFileSizeBytes
	}
	return &CAnalyzer{
		cfg:    cfg,
		logger: logger,
		parsers: sync.Pool{New: func() any {
			p := sitter.NewParser()
			p.SetLanguage(c.GetLanguage())
			return p
		}},
	}
}

// functionInfo is the raw extraction for one function definition before
// compression.
type functionInfo struct {
	name       string
	returnType string
	signature  string
	body       string
	paramCount int
	callees    []string
}

// fileContext is file-scoped material shared by every function's context.
type fileContext struct {
	path    string
	macros  []string
	structs []string
	flags   []string
}

// ExtractFunctions parses the file and returns one record per function
// definition. A file that cannot be read or parsed fails as a whole; a
// function whose context cannot be compressed under the budget fails alone
// via FunctionRecord.Err. No functions is an empty slice, not an error.
func (a *CAnalyzer) ExtractFunctions(ctx context.Context, task pipeline.FileTask) ([]pipeline.FunctionRecord, error) {
	info, err := os.Stat(task.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("analyzer: %w", err)
	}
	if info.Size() > a.cfg.MaxFileSizeBytes {
		return nil, fmt.Errorf("analyzer: %s: %d bytes exceeds %d byte limit", task.SourcePath, info.Size(), a.cfg.MaxFileSizeBytes)
	}

	content, err := os.ReadFile(task.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("analyzer: %w", err)
	}

	parser := a.parsers.Get().(*sitter.Parser)
	defer a.parsers.Put(parser)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("analyzer: tree-sitter parse %s: %w", task.SourcePath, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		// Tree-sitter is error-tolerant; extraction continues on partial
		// trees the same way a human reads a broken file.
		a.logger.Warn("analyzer.parse.syntax_errors", "path", task.SourcePath)
	}

	fileCtx := fileContext{
		path:    task.SourcePath,
		macros:  extractMacros(root, content),
		structs: extractStructs(root, content),
		flags:   relevantFlags(task.CompileArgs),
	}

	functions := extractFunctionDefinitions(root, content)
	records := make([]pipeline.FunctionRecord, 0, len(functions))
	for _, fn := range functions {
		rec := pipeline.FunctionRecord{
			Name:      fn.name,
			Signature: fn.signature,
			Priority:  functionPriority(fn),
		}
		text, err := compressToBudget(fn, fileCtx, a.cfg.Compression, a.cfg.TokenBudget)
		if err != nil {
			rec.Err = err
		} else {
			rec.CompressedContext = text
			rec.EstimatedTokens = estimateTokens(text)
		}
		records = append(records, rec)
	}

	a.logger.Debug("analyzer.extract.done",
		"path", task.SourcePath,
		"functions", len(records),
	)
	return records, nil
}

// functionPriority is a complexity hint: parameter count plus a bonus for
// pointer-returning functions, capped at 10. Higher means more complex.
func functionPriority(fn functionInfo) int {
	p := fn.paramCount
	if strings.Contains(fn.returnType, "*") || strings.Contains(strings.ToLower(fn.returnType), "pointer") {
		p++
	}
	if p > 10 {
		p = 10
	}
	return p
}

func extractFunctionDefinitions(root *sitter.Node, content []byte) []functionInfo {
	var out []functionInfo
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "function_definition" {
			if fn, ok := extractFunction(n, content); ok {
				out = append(out, fn)
			}
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)
	return out
}

func extractFunction(node *sitter.Node, content []byte) (functionInfo, bool) {
	declarator := node.ChildByFieldName("declarator")
	body := node.ChildByFieldName("body")
	if declarator == nil || body == nil {
		return functionInfo{}, false
	}

	// The name lives at the bottom of the declarator chain; pointer
	// returns wrap the function_declarator in pointer_declarators.
	fnDecl := declarator
	for fnDecl != nil && fnDecl.Type() != "function_declarator" {
		fnDecl = fnDecl.ChildByFieldName("declarator")
	}
	if fnDecl == nil {
		return functionInfo{}, false
	}
	nameNode := fnDecl.ChildByFieldName("declarator")
	for nameNode != nil && nameNode.Type() != "identifier" {
		nameNode = nameNode.ChildByFieldName("declarator")
	}
	if nameNode == nil {
		return functionInfo{}, false
	}

	returnType := ""
	if t := node.ChildByFieldName("type"); t != nil {
		returnType = t.Content(content)
		// Pointer stars sit on the declarator side in the grammar.
		for d := node.ChildByFieldName("declarator"); d != nil && d.Type() == "pointer_declarator"; d = d.ChildByFieldName("declarator") {
			returnType += "*"
		}
	}

	paramCount := 0
	if params := fnDecl.ChildByFieldName("parameters"); params != nil {
		for i := 0; i < int(params.NamedChildCount()); i++ {
			if params.NamedChild(i).Type() == "parameter_declaration" {
				paramCount++
			}
		}
	}

	// Signature is everything up to the body.
	signature := strings.TrimSpace(string(content[node.StartByte():body.StartByte()]))

	return functionInfo{
		name:       nameNode.Content(content),
		returnType: returnType,
		signature:  signature,
		body:       body.Content(content),
		paramCount: paramCount,
		callees:    extractCallees(body, content),
	}, true
}

// extractCallees lists distinct called function names in source order.
func extractCallees(body *sitter.Node, content []byte) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "call_expression" {
			if fn := n.ChildByFieldName("function"); fn != nil && fn.Type() == "identifier" {
				name := fn.Content(content)
				if !seen[name] {
					seen[name] = true
					out = append(out, name)
				}
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(body)
	return out
}

func extractMacros(root *sitter.Node, content []byte) []string {
	var out []string
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		if n.Type() == "preproc_def" || n.Type() == "preproc_function_def" {
			if name := n.ChildByFieldName("name"); name != nil {
				out = append(out, name.Content(content))
			}
		}
	}
	return out
}

func extractStructs(root *sitter.Node, content []byte) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "struct_specifier" {
			if name := n.ChildByFieldName("name"); name != nil {
				s := name.Content(content)
				if !seen[s] {
					seen[s] = true
					out = append(out, s)
				}
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)
	return out
}

// relevantFlags keeps the compile arguments worth echoing into a prompt.
func relevantFlags(args []string) []string {
	var out []string
	for _, a := range args {
		if strings.HasPrefix(a, "-I") || strings.HasPrefix(a, "-D") ||
			strings.HasPrefix(a, "-std=") || strings.HasPrefix(a, "-O") {
			out = append(out, a)
		}
	}
	return out
}
