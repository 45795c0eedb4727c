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
	"fmt"
	"strings"
	"unicode/utf8"
)

// Level is a context compression level. Higher levels trade fidelity for
// size; escalation stops at LevelAggressive.
type Level int

const (
	// LevelNone keeps the full function body and all file context.
	LevelNone Level = iota

	// LevelModerate keeps a 300-character body preview and the most
	// relevant dependencies.
	LevelModerate

	// LevelAggressive keeps a 150-character body preview and bare
	// dependency names.
	LevelAggressive
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelModerate:
		return "moderate"
	case LevelAggressive:
		return "aggressive"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel maps a configuration string onto a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "moderate":
		return LevelModerate, nil
	case "none":
		return LevelNone, nil
	case "aggressive":
		return LevelAggressive, nil
	default:
		return LevelModerate, fmt.Errorf("analyzer: unknown compression level %q", s)
	}
}

// limits are the per-level caps on each context section.
type limits struct {
	bodyChars int // 0 means unlimited
	callees   int
	macros    int
	structs   int
	flags     int
}

func levelLimits(l Level) limits {
	switch l {
	case LevelNone:
		return limits{bodyChars: 0, callees: -1, macros: -1, structs: -1, flags: -1}
	case LevelAggressive:
		return limits{bodyChars: 150, callees: 3, macros: 1, structs: 1, flags: 2}
	default:
		return limits{bodyChars: 300, callees: 3, macros: 2, structs: 2, flags: 3}
	}
}

// compressToBudget renders the function context at the requested level and
// escalates until it fits the token budget. A context still over budget at
// LevelAggressive is a per-function failure.
func compressToBudget(fn functionInfo, file fileContext, start Level, budget int) (string, error) {
	for level := start; ; level++ {
		text := renderContext(fn, file, levelLimits(level))
		if estimateTokens(text) <= budget {
			return text, nil
		}
		if level >= LevelAggressive {
			return "", fmt.Errorf("analyzer: context for %s is %d tokens even at aggressive compression, budget is %d",
				fn.name, estimateTokens(text), budget)
		}
	}
}

// renderContext is deterministic: the same function and limits always
// produce the same text.
func renderContext(fn functionInfo, file fileContext, lim limits) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Function: %s\n", fn.signature)
	fmt.Fprintf(&b, "Location: %s\n", file.path)
	if fn.returnType != "" {
		fmt.Fprintf(&b, "Returns: %s\n", fn.returnType)
	}

	body := strings.TrimSpace(fn.body)
	if lim.bodyChars > 0 && len(body) > lim.bodyChars {
		body = truncateOnRune(body, lim.bodyChars) + "\n/* ... truncated ... */"
	}
	fmt.Fprintf(&b, "Body:\n%s\n", body)

	if s := headList(fn.callees, lim.callees); s != "" {
		fmt.Fprintf(&b, "Calls: %s\n", s)
	}
	if s := headList(file.macros, lim.macros); s != "" {
		fmt.Fprintf(&b, "Macros: %s\n", s)
	}
	if s := headList(file.structs, lim.structs); s != "" {
		fmt.Fprintf(&b, "Structs: %s\n", s)
	}
	if s := headList(file.flags, lim.flags); s != "" {
		fmt.Fprintf(&b, "Compile flags: %s\n", s)
	}
	return b.String()
}

// truncateOnRune cuts s to at most n bytes without splitting a UTF-8 rune.
// C sources carry multibyte text in comments and string literals.
func truncateOnRune(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// headList joins up to max entries; max < 0 means all, max == 0 means none.
func headList(items []string, max int) string {
	if max == 0 || len(items) == 0 {
		return ""
	}
	if max > 0 && len(items) > max {
		items = items[:max]
	}
	return strings.Join(items, ", ")
}

// estimateTokens approximates token count at four characters per token,
// the same heuristic the generation budget uses.
func estimateTokens(s string) int {
	return len(s) / 4
}
