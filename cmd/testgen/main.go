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

// Package main implements the testgen CLI for generating unit tests
// from a C codebase using an LLM backend.
//
// Usage:
//
//	testgen init                   Create .testgen/project.yaml configuration
//	testgen generate [--json]      Generate tests for the configured project
//	testgen --version              Show version information
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kraklabs/testgen/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"     // Version string
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// GlobalFlags carries the flags every command honors.
type GlobalFlags struct {
	// JSON switches output to machine-readable JSON and implies Quiet.
	JSON bool

	// Quiet suppresses progress bars and informational output.
	Quiet bool

	// NoColor disables ANSI color codes.
	NoColor bool

	// Verbose raises logging verbosity. Currently only 0 and 1 are
	// distinguished (1 enables debug logs).
	Verbose int
}

// main is the entry point for the testgen CLI.
//
// It parses global flags and dispatches to command handlers.
//
// Global flags:
//   - --version: Display version information and exit
//   - --config: Path to .testgen/project.yaml configuration file
//   - --json: Machine-readable output
//   - --quiet: Suppress progress output
//   - --no-color: Disable colored output
//
// Commands:
//   - init: Create .testgen/project.yaml configuration
//   - generate: Run the test generation pipeline
func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version and exit")
		configPath  = flag.String("config", "", "Path to .testgen/project.yaml (default: ./.testgen/project.yaml)")
		jsonOut     = flag.Bool("json", false, "Machine-readable JSON output")
		quiet       = flag.Bool("quiet", false, "Suppress progress output")
		noColor     = flag.Bool("no-color", false, "Disable colored output")
		verbose     = flag.Int("v", 0, "Verbosity level (1 enables debug logging)")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `testgen - LLM-assisted unit test generation for C projects

testgen reads a compile_commands.json compilation database, extracts
per-function analysis context with Tree-sitter, and drives a concurrent
generation pipeline that asks an LLM backend to write Google Test suites.

Usage:
  testgen <command> [options]

Commands:
  generate      Generate tests for the configured project
  init          Create .testgen/project.yaml configuration

Global Options:
  --config      Path to .testgen/project.yaml
  --json        Machine-readable JSON output
  --quiet       Suppress progress output
  --no-color    Disable colored output
  --version     Show version and exit

Examples:
  testgen init                          Create configuration interactively
  testgen generate                      Generate tests with a progress bar
  testgen generate --json               Emit the run report as JSON
  testgen generate --metrics-addr :9100 Expose Prometheus metrics during the run

Getting Started:
  1. Produce a compilation database:  cmake -DCMAKE_EXPORT_COMPILE_COMMANDS=ON ...
  2. Initialize configuration:        testgen init
  3. Generate tests:                  testgen generate

Environment Variables:
  The LLM API key is read from the environment variable named by
  llm.api_key_env in the configuration (default: TESTGEN_API_KEY).

For detailed command help: testgen <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("testgen version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	globals := GlobalFlags{
		JSON:    *jsonOut,
		Quiet:   *quiet || *jsonOut,
		NoColor: *noColor,
		Verbose: *verbose,
	}
	ui.InitColors(globals.NoColor)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		runInit(cmdArgs)
	case "generate":
		runGenerate(cmdArgs, *configPath, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
