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
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/kraklabs/testgen/internal/ui"
)

// initFlags holds parsed flags for the init command.
type initFlags struct {
	force, nonInteractive        bool
	projectID, compileDB, outDir string
	provider, model, baseURL     string
	apiKeyEnv                    string
}

// runInit executes the 'init' CLI command, creating a .testgen/project.yaml
// configuration file.
//
// It creates the configuration directory, generates a default configuration,
// and optionally prompts the user for customization in interactive mode.
//
// Flags:
//   - --force: Overwrite existing configuration (default: false)
//   - -y: Non-interactive mode, use all defaults (default: false)
//   - --project-id: Project identifier (default: directory name)
//   - --compile-db: Path to compile_commands.json
//   - --output-dir: Directory for generated test files
//   - --provider: LLM provider (openai, deepseek, ollama, mock)
//   - --model: LLM model name
//   - --base-url: LLM API base URL (OpenAI-compatible)
//   - --api-key-env: Environment variable holding the API key
//
// Examples:
//
//	testgen init                           Interactive setup
//	testgen init -y                        Use all defaults
//	testgen init --provider ollama --model qwen2.5-coder -y
func runInit(args []string) {
	flags := parseInitFlags(args)

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot get current directory: %v\n", err)
		os.Exit(1)
	}

	configPath := ConfigPath(cwd)
	if _, err := os.Stat(configPath); err == nil && !flags.force {
		fmt.Fprintf(os.Stderr, "Error: %s already exists. Use --force to overwrite.\n", configPath)
		os.Exit(1)
	}

	cfg := createInitConfig(cwd, flags)

	if !flags.nonInteractive {
		runInteractiveConfig(bufio.NewReader(os.Stdin), cfg)
	}

	if err := SaveConfig(configPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot write configuration: %v\n", err)
		os.Exit(1)
	}

	ui.Successf("Created %s", configPath)
	printNextSteps(cfg)
}

func parseInitFlags(args []string) initFlags {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	var f initFlags
	fs.BoolVar(&f.force, "force", false, "Overwrite existing configuration")
	fs.BoolVar(&f.nonInteractive, "y", false, "Non-interactive mode (use defaults)")
	fs.StringVar(&f.projectID, "project-id", "", "Project identifier")
	fs.StringVar(&f.compileDB, "compile-db", "", "Path to compile_commands.json")
	fs.StringVar(&f.outDir, "output-dir", "", "Directory for generated test files")
	fs.StringVar(&f.provider, "provider", "", "LLM provider (openai, deepseek, ollama, mock)")
	fs.StringVar(&f.model, "model", "", "LLM model name")
	fs.StringVar(&f.baseURL, "base-url", "", "LLM API base URL (OpenAI-compatible, e.g., http://localhost:8001/v1)")
	fs.StringVar(&f.apiKeyEnv, "api-key-env", "", "Environment variable holding the API key")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: testgen init [options]

Creates .testgen/project.yaml configuration file.

Examples:
  testgen init                                # Interactive setup
  testgen init -y                             # Non-interactive with defaults
  testgen init --provider deepseek -y
  testgen init --provider ollama --base-url http://localhost:11434 -y

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	return f
}

// createInitConfig builds the initial configuration from defaults and flag
// overrides.
func createInitConfig(cwd string, flags initFlags) *Config {
	cfg := DefaultProjectConfig(cwd)
	if flags.projectID != "" {
		cfg.ProjectID = flags.projectID
	}
	if flags.compileDB != "" {
		cfg.CompileDB = flags.compileDB
	}
	if flags.outDir != "" {
		cfg.OutputDir = flags.outDir
	}
	if flags.provider != "" {
		cfg.LLM.Provider = flags.provider
	}
	if flags.model != "" {
		cfg.LLM.Model = flags.model
	}
	if flags.baseURL != "" {
		cfg.LLM.BaseURL = flags.baseURL
	}
	if flags.apiKeyEnv != "" {
		cfg.LLM.APIKeyEnv = flags.apiKeyEnv
	}
	return cfg
}

// runInteractiveConfig prompts for the fields most projects customize.
// Empty input keeps the current value.
func runInteractiveConfig(reader *bufio.Reader, cfg *Config) {
	ui.Header("Project Setup")

	cfg.ProjectID = promptString(reader, "Project ID", cfg.ProjectID)
	cfg.CompileDB = promptString(reader, "Compilation database", cfg.CompileDB)
	cfg.OutputDir = promptString(reader, "Output directory", cfg.OutputDir)
	cfg.LLM.Provider = promptString(reader, "LLM provider (openai/deepseek/ollama/mock)", cfg.LLM.Provider)
	cfg.LLM.Model = promptString(reader, "LLM model", cfg.LLM.Model)
	cfg.LLM.BaseURL = promptString(reader, "LLM base URL (empty for provider default)", cfg.LLM.BaseURL)
	cfg.LLM.APIKeyEnv = promptString(reader, "API key environment variable", cfg.LLM.APIKeyEnv)
}

func promptString(reader *bufio.Reader, label, current string) string {
	if current != "" {
		fmt.Printf("%s [%s]: ", label, current)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return current
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	return line
}

func printNextSteps(cfg *Config) {
	fmt.Println()
	fmt.Println("Next steps:")
	if cfg.LLM.APIKeyEnv != "" {
		fmt.Printf("  export %s=<your key>\n", cfg.LLM.APIKeyEnv)
	}
	fmt.Println("  testgen generate          Generate tests")
	fmt.Println("  testgen generate --json   Emit the run report as JSON")
}
