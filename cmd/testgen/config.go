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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/testgen/pkg/analyzer"
	"github.com/kraklabs/testgen/pkg/pipeline"
)

// Config is the on-disk project configuration, stored at
// .testgen/project.yaml in the project root.
type Config struct {
	ProjectID string `yaml:"project_id"`

	// CompileDB is the path to compile_commands.json, relative to the
	// project root unless absolute.
	CompileDB string `yaml:"compile_db"`

	// OutputDir is where generated test files and the run report land.
	OutputDir string `yaml:"output_dir"`

	LLM      LLMConfig      `yaml:"llm"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// LLMConfig selects the generation backend.
type LLMConfig struct {
	// Provider: openai, deepseek, ollama, mock.
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url,omitempty"`
	Model    string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	// The key itself is never written to the configuration file.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// MaxTokens caps the completion length per generation request.
	MaxTokens int `yaml:"max_tokens,omitempty"`
}

// AnalysisConfig tunes function context extraction.
type AnalysisConfig struct {
	TokenBudget int    `yaml:"token_budget,omitempty"`
	Compression string `yaml:"compression,omitempty"`
	MaxFileSize int64  `yaml:"max_file_size,omitempty"`
}

// PipelineConfig exposes the pipeline knobs that make sense to tune per
// project. Zero values fall back to pipeline.DefaultConfig.
type PipelineConfig struct {
	MaxConcurrentFiles       int           `yaml:"max_concurrent_files,omitempty"`
	MaxConcurrentFunctions   int           `yaml:"max_concurrent_functions,omitempty"`
	MaxConcurrentGenerations int           `yaml:"max_concurrent_generations,omitempty"`
	QueueCapacity            int           `yaml:"queue_capacity,omitempty"`
	PerCallTimeout           time.Duration `yaml:"per_call_timeout,omitempty"`
	RetryAttempts            *int          `yaml:"retry_attempts,omitempty"`
	RequestsPerWindow        int           `yaml:"requests_per_window,omitempty"`
	RateWindow               time.Duration `yaml:"rate_window,omitempty"`
	AdmissionTimeout         time.Duration `yaml:"admission_timeout,omitempty"`
	ErrorRateAbortThreshold  *float64      `yaml:"error_rate_abort_threshold,omitempty"`
	MinAbortSamples          int           `yaml:"min_abort_samples,omitempty"`
	WallClockTimeout         time.Duration `yaml:"wall_clock_timeout,omitempty"`
	Include                  []string      `yaml:"include,omitempty"`
	Exclude                  []string      `yaml:"exclude,omitempty"`
}

// ConfigDir returns the configuration directory for a project root.
func ConfigDir(root string) string {
	return filepath.Join(root, ".testgen")
}

// ConfigPath returns the configuration file path for a project root.
func ConfigPath(root string) string {
	return filepath.Join(ConfigDir(root), "project.yaml")
}

// DefaultProjectConfig returns the configuration written by 'testgen init'
// before any interactive customization.
func DefaultProjectConfig(root string) *Config {
	return &Config{
		ProjectID: filepath.Base(root),
		CompileDB: "compile_commands.json",
		OutputDir: "generated_tests",
		LLM: LLMConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "TESTGEN_API_KEY",
		},
		Analysis: AnalysisConfig{
			TokenBudget: analyzer.DefaultConfig().TokenBudget,
			Compression: analyzer.LevelModerate.String(),
		},
	}
}

// LoadConfig reads the configuration from path, or from
// ./.testgen/project.yaml when path is empty.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("cannot determine current directory: %w", err)
		}
		path = ConfigPath(cwd)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no configuration at %s (run 'testgen init' first)", path)
		}
		return nil, fmt.Errorf("cannot read configuration: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	if cfg.CompileDB == "" {
		return nil, fmt.Errorf("configuration %s: compile_db is required", path)
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "generated_tests"
	}
	return &cfg, nil
}

// SaveConfig writes the configuration to path, creating the parent
// directory if needed.
func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("cannot create configuration directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot serialize configuration: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// pipelineConfig merges the YAML overrides onto pipeline.DefaultConfig.
func (c *Config) pipelineConfig() pipeline.Config {
	pc := pipeline.DefaultConfig()
	p := c.Pipeline
	if p.MaxConcurrentFiles > 0 {
		pc.MaxConcurrentFiles = p.MaxConcurrentFiles
	}
	if p.MaxConcurrentFunctions > 0 {
		pc.MaxConcurrentFunctions = p.MaxConcurrentFunctions
	}
	if p.MaxConcurrentGenerations > 0 {
		pc.MaxConcurrentGenerations = p.MaxConcurrentGenerations
	}
	if p.QueueCapacity > 0 {
		pc.QueueCapacity = p.QueueCapacity
	}
	if p.PerCallTimeout > 0 {
		pc.PerCallTimeout = p.PerCallTimeout
	}
	if p.RetryAttempts != nil {
		pc.RetryAttempts = *p.RetryAttempts
	}
	if p.RequestsPerWindow > 0 {
		pc.RequestsPerWindow = p.RequestsPerWindow
	}
	if p.RateWindow > 0 {
		pc.RateWindow = p.RateWindow
	}
	if p.AdmissionTimeout > 0 {
		pc.AdmissionTimeout = p.AdmissionTimeout
	}
	if p.ErrorRateAbortThreshold != nil {
		pc.ErrorRateAbortThreshold = *p.ErrorRateAbortThreshold
	}
	if p.MinAbortSamples > 0 {
		pc.MinAbortSamples = p.MinAbortSamples
	}
	if p.WallClockTimeout > 0 {
		pc.WallClockTimeout = p.WallClockTimeout
	}
	pc.IncludeGlobs = p.Include
	pc.ExcludeGlobs = p.Exclude
	return pc
}

// analyzerConfig merges the YAML overrides onto analyzer.DefaultConfig.
func (c *Config) analyzerConfig() (analyzer.Config, error) {
	ac := analyzer.DefaultConfig()
	if c.Analysis.TokenBudget > 0 {
		ac.TokenBudget = c.Analysis.TokenBudget
	}
	if c.Analysis.MaxFileSize > 0 {
		ac.MaxFileSizeBytes = c.Analysis.MaxFileSize
	}
	if c.Analysis.Compression != "" {
		level, err := analyzer.ParseLevel(c.Analysis.Compression)
		if err != nil {
			return ac, err
		}
		ac.Compression = level
	}
	return ac, nil
}
