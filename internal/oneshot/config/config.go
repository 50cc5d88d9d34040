// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads EngineConfig, the ambient configuration struct
// threaded through the Engine, Executor variants, and telemetry
// constructors, replacing ad hoc globals and flag lookups scattered through
// the call chain.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EngineConfig holds every tunable the CLI surface and environment
// variables feed into a session.
type EngineConfig struct {
	MaxIterations        int           `yaml:"max_iterations" validate:"min=1"`
	InactivityTimeout    time.Duration `yaml:"inactivity_timeout" validate:"min=1s"`
	MaxTimeout           time.Duration `yaml:"max_timeout" validate:"min=1s"`
	KeepLog              bool          `yaml:"keep_log"`
	SessionDir           string        `yaml:"session_dir" validate:"required"`
	Verbose              bool          `yaml:"verbose"`
	Debug                bool          `yaml:"debug"`
	DisablePTY           bool          `yaml:"disable_pty"`
	OllamaBaseURL        string        `yaml:"ollama_base_url"`
	OllamaAPIKey         string        `yaml:"ollama_api_key"`
	MetricsAddr          string        `yaml:"metrics_addr"`
	WebSocketAddr        string        `yaml:"websocket_addr"`
	LogFormat            string        `yaml:"log_format" validate:"omitempty,oneof=text json"`
	LogDir               string        `yaml:"log_dir"`
	WorkerPromptHeader   string        `yaml:"worker_prompt_header"`
	AuditorPromptHeader  string        `yaml:"auditor_prompt_header"`
	ReworkerPromptHeader string        `yaml:"reworker_prompt_header"`
}

// Default returns an EngineConfig with the documented CLI defaults
// ("--max-iterations (default 5)", etc.), honoring the
// ONESHOT_DISABLE_PTY / ONESHOT_OLLAMA_BASE_URL / ONESHOT_OLLAMA_API_KEY
// environment variables.
func Default() EngineConfig {
	cfg := EngineConfig{
		MaxIterations:     5,
		InactivityTimeout: 5 * time.Minute,
		MaxTimeout:        30 * time.Minute,
		KeepLog:           false,
		SessionDir:        defaultSessionDir(),
		LogFormat:         "text",
	}
	if v := os.Getenv("ONESHOT_DISABLE_PTY"); v != "" {
		cfg.DisablePTY = true
	}
	if v := os.Getenv("ONESHOT_OLLAMA_BASE_URL"); v != "" {
		cfg.OllamaBaseURL = v
	} else {
		cfg.OllamaBaseURL = "http://localhost:11434/v1"
	}
	cfg.OllamaAPIKey = os.Getenv("ONESHOT_OLLAMA_API_KEY")
	return cfg
}

func defaultSessionDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".oneshot"
	}
	return filepath.Join(home, ".oneshot", "sessions")
}

var validate = validator.New()

// Validate checks EngineConfig against its struct tags.
func (c EngineConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: invalid EngineConfig: %w", err)
	}
	return nil
}

// configFilePath returns ~/.oneshot/oneshot.yaml.
func configFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: could not find home directory: %w", err)
	}
	return filepath.Join(home, ".oneshot", "oneshot.yaml"), nil
}

// Load reads ~/.oneshot/oneshot.yaml over the defaults, creating the file
// with Default() contents on first run, and validates what it read against
// EngineConfig's struct tags. CLI flags should be applied on top
// of the returned EngineConfig by the caller (cmd/oneshot), since flags
// always win over the file.
func Load() (EngineConfig, error) {
	cfg := Default()

	path, err := configFilePath()
	if err != nil {
		return cfg, err
	}

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		if err := save(path, cfg); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func save(path string, cfg EngineConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("config: creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
