// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvModelRoot    = "MODELSLOT_MODEL_ROOT"
	EnvEngineURL    = "MODELSLOT_ENGINE_URL"
	EnvMaxDownloads = "MODELSLOT_MAX_DOWNLOADS"
)

var validate = validator.New()

// Load reads the config at path, creating it with defaults if missing.
//
// # Description
//
// Values absent from the file keep their defaults. Environment overrides
// are applied after the file, then ~ is expanded in every path and the
// result is validated.
//
// # Inputs
//
//   - path: Config file location. Empty means DefaultPath().
//
// # Outputs
//
//   - *Config: The validated configuration.
//   - error: Read, parse, override or validation failure.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks struct tags plus the constraints tags cannot express:
// strictly increasing phase targets ending at 1.0, and well-formed engine
// versions on cache candidates.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	prev := 0.0
	for _, p := range c.Progress.Phases {
		if p.Target <= prev {
			return fmt.Errorf("progress phase %q target %.2f must exceed %.2f", p.Name, p.Target, prev)
		}
		prev = p.Target
	}
	if prev != 1.0 {
		return fmt.Errorf("last progress phase must end at 1.0, got %.2f", prev)
	}

	for _, cand := range c.Cleanup.Candidates {
		if cand.MinEngineVersion != "" && !semver.IsValid(cand.MinEngineVersion) {
			return fmt.Errorf("cache candidate %q: invalid min_engine_version %q", cand.Name, cand.MinEngineVersion)
		}
	}
	return nil
}

func createDefault(path string) error {
	if err := Save(path, DefaultConfig()); err != nil {
		return fmt.Errorf("failed to create default config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvModelRoot); v != "" {
		cfg.ModelRoot = v
	}
	if v := os.Getenv(EnvEngineURL); v != "" {
		cfg.Engine.URL = v
	}
	if v := os.Getenv(EnvMaxDownloads); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxDownloads, err)
		}
		cfg.Downloads.MaxConcurrent = n
	}
	return nil
}

func (c *Config) expandPaths() {
	c.ModelRoot = expandHome(c.ModelRoot)
	c.StateDir = expandHome(c.StateDir)
	c.TempDir = expandHome(c.TempDir)
	c.Logging.Dir = expandHome(c.Logging.Dir)
	for i, root := range c.Cleanup.CacheRoots {
		c.Cleanup.CacheRoots[i] = expandHome(root)
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
