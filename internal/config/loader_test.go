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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestLoad_CreatesDefault verifies first-run config creation.
func TestLoad_CreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".modelslot", "modelslot.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr, "default file should be written")

	assert.Equal(t, CurrentConfigVersion, cfg.Version)
	assert.Equal(t, 2, cfg.Downloads.MaxConcurrent)
	assert.Equal(t, 500*time.Millisecond, cfg.Downloads.ProgressInterval)
	assert.InDelta(t, 1.2, cfg.Estimation.SafetyMargin, 1e-9)
	require.Len(t, cfg.Progress.Phases, 3)
	assert.Equal(t, 1.0, cfg.Progress.Phases[2].Target)
}

// TestLoad_PartialFileKeepsDefaults verifies that only named fields change.
func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modelslot.yaml")
	content := `
model_root: ` + filepath.Join(dir, "models") + `
downloads:
  max_concurrent: 4
  progress_interval: 250ms
  recheck_threshold: 0.6
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "models"), cfg.ModelRoot)
	assert.Equal(t, 4, cfg.Downloads.MaxConcurrent)
	assert.Equal(t, 250*time.Millisecond, cfg.Downloads.ProgressInterval)
	assert.Equal(t, "http://127.0.0.1:8765", cfg.Engine.URL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modelslot.yaml")
	t.Setenv(EnvModelRoot, "/srv/models")
	t.Setenv(EnvEngineURL, "http://engine:9000")
	t.Setenv(EnvMaxDownloads, "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/models", cfg.ModelRoot)
	assert.Equal(t, "http://engine:9000", cfg.Engine.URL)
	assert.Equal(t, 3, cfg.Downloads.MaxConcurrent)
}

func TestLoad_BadEnvValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modelslot.yaml")
	t.Setenv(EnvMaxDownloads, "many")

	_, err := Load(path)
	assert.ErrorContains(t, err, EnvMaxDownloads)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults valid", func(c *Config) {}, ""},
		{"zero downloads", func(c *Config) { c.Downloads.MaxConcurrent = 0 }, "MaxConcurrent"},
		{"margin below one", func(c *Config) { c.Estimation.SafetyMargin = 0.9 }, "SafetyMargin"},
		{"bad compute unit", func(c *Config) { c.Compute.Encoder = "tpu" }, "Encoder"},
		{"otlp without endpoint", func(c *Config) { c.Telemetry.Traces = "otlp" }, "OTLPEndpoint"},
		{"unknown metrics exporter", func(c *Config) { c.Telemetry.Metrics = "statsd" }, "Metrics"},
		{"targets not increasing", func(c *Config) {
			c.Progress.Phases[1].Target = 0.1
		}, "must exceed"},
		{"last target below one", func(c *Config) {
			c.Progress.Phases[2].Target = 0.9
		}, "must end at 1.0"},
		{"bad engine version", func(c *Config) {
			c.Cleanup.Candidates = []CacheCandidateConfig{{Name: "x", MinEngineVersion: "2.0"}}
		}, "min_engine_version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSave_RoundTripsDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(path, DefaultConfig()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(data, &raw))
	downloads := raw["downloads"].(map[string]any)
	assert.Equal(t, "500ms", downloads["progress_interval"])
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "models"), expandHome("~/models"))
	assert.Equal(t, "/abs", expandHome("/abs"))
	assert.Equal(t, "~user/x", expandHome("~user/x"))
}
