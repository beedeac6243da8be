// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the modelslot configuration file.
//
// The file lives at ~/.modelslot/modelslot.yaml and is created with
// defaults on first run. Every field has a default, so a partial file only
// overrides what it names. A handful of environment variables override the
// file for container and CI use:
//
//	MODELSLOT_MODEL_ROOT     model_root
//	MODELSLOT_ENGINE_URL     engine.url
//	MODELSLOT_MAX_DOWNLOADS  downloads.max_concurrent
package config

import (
	"os"
	"path/filepath"
	"time"
)

// CurrentConfigVersion is written into new config files.
const CurrentConfigVersion = "1"

// Config is the root configuration.
type Config struct {
	Version string `yaml:"version"`

	// ModelRoot holds one directory per local model: <model_root>/<id>/...
	ModelRoot string `yaml:"model_root" validate:"required"`

	// StateDir holds the badger state store (measured sizes, last selection).
	StateDir string `yaml:"state_dir" validate:"required"`

	// TempDir is scanned by cache cleanup for leftover engine temp files.
	TempDir string `yaml:"temp_dir"`

	Engine     EngineConfig     `yaml:"engine"`
	Downloads  DownloadConfig   `yaml:"downloads"`
	Estimation EstimationConfig `yaml:"estimation"`
	Progress   ProgressConfig   `yaml:"progress"`
	Compute    ComputeConfig    `yaml:"compute"`
	Cleanup    CleanupConfig    `yaml:"cleanup"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	API        APIConfig        `yaml:"api"`
}

// EngineConfig locates the inference engine sidecar.
type EngineConfig struct {
	URL string `yaml:"url" validate:"required,url"`

	// Repo is the remote repository passed to every download request.
	Repo string `yaml:"repo" validate:"required"`

	// RequestTimeout bounds non-streaming calls (list, version, unload).
	// Download, prewarm and load are bounded only by their context.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
}

// DownloadConfig bounds the download queue.
type DownloadConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" validate:"min=1,max=16"`

	// ProgressInterval throttles progress notifications per job.
	ProgressInterval time.Duration `yaml:"progress_interval" validate:"gt=0"`

	// RecheckThreshold is the progress fraction after which the remaining
	// download is re-checked against free disk space.
	RecheckThreshold float64 `yaml:"recheck_threshold" validate:"gt=0,lt=1"`
}

// EstimationConfig drives heuristic size estimates for models whose size
// has not been measured yet.
type EstimationConfig struct {
	SafetyMargin float64      `yaml:"safety_margin" validate:"gte=1"`
	DefaultBytes int64        `yaml:"default_bytes" validate:"gt=0"`
	Tiers        []TierConfig `yaml:"tiers" validate:"dive"`
}

// TierConfig maps an identifier substring to a size bucket. First match wins.
type TierConfig struct {
	Match string `yaml:"match" validate:"required"`
	Bytes int64  `yaml:"bytes" validate:"gt=0"`
}

// ProgressConfig is the phase plan for the displayed progress value.
type ProgressConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" validate:"gt=0"`
	Phases       []PhaseConfig `yaml:"phases" validate:"min=1,dive"`
}

// PhaseConfig is one slice of the 0..1 progress range.
type PhaseConfig struct {
	Name    string        `yaml:"name" validate:"required"`
	Target  float64       `yaml:"target" validate:"gt=0,lte=1"`
	MaxTime time.Duration `yaml:"max_time" validate:"gte=0"`
}

// ComputeConfig selects the compute units handed to prewarm and load.
type ComputeConfig struct {
	Encoder string `yaml:"encoder" validate:"oneof=auto cpu gpu ane"`
	Decoder string `yaml:"decoder" validate:"oneof=auto cpu gpu ane"`
}

// CleanupConfig lists where the engine leaves compiled artifacts.
type CleanupConfig struct {
	// CacheRoots are base directories probed for candidate cache dirs.
	CacheRoots []string `yaml:"cache_roots"`

	Candidates []CacheCandidateConfig `yaml:"candidates" validate:"dive"`

	// TempPatterns are substrings; matching entries in TempDir are removed.
	TempPatterns []string `yaml:"temp_patterns"`
}

// CacheCandidateConfig is a cache directory name relative to a cache root.
// MinEngineVersion, when set, limits the candidate to engines at or above
// that semantic version (e.g. "v2.1.0").
type CacheCandidateConfig struct {
	Name             string `yaml:"name" validate:"required"`
	MinEngineVersion string `yaml:"min_engine_version"`
}

// LifecycleConfig controls startup behavior.
type LifecycleConfig struct {
	// RestoreLastSelected re-selects the last loaded model at startup when
	// it is still local and enabled.
	RestoreLastSelected bool `yaml:"restore_last_selected"`

	// WatchModelRoot rescans the local set when the model root changes.
	WatchModelRoot bool `yaml:"watch_model_root"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// TelemetryConfig selects trace and metric export.
type TelemetryConfig struct {
	// Traces is "none", "stdout" or "otlp".
	Traces string `yaml:"traces" validate:"oneof=none stdout otlp"`

	// Metrics is "none", "prometheus" or "stdout". Prometheus metrics are
	// served on the API's /metrics endpoint.
	Metrics string `yaml:"metrics" validate:"oneof=none prometheus stdout"`

	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=Traces otlp"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// APIConfig configures the status/control HTTP server.
type APIConfig struct {
	Listen string `yaml:"listen" validate:"required,hostname_port"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	base := defaultBaseDir()
	var cacheRoots []string
	if dir, err := os.UserCacheDir(); err == nil {
		cacheRoots = append(cacheRoots, dir)
	}

	return Config{
		Version:   CurrentConfigVersion,
		ModelRoot: filepath.Join(base, "models"),
		StateDir:  filepath.Join(base, "state"),
		TempDir:   os.TempDir(),
		Engine: EngineConfig{
			URL:            "http://127.0.0.1:8765",
			Repo:           "argmaxinc/whisperkit-coreml",
			RequestTimeout: 30 * time.Second,
		},
		Downloads: DownloadConfig{
			MaxConcurrent:    2,
			ProgressInterval: 500 * time.Millisecond,
			RecheckThreshold: 0.5,
		},
		Estimation: EstimationConfig{
			SafetyMargin: 1.2,
			DefaultBytes: 75 << 20,
			Tiers: []TierConfig{
				{Match: "large", Bytes: 3 << 30},
				{Match: "medium", Bytes: 1536 << 20},
				{Match: "small", Bytes: 500 << 20},
				{Match: "base", Bytes: 150 << 20},
			},
		},
		Progress: ProgressConfig{
			TickInterval: 200 * time.Millisecond,
			Phases: []PhaseConfig{
				{Name: "acquire", Target: 0.2},
				{Name: "prepare", Target: 0.7, MaxTime: 90 * time.Second},
				{Name: "activate", Target: 1.0, MaxTime: 20 * time.Second},
			},
		},
		Compute: ComputeConfig{
			Encoder: "auto",
			Decoder: "auto",
		},
		Cleanup: CleanupConfig{
			CacheRoots: cacheRoots,
			Candidates: []CacheCandidateConfig{
				{Name: "com.apple.e5rt.e5bundlecache"},
				{Name: "whisperkit/compiled"},
				{Name: "whisperkit/graphs", MinEngineVersion: "v0.9.0"},
			},
			TempPatterns: []string{"mlmodelc", "e5rt", "whisperkit"},
		},
		Lifecycle: LifecycleConfig{
			RestoreLastSelected: true,
			WatchModelRoot:      true,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join(base, "logs"),
		},
		Telemetry: TelemetryConfig{
			Traces:       "none",
			Metrics:      "prometheus",
			OTLPInsecure: true,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8780",
		},
	}
}

// DefaultPath returns ~/.modelslot/modelslot.yaml.
func DefaultPath() string {
	return filepath.Join(defaultBaseDir(), "modelslot.yaml")
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".modelslot"
	}
	return filepath.Join(home, ".modelslot")
}
