// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cleanup clears the inference runtime's compiled-model caches.
//
// The runtime keeps compiled graphs in cache directories whose names have
// changed between engine releases, so a fixed list of candidate names is
// probed under every cache root. Stale compiled graphs are the usual cause
// of prewarm and load failures, and clearing them also frees space before
// a download.
package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/modelslot/internal/util"
)

// Candidate is a cache directory name probed under each cache root.
type Candidate struct {
	// Name is a path relative to a cache root.
	Name string

	// MinEngineVersion skips the candidate for engines older than this
	// semver. Empty means every version.
	MinEngineVersion string
}

// Report describes one cleanup pass.
type Report struct {
	Removed []string `json:"removed"`
	Failed  int      `json:"failed"`
	Freed   int64    `json:"freed_bytes"`
}

// Config configures a Cleaner.
type Config struct {
	CacheRoots   []string
	Candidates   []Candidate
	TempDir      string
	TempPatterns []string

	// EngineVersion filters candidates. Empty or invalid probes all.
	EngineVersion string

	Logger *slog.Logger
}

// Cleaner removes runtime caches and temp files.
type Cleaner struct {
	cfg    Config
	logger *slog.Logger
	remove func(string) error

	mu            sync.RWMutex
	engineVersion string
}

// New creates a Cleaner.
func New(cfg Config) *Cleaner {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cleaner{
		cfg:           cfg,
		logger:        cfg.Logger.With("component", "cleanup"),
		remove:        os.RemoveAll,
		engineVersion: cfg.EngineVersion,
	}
}

// SetEngineVersion updates the version used to filter candidates, once
// the engine has reported it.
func (c *Cleaner) SetEngineVersion(v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engineVersion = v
}

func (c *Cleaner) version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engineVersion
}

// ClearRuntimeCache removes every matching cache directory and temp file.
//
// # Description
//
// Each candidate is probed under each cache root; missing paths are not
// failures. Removal errors are logged and counted, never returned. The
// pass stops early only if ctx is cancelled.
func (c *Cleaner) ClearRuntimeCache(ctx context.Context) Report {
	var report Report

	for _, path := range c.targets() {
		if ctx.Err() != nil {
			break
		}
		c.removePath(path, &report)
	}

	c.logger.Info("runtime cache cleared",
		"removed", len(report.Removed),
		"failed", report.Failed,
		"freed", util.FormatBytes(report.Freed),
	)
	recordClear(report)
	return report
}

// targets lists existing cache directories and matching temp entries.
func (c *Cleaner) targets() []string {
	version := c.version()
	var out []string
	for _, root := range c.cfg.CacheRoots {
		for _, cand := range c.cfg.Candidates {
			if !applies(cand, version) {
				c.logger.Debug("skipping cache candidate for engine version",
					"candidate", cand.Name, "min", cand.MinEngineVersion, "engine", version)
				continue
			}
			path := filepath.Join(root, cand.Name)
			if _, err := os.Lstat(path); err == nil {
				out = append(out, path)
			}
		}
	}
	return append(out, c.tempMatches()...)
}

func applies(cand Candidate, version string) bool {
	if cand.MinEngineVersion == "" || !semver.IsValid(version) {
		return true
	}
	return semver.Compare(version, cand.MinEngineVersion) >= 0
}

func (c *Cleaner) tempMatches() []string {
	if len(c.cfg.TempPatterns) == 0 {
		return nil
	}
	entries, err := os.ReadDir(c.cfg.TempDir)
	if err != nil {
		c.logger.Warn("cannot list temp directory", "dir", c.cfg.TempDir, "error", err)
		return nil
	}
	var out []string
	for _, entry := range entries {
		name := strings.ToLower(entry.Name())
		for _, pattern := range c.cfg.TempPatterns {
			if pattern != "" && strings.Contains(name, strings.ToLower(pattern)) {
				out = append(out, filepath.Join(c.cfg.TempDir, entry.Name()))
				break
			}
		}
	}
	return out
}

// removePath reports only entries it actually deleted. An entry that is
// already gone counts as neither removed nor failed.
func (c *Cleaner) removePath(path string, report *Report) {
	if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
		return
	}
	size, _ := util.DirSize(path)
	if err := c.remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.logger.Debug("cache entry vanished before removal", "path", path)
			return
		}
		c.logger.Warn("failed to remove cache entry", "path", path, "error", err)
		report.Failed++
		return
	}
	c.logger.Debug("removed cache entry", "path", path, "size", util.FormatBytes(size))
	report.Removed = append(report.Removed, path)
	report.Freed += size
}
