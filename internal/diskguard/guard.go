// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diskguard answers one question: will this many bytes fit on the
// volume holding the model directory?
//
// The guard only reports. Freeing space is the caller's job (see package
// cleanup), which keeps the check free of side effects and safe to call
// from a download worker's progress path.
package diskguard

import (
	"os"
	"path/filepath"

	"github.com/AleutianAI/modelslot/pkg/modelerr"
)

// VolumeStater reports free bytes for the volume holding a path.
type VolumeStater interface {
	Available(path string) (int64, error)
}

// Result is the outcome of a capacity check.
type Result struct {
	Available  int64 `json:"available"`
	Required   int64 `json:"required"`
	Sufficient bool  `json:"sufficient"`
}

// Err returns a DiskSpaceInsufficient error for model when the result is
// insufficient, nil otherwise.
func (r Result) Err(model string) error {
	if r.Sufficient {
		return nil
	}
	return modelerr.DiskSpaceInsufficient(model, r.Available, r.Required)
}

// Guard checks capacity on the volume holding root.
type Guard struct {
	root   string
	stater VolumeStater
}

// New creates a Guard for root using statfs.
func New(root string) *Guard {
	return NewWithStater(root, StatfsStater{})
}

// NewWithStater creates a Guard with an injected stater, for tests.
func NewWithStater(root string, stater VolumeStater) *Guard {
	return &Guard{root: root, stater: stater}
}

// Check compares required bytes against free space.
//
// # Outputs
//
//   - Result: Available, Required and whether required fits.
//   - error: The volume could not be queried.
func (g *Guard) Check(required int64) (Result, error) {
	available, err := g.stater.Available(g.root)
	if err != nil {
		return Result{Required: required}, err
	}
	return Result{
		Available:  available,
		Required:   required,
		Sufficient: available >= required,
	}, nil
}

// CheckRemaining checks whether the rest of a partially complete download
// fits. progress is the completed fraction; bytes already written are
// already reflected in the volume's free space.
func (g *Guard) CheckRemaining(required int64, progress float64) (Result, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	return g.Check(int64(float64(required) * (1 - progress)))
}

// StatfsStater queries the filesystem with statfs.
type StatfsStater struct{}

// Available walks up from path to the nearest existing directory (the
// model root may not exist before the first download) and returns the
// free bytes on its volume.
func (StatfsStater) Available(path string) (int64, error) {
	checkPath := path
	for {
		if _, err := os.Stat(checkPath); err == nil {
			break
		}
		parent := filepath.Dir(checkPath)
		if parent == checkPath {
			if home, err := os.UserHomeDir(); err == nil {
				checkPath = home
			}
			break
		}
		checkPath = parent
	}
	return statfsAvailable(checkPath)
}
