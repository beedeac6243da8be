// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"fmt"
	"time"

	"github.com/AleutianAI/modelslot/internal/download"
)

// State is the state of the single model slot.
type State int

const (
	StateUnloaded State = iota
	StateDownloading
	StateDownloaded
	StatePrewarming
	StateLoading
	StateLoaded
	StateUnloading
)

var stateNames = [...]string{
	StateUnloaded:    "unloaded",
	StateDownloading: "downloading",
	StateDownloaded:  "downloaded",
	StatePrewarming:  "prewarming",
	StateLoading:     "loading",
	StateLoaded:      "loaded",
	StateUnloading:   "unloading",
}

// String returns the lower-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown lifecycle state %q", text)
}

// Snapshot is the observable state of the slot.
type Snapshot struct {
	State    State   `json:"state"`
	Model    string  `json:"model,omitempty"`
	Progress float64 `json:"progress"`

	// Busy is true while a run or release is in flight.
	Busy bool `json:"busy"`

	// HasError and Error describe the last run's failure. Both are cleared
	// when a run starts.
	HasError bool   `json:"has_error"`
	Error    string `json:"error,omitempty"`
	Err      error  `json:"-"`

	// Generation increments with every Select and Release.
	Generation uint64 `json:"generation"`

	Downloads []download.JobStatus `json:"downloads"`
	UpdatedAt time.Time            `json:"updated_at"`
}
