// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the boundary to the external inference engine.
//
// modelslot never interprets model files. Everything that touches the
// engine's model format (downloading from the repository, compiling for
// the device, loading into memory) is delegated through Engine:
//
//	┌──────────────┐  ListSupportedModels  ┌──────────────────────┐
//	│  registry    │ ────────────────────► │                      │
//	├──────────────┤  Download (+progress) │   inference engine   │
//	│  download    │ ────────────────────► │   (sidecar process)  │
//	├──────────────┤  Prewarm / Load /     │                      │
//	│  lifecycle   │  Unload               │                      │
//	└──────────────┘ ────────────────────► └──────────────────────┘
//
// Client talks to the sidecar over HTTP with NDJSON-streamed download
// progress. Tests use enginetest.Fake.
package engine

import (
	"context"
	"fmt"
)

// ComputeOptions selects where the engine runs each model component.
// Values are "auto", "cpu", "gpu" or "ane".
type ComputeOptions struct {
	Encoder string `json:"encoder"`
	Decoder string `json:"decoder"`
}

// Catalog is the engine's view of which models exist.
type Catalog struct {
	// Supported lists every identifier the repository offers, in order.
	Supported []string `json:"supported"`

	// Disabled lists identifiers the engine refuses on this device.
	Disabled []string `json:"disabled"`
}

// ProgressFunc receives download progress as a fraction in [0, 1].
type ProgressFunc func(fraction float64)

// Engine is the inference engine contract.
type Engine interface {
	// Version returns the engine's semantic version, e.g. "v1.4.0".
	Version(ctx context.Context) (string, error)

	// ListSupportedModels returns the remote catalog.
	ListSupportedModels(ctx context.Context) (Catalog, error)

	// Download fetches model id from repo into the model root and returns
	// the local artifact path. progress may be nil. Cancelling ctx aborts.
	Download(ctx context.Context, id, repo string, progress ProgressFunc) (string, error)

	// Prewarm compiles the artifact at path for the device.
	Prewarm(ctx context.Context, path string, compute ComputeOptions) error

	// Load makes the artifact at path the active model.
	Load(ctx context.Context, path string, compute ComputeOptions) error

	// Unload releases the active model. Unloading when nothing is loaded
	// is not an error.
	Unload(ctx context.Context) error
}

// Error is a failure reported by, or while talking to, the engine.
type Error struct {
	// Op is the engine operation: "version", "list", "download",
	// "prewarm", "load" or "unload".
	Op string

	// Model is the model id or artifact path, when relevant.
	Model string

	// Status is the HTTP status, or 0 for transport failures.
	Status int

	// Message is the engine's error text.
	Message string

	// Err is the transport error, if any.
	Err error
}

func (e *Error) Error() string {
	target := ""
	if e.Model != "" {
		target = " " + e.Model
	}
	switch {
	case e.Status != 0:
		return fmt.Sprintf("engine %s%s: status %d: %s", e.Op, target, e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("engine %s%s: %s: %v", e.Op, target, e.Message, e.Err)
	default:
		return fmt.Sprintf("engine %s%s: %s", e.Op, target, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}
