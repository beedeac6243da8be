// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statusapi

import (
	"time"

	"github.com/AleutianAI/modelslot/internal/registry"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`

	// Details carries remediation or technical context.
	Details string `json:"details,omitempty"`
}

// ModelView is one entry of GET /v1/models.
type ModelView struct {
	registry.Descriptor

	Downloading bool     `json:"downloading"`
	Progress    *float64 `json:"progress,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ModelsResponse is the body of GET /v1/models.
type ModelsResponse struct {
	Models []ModelView `json:"models"`
	Count  int         `json:"count"`
}

// SelectRequest is the optional body of POST /v1/models/:id/select.
type SelectRequest struct {
	Encoder string `json:"encoder" binding:"omitempty,oneof=auto cpu gpu ane"`
	Decoder string `json:"decoder" binding:"omitempty,oneof=auto cpu gpu ane"`
}

// DownloadResponse is the body of POST /v1/downloads/:id.
type DownloadResponse struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
}

// DiskResponse is the body of GET /v1/disk.
type DiskResponse struct {
	ModelRoot      string `json:"model_root"`
	Available      int64  `json:"available_bytes"`
	AvailableHuman string `json:"available"`

	// Set when ?model= names a model.
	Model         string `json:"model,omitempty"`
	Required      int64  `json:"required_bytes,omitempty"`
	RequiredHuman string `json:"required,omitempty"`
	Sufficient    *bool  `json:"sufficient,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
