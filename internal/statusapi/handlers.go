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
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/modelslot/internal/download"
	"github.com/AleutianAI/modelslot/internal/engine"
	"github.com/AleutianAI/modelslot/internal/lifecycle"
	"github.com/AleutianAI/modelslot/internal/util"
	"github.com/AleutianAI/modelslot/pkg/modelerr"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now().UTC()})
}

// handleState handles GET /v1/state.
func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Lifecycle.Snapshot())
}

// handleModels handles GET /v1/models.
//
// Response:
//
//	200 OK: ModelsResponse
func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, s.models())
}

// handleRefresh handles POST /v1/models/refresh.
//
// Response:
//
//	200 OK: ModelsResponse
//	503 Service Unavailable: The request was cancelled mid-refresh
func (s *Server) handleRefresh(c *gin.Context) {
	logger := s.requestLogger(c, "handleRefresh")
	if err := s.deps.Registry.Refresh(c.Request.Context()); err != nil {
		logger.Warn("refresh failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "REFRESH_FAILED"})
		return
	}
	c.JSON(http.StatusOK, s.models())
}

func (s *Server) models() ModelsResponse {
	active := make(map[string]download.JobStatus)
	for _, st := range s.deps.Downloads.Active() {
		active[st.ID] = st
	}
	errs := s.deps.Downloads.Errors()

	descs := s.deps.Registry.Descriptors()
	views := make([]ModelView, 0, len(descs))
	for _, d := range descs {
		v := ModelView{Descriptor: d}
		if st, ok := active[d.ID]; ok {
			v.Downloading = true
			v.Progress = st.Progress
		}
		if err := errs[d.ID]; err != nil {
			v.Error = err.Error()
		}
		views = append(views, v)
	}
	return ModelsResponse{Models: views, Count: len(views)}
}

// handleSelect handles POST /v1/models/:id/select.
//
// Request Body (optional):
//
//	SelectRequest
//
// Response:
//
//	202 Accepted: lifecycle.Snapshot (the run continues in the background)
//	400 Bad Request: Invalid compute units
//	404 Not Found: Unknown or disabled model
func (s *Server) handleSelect(c *gin.Context) {
	logger := s.requestLogger(c, "handleSelect")
	id := c.Param("id")

	var req SelectRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST", Details: err.Error()})
		return
	}

	var opts []lifecycle.SelectOption
	if req.Encoder != "" || req.Decoder != "" {
		opts = append(opts, lifecycle.WithCompute(engine.ComputeOptions{Encoder: req.Encoder, Decoder: req.Decoder}))
	}

	if err := s.deps.Lifecycle.Select(id, opts...); err != nil {
		status, code := http.StatusInternalServerError, "SELECT_FAILED"
		switch {
		case errors.Is(err, lifecycle.ErrNotEligible):
			status, code = http.StatusNotFound, "NOT_ELIGIBLE"
		case errors.Is(err, lifecycle.ErrClosed):
			status, code = http.StatusServiceUnavailable, "SHUTTING_DOWN"
		}
		logger.Warn("select rejected", "model", id, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	logger.Info("model selected", "model", id)
	c.JSON(http.StatusAccepted, s.deps.Lifecycle.Snapshot())
}

// handleRelease handles POST /v1/release.
func (s *Server) handleRelease(c *gin.Context) {
	if err := s.deps.Lifecycle.Release(); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "SHUTTING_DOWN"})
		return
	}
	c.JSON(http.StatusAccepted, s.deps.Lifecycle.Snapshot())
}

// handleDeleteModel handles DELETE /v1/models/:id.
//
// Response:
//
//	204 No Content: Deleted
//	404 Not Found: Not a local model
//	409 Conflict: The model is in the active slot or downloading
func (s *Server) handleDeleteModel(c *gin.Context) {
	logger := s.requestLogger(c, "handleDeleteModel")
	id := c.Param("id")

	d, ok := s.deps.Registry.Descriptor(id)
	if !ok || !d.Local {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "model is not downloaded: " + id, Code: "NOT_LOCAL"})
		return
	}
	if snap := s.deps.Lifecycle.Snapshot(); snap.Model == id && (snap.Busy || snap.State == lifecycle.StateLoaded) {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "model is in use: " + id,
			Code:    "MODEL_IN_USE",
			Details: "release the model before deleting it",
		})
		return
	}
	for _, st := range s.deps.Downloads.Active() {
		if st.ID == id {
			c.JSON(http.StatusConflict, ErrorResponse{Error: "model is downloading: " + id, Code: "DOWNLOADING"})
			return
		}
	}

	if err := s.deps.Registry.Delete(c.Request.Context(), id); err != nil {
		logger.Error("delete failed", "model", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "DELETE_FAILED"})
		return
	}
	s.deps.Downloads.ClearError(id)
	logger.Info("model deleted", "model", id)
	c.Status(http.StatusNoContent)
}

// handleStartDownload handles POST /v1/downloads/:id.
//
// Response:
//
//	202 Accepted: DownloadResponse
//	404 Not Found: Unknown or disabled model
//	409 Conflict: Already downloading or already local
//	429 Too Many Requests: Every download slot is taken
//	507 Insufficient Storage: The estimated size does not fit
func (s *Server) handleStartDownload(c *gin.Context) {
	logger := s.requestLogger(c, "handleStartDownload")
	id := c.Param("id")

	if d, ok := s.deps.Registry.Descriptor(id); !ok || d.Disabled {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "model is not available: " + id, Code: "NOT_ELIGIBLE"})
		return
	}

	job, err := s.deps.Downloads.Start(id)
	if err != nil {
		status, code, details := http.StatusInternalServerError, "DOWNLOAD_FAILED", ""
		switch {
		case errors.Is(err, download.ErrAlreadyDownloading):
			status, code = http.StatusConflict, "ALREADY_DOWNLOADING"
		case errors.Is(err, download.ErrAlreadyLocal):
			status, code = http.StatusConflict, "ALREADY_LOCAL"
		case errors.Is(err, download.ErrQueueFull):
			status, code = http.StatusTooManyRequests, "QUEUE_FULL"
		case errors.Is(err, download.ErrClosed):
			status, code = http.StatusServiceUnavailable, "SHUTTING_DOWN"
		default:
			if me, ok := modelerr.As(err); ok && me.Kind == modelerr.KindDiskSpaceInsufficient {
				status, code, details = http.StatusInsufficientStorage, "DISK_SPACE", me.Remediation
			}
		}
		logger.Warn("download rejected", "model", id, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code, Details: details})
		return
	}

	logger.Info("download started", "model", id, "job", job.RunID)
	c.JSON(http.StatusAccepted, DownloadResponse{ID: job.ID, RunID: job.RunID})
}

// handleCancelDownload handles DELETE /v1/downloads/:id.
func (s *Server) handleCancelDownload(c *gin.Context) {
	id := c.Param("id")
	if !s.deps.Downloads.Cancel(id) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no download in progress: " + id, Code: "NOT_DOWNLOADING"})
		return
	}
	s.requestLogger(c, "handleCancelDownload").Info("download cancelled", "model", id)
	c.Status(http.StatusAccepted)
}

// handleClearCache handles POST /v1/cache/clear. Cleanup never fails; the
// report lists what was removed and how many entries were skipped.
func (s *Server) handleClearCache(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Cleaner.ClearRuntimeCache(c.Request.Context()))
}

// handleDisk handles GET /v1/disk.
func (s *Server) handleDisk(c *gin.Context) {
	model := c.Query("model")
	var required int64
	if model != "" {
		required = s.deps.Registry.EstimatedSize(model)
	}

	res, err := s.deps.Disk.Check(required)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STATFS_FAILED"})
		return
	}

	resp := DiskResponse{
		ModelRoot:      s.deps.Registry.ModelRoot(),
		Available:      res.Available,
		AvailableHuman: util.FormatBytes(res.Available),
	}
	if model != "" {
		sufficient := res.Sufficient
		resp.Model = model
		resp.Required = res.Required
		resp.RequiredHuman = util.FormatBytes(res.Required)
		resp.Sufficient = &sufficient
	}
	c.JSON(http.StatusOK, resp)
}
