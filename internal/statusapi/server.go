// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statusapi serves the lifecycle state and control endpoints.
//
// # Routes
//
//	GET    /health
//	GET    /metrics
//	GET    /v1/state
//	GET    /v1/state/ws            live snapshots over a websocket
//	GET    /v1/models
//	POST   /v1/models/refresh
//	POST   /v1/models/:id/select
//	DELETE /v1/models/:id
//	POST   /v1/release
//	POST   /v1/downloads/:id
//	DELETE /v1/downloads/:id
//	POST   /v1/cache/clear
//	GET    /v1/disk[?model=id]
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/modelslot/internal/cleanup"
	"github.com/AleutianAI/modelslot/internal/diskguard"
	"github.com/AleutianAI/modelslot/internal/download"
	"github.com/AleutianAI/modelslot/internal/lifecycle"
	"github.com/AleutianAI/modelslot/internal/registry"
)

// Lifecycle is the orchestrator surface the API needs.
type Lifecycle interface {
	Select(id string, opts ...lifecycle.SelectOption) error
	Release() error
	Snapshot() lifecycle.Snapshot
	Subscribe(buffer int) (<-chan lifecycle.Snapshot, func())
}

// Registry is the registry surface the API needs.
type Registry interface {
	ModelRoot() string
	Refresh(ctx context.Context) error
	Descriptors() []registry.Descriptor
	Descriptor(id string) (registry.Descriptor, bool)
	EstimatedSize(id string) int64
	Delete(ctx context.Context, id string) error
}

// Downloads is the download queue surface the API needs.
type Downloads interface {
	Start(id string) (*download.Job, error)
	Cancel(id string) bool
	Active() []download.JobStatus
	Errors() map[string]error
	ClearError(id string)
}

// Cleaner clears the runtime cache.
type Cleaner interface {
	ClearRuntimeCache(ctx context.Context) cleanup.Report
}

// DiskChecker reports free space on the model volume.
type DiskChecker interface {
	Check(required int64) (diskguard.Result, error)
}

// Deps are the server's collaborators.
type Deps struct {
	Lifecycle Lifecycle
	Registry  Registry
	Downloads Downloads
	Cleaner   Cleaner
	Disk      DiskChecker
}

// Config configures a Server.
type Config struct {
	// Listen is the host:port to bind.
	Listen string

	// ServiceName labels otelgin spans.
	ServiceName string

	Logger *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	router *gin.Engine
}

// New builds the router. Call Run to serve.
func New(cfg Config, deps Deps) *Server {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "modelslot"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: cfg.Logger.With("component", "statusapi"),
	}
	s.initRouter()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status API listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status API: %w", err)
	}
	s.logger.Info("status API stopped")
	return nil
}

func (s *Server) initRouter() {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(s.cfg.ServiceName))
	r.Use(requestID())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.GET("/state", s.handleState)
		v1.GET("/state/ws", s.handleStateWS)

		v1.GET("/models", s.handleModels)
		v1.POST("/models/refresh", s.handleRefresh)
		v1.POST("/models/:id/select", s.handleSelect)
		v1.DELETE("/models/:id", s.handleDeleteModel)
		v1.POST("/release", s.handleRelease)

		v1.POST("/downloads/:id", s.handleStartDownload)
		v1.DELETE("/downloads/:id", s.handleCancelDownload)

		v1.POST("/cache/clear", s.handleClearCache)
		v1.GET("/disk", s.handleDisk)
	}
	s.router = r
}

const requestIDHeader = "X-Request-ID"

// requestID propagates or assigns a request id.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return s.logger.With("request_id", c.GetString("request_id"), "handler", handler)
}
