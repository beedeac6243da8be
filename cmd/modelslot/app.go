// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/modelslot/internal/cleanup"
	"github.com/AleutianAI/modelslot/internal/config"
	"github.com/AleutianAI/modelslot/internal/diskguard"
	"github.com/AleutianAI/modelslot/internal/download"
	"github.com/AleutianAI/modelslot/internal/engine"
	"github.com/AleutianAI/modelslot/internal/lifecycle"
	"github.com/AleutianAI/modelslot/internal/progress"
	"github.com/AleutianAI/modelslot/internal/registry"
	"github.com/AleutianAI/modelslot/internal/store"
	"github.com/AleutianAI/modelslot/internal/telemetry"
	"github.com/AleutianAI/modelslot/internal/util"
	"github.com/AleutianAI/modelslot/pkg/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app holds every wired component for one process.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	logger *slog.Logger

	store    *store.Store
	engine   *engine.Client
	registry *registry.Registry
	guard    *diskguard.Guard
	cleaner  *cleanup.Cleaner
	queue    *download.Queue
	orch     *lifecycle.Orchestrator

	shutdownTelemetry telemetry.Shutdown
}

// appOptions varies wiring between one-shot commands and serve.
type appOptions struct {
	// quiet keeps logs off stderr so the progress view owns the terminal.
	quiet bool

	// offline skips the remote catalog refresh.
	offline bool
}

// newApp loads the config and wires every component.
//
// # Description
//
// Components are built bottom-up: store, engine client, registry, disk
// guard, cleaner, download queue, orchestrator. The queue reports events
// to the orchestrator so that a download started by a selection is relayed
// into its acquire phase. The engine version is probed in the background
// and handed to the cleaner once known.
//
// # Outputs
//
//   - *app: Close it when done.
//   - error: Config, store or telemetry failure. An unreachable engine is
//     not an error here; the registry falls back to local models.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	log := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "modelslot",
		JSON:    cfg.Logging.JSON,
		Quiet:   opts.quiet,
	})
	logger := log.Slog()

	a := &app{cfg: cfg, log: log, logger: logger}

	a.shutdownTelemetry, err = telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "modelslot",
		ServiceVersion: version,
		Traces:         cfg.Telemetry.Traces,
		Metrics:        cfg.Telemetry.Metrics,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	storeCfg := store.DefaultConfig(cfg.StateDir)
	storeCfg.Logger = logger
	a.store, err = store.Open(storeCfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("%w (is another modelslot process running? use its HTTP API instead)", err)
	}

	a.engine = engine.NewClient(cfg.Engine.URL, cfg.Engine.RequestTimeout, logger)

	a.registry = registry.New(registry.Config{
		ModelRoot: cfg.ModelRoot,
		Estimator: estimatorFromConfig(cfg.Estimation),
		Source:    a.engine,
		Store:     a.store,
		Logger:    logger,
	})
	if err := a.registry.LoadMeasuredSizes(ctx); err != nil {
		logger.Warn("cannot load measured sizes", "error", err)
	}
	if opts.offline {
		a.registry.RescanLocal()
	} else if err := a.registry.Refresh(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.guard = diskguard.New(cfg.ModelRoot)
	a.cleaner = cleanup.New(cleanerConfig(cfg, logger))

	a.queue = download.New(download.Config{
		Repo:             cfg.Engine.Repo,
		MaxConcurrent:    cfg.Downloads.MaxConcurrent,
		ProgressInterval: cfg.Downloads.ProgressInterval,
		RecheckThreshold: cfg.Downloads.RecheckThreshold,
		Notify:           a.notifyDownload,
		Logger:           logger,
	}, a.engine, a.registry, a.guard)

	plan, err := planFromConfig(cfg.Progress)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.orch = lifecycle.New(lifecycle.Config{
		Plan:    plan,
		Tick:    cfg.Progress.TickInterval,
		Compute: engine.ComputeOptions{Encoder: cfg.Compute.Encoder, Decoder: cfg.Compute.Decoder},
		Logger:  logger,
	}, lifecycle.Deps{
		Engine:    a.engine,
		Catalog:   a.registry,
		Downloads: a.queue,
		Guard:     a.guard,
		Cleaner:   a.cleaner,
		Store:     a.store,
	})

	util.SafeGo(func() { a.probeEngineVersion(ctx) }, func(r util.SafeGoResult) {
		logger.Error("engine version probe panicked", "panic", r.PanicValue, "stack", r.Stack)
	})

	return a, nil
}

// notifyDownload forwards queue events to the orchestrator. The queue is
// built before the orchestrator, so early events are dropped.
func (a *app) notifyDownload(ev download.Event) {
	if a.orch != nil {
		a.orch.NotifyDownload(ev)
	}
}

func (a *app) probeEngineVersion(ctx context.Context) {
	v, err := a.engine.Version(ctx)
	if err != nil {
		a.logger.Warn("cannot read engine version; probing every cache candidate", "error", err)
		return
	}
	a.logger.Info("engine version", "version", v)
	a.cleaner.SetEngineVersion(v)
}

// Close stops components in reverse order. Safe on a partially built app.
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close state store", "error", err)
		}
	}
	if a.shutdownTelemetry != nil {
		if err := a.shutdownTelemetry(context.Background()); err != nil {
			a.logger.Warn("failed to flush telemetry", "error", err)
		}
	}
	_ = a.log.Close()
}

func estimatorFromConfig(c config.EstimationConfig) registry.TierEstimator {
	tiers := make([]registry.Tier, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		tiers = append(tiers, registry.Tier{Match: t.Match, Bytes: t.Bytes})
	}
	return registry.TierEstimator{
		Tiers:        tiers,
		DefaultBytes: c.DefaultBytes,
		SafetyMargin: c.SafetyMargin,
	}
}

func cleanerConfig(cfg *config.Config, logger *slog.Logger) cleanup.Config {
	candidates := make([]cleanup.Candidate, 0, len(cfg.Cleanup.Candidates))
	for _, c := range cfg.Cleanup.Candidates {
		candidates = append(candidates, cleanup.Candidate{Name: c.Name, MinEngineVersion: c.MinEngineVersion})
	}
	return cleanup.Config{
		CacheRoots:   cfg.Cleanup.CacheRoots,
		Candidates:   candidates,
		TempDir:      cfg.TempDir,
		TempPatterns: cfg.Cleanup.TempPatterns,
		Logger:       logger,
	}
}

var errPlanPhases = errors.New("progress phases must include acquire, prepare and activate")

// planFromConfig builds the phase plan. The orchestrator drives the three
// named phases, so each must be present.
func planFromConfig(c config.ProgressConfig) (progress.Plan, error) {
	phases := make([]progress.Phase, 0, len(c.Phases))
	names := make(map[string]bool, len(c.Phases))
	for _, p := range c.Phases {
		phases = append(phases, progress.Phase{Name: p.Name, Target: p.Target, MaxTime: p.MaxTime})
		names[p.Name] = true
	}
	for _, required := range []string{progress.PhaseAcquire, progress.PhasePrepare, progress.PhaseActivate} {
		if !names[required] {
			return progress.Plan{}, fmt.Errorf("%w: missing %q", errPlanPhases, required)
		}
	}
	return progress.NewPlan(phases...)
}
