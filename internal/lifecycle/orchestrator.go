// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle drives the single active model slot.
//
// # State machine
//
//	Unloaded ──Select──► Unloading ──► acquisition
//	acquisition: local  ──► Downloaded
//	             remote ──► Downloading ──ok──► Downloaded
//	                                    └─fail─► Unloaded (error)
//	Downloaded ──► Prewarming ──► Loading ──► Loaded
//	Prewarming fails, budget unused ──► clear cache, rerun from Unloading
//	Loading fails with cache signature, budget unused ──► clear cache, retry Loading
//	anything else ──► Unloaded (error)
//	Loaded ──Release──► Unloading ──► Unloaded
//
// Each run has a retry budget of one, shared by the prepare and activate
// phases.
//
// # Concurrency
//
// One coordination goroutine owns every field that appears in a Snapshot.
// A run executes its phases on its own goroutine and reports back over a
// single channel. Every event carries the generation of the run that sent
// it and the loop drops events from older generations; synthetic progress
// updates also carry a phase token. A synthetic curve is stopped, and its
// goroutine has exited, before the phase's completion is sent, so the
// completion always follows every synthetic update on the channel.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/modelslot/internal/cleanup"
	"github.com/AleutianAI/modelslot/internal/diskguard"
	"github.com/AleutianAI/modelslot/internal/download"
	"github.com/AleutianAI/modelslot/internal/engine"
	"github.com/AleutianAI/modelslot/internal/progress"
	"github.com/AleutianAI/modelslot/internal/util"
	"github.com/AleutianAI/modelslot/pkg/modelerr"
)

var (
	// ErrNotEligible is returned by Select for unknown or disabled models.
	ErrNotEligible = errors.New("model is not available for selection")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator is closed")
)

// Catalog is the registry surface the orchestrator needs.
type Catalog interface {
	Eligible(id string) bool
	IsLocal(id string) bool
	ModelPath(id string) string
	EstimatedSize(id string) int64
}

// Downloader is the download queue surface the orchestrator needs.
type Downloader interface {
	Start(id string) (*download.Job, error)
	Job(id string) (*download.Job, bool)
	Active() []download.JobStatus
}

// SpaceChecker runs the preflight capacity check.
type SpaceChecker interface {
	Check(required int64) (diskguard.Result, error)
}

// CacheCleaner clears the runtime cache.
type CacheCleaner interface {
	ClearRuntimeCache(ctx context.Context) cleanup.Report
}

// StateStore persists the last selected model. Optional.
type StateStore interface {
	SaveLastSelected(ctx context.Context, id string) error
	LastSelected(ctx context.Context) (string, error)
}

// Deps are the orchestrator's collaborators. Store may be nil.
type Deps struct {
	Engine    engine.Engine
	Catalog   Catalog
	Downloads Downloader
	Guard     SpaceChecker
	Cleaner   CacheCleaner
	Store     StateStore
}

// Config configures an Orchestrator.
type Config struct {
	// Plan splits progress into phases. Default: progress.DefaultPlan().
	Plan progress.Plan

	// Tick is the synthetic progress period. Default: progress.DefaultTick.
	Tick time.Duration

	// Compute is used when Select is given no WithCompute option.
	Compute engine.ComputeOptions

	// Observer is called on the coordination goroutine with every new
	// snapshot. It must return quickly and must not call back into the
	// Orchestrator.
	Observer func(Snapshot)

	Logger *slog.Logger
}

// SelectOption customizes a Select call.
type SelectOption func(*selectOptions)

type selectOptions struct {
	compute engine.ComputeOptions
}

// WithCompute overrides the compute units for this run.
func WithCompute(c engine.ComputeOptions) SelectOption {
	return func(o *selectOptions) { o.compute = c }
}

// Orchestrator owns the model slot. Create with New and stop with Close.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	plan   progress.Plan
	synth  progress.Synthesizer
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan command
	events chan event
	runs   sync.WaitGroup
	done   chan struct{}

	tokens atomic.Uint64

	// Owned by the coordination goroutine.
	state      State
	model      string
	busy       bool
	gen        uint64
	token      uint64
	tracker    progress.Tracker
	err        error
	runStarted time.Time

	snapMu  sync.RWMutex
	current Snapshot

	subMu       sync.Mutex
	subscribers map[int]chan Snapshot
	nextSub     int
}

// New creates an Orchestrator and starts its coordination goroutine.
func New(cfg Config, deps Deps) *Orchestrator {
	if len(cfg.Plan.Phases()) == 0 {
		cfg.Plan = progress.DefaultPlan()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:         cfg,
		deps:        deps,
		plan:        cfg.Plan,
		synth:       progress.Synthesizer{Tick: cfg.Tick},
		logger:      cfg.Logger.With("component", "lifecycle"),
		ctx:         ctx,
		cancel:      cancel,
		cmds:        make(chan command),
		events:      make(chan event, 64),
		done:        make(chan struct{}),
		subscribers: make(map[int]chan Snapshot),
	}
	o.current = o.snapshot()
	go o.loop()
	return o
}

// Select starts a run for id and returns without waiting for it.
//
// # Description
//
// While a run or release is in flight Select does nothing and returns nil.
// Selecting the model that is already loaded starts a fresh run, which
// tears the instance down first.
//
// # Outputs
//
//   - error: ErrNotEligible for unknown or disabled ids, ErrClosed after
//     Close. Run failures are reported through snapshots.
func (o *Orchestrator) Select(id string, opts ...SelectOption) error {
	so := selectOptions{compute: o.cfg.Compute}
	for _, opt := range opts {
		opt(&so)
	}
	return o.do(command{kind: cmdSelect, id: id, compute: so.compute})
}

// Release unloads the loaded model. It does nothing unless the slot is
// Loaded and idle.
func (o *Orchestrator) Release() error {
	return o.do(command{kind: cmdRelease})
}

// RestoreLastSelected selects the persisted last model if it is still
// eligible and already local. It reports whether a run was started.
func (o *Orchestrator) RestoreLastSelected(ctx context.Context) bool {
	if o.deps.Store == nil {
		return false
	}
	id, err := o.deps.Store.LastSelected(ctx)
	if err != nil {
		o.logger.Warn("cannot read last selected model", "error", err)
		return false
	}
	if id == "" || !o.deps.Catalog.Eligible(id) || !o.deps.Catalog.IsLocal(id) {
		return false
	}
	if err := o.Select(id); err != nil {
		o.logger.Warn("cannot restore last selected model", "model", id, "error", err)
		return false
	}
	o.logger.Info("restoring last selected model", "model", id)
	return true
}

// Snapshot returns the latest published snapshot.
func (o *Orchestrator) Snapshot() Snapshot {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return o.current
}

// Subscribe returns a channel of snapshots and a function that ends the
// subscription. Snapshots are dropped for a subscriber whose buffer is
// full. The channel is closed on unsubscribe or Close.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	ch <- o.Snapshot()

	o.subMu.Lock()
	select {
	case <-o.done:
		o.subMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = ch
	o.subMu.Unlock()

	return ch, func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		if c, ok := o.subscribers[id]; ok {
			delete(o.subscribers, id)
			close(c)
		}
	}
}

// NotifyDownload feeds a download queue event into the coordination loop.
// Use it as (or from) the queue's Notify hook.
func (o *Orchestrator) NotifyDownload(ev download.Event) {
	o.send(o.ctx, event{kind: evDownload, download: ev})
}

// Close cancels any run in flight, waits for it and stops the loop.
func (o *Orchestrator) Close() {
	o.cancel()
	<-o.done
	o.runs.Wait()
}

// -----------------------------------------------------------------------------
// Coordination loop
// -----------------------------------------------------------------------------

type cmdKind int

const (
	cmdSelect cmdKind = iota
	cmdRelease
)

type command struct {
	kind    cmdKind
	id      string
	compute engine.ComputeOptions
	reply   chan error
}

type eventKind int

const (
	evPhase eventKind = iota
	evProgress
	evDone
	evReleased
	evDownload
)

type event struct {
	kind     eventKind
	gen      uint64
	token    uint64
	state    State
	value    float64
	snap     bool
	err      error
	download download.Event
}

func (o *Orchestrator) do(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case o.cmds <- cmd:
	case <-o.done:
		return ErrClosed
	}
	return <-cmd.reply
}

// send delivers ev to the loop unless ctx or the orchestrator is done.
func (o *Orchestrator) send(ctx context.Context, ev event) {
	select {
	case o.events <- ev:
	case <-ctx.Done():
	case <-o.ctx.Done():
	}
}

func (o *Orchestrator) loop() {
	defer func() {
		o.subMu.Lock()
		for id, ch := range o.subscribers {
			delete(o.subscribers, id)
			close(ch)
		}
		close(o.done)
		o.subMu.Unlock()
	}()

	for {
		select {
		case <-o.ctx.Done():
			return
		case cmd := <-o.cmds:
			cmd.reply <- o.handleCommand(cmd)
		case ev := <-o.events:
			o.handleEvent(ev)
		}
	}
}

func (o *Orchestrator) handleCommand(cmd command) error {
	if o.ctx.Err() != nil {
		return ErrClosed
	}
	switch cmd.kind {
	case cmdSelect:
		if !o.deps.Catalog.Eligible(cmd.id) {
			return fmt.Errorf("%w: %s", ErrNotEligible, cmd.id)
		}
		if o.busy {
			o.logger.Debug("select ignored while busy", "model", cmd.id, "active", o.model)
			return nil
		}
		o.gen++
		o.busy = true
		o.model = cmd.id
		o.err = nil
		o.token = 0
		o.tracker.Reset()
		o.runStarted = time.Now()
		o.enter(StateUnloading)

		gen, id := o.gen, cmd.id
		o.logger.Info("run started", "model", id, "generation", gen)
		o.runs.Add(1)
		go o.run(gen, id, cmd.compute)
		return nil

	case cmdRelease:
		if o.busy || o.state != StateLoaded {
			o.logger.Debug("release ignored", "state", o.state, "busy", o.busy)
			return nil
		}
		o.gen++
		o.busy = true
		o.token = 0
		o.tracker.Reset()
		o.enter(StateUnloading)

		gen := o.gen
		o.runs.Add(1)
		go o.release(gen)
		return nil
	}
	return fmt.Errorf("unknown command %d", cmd.kind)
}

func (o *Orchestrator) handleEvent(ev event) {
	if ev.kind == evDownload {
		o.relayDownload(ev.download)
		return
	}
	if ev.gen != o.gen {
		return
	}

	switch ev.kind {
	case evPhase:
		o.token = ev.token
		if ev.snap {
			o.tracker.Advance(ev.value)
		}
		o.enter(ev.state)

	case evProgress:
		if ev.token != 0 && ev.token != o.token {
			return
		}
		if _, changed := o.tracker.Advance(ev.value); changed {
			o.publish()
		}

	case evDone:
		o.finishRun(ev.err)

	case evReleased:
		o.busy = false
		o.model = ""
		o.logger.Info("model released")
		o.enter(StateUnloaded)
	}
}

func (o *Orchestrator) relayDownload(ev download.Event) {
	if ev.Kind == download.EventProgress && o.busy && ev.ID == o.model && o.state == StateDownloading {
		start, ph, ok := o.plan.Range(progress.PhaseAcquire)
		if ok {
			o.tracker.Advance(progress.Relay(start, ph.Target, ev.Progress))
		}
	}
	o.publish()
}

func (o *Orchestrator) finishRun(err error) {
	o.busy = false
	o.token = 0
	ctx := context.Background()
	elapsed := time.Since(o.runStarted)

	switch {
	case err == nil:
		o.tracker.Advance(1)
		o.logger.Info("model loaded", "model", o.model, "duration", elapsed)
		recordRun(ctx, "loaded", elapsed)
		o.enter(StateLoaded)
		if o.deps.Store != nil {
			if serr := o.deps.Store.SaveLastSelected(ctx, o.model); serr != nil {
				o.logger.Warn("failed to persist last selected model", "model", o.model, "error", serr)
			}
		}

	case modelerr.IsCancelled(err) || errors.Is(err, context.Canceled):
		o.logger.Info("run cancelled", "model", o.model)
		recordRun(ctx, "cancelled", elapsed)
		o.enter(StateUnloaded)

	default:
		o.err = err
		o.logger.Error("run failed", "model", o.model, "error", err)
		recordRun(ctx, "failed", elapsed)
		o.enter(StateUnloaded)
	}
}

// enter sets the state and publishes.
func (o *Orchestrator) enter(s State) {
	if s != o.state {
		transitionsTotal.WithLabelValues(s.String()).Inc()
		o.logger.Debug("state transition", "from", o.state, "to", s, "model", o.model)
	}
	o.state = s
	o.publish()
}

func (o *Orchestrator) snapshot() Snapshot {
	s := Snapshot{
		State:      o.state,
		Model:      o.model,
		Progress:   o.tracker.Value(),
		Busy:       o.busy,
		Generation: o.gen,
		UpdatedAt:  time.Now(),
	}
	if o.err != nil {
		s.HasError = true
		s.Error = o.err.Error()
		s.Err = o.err
	}
	if o.deps.Downloads != nil {
		s.Downloads = o.deps.Downloads.Active()
	}
	return s
}

// publish delivers a fresh snapshot. Observers see it before Snapshot
// returns it.
func (o *Orchestrator) publish() {
	s := o.snapshot()

	if o.cfg.Observer != nil {
		o.cfg.Observer(s)
	}

	o.subMu.Lock()
	for _, ch := range o.subscribers {
		select {
		case ch <- s:
		default:
		}
	}
	o.subMu.Unlock()

	o.snapMu.Lock()
	o.current = s
	o.snapMu.Unlock()
}

// -----------------------------------------------------------------------------
// Run goroutines
// -----------------------------------------------------------------------------

func (o *Orchestrator) run(gen uint64, id string, compute engine.ComputeOptions) {
	defer o.runs.Done()

	var err error
	defer func() { o.send(o.ctx, event{kind: evDone, gen: gen, err: err}) }()
	defer util.RecoverPanic(func(r util.SafeGoResult) {
		o.logger.Error("lifecycle run panicked", "model", id, "panic", r.PanicValue, "stack", r.Stack)
		err = fmt.Errorf("lifecycle run for %s panicked: %w", id, r.Err())
	})()

	ctx, span := startRunSpan(o.ctx, id, gen)
	err = o.runModel(ctx, gen, id, compute)
	endSpan(span, err)
}

// runModel executes one run. The returned error is the run's outcome.
func (o *Orchestrator) runModel(ctx context.Context, gen uint64, id string, compute engine.ComputeOptions) error {
	retried := false
	for first := true; ; first = false {
		if !first {
			o.send(ctx, event{kind: evPhase, gen: gen, state: StateUnloading})
		}
		o.unload(ctx)

		path, err := o.acquire(ctx, gen, id)
		if err != nil {
			return err
		}

		err = o.phase(ctx, gen, StatePrewarming, progress.PhasePrepare, id, func(ctx context.Context) error {
			return o.deps.Engine.Prewarm(ctx, path, compute)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !retried {
				retried = true
				o.logger.Warn("prewarm failed, clearing runtime cache and retrying", "model", id, "error", err)
				retriesTotal.WithLabelValues(progress.PhasePrepare).Inc()
				o.clearCache(ctx, progress.PhasePrepare)
				continue
			}
			return modelerr.PreparationFailed(id, err)
		}

		for {
			err = o.phase(ctx, gen, StateLoading, progress.PhaseActivate, id, func(ctx context.Context) error {
				return o.deps.Engine.Load(ctx, path, compute)
			})
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !retried && RecoverableLoadFailure(err) {
				retried = true
				o.logger.Warn("load failed with cache signature, clearing runtime cache and retrying", "model", id, "error", err)
				retriesTotal.WithLabelValues(progress.PhaseActivate).Inc()
				o.clearCache(ctx, progress.PhaseActivate)
				continue
			}
			o.unload(ctx)
			return modelerr.ActivationFailed(id, err)
		}
	}
}

// acquire makes id local and returns its path.
func (o *Orchestrator) acquire(ctx context.Context, gen uint64, id string) (string, error) {
	start, ph, _ := o.plan.Range(progress.PhaseAcquire)
	downloaded := func(path string) (string, error) {
		o.send(ctx, event{kind: evPhase, gen: gen, state: StateDownloaded, value: ph.Target, snap: true})
		return path, nil
	}

	if o.deps.Catalog.IsLocal(id) {
		return downloaded(o.deps.Catalog.ModelPath(id))
	}

	o.send(ctx, event{kind: evPhase, gen: gen, state: StateDownloading, value: start, snap: true})
	ctx, span := startPhaseSpan(ctx, "Download", id)
	began := time.Now()
	job, err := o.startDownload(ctx, id)
	if err == nil {
		select {
		case <-job.Done():
			err = job.Err()
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	recordPhase(ctx, progress.PhaseAcquire, time.Since(began), err)
	endSpan(span, err)

	if errors.Is(err, download.ErrAlreadyLocal) {
		return downloaded(o.deps.Catalog.ModelPath(id))
	}
	if err != nil {
		if _, ok := modelerr.As(err); ok || ctx.Err() != nil {
			return "", err
		}
		return "", modelerr.AcquisitionFailed(id, err)
	}

	path := job.Path()
	if path == "" {
		path = o.deps.Catalog.ModelPath(id)
	}
	return downloaded(path)
}

// startDownload runs the preflight check, clearing the cache once if
// space is short, and starts or joins the download job.
func (o *Orchestrator) startDownload(ctx context.Context, id string) (*download.Job, error) {
	if job, ok := o.deps.Downloads.Job(id); ok {
		return job, nil
	}

	required := o.deps.Catalog.EstimatedSize(id)
	res, err := o.deps.Guard.Check(required)
	if err != nil {
		o.logger.Warn("disk space check failed, proceeding", "model", id, "error", err)
	} else if !res.Sufficient {
		o.logger.Warn("insufficient disk space, clearing runtime cache",
			"model", id,
			"available", util.FormatBytes(res.Available),
			"required", util.FormatBytes(res.Required),
		)
		o.clearCache(ctx, "preflight")
		res, err = o.deps.Guard.Check(required)
		if err == nil && !res.Sufficient {
			return nil, res.Err(id)
		}
	}

	job, err := o.deps.Downloads.Start(id)
	if errors.Is(err, download.ErrAlreadyDownloading) {
		if job, ok := o.deps.Downloads.Job(id); ok {
			return job, nil
		}
		return nil, err
	}
	return job, err
}

// phase runs fn with a synthetic progress curve for the named phase. The
// curve is stopped before phase returns.
func (o *Orchestrator) phase(ctx context.Context, gen uint64, state State, name, id string, fn func(context.Context) error) error {
	start, ph, ok := o.plan.Range(name)
	if !ok {
		return fmt.Errorf("progress plan has no %q phase", name)
	}
	token := o.tokens.Add(1)
	o.send(ctx, event{kind: evPhase, gen: gen, token: token, state: state, value: start, snap: true})

	ctx, span := startPhaseSpan(ctx, state.String(), id)
	began := time.Now()
	curve := o.synth.Start(ctx, token, ph, start, func(ctx context.Context, u progress.Update) {
		o.send(ctx, event{kind: evProgress, gen: gen, token: u.Token, value: u.Value})
	})
	err := fn(ctx)
	curve.Stop()
	recordPhase(ctx, name, time.Since(began), err)
	endSpan(span, err)

	if err == nil && ph.Target < 1 {
		o.send(ctx, event{kind: evProgress, gen: gen, token: token, value: ph.Target})
	}
	return err
}

func (o *Orchestrator) release(gen uint64) {
	defer o.runs.Done()
	defer o.send(o.ctx, event{kind: evReleased, gen: gen})
	defer util.RecoverPanic(func(r util.SafeGoResult) {
		o.logger.Error("release panicked", "panic", r.PanicValue, "stack", r.Stack)
	})()
	o.unload(o.ctx)
}

// unload tears down the engine's instance. Failures are logged only.
func (o *Orchestrator) unload(ctx context.Context) {
	if err := o.deps.Engine.Unload(ctx); err != nil {
		o.logger.Warn("engine unload failed", "error", err)
	}
}

func (o *Orchestrator) clearCache(ctx context.Context, reason string) {
	cacheClearsTotal.WithLabelValues(reason).Inc()
	report := o.deps.Cleaner.ClearRuntimeCache(ctx)
	o.logger.Info("runtime cache cleared", "reason", reason, "removed", len(report.Removed), "failed", report.Failed)
}
