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
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/modelslot/internal/cleanup"
	"github.com/AleutianAI/modelslot/internal/diskguard"
	"github.com/AleutianAI/modelslot/internal/download"
	"github.com/AleutianAI/modelslot/internal/engine"
	"github.com/AleutianAI/modelslot/internal/engine/enginetest"
	"github.com/AleutianAI/modelslot/internal/progress"
	"github.com/AleutianAI/modelslot/internal/registry"
	"github.com/AleutianAI/modelslot/pkg/modelerr"
)

// =============================================================================
// Test Helpers
// =============================================================================

const gb = int64(1 << 30)

type fixedStater struct{ available int64 }

func (f fixedStater) Available(string) (int64, error) { return f.available, nil }

type countingCleaner struct {
	mu    sync.Mutex
	calls int
}

func (c *countingCleaner) ClearRuntimeCache(ctx context.Context) cleanup.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return cleanup.Report{}
}

func (c *countingCleaner) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type memStore struct {
	mu   sync.Mutex
	last string
}

func (m *memStore) SaveLastSelected(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = id
	return nil
}

func (m *memStore) LastSelected(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, nil
}

type harness struct {
	fake    *enginetest.Fake
	reg     *registry.Registry
	queue   *download.Queue
	cleaner *countingCleaner
	store   *memStore
	orch    *Orchestrator

	mu    sync.Mutex
	snaps []Snapshot
}

// newHarness builds an orchestrator over a fake engine whose catalog
// offers tiny (already local), base and medium, with large-v3 disabled.
// Size estimates carry no safety margin, so medium is exactly 1.5 GB.
func newHarness(t *testing.T, free int64, tune func(*enginetest.Fake)) *harness {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.DiscardHandler)

	fake := enginetest.New(root)
	fake.Catalog = engine.Catalog{
		Supported: []string{"tiny", "base", "medium"},
		Disabled:  []string{"large-v3"},
	}
	if tune != nil {
		tune(fake)
	}
	require.NoError(t, enginetest.MakeLocal(root, "tiny", 128))

	estimator := registry.DefaultTierEstimator()
	estimator.SafetyMargin = 1
	reg := registry.New(registry.Config{ModelRoot: root, Source: fake, Estimator: estimator, Logger: logger})
	require.NoError(t, reg.Refresh(context.Background()))

	guard := diskguard.NewWithStater(root, fixedStater{available: free})
	h := &harness{fake: fake, reg: reg, cleaner: &countingCleaner{}, store: &memStore{}}
	h.queue = download.New(download.Config{
		Logger: logger,
		Notify: func(ev download.Event) { h.orch.NotifyDownload(ev) },
	}, fake, reg, guard)

	plan, err := progress.NewPlan(
		progress.Phase{Name: progress.PhaseAcquire, Target: 0.2},
		progress.Phase{Name: progress.PhasePrepare, Target: 0.7, MaxTime: 100 * time.Millisecond},
		progress.Phase{Name: progress.PhaseActivate, Target: 1.0, MaxTime: 100 * time.Millisecond},
	)
	require.NoError(t, err)

	h.orch = New(Config{
		Plan:     plan,
		Tick:     2 * time.Millisecond,
		Observer: h.observe,
		Logger:   logger,
	}, Deps{
		Engine:    fake,
		Catalog:   reg,
		Downloads: h.queue,
		Guard:     guard,
		Cleaner:   h.cleaner,
		Store:     h.store,
	})
	h.snaps = append(h.snaps, h.orch.Snapshot())

	t.Cleanup(func() {
		h.orch.Close()
		h.queue.Close()
	})
	return h
}

func (h *harness) observe(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snaps = append(h.snaps, s)
}

func (h *harness) snapshots() []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Snapshot(nil), h.snaps...)
}

// states returns the observed state sequence with repeats collapsed.
func (h *harness) states() []State {
	var out []State
	for _, s := range h.snapshots() {
		if len(out) == 0 || out[len(out)-1] != s.State {
			out = append(out, s.State)
		}
	}
	return out
}

func (h *harness) waitIdle(t *testing.T) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return !h.orch.Snapshot().Busy }, 5*time.Second, time.Millisecond)
	return h.orch.Snapshot()
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.orch.Snapshot().State == want }, 5*time.Second, time.Millisecond)
}

// =============================================================================
// Scenarios
// =============================================================================

// TestSelect_LocalModel covers selecting an already-local model with no
// downloads in flight.
func TestSelect_LocalModel(t *testing.T) {
	h := newHarness(t, 100*gb, nil)

	require.NoError(t, h.orch.Select("tiny"))
	s := h.waitIdle(t)

	assert.Equal(t, StateLoaded, s.State)
	assert.Equal(t, "tiny", s.Model)
	assert.Equal(t, 1.0, s.Progress)
	assert.False(t, s.HasError)
	assert.Equal(t, []State{
		StateUnloaded, StateUnloading, StateDownloaded, StatePrewarming, StateLoading, StateLoaded,
	}, h.states())

	assert.Empty(t, h.fake.Downloads())
	for _, snap := range h.snapshots() {
		assert.Empty(t, snap.Downloads, "no download job for a local model")
	}
	assert.Equal(t, []string{"unload", "prewarm tiny", "load tiny"}, h.fake.Calls())
}

// TestSelect_RemoteModelInsufficientDisk covers a 1.5 GB model on a volume
// with 1.0 GB free: cleanup runs once, no download starts, and the slot
// ends Unloaded with the error set.
func TestSelect_RemoteModelInsufficientDisk(t *testing.T) {
	h := newHarness(t, gb, nil)
	require.Equal(t, 3*gb/2, h.reg.EstimatedSize("medium"))

	require.NoError(t, h.orch.Select("medium"))
	s := h.waitIdle(t)

	assert.Equal(t, StateUnloaded, s.State)
	assert.True(t, s.HasError)
	me, ok := modelerr.As(s.Err)
	require.True(t, ok)
	assert.Equal(t, modelerr.KindDiskSpaceInsufficient, me.Kind)
	assert.Equal(t, gb, me.Available)
	assert.Equal(t, 3*gb/2, me.Required)

	assert.Equal(t, 1, h.cleaner.Calls())
	assert.Empty(t, h.fake.Downloads())
	assert.Empty(t, h.queue.Active())
	assert.Equal(t, []State{StateUnloaded, StateUnloading, StateDownloading, StateUnloaded}, h.states())
}

func TestSelect_RemoteModelDownloadsThenLoads(t *testing.T) {
	h := newHarness(t, 100*gb, nil)

	require.NoError(t, h.orch.Select("base"))
	s := h.waitIdle(t)

	assert.Equal(t, StateLoaded, s.State)
	assert.Equal(t, []string{"base"}, h.fake.Downloads())
	assert.True(t, h.reg.IsLocal("base"))
	assert.Equal(t, []State{
		StateUnloaded, StateUnloading, StateDownloading, StateDownloaded, StatePrewarming, StateLoading, StateLoaded,
	}, h.states())

	var relayed bool
	for _, snap := range h.snapshots() {
		if snap.State == StateDownloading && snap.Progress > 0 && snap.Progress <= 0.2 {
			relayed = true
		}
	}
	assert.True(t, relayed, "download progress is relayed into the acquire range")
}

// TestProgress_MonotonicWithinRun verifies progress never decreases after
// the reset that starts a run.
func TestProgress_MonotonicWithinRun(t *testing.T) {
	h := newHarness(t, 100*gb, func(f *enginetest.Fake) { f.OpDelay = 40 * time.Millisecond })

	require.NoError(t, h.orch.Select("base"))
	h.waitIdle(t)

	var synthetic bool
	prev := 0.0
	for _, snap := range h.snapshots() {
		if snap.Generation != 1 {
			continue
		}
		assert.GreaterOrEqual(t, snap.Progress, prev)
		prev = snap.Progress
		if snap.State == StatePrewarming && snap.Progress > 0.2 && snap.Progress < 0.7 {
			synthetic = true
		}
		if snap.State != StateLoaded {
			assert.Less(t, snap.Progress, 1.0)
		}
	}
	assert.Equal(t, 1.0, prev)
	assert.True(t, synthetic, "prewarm shows synthetic progress")
}

// =============================================================================
// Retry Policy
// =============================================================================

func TestPrewarmFailure_RetriesWholeRunOnce(t *testing.T) {
	h := newHarness(t, 100*gb, func(f *enginetest.Fake) {
		f.PrewarmErrs = []error{errors.New("prewarm: invalid model graph")}
	})

	require.NoError(t, h.orch.Select("tiny"))
	s := h.waitIdle(t)

	assert.Equal(t, StateLoaded, s.State)
	assert.False(t, s.HasError, "a successful retry leaves no error")
	assert.Equal(t, 1, h.cleaner.Calls())
	assert.Equal(t, []string{"unload", "prewarm tiny", "unload", "prewarm tiny", "load tiny"}, h.fake.Calls())
}

func TestPrewarmFailure_SecondFailureIsTerminal(t *testing.T) {
	h := newHarness(t, 100*gb, func(f *enginetest.Fake) {
		f.PrewarmErrs = []error{errors.New("first"), errors.New("second")}
	})

	require.NoError(t, h.orch.Select("tiny"))
	s := h.waitIdle(t)

	assert.Equal(t, StateUnloaded, s.State)
	kind, ok := modelerr.KindOf(s.Err)
	require.True(t, ok)
	assert.Equal(t, modelerr.KindPreparationFailed, kind)
	assert.Len(t, h.fake.Prewarms(), 2)
	assert.Empty(t, h.fake.Loads())
	assert.Equal(t, 1, h.cleaner.Calls())
}

func TestLoadFailure_SignatureRetriesOnce(t *testing.T) {
	h := newHarness(t, 100*gb, func(f *enginetest.Fake) {
		f.LoadErrs = []error{errors.New("failed to compile graph for neural engine")}
	})

	require.NoError(t, h.orch.Select("tiny"))
	s := h.waitIdle(t)

	assert.Equal(t, StateLoaded, s.State)
	assert.False(t, s.HasError)
	assert.Len(t, h.fake.Loads(), 2)
	assert.Len(t, h.fake.Prewarms(), 1)
	assert.Equal(t, 1, h.cleaner.Calls())
}

func TestLoadFailure_SignatureTwiceIsTerminal(t *testing.T) {
	h := newHarness(t, 100*gb, func(f *enginetest.Fake) {
		f.LoadErrs = []error{errors.New("compile failed"), errors.New("compile failed again")}
	})

	require.NoError(t, h.orch.Select("tiny"))
	s := h.waitIdle(t)

	assert.Equal(t, StateUnloaded, s.State)
	kind, _ := modelerr.KindOf(s.Err)
	assert.Equal(t, modelerr.KindActivationFailed, kind)
	assert.Len(t, h.fake.Loads(), 2)
	assert.Equal(t, 1, h.cleaner.Calls())

	calls := h.fake.Calls()
	assert.Equal(t, "unload", calls[len(calls)-1], "failed activation unloads")
}

func TestLoadFailure_OtherErrorIsTerminal(t *testing.T) {
	h := newHarness(t, 100*gb, func(f *enginetest.Fake) {
		f.LoadErrs = []error{errors.New("unsupported compute units")}
	})

	require.NoError(t, h.orch.Select("tiny"))
	s := h.waitIdle(t)

	assert.Equal(t, StateUnloaded, s.State)
	assert.True(t, s.HasError)
	assert.Len(t, h.fake.Loads(), 1)
	assert.Zero(t, h.cleaner.Calls())
}

// TestRetryBudget_SharedAcrossPhases verifies a prewarm retry uses up the
// budget for a later load failure.
func TestRetryBudget_SharedAcrossPhases(t *testing.T) {
	h := newHarness(t, 100*gb, func(f *enginetest.Fake) {
		f.PrewarmErrs = []error{errors.New("prewarm failed")}
		f.LoadErrs = []error{errors.New("graph compile error")}
	})

	require.NoError(t, h.orch.Select("tiny"))
	s := h.waitIdle(t)

	assert.Equal(t, StateUnloaded, s.State)
	kind, _ := modelerr.KindOf(s.Err)
	assert.Equal(t, modelerr.KindActivationFailed, kind)
	assert.Len(t, h.fake.Prewarms(), 2)
	assert.Len(t, h.fake.Loads(), 1)
	assert.Equal(t, 1, h.cleaner.Calls())
}

// TestError_ClearedWhenNextRunStarts verifies a failed run's error does
// not leak into the next run.
func TestError_ClearedWhenNextRunStarts(t *testing.T) {
	h := newHarness(t, 100*gb, func(f *enginetest.Fake) {
		f.LoadErrs = []error{errors.New("unsupported compute units")}
	})

	require.NoError(t, h.orch.Select("tiny"))
	require.True(t, h.waitIdle(t).HasError)

	require.NoError(t, h.orch.Select("tiny"))
	assert.False(t, h.orch.Snapshot().HasError)
	s := h.waitIdle(t)
	assert.Equal(t, StateLoaded, s.State)
	assert.False(t, s.HasError)
}

// =============================================================================
// Slot Discipline
// =============================================================================

func TestSelect_IgnoredWhileBusy(t *testing.T) {
	h := newHarness(t, 100*gb, func(f *enginetest.Fake) { f.Gate = make(chan struct{}) })

	require.NoError(t, h.orch.Select("base"))
	h.waitState(t, StateDownloading)
	gen := h.orch.Snapshot().Generation

	require.NoError(t, h.orch.Select("tiny"))
	require.NoError(t, h.orch.Release())
	s := h.orch.Snapshot()
	assert.Equal(t, "base", s.Model)
	assert.Equal(t, gen, s.Generation)

	close(h.fake.Gate)
	s = h.waitIdle(t)
	assert.Equal(t, StateLoaded, s.State)
	assert.Equal(t, "base", s.Model)
	assert.NotContains(t, h.fake.Calls(), "load tiny")
}

func TestSelect_NotEligible(t *testing.T) {
	h := newHarness(t, 100*gb, nil)

	assert.ErrorIs(t, h.orch.Select("ghost"), ErrNotEligible)
	assert.ErrorIs(t, h.orch.Select("large-v3"), ErrNotEligible, "disabled models cannot be selected")
	assert.Equal(t, uint64(0), h.orch.Snapshot().Generation)
	assert.Empty(t, h.fake.Calls())
}

// TestSingleSlot_SwitchUnloadsFirst verifies switching models tears the
// previous instance down before the next load.
func TestSingleSlot_SwitchUnloadsFirst(t *testing.T) {
	h := newHarness(t, 100*gb, nil)

	require.NoError(t, h.orch.Select("tiny"))
	require.Equal(t, StateLoaded, h.waitIdle(t).State)
	require.NoError(t, h.orch.Select("base"))
	s := h.waitIdle(t)

	assert.Equal(t, StateLoaded, s.State)
	assert.Equal(t, "base", s.Model)
	assert.Equal(t, []string{
		"unload", "prewarm tiny", "load tiny",
		"unload", "prewarm base", "load base",
	}, h.fake.Calls())

	for _, snap := range h.snapshots() {
		if snap.State == StateLoaded {
			assert.NotEmpty(t, snap.Model)
		}
	}
}

func TestSelect_AlreadyLoadedIsFreshRun(t *testing.T) {
	h := newHarness(t, 100*gb, nil)

	require.NoError(t, h.orch.Select("tiny"))
	h.waitIdle(t)
	require.NoError(t, h.orch.Select("tiny", WithCompute(engine.ComputeOptions{Encoder: "cpu", Decoder: "gpu"})))
	s := h.waitIdle(t)

	assert.Equal(t, StateLoaded, s.State)
	assert.Equal(t, uint64(2), s.Generation)
	assert.Len(t, h.fake.Loads(), 2)
	assert.Equal(t, 2, h.fake.Unloads())
}

func TestRelease(t *testing.T) {
	h := newHarness(t, 100*gb, nil)

	require.NoError(t, h.orch.Release(), "release with nothing loaded is a no-op")
	assert.Equal(t, uint64(0), h.orch.Snapshot().Generation)

	require.NoError(t, h.orch.Select("tiny"))
	h.waitIdle(t)
	require.NoError(t, h.orch.Release())
	s := h.waitIdle(t)

	assert.Equal(t, StateUnloaded, s.State)
	assert.Empty(t, s.Model)
	assert.Equal(t, 0.0, s.Progress)
	assert.Equal(t, 2, h.fake.Unloads())

	states := h.states()
	assert.Equal(t, []State{StateLoaded, StateUnloading, StateUnloaded}, states[len(states)-3:])
}

func TestCancelledDownload_EndsWithoutError(t *testing.T) {
	h := newHarness(t, 100*gb, func(f *enginetest.Fake) { f.Gate = make(chan struct{}) })
	defer close(h.fake.Gate)

	require.NoError(t, h.orch.Select("base"))
	<-h.fake.Started()
	require.True(t, h.queue.Cancel("base"))
	s := h.waitIdle(t)

	assert.Equal(t, StateUnloaded, s.State)
	assert.False(t, s.HasError, "cancellation is not a user error")
	assert.False(t, h.reg.IsLocal("base"))
}

// =============================================================================
// Persistence and Observation
// =============================================================================

func TestRestoreLastSelected(t *testing.T) {
	h := newHarness(t, 100*gb, nil)

	assert.False(t, h.orch.RestoreLastSelected(context.Background()), "nothing stored yet")

	h.store.last = "base"
	assert.False(t, h.orch.RestoreLastSelected(context.Background()), "remote models are not restored")

	h.store.last = "tiny"
	require.True(t, h.orch.RestoreLastSelected(context.Background()))
	s := h.waitIdle(t)
	assert.Equal(t, StateLoaded, s.State)
	assert.Equal(t, "tiny", s.Model)
}

func TestLoaded_PersistsLastSelected(t *testing.T) {
	h := newHarness(t, 100*gb, nil)

	require.NoError(t, h.orch.Select("base"))
	h.waitIdle(t)

	last, err := h.store.LastSelected(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "base", last)
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, 100*gb, nil)

	ch, unsubscribe := h.orch.Subscribe(128)
	first := <-ch
	assert.Equal(t, StateUnloaded, first.State)

	require.NoError(t, h.orch.Select("tiny"))
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.State == StateLoaded {
				unsubscribe()
				unsubscribe()
				for range ch {
				}
				return
			}
		case <-deadline:
			t.Fatal("never observed loaded state")
		}
	}
}

func TestClose_RejectsCommands(t *testing.T) {
	h := newHarness(t, 100*gb, nil)
	h.orch.Close()

	assert.ErrorIs(t, h.orch.Select("tiny"), ErrClosed)

	ch, _ := h.orch.Subscribe(1)
	<-ch
	_, open := <-ch
	assert.False(t, open)
}
