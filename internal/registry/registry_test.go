// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/modelslot/internal/engine"
)

// =============================================================================
// Test Helpers
// =============================================================================

// stubSource is a CatalogSource returning a fixed catalog or error.
type stubSource struct {
	catalog engine.Catalog
	err     error
	calls   atomic.Int32
	delay   time.Duration
}

func (s *stubSource) ListSupportedModels(ctx context.Context) (engine.Catalog, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.catalog, s.err
}

// memStore is an in-memory SizeStore.
type memStore struct {
	mu    sync.Mutex
	sizes map[string]int64
}

func newMemStore() *memStore { return &memStore{sizes: make(map[string]int64)} }

func (m *memStore) MeasuredSizes(ctx context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.sizes))
	for k, v := range m.sizes {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) SaveMeasuredSize(ctx context.Context, id string, bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes[id] = bytes
	return nil
}

func (m *memStore) DeleteMeasuredSize(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sizes, id)
	return nil
}

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func mkModel(t *testing.T, root, id string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, id), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, id, "weights.bin"), make([]byte, size), 0o644))
}

// =============================================================================
// Refresh Tests
// =============================================================================

// TestRefresh_MergeInvariant verifies local ∪ remote merging: hidden dirs
// and plain files are skipped, local ⊆ available, and available has no
// duplicates.
func TestRefresh_MergeInvariant(t *testing.T) {
	root := t.TempDir()
	mkModel(t, root, "tiny", 10)
	mkModel(t, root, "custom-finetune", 10)
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".cache"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0o644))

	src := &stubSource{catalog: engine.Catalog{
		Supported: []string{"tiny", "base", "large-v3"},
		Disabled:  []string{"large-v3"},
	}}
	r := New(Config{ModelRoot: root, Source: src, Logger: quietLogger()})

	require.NoError(t, r.Refresh(context.Background()))

	available := r.Available()
	assert.ElementsMatch(t, []string{"tiny", "custom-finetune", "base", "large-v3"}, available)
	assert.Len(t, available, 4, "no duplicates")

	local := r.Local()
	assert.ElementsMatch(t, []string{"tiny", "custom-finetune"}, local)
	for _, id := range local {
		assert.Contains(t, available, id)
	}

	assert.Equal(t, []string{"large-v3"}, r.Disabled())
	assert.False(t, r.Eligible("large-v3"))
	assert.True(t, r.Eligible("base"))
	assert.False(t, r.Eligible("unknown"))
}

// TestRefresh_KeepsLocalOmittedByRemote verifies remote omission never
// removes a local model.
func TestRefresh_KeepsLocalOmittedByRemote(t *testing.T) {
	root := t.TempDir()
	mkModel(t, root, "custom", 10)

	src := &stubSource{catalog: engine.Catalog{Supported: []string{"base"}}}
	r := New(Config{ModelRoot: root, Source: src, Logger: quietLogger()})
	require.NoError(t, r.Refresh(context.Background()))

	d, ok := r.Descriptor("custom")
	require.True(t, ok)
	assert.True(t, d.Local)
	assert.False(t, d.Remote)
}

// TestRefresh_RemoteFailureTreatedAsEmpty verifies a catalog error is not fatal.
func TestRefresh_RemoteFailureTreatedAsEmpty(t *testing.T) {
	root := t.TempDir()
	mkModel(t, root, "tiny", 10)

	src := &stubSource{err: errors.New("offline")}
	r := New(Config{ModelRoot: root, Source: src, Logger: quietLogger()})

	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, []string{"tiny"}, r.Available())
	assert.Equal(t, []string{"tiny"}, r.Local())
}

// TestRefresh_RemoteFailureKeepsDisabled verifies a failed catalog request
// keeps the flags from the last successful one.
func TestRefresh_RemoteFailureKeepsDisabled(t *testing.T) {
	src := &stubSource{catalog: engine.Catalog{
		Supported: []string{"tiny", "large-v3"},
		Disabled:  []string{"large-v3"},
	}}
	r := New(Config{ModelRoot: t.TempDir(), Source: src, Logger: quietLogger()})
	require.NoError(t, r.Refresh(context.Background()))
	require.False(t, r.Eligible("large-v3"))

	src.err = errors.New("offline")
	require.NoError(t, r.Refresh(context.Background()))

	assert.Equal(t, []string{"large-v3"}, r.Disabled())
	assert.False(t, r.Eligible("large-v3"))
	d, ok := r.Descriptor("tiny")
	require.True(t, ok)
	assert.True(t, d.Remote)
	assert.True(t, r.Eligible("tiny"))
}

// TestRefresh_RemoteFailureStillRescansLocal verifies local changes are
// picked up while the catalog is unreachable.
func TestRefresh_RemoteFailureStillRescansLocal(t *testing.T) {
	root := t.TempDir()
	src := &stubSource{catalog: engine.Catalog{Supported: []string{"base"}}}
	r := New(Config{ModelRoot: root, Source: src, Logger: quietLogger()})
	require.NoError(t, r.Refresh(context.Background()))

	src.err = errors.New("offline")
	mkModel(t, root, "custom", 10)
	require.NoError(t, r.Refresh(context.Background()))

	assert.True(t, r.IsLocal("custom"))
	assert.ElementsMatch(t, []string{"base", "custom"}, r.Available())
}

// TestRefresh_IgnoresUnsafeCatalogIDs verifies catalog entries that would
// resolve outside a single model directory never become descriptors.
func TestRefresh_IgnoresUnsafeCatalogIDs(t *testing.T) {
	root := t.TempDir()
	mkModel(t, root, "tiny", 10)

	src := &stubSource{catalog: engine.Catalog{
		Supported: []string{"tiny", ".", "..", "", "../escape", "nested/model"},
		Disabled:  []string{"/abs", "large-v3"},
	}}
	r := New(Config{ModelRoot: root, Source: src, Logger: quietLogger()})
	require.NoError(t, r.Refresh(context.Background()))

	assert.ElementsMatch(t, []string{"tiny", "large-v3"}, r.Available())
	assert.False(t, r.Eligible("."))
	assert.False(t, r.Eligible("../escape"))
}

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"tiny", true},
		{"distil-large-v3", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../x", false},
		{"a/b", false},
		{"/abs", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidID(tt.id))
		})
	}
}

// TestRefresh_EnumerationErrorIsEmpty verifies an unreadable root yields
// zero local models without failing.
func TestRefresh_EnumerationErrorIsEmpty(t *testing.T) {
	root := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(root, []byte("x"), 0o644))

	r := New(Config{ModelRoot: root, Logger: quietLogger()})
	require.NoError(t, r.Refresh(context.Background()))
	assert.Empty(t, r.Local())

	missing := New(Config{ModelRoot: filepath.Join(t.TempDir(), "missing"), Logger: quietLogger()})
	require.NoError(t, missing.Refresh(context.Background()))
	assert.Empty(t, missing.Available())
}

// TestRefresh_DetectsExternalRemoval verifies a rescan drops models whose
// directory vanished.
func TestRefresh_DetectsExternalRemoval(t *testing.T) {
	root := t.TempDir()
	mkModel(t, root, "tiny", 10)
	r := New(Config{ModelRoot: root, Logger: quietLogger()})
	require.NoError(t, r.Refresh(context.Background()))
	require.True(t, r.IsLocal("tiny"))

	require.NoError(t, os.RemoveAll(filepath.Join(root, "tiny")))
	r.RescanLocal()
	assert.False(t, r.IsLocal("tiny"))
}

// TestRefresh_Coalesces verifies concurrent refreshes share one scan.
func TestRefresh_Coalesces(t *testing.T) {
	src := &stubSource{delay: 100 * time.Millisecond}
	r := New(Config{ModelRoot: t.TempDir(), Source: src, Logger: quietLogger()})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Refresh(context.Background()))
		}()
	}
	wg.Wait()

	assert.Less(t, int(src.calls.Load()), 5)
}

func TestRefresh_PendingNotLocal(t *testing.T) {
	root := t.TempDir()
	mkModel(t, root, "medium", 10)
	r := New(Config{ModelRoot: root, Logger: quietLogger()})

	r.MarkPending("medium")
	require.NoError(t, r.Refresh(context.Background()))
	assert.False(t, r.IsLocal("medium"), "partial download must not count as local")

	r.MarkLocal("medium")
	require.NoError(t, r.Refresh(context.Background()))
	assert.True(t, r.IsLocal("medium"))
}

// =============================================================================
// Size Tests
// =============================================================================

func TestTierEstimator(t *testing.T) {
	e := DefaultTierEstimator()
	margin := func(b int64) int64 { return int64(float64(b) * 1.2) }

	tests := []struct {
		id   string
		want int64
	}{
		{"openai_whisper-large-v3", margin(3 << 30)},
		{"distil-large-v3", margin(3 << 30)},
		{"medium.en", margin(1536 << 20)},
		{"small", margin(500 << 20)},
		{"BASE.en", margin(150 << 20)},
		{"tiny", margin(75 << 20)},
		{"something-else", margin(75 << 20)},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.InDelta(t, tt.want, e.Estimate(tt.id), 1)
		})
	}

	assert.Greater(t, e.Estimate("large"), e.Estimate("medium"))
	assert.Greater(t, e.Estimate("base"), e.Estimate("tiny"))
}

func TestTierEstimator_MarginFloor(t *testing.T) {
	e := TierEstimator{DefaultBytes: 100, SafetyMargin: 0.5}
	assert.Equal(t, int64(100), e.Estimate("x"))
}

// TestRecordMeasuredSize verifies the recursive walk overwrites the
// estimate and is persisted.
func TestRecordMeasuredSize(t *testing.T) {
	root := t.TempDir()
	mkModel(t, root, "base", 1000)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "base", "Encoder.mlmodelc", "weights"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "base", "Encoder.mlmodelc", "weights", "w.bin"), make([]byte, 500), 0o644))

	st := newMemStore()
	r := New(Config{ModelRoot: root, Store: st, Logger: quietLogger()})
	require.NoError(t, r.Refresh(context.Background()))
	assert.Greater(t, r.EstimatedSize("base"), int64(1500))

	size, err := r.RecordMeasuredSize(context.Background(), "base")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), size)
	assert.Equal(t, int64(1500), r.EstimatedSize("base"))

	d, _ := r.Descriptor("base")
	assert.True(t, d.Measured)

	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, int64(1500), r.EstimatedSize("base"), "refresh keeps measured size")

	stored, _ := st.MeasuredSizes(context.Background())
	assert.Equal(t, int64(1500), stored["base"])
}

func TestLoadMeasuredSizes(t *testing.T) {
	root := t.TempDir()
	mkModel(t, root, "small", 10)
	st := newMemStore()
	st.sizes["small"] = 480_000_000
	st.sizes["gone"] = 1

	r := New(Config{ModelRoot: root, Store: st, Logger: quietLogger()})
	require.NoError(t, r.LoadMeasuredSizes(context.Background()))
	require.NoError(t, r.Refresh(context.Background()))

	assert.Equal(t, int64(480_000_000), r.EstimatedSize("small"))
	assert.NotContains(t, r.Available(), "gone", "a stored size alone does not make a model available")
}

// =============================================================================
// Mutation Tests
// =============================================================================

func TestMarkLocal_Idempotent(t *testing.T) {
	r := New(Config{ModelRoot: t.TempDir(), Logger: quietLogger()})

	r.MarkLocal("tiny")
	r.MarkLocal("tiny")
	assert.Equal(t, []string{"tiny"}, r.Local())
	assert.Equal(t, []string{"tiny"}, r.Available())

	r.UnmarkLocal("tiny")
	r.UnmarkLocal("tiny")
	r.UnmarkLocal("never-known")
	assert.Empty(t, r.Local())
	assert.Equal(t, []string{"tiny"}, r.Available())
}

func TestDelete(t *testing.T) {
	root := t.TempDir()
	mkModel(t, root, "base", 10)
	mkModel(t, root, "custom", 10)
	src := &stubSource{catalog: engine.Catalog{Supported: []string{"base"}}}
	st := newMemStore()
	r := New(Config{ModelRoot: root, Source: src, Store: st, Logger: quietLogger()})
	require.NoError(t, r.Refresh(context.Background()))
	_, err := r.RecordMeasuredSize(context.Background(), "base")
	require.NoError(t, err)

	require.NoError(t, r.Delete(context.Background(), "base"))
	require.NoError(t, r.Delete(context.Background(), "custom"))

	_, statErr := os.Stat(filepath.Join(root, "base"))
	assert.True(t, os.IsNotExist(statErr))

	d, ok := r.Descriptor("base")
	require.True(t, ok, "remote model stays available for download")
	assert.False(t, d.Local)
	assert.False(t, d.Measured)

	_, ok = r.Descriptor("custom")
	assert.False(t, ok, "local-only model is forgotten")

	stored, _ := st.MeasuredSizes(context.Background())
	assert.NotContains(t, stored, "base")
}

func TestDelete_RejectsUnsafeID(t *testing.T) {
	root := t.TempDir()
	mkModel(t, root, "tiny", 10)
	r := New(Config{ModelRoot: root, Logger: quietLogger()})

	assert.Error(t, r.Delete(context.Background(), "."))
	assert.Error(t, r.Delete(context.Background(), "../tiny"))

	_, err := os.Stat(filepath.Join(root, "tiny"))
	assert.NoError(t, err)
}

// =============================================================================
// Watcher Tests
// =============================================================================

func TestWatcher_RescansOnNewModel(t *testing.T) {
	root := t.TempDir()
	r := New(Config{ModelRoot: root, Logger: quietLogger()})

	rescanned := make(chan struct{}, 8)
	w, err := NewWatcher(r, 20*time.Millisecond, func() { rescanned <- struct{}{} })
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	mkModel(t, root, "tiny", 10)

	require.Eventually(t, func() bool { return r.IsLocal("tiny") }, 3*time.Second, 10*time.Millisecond)
	select {
	case <-rescanned:
	case <-time.After(time.Second):
		t.Fatal("onRescan not called")
	}
}
