// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry tracks which models exist, which are on disk, and how
// big they are.
//
// # Sources of truth
//
//	<model_root>/<id>/      one directory per local model (dot-dirs ignored)
//	engine catalog          supported + disabled identifiers (remote)
//	state store             measured sizes from earlier sessions
//
// Refresh merges the first two. Local models the remote catalog omits are
// kept, and a failed catalog request leaves the previous remote and
// disabled flags in place, so a flaky network neither hides a model that is
// already on disk nor re-enables one the engine disabled. Catalog ids that
// are not a single path component are ignored.
//
// # Invariants
//
//   - Available has no duplicates and keeps discovery order.
//   - Every Local id is in Available.
//   - Disabled ids are never Eligible for selection.
//   - A model that is currently downloading is not Local, even though its
//     partial directory exists.
//
// # Thread Safety
//
// Registry is safe for concurrent use. Concurrent Refresh calls coalesce
// into a single scan.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/modelslot/internal/engine"
	"github.com/AleutianAI/modelslot/internal/util"
)

// Descriptor describes one known model.
type Descriptor struct {
	ID string `json:"id"`

	// EstimatedBytes is the heuristic estimate until Measured is true, then
	// the measured on-disk size.
	EstimatedBytes int64 `json:"estimated_bytes"`
	Measured       bool  `json:"measured"`

	Local    bool `json:"local"`
	Remote   bool `json:"remote"`
	Disabled bool `json:"disabled"`
}

// CatalogSource provides the remote catalog. engine.Engine satisfies it.
type CatalogSource interface {
	ListSupportedModels(ctx context.Context) (engine.Catalog, error)
}

// SizeStore persists measured sizes. *store.Store satisfies it.
type SizeStore interface {
	MeasuredSizes(ctx context.Context) (map[string]int64, error)
	SaveMeasuredSize(ctx context.Context, id string, bytes int64) error
	DeleteMeasuredSize(ctx context.Context, id string) error
}

// Config configures a Registry.
type Config struct {
	// ModelRoot is the directory holding one subdirectory per model.
	ModelRoot string

	// Estimator guesses sizes of unmeasured models. Default: DefaultTierEstimator.
	Estimator SizeEstimator

	// Source provides the remote catalog. Nil means local-only.
	Source CatalogSource

	// Store persists measured sizes. Nil disables persistence.
	Store SizeStore

	Logger *slog.Logger
}

// Registry is the model registry.
type Registry struct {
	root      string
	estimator SizeEstimator
	source    CatalogSource
	store     SizeStore
	logger    *slog.Logger

	group singleflight.Group

	mu       sync.RWMutex
	models   map[string]*Descriptor
	order    []string
	pending  map[string]bool
	measured map[string]int64
}

// New creates an empty Registry. Call LoadMeasuredSizes and Refresh to
// populate it.
func New(cfg Config) *Registry {
	if cfg.Estimator == nil {
		cfg.Estimator = DefaultTierEstimator()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		root:      cfg.ModelRoot,
		estimator: cfg.Estimator,
		source:    cfg.Source,
		store:     cfg.Store,
		logger:    cfg.Logger.With("component", "registry"),
		models:    make(map[string]*Descriptor),
		pending:   make(map[string]bool),
		measured:  make(map[string]int64),
	}
}

// ModelRoot returns the model directory.
func (r *Registry) ModelRoot() string {
	return r.root
}

// ModelPath returns <model_root>/<id>.
func (r *Registry) ModelPath(id string) string {
	return filepath.Join(r.root, id)
}

// ValidID reports whether id names exactly one directory under the model
// root.
func ValidID(id string) bool {
	return id != "" && id != "." && id != ".." && filepath.Base(id) == id
}

// -----------------------------------------------------------------------------
// Refresh
// -----------------------------------------------------------------------------

// LoadMeasuredSizes seeds sizes measured in earlier sessions. They are
// attached to descriptors as models are discovered; a stored size alone
// does not make a model available.
func (r *Registry) LoadMeasuredSizes(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	sizes, err := r.store.MeasuredSizes(ctx)
	if err != nil {
		return fmt.Errorf("load measured sizes: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, bytes := range sizes {
		r.measured[id] = bytes
		if d, ok := r.models[id]; ok {
			d.EstimatedBytes = bytes
			d.Measured = true
		}
	}
	return nil
}

// Refresh rescans the model root and merges the remote catalog.
//
// # Description
//
// The local scan and the catalog request run concurrently. Scan errors are
// logged and count as zero local models; catalog errors are logged and
// keep the previous catalog. Neither is returned, so Refresh only fails if
// ctx is cancelled.
//
// Concurrent callers share one in-flight refresh.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err, shared := r.group.Do("refresh", func() (interface{}, error) {
		return nil, r.refresh(ctx)
	})
	if shared {
		r.logger.Debug("refresh coalesced with in-flight scan")
	}
	return err
}

func (r *Registry) refresh(ctx context.Context) error {
	var (
		local     []string
		catalog   engine.Catalog
		catalogOK bool
	)

	var g errgroup.Group
	g.Go(func() error {
		local = r.scanLocal()
		return nil
	})
	g.Go(func() error {
		catalog, catalogOK = r.fetchCatalog(ctx)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyLocalLocked(local)
	if catalogOK {
		r.applyCatalogLocked(catalog)
	}
	r.estimateLocked()

	r.logger.Info("registry refreshed",
		"available", len(r.order),
		"local", len(local),
		"remote", len(catalog.Supported),
		"disabled", len(catalog.Disabled),
	)
	return nil
}

// RescanLocal refreshes only the local set. Used by the model root watcher.
func (r *Registry) RescanLocal() {
	local := r.scanLocal()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyLocalLocked(local)
	r.estimateLocked()
}

// scanLocal lists model directories, skipping files and dot-entries.
func (r *Registry) scanLocal() []string {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("cannot enumerate model directory", "root", r.root, "error", err)
		}
		return nil
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !entry.IsDir() {
			continue
		}
		ids = append(ids, name)
	}
	return ids
}

// fetchCatalog reports ok=false when the catalog could not be fetched, so
// the caller keeps the flags from the last successful fetch.
func (r *Registry) fetchCatalog(ctx context.Context) (engine.Catalog, bool) {
	if r.source == nil {
		return engine.Catalog{}, true
	}
	catalog, err := r.source.ListSupportedModels(ctx)
	if err != nil {
		r.logger.Warn("remote model list unavailable, keeping previous catalog", "error", err)
		return engine.Catalog{}, false
	}
	return catalog, true
}

func (r *Registry) applyLocalLocked(local []string) {
	onDisk := make(map[string]bool, len(local))
	for _, id := range local {
		if r.pending[id] {
			continue
		}
		onDisk[id] = true
		r.ensureLocked(id).Local = true
	}
	for id, d := range r.models {
		if d.Local && !onDisk[id] {
			d.Local = false
		}
	}
}

func (r *Registry) applyCatalogLocked(catalog engine.Catalog) {
	remote := make(map[string]bool, len(catalog.Supported))
	for _, id := range catalog.Supported {
		if !ValidID(id) {
			r.logger.Warn("ignoring catalog entry that is not a plain directory name", "model", id)
			continue
		}
		remote[id] = true
		r.ensureLocked(id)
	}
	disabled := make(map[string]bool, len(catalog.Disabled))
	for _, id := range catalog.Disabled {
		if !ValidID(id) {
			r.logger.Warn("ignoring catalog entry that is not a plain directory name", "model", id)
			continue
		}
		disabled[id] = true
		r.ensureLocked(id)
	}
	for id, d := range r.models {
		d.Remote = remote[id]
		d.Disabled = disabled[id]
	}
}

func (r *Registry) estimateLocked() {
	for _, d := range r.models {
		if !d.Measured {
			d.EstimatedBytes = r.estimator.Estimate(d.ID)
		}
	}
}

// ensureLocked returns the descriptor for id, creating it and appending
// it to the discovery order if it is new.
func (r *Registry) ensureLocked(id string) *Descriptor {
	d, ok := r.models[id]
	if !ok {
		d = &Descriptor{ID: id, EstimatedBytes: r.estimator.Estimate(id)}
		if bytes, known := r.measured[id]; known {
			d.EstimatedBytes = bytes
			d.Measured = true
		}
		r.models[id] = d
		r.order = append(r.order, id)
	}
	return d
}

// -----------------------------------------------------------------------------
// Mutation
// -----------------------------------------------------------------------------

// MarkLocal records that id is fully on disk. Idempotent.
func (r *Registry) MarkLocal(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
	r.ensureLocked(id).Local = true
}

// UnmarkLocal records that id is no longer on disk. Idempotent.
func (r *Registry) UnmarkLocal(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.models[id]; ok {
		d.Local = false
	}
}

// MarkPending hides id from local scans while its directory is partial.
func (r *Registry) MarkPending(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[id] = true
}

// ClearPending undoes MarkPending without marking the model local.
func (r *Registry) ClearPending(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

// RecordMeasuredSize walks <model_root>/<id>, sums file sizes, and
// replaces the estimate. The size is persisted when a store is configured;
// a persistence failure is logged, not returned.
func (r *Registry) RecordMeasuredSize(ctx context.Context, id string) (int64, error) {
	size, err := util.DirSize(r.ModelPath(id))
	if err != nil {
		return 0, fmt.Errorf("measure %s: %w", id, err)
	}

	r.mu.Lock()
	r.measured[id] = size
	d := r.ensureLocked(id)
	d.EstimatedBytes = size
	d.Measured = true
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveMeasuredSize(ctx, id, size); err != nil {
			r.logger.Warn("failed to persist measured size", "model", id, "error", err)
		}
	}
	r.logger.Debug("measured model size", "model", id, "bytes", size, "size", util.FormatBytes(size))
	return size, nil
}

// Delete removes a local model's directory and forgets its measured size.
// The descriptor is dropped entirely when the remote catalog does not
// offer the model; otherwise it stays available for download.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return fmt.Errorf("delete %q: not a model directory name", id)
	}
	if err := os.RemoveAll(r.ModelPath(id)); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}

	r.mu.Lock()
	delete(r.measured, id)
	if d, ok := r.models[id]; ok {
		d.Local = false
		d.Measured = false
		d.EstimatedBytes = r.estimator.Estimate(id)
		if !d.Remote && !d.Disabled {
			delete(r.models, id)
			r.order = removeID(r.order, id)
		}
	}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteMeasuredSize(ctx, id); err != nil {
			r.logger.Warn("failed to forget measured size", "model", id, "error", err)
		}
	}
	r.logger.Info("model deleted", "model", id)
	return nil
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// Available returns every known id in discovery order.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Local returns local ids in discovery order.
func (r *Registry) Local() []string {
	return r.filter(func(d *Descriptor) bool { return d.Local })
}

// Disabled returns disabled ids in discovery order.
func (r *Registry) Disabled() []string {
	return r.filter(func(d *Descriptor) bool { return d.Disabled })
}

// Descriptors returns copies of every descriptor in discovery order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.models[id])
	}
	return out
}

// Descriptor returns a copy of id's descriptor.
func (r *Registry) Descriptor(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[id]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// IsLocal reports whether id is fully on disk.
func (r *Registry) IsLocal(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[id]
	return ok && d.Local
}

// Eligible reports whether id may be selected: known and not disabled.
func (r *Registry) Eligible(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[id]
	return ok && !d.Disabled
}

// EstimatedSize returns the best known size for id. Unknown ids get a
// fresh heuristic estimate.
func (r *Registry) EstimatedSize(id string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.models[id]; ok {
		return d.EstimatedBytes
	}
	if bytes, ok := r.measured[id]; ok {
		return bytes
	}
	return r.estimator.Estimate(id)
}

func (r *Registry) filter(keep func(*Descriptor) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.order {
		if keep(r.models[id]) {
			out = append(out, id)
		}
	}
	return out
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
