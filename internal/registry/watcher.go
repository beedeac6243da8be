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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce batches bursts of directory events (an unzip, an
// rm -rf) into one rescan.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watcher rescans the local model set when entries appear in or vanish
// from the model root.
//
// Only the root itself is watched: a model becoming local or disappearing
// is always a create, remove or rename of a top-level directory. Writes
// inside a model directory are ignored.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onRescan func()

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher for r's model root, creating the root if it
// does not exist. onRescan, if non-nil, runs after each rescan.
func NewWatcher(r *Registry, debounce time.Duration, onRescan func()) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	if err := os.MkdirAll(r.ModelRoot(), 0o755); err != nil {
		return nil, fmt.Errorf("create model root: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(r.ModelRoot()); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", r.ModelRoot(), err)
	}
	return &Watcher{
		registry: r,
		watcher:  fw,
		debounce: debounce,
		onRescan: onRescan,
		done:     make(chan struct{}),
	}, nil
}

// Start processes events until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop ends event processing and releases the OS watch. Safe to call twice.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.registry.logger.Warn("model root watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			w.registry.RescanLocal()
			w.registry.logger.Debug("model root changed, local set rescanned")
			if w.onRescan != nil {
				w.onRescan()
			}
		}
	}
}

// relevant filters to top-level, non-hidden create/remove/rename events.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Dir(event.Name) != filepath.Clean(w.registry.ModelRoot()) {
		return false
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}
