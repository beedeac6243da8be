// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package enginetest provides a scripted in-process engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/modelslot/internal/engine"
)

// Fake is a scripted engine.Engine.
//
// Download writes DownloadBytes into <ModelRoot>/<id>/weights.bin in
// DownloadSteps chunks, reporting progress after each one. When Gate is
// non-nil the download reports its first chunk and then blocks until Gate
// is closed or the context is cancelled, which lets tests observe and
// cancel in-flight jobs.
//
// PrewarmErrs and LoadErrs are consumed one entry per call; a nil entry or
// an exhausted list means success. OpDelay makes Prewarm and Load take
// that long, so synthetic progress has time to tick.
type Fake struct {
	ModelRoot     string
	Catalog       engine.Catalog
	ListErr       error
	EngineVersion string

	DownloadBytes int
	DownloadSteps int
	DownloadErr   map[string]error
	Gate          chan struct{}

	PrewarmErrs []error
	LoadErrs    []error
	OpDelay     time.Duration

	mu        sync.Mutex
	calls     []string
	downloads []string
	prewarms  []string
	loads     []string
	unloads   int
	lists     int
	started   chan string
}

// New returns a Fake writing into modelRoot.
func New(modelRoot string) *Fake {
	return &Fake{
		ModelRoot:     modelRoot,
		EngineVersion: "v1.0.0",
		DownloadBytes: 1024,
		DownloadSteps: 4,
		DownloadErr:   make(map[string]error),
		started:       make(chan string, 64),
	}
}

var _ engine.Engine = (*Fake)(nil)

// Version implements engine.Engine.
func (f *Fake) Version(ctx context.Context) (string, error) {
	return f.EngineVersion, nil
}

// ListSupportedModels implements engine.Engine.
func (f *Fake) ListSupportedModels(ctx context.Context) (engine.Catalog, error) {
	f.mu.Lock()
	f.lists++
	f.mu.Unlock()
	if f.ListErr != nil {
		return engine.Catalog{}, f.ListErr
	}
	return f.Catalog, nil
}

// Download implements engine.Engine.
func (f *Fake) Download(ctx context.Context, id, repo string, progress engine.ProgressFunc) (string, error) {
	f.mu.Lock()
	f.downloads = append(f.downloads, id)
	f.mu.Unlock()
	select {
	case f.started <- id:
	default:
	}

	dir := filepath.Join(f.ModelRoot, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	file, err := os.Create(filepath.Join(dir, "weights.bin"))
	if err != nil {
		return "", err
	}
	defer file.Close()

	steps := f.DownloadSteps
	if steps < 1 {
		steps = 1
	}
	chunk := make([]byte, f.DownloadBytes/steps)
	for i := 1; i <= steps; i++ {
		if err := ctx.Err(); err != nil {
			return "", &engine.Error{Op: "download", Model: id, Message: "download cancelled", Err: err}
		}
		if _, err := file.Write(chunk); err != nil {
			return "", err
		}
		if progress != nil {
			progress(float64(i) / float64(steps))
		}
		if i == 1 && f.Gate != nil {
			select {
			case <-f.Gate:
			case <-ctx.Done():
				return "", &engine.Error{Op: "download", Model: id, Message: "download cancelled", Err: ctx.Err()}
			}
		}
	}

	if err := f.DownloadErr[id]; err != nil {
		return "", err
	}
	return dir, nil
}

// Prewarm implements engine.Engine.
func (f *Fake) Prewarm(ctx context.Context, path string, compute engine.ComputeOptions) error {
	if err := f.delay(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prewarms = append(f.prewarms, path)
	f.calls = append(f.calls, "prewarm "+filepath.Base(path))
	return pop(&f.PrewarmErrs)
}

// Load implements engine.Engine.
func (f *Fake) Load(ctx context.Context, path string, compute engine.ComputeOptions) error {
	if err := f.delay(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, path)
	f.calls = append(f.calls, "load "+filepath.Base(path))
	return pop(&f.LoadErrs)
}

// Unload implements engine.Engine.
func (f *Fake) Unload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads++
	f.calls = append(f.calls, "unload")
	return nil
}

// Calls returns prewarm, load and unload calls in order, as
// "prewarm <id>", "load <id>" and "unload".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) delay(ctx context.Context) error {
	if f.OpDelay <= 0 {
		return nil
	}
	t := time.NewTimer(f.OpDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Started receives the id of every download as it begins.
func (f *Fake) Started() <-chan string {
	return f.started
}

// Downloads returns the ids passed to Download, in call order.
func (f *Fake) Downloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.downloads...)
}

// Prewarms returns the paths passed to Prewarm.
func (f *Fake) Prewarms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prewarms...)
}

// Loads returns the paths passed to Load.
func (f *Fake) Loads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.loads...)
}

// Unloads returns the number of Unload calls.
func (f *Fake) Unloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unloads
}

// Lists returns the number of ListSupportedModels calls.
func (f *Fake) Lists() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

// MakeLocal creates <ModelRoot>/<id> with a file of the given size, as if
// the model had been downloaded in an earlier session.
func MakeLocal(root, id string, size int) error {
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return os.WriteFile(filepath.Join(dir, "weights.bin"), make([]byte, size), 0o644)
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}
