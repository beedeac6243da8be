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
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/modelslot/internal/download"
	"github.com/AleutianAI/modelslot/internal/engine"
	"github.com/AleutianAI/modelslot/internal/lifecycle"
	"github.com/AleutianAI/modelslot/internal/registry"
	"github.com/AleutianAI/modelslot/internal/util"
	"github.com/AleutianAI/modelslot/pkg/modelerr"
)

const pollInterval = 100 * time.Millisecond

var errInterrupted = errors.New("interrupted")

// =============================================================================
// pull
// =============================================================================

func runPull(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{quiet: true, offline: offline})
	if err != nil {
		return err
	}
	defer a.Close()

	id := args[0]
	w := cmd.OutOrStdout()
	if !a.registry.Eligible(id) {
		return fmt.Errorf("%s is not available on this device", id)
	}

	job, err := startPull(ctx, w, a, id)
	if errors.Is(err, download.ErrAlreadyLocal) {
		fmt.Fprintln(w, styles.Muted.Render(id+" is already downloaded"))
		return nil
	}
	if err != nil {
		return err
	}

	viewCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	final, err := showProgress("Downloading "+id, jobUpdates(viewCtx, job, pollInterval), func() {
		a.queue.Cancel(id)
	})
	if err != nil {
		return err
	}
	if !final.Done || final.Label == "stopped" {
		return errInterrupted
	}
	if final.Err != nil {
		if modelerr.IsCancelled(final.Err) {
			return errInterrupted
		}
		return final.Err
	}

	fmt.Fprintln(w, styles.Success.Render(fmt.Sprintf("Downloaded %s (%s)", id, util.FormatBytes(a.registry.EstimatedSize(id)))))
	return nil
}

// startPull starts the download. When the preflight finds too little
// space, runtime caches are cleared and the download is tried once more.
func startPull(ctx context.Context, w io.Writer, a *app, id string) (*download.Job, error) {
	job, err := a.queue.Start(id)
	if kind, ok := modelerr.KindOf(err); !ok || kind != modelerr.KindDiskSpaceInsufficient {
		return job, err
	}

	fmt.Fprintln(w, styles.Warning.Render("Not enough disk space; clearing runtime caches and retrying"))
	a.probeEngineVersion(ctx)
	report := a.cleaner.ClearRuntimeCache(ctx)
	fmt.Fprintln(w, styles.Muted.Render("Freed "+util.FormatBytes(report.Freed)))
	a.queue.ClearError(id)
	return a.queue.Start(id)
}

// =============================================================================
// select
// =============================================================================

func runSelect(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{quiet: true, offline: offline})
	if err != nil {
		return err
	}
	defer a.Close()

	var id string
	if len(args) == 1 {
		id = args[0]
	} else {
		if !isTerminal(os.Stdin) {
			return errors.New("a model id is required when not running in a terminal")
		}
		if id, err = pickModel(a.registry.Descriptors()); err != nil {
			return err
		}
	}

	var opts []lifecycle.SelectOption
	if encoder != "" || decoder != "" {
		compute := engine.ComputeOptions{Encoder: a.cfg.Compute.Encoder, Decoder: a.cfg.Compute.Decoder}
		if encoder != "" {
			compute.Encoder = encoder
		}
		if decoder != "" {
			compute.Decoder = decoder
		}
		opts = append(opts, lifecycle.WithCompute(compute))
	}

	if err := a.orch.Select(id, opts...); err != nil {
		if errors.Is(err, lifecycle.ErrNotEligible) {
			return fmt.Errorf("%s is not available on this device", id)
		}
		return err
	}
	gen := a.orch.Snapshot().Generation

	snaps, unsubscribe := a.orch.Subscribe(32)
	defer unsubscribe()

	final, err := showProgress("Selecting "+id, snapshotUpdates(ctx, snaps, gen), nil)
	if err != nil {
		return err
	}
	if !final.Done || final.Label == "stopped" {
		return errInterrupted
	}
	if final.Err != nil {
		return final.Err
	}
	fmt.Fprintln(cmd.OutOrStdout(), styles.Success.Render(id+" is loaded"))
	return nil
}

// pickModel shows an interactive model picker.
func pickModel(descs []registry.Descriptor) (string, error) {
	options := modelOptions(descs)
	if len(options) == 0 {
		return "", errors.New("no models available; is the engine running?")
	}
	var id string
	err := huh.NewSelect[string]().
		Title("Select a model").
		Options(options...).
		Value(&id).
		Run()
	if err != nil {
		return "", err
	}
	return id, nil
}

// modelOptions lists selectable models, local ones first.
func modelOptions(descs []registry.Descriptor) []huh.Option[string] {
	var local, remote []huh.Option[string]
	for _, d := range descs {
		if d.Disabled {
			continue
		}
		if d.Local {
			local = append(local, huh.NewOption(d.ID+"  (downloaded)", d.ID))
			continue
		}
		remote = append(remote, huh.NewOption(fmt.Sprintf("%s  (%s download)", d.ID, sizeLabel(d)), d.ID))
	}
	return append(local, remote...)
}

// =============================================================================
// release
// =============================================================================

// runRelease asks the engine to unload. A one-shot process starts with an
// empty slot, so this goes to the engine directly instead of through the
// orchestrator.
func runRelease(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{quiet: true, offline: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.Unload(cmd.Context()); err != nil {
		return fmt.Errorf("unload: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), styles.Success.Render("Slot released"))
	return nil
}
