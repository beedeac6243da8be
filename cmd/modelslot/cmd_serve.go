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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/modelslot/internal/registry"
	"github.com/AleutianAI/modelslot/internal/statusapi"
)

// runServe runs the API until SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{offline: offline})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Lifecycle.WatchModelRoot {
		w, err := registry.NewWatcher(a.registry, 0, nil)
		if err != nil {
			a.logger.Warn("model root watch disabled", "error", err)
		} else {
			w.Start(ctx)
			defer w.Stop()
		}
	}

	if a.cfg.Lifecycle.RestoreLastSelected {
		a.orch.RestoreLastSelected(ctx)
	}

	srv := statusapi.New(statusapi.Config{
		Listen:      a.cfg.API.Listen,
		ServiceName: "modelslot",
		Logger:      a.logger,
	}, statusapi.Deps{
		Lifecycle: a.orch,
		Registry:  a.registry,
		Downloads: a.queue,
		Cleaner:   a.cleaner,
		Disk:      a.guard,
	})
	return srv.Run(ctx)
}
