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
	"github.com/spf13/cobra"
)

var (
	configPath string
	noTUI      bool
	jsonOutput bool
	offline    bool
	encoder    string
	decoder    string
)

var (
	rootCmd = &cobra.Command{
		Use:   "modelslot",
		Short: "Download, prepare and load speech models into a single inference slot",
		Long: `modelslot manages the on-device model collection for a local inference
engine: it discovers models, downloads them with disk-space guards, and
moves one model at a time through prewarm and load into the active slot.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// --- Models ---
	modelsCmd = &cobra.Command{
		Use:     "models",
		Short:   "List known models with their size and status",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE:    runModelsList, // Defined in cmd_models.go
	}
	modelsRefreshCmd = &cobra.Command{
		Use:   "refresh",
		Short: "Re-read the local model directory and the remote catalog",
		Args:  cobra.NoArgs,
		RunE:  runModelsRefresh, // Defined in cmd_models.go
	}
	deleteCmd = &cobra.Command{
		Use:     "delete [model_id]",
		Short:   "Delete a downloaded model",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE:    runDelete, // Defined in cmd_models.go
	}
	diskCmd = &cobra.Command{
		Use:   "disk [model_id]",
		Short: "Show free space on the model volume, and whether a model fits",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runDisk, // Defined in cmd_models.go
	}
	cleanCmd = &cobra.Command{
		Use:   "clean",
		Short: "Clear the inference runtime's compiled-model caches",
		Args:  cobra.NoArgs,
		RunE:  runClean, // Defined in cmd_models.go
	}

	// --- Lifecycle ---
	pullCmd = &cobra.Command{
		Use:   "pull [model_id]",
		Short: "Download a model without loading it",
		Args:  cobra.ExactArgs(1),
		RunE:  runPull, // Defined in cmd_lifecycle.go
	}
	selectCmd = &cobra.Command{
		Use:   "select [model_id]",
		Short: "Download if needed, prewarm and load a model into the slot",
		Long: `Select runs the full lifecycle for one model: unload whatever is in the
slot, download the model if it is not local, prewarm it, then load it.
Without an argument an interactive picker is shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runSelect, // Defined in cmd_lifecycle.go
	}
	releaseCmd = &cobra.Command{
		Use:   "release",
		Short: "Unload the model from the slot",
		Args:  cobra.NoArgs,
		RunE:  runRelease, // Defined in cmd_lifecycle.go
	}

	// --- Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the status and control API",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (default ~/.modelslot/modelslot.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noTUI, "no-tui", false,
		"Print progress as plain lines even on a terminal")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false,
		"Skip the remote catalog; only local models are known")

	rootCmd.AddCommand(modelsCmd)
	modelsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print models as JSON")
	modelsCmd.AddCommand(modelsRefreshCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(diskCmd)
	rootCmd.AddCommand(cleanCmd)

	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(selectCmd)
	selectCmd.Flags().StringVar(&encoder, "encoder", "", "Compute units for the encoder (auto, cpu, gpu, ane)")
	selectCmd.Flags().StringVar(&decoder, "decoder", "", "Compute units for the decoder (auto, cpu, gpu, ane)")
	rootCmd.AddCommand(releaseCmd)

	rootCmd.AddCommand(serveCmd)
}
