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
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/modelslot/internal/cleanup"
	"github.com/AleutianAI/modelslot/internal/registry"
	"github.com/AleutianAI/modelslot/internal/util"
)

func runModelsList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{quiet: true, offline: offline})
	if err != nil {
		return err
	}
	defer a.Close()
	return printModels(cmd.OutOrStdout(), a.registry.Descriptors(), jsonOutput)
}

func runModelsRefresh(cmd *cobra.Command, args []string) error {
	// newApp already refreshes unless offline.
	a, err := newApp(cmd.Context(), appOptions{quiet: true, offline: offline})
	if err != nil {
		return err
	}
	defer a.Close()
	descs := a.registry.Descriptors()
	fmt.Fprintln(cmd.OutOrStdout(), styles.Success.Render(fmt.Sprintf("Found %d models", len(descs))))
	return printModels(cmd.OutOrStdout(), descs, false)
}

// printModels writes a table, or JSON for scripting.
func printModels(w io.Writer, descs []registry.Descriptor, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(descs)
	}
	if len(descs) == 0 {
		fmt.Fprintln(w, styles.Muted.Render("No models known. Is the engine running?"))
		return nil
	}

	rows := make([][]string, 0, len(descs))
	for _, d := range descs {
		rows = append(rows, []string{d.ID, sizeLabel(d), statusLabel(d)})
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorTealDeep)).
		Headers("MODEL", "SIZE", "STATUS").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styles.Header
			}
			return styles.Cell
		})
	fmt.Fprintln(w, t.Render())
	return nil
}

func sizeLabel(d registry.Descriptor) string {
	if d.Measured {
		return util.FormatBytes(d.EstimatedBytes)
	}
	return "~" + util.FormatBytes(d.EstimatedBytes)
}

func statusLabel(d registry.Descriptor) string {
	switch {
	case d.Disabled:
		return "unsupported"
	case d.Local:
		return "downloaded"
	default:
		return "available"
	}
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{quiet: true, offline: true})
	if err != nil {
		return err
	}
	defer a.Close()

	id := args[0]
	if !a.registry.IsLocal(id) {
		return fmt.Errorf("%s is not downloaded", id)
	}
	if err := a.registry.Delete(cmd.Context(), id); err != nil {
		return err
	}
	a.queue.ClearError(id)
	fmt.Fprintln(cmd.OutOrStdout(), styles.Success.Render("Deleted "+id))
	return nil
}

func runDisk(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{quiet: true, offline: offline})
	if err != nil {
		return err
	}
	defer a.Close()

	var id string
	var required int64
	if len(args) == 1 {
		id = args[0]
		required = a.registry.EstimatedSize(id)
	}
	res, err := a.guard.Check(required)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s %s free on %s\n",
		styles.Label.Render("Disk:"), util.FormatBytes(res.Available), a.registry.ModelRoot())
	if id == "" {
		return nil
	}
	if res.Sufficient {
		fmt.Fprintln(w, styles.Success.Render(fmt.Sprintf("%s fits (needs %s)", id, util.FormatBytes(res.Required))))
		return nil
	}
	fmt.Fprintln(w, styles.Warning.Render(fmt.Sprintf("%s does not fit (needs %s)", id, util.FormatBytes(res.Required))))
	return res.Err(id)
}

func runClean(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{quiet: true, offline: true})
	if err != nil {
		return err
	}
	defer a.Close()

	a.probeEngineVersion(cmd.Context())
	printReport(cmd.OutOrStdout(), a.cleaner.ClearRuntimeCache(cmd.Context()))
	return nil
}

func printReport(w io.Writer, r cleanup.Report) {
	if len(r.Removed) == 0 && r.Failed == 0 {
		fmt.Fprintln(w, styles.Muted.Render("Runtime cache already clean"))
		return
	}
	for _, path := range r.Removed {
		fmt.Fprintln(w, styles.Muted.Render("  removed "+path))
	}
	fmt.Fprintln(w, styles.Success.Render("Freed "+util.FormatBytes(r.Freed)))
	if r.Failed > 0 {
		fmt.Fprintln(w, styles.Warning.Render(fmt.Sprintf("%d entries could not be removed; see the log", r.Failed)))
	}
}
