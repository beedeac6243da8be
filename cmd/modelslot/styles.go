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

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	colorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	colorTealPrimary = lipgloss.Color("#20B9B4")
	colorTealDeep    = lipgloss.Color("#16858E") // borders
	colorSlate       = lipgloss.Color("#2C4A54") // muted text
	colorWarning     = lipgloss.Color("#F4D03F")
	colorError       = lipgloss.Color("#E74C3C")
)

var styles = struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Header  lipgloss.Style
	Cell    lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorTealBright),
	Label:   lipgloss.NewStyle().Foreground(colorTealPrimary),
	Muted:   lipgloss.NewStyle().Foreground(colorSlate),
	Success: lipgloss.NewStyle().Foreground(colorTealBright),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorError).Bold(true),
	Header:  lipgloss.NewStyle().Bold(true).Foreground(colorTealBright).Padding(0, 1),
	Cell:    lipgloss.NewStyle().Padding(0, 1),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorTealDeep).
		Padding(0, 1),
}

// isTerminal reports whether f is an interactive terminal.
func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
