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
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/AleutianAI/modelslot/internal/download"
	"github.com/AleutianAI/modelslot/internal/lifecycle"
)

// update is one step shown by a progress view.
type update struct {
	Label    string
	Progress float64
	Done     bool
	Err      error
}

// =============================================================================
// Sources
// =============================================================================

// snapshotUpdates converts orchestrator snapshots into updates. The view
// finishes on the first idle snapshot of generation gen or later.
func snapshotUpdates(ctx context.Context, snaps <-chan lifecycle.Snapshot, gen uint64) <-chan update {
	out := make(chan update, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-snaps:
				if !ok {
					return
				}
				u := snapshotUpdate(snap, gen)
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
				if u.Done {
					return
				}
			}
		}
	}()
	return out
}

func snapshotUpdate(snap lifecycle.Snapshot, gen uint64) update {
	u := update{Label: snap.State.String(), Progress: snap.Progress}
	if snap.Generation >= gen && !snap.Busy {
		u.Done = true
		u.Err = snap.Err
	}
	return u
}

// jobUpdates polls a download job until it finishes.
func jobUpdates(ctx context.Context, job *download.Job, every time.Duration) <-chan update {
	out := make(chan update, 16)
	go func() {
		defer close(out)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-job.Done():
				select {
				case out <- jobUpdate(job, true):
				case <-ctx.Done():
				}
				return
			case <-ticker.C:
				select {
				case out <- jobUpdate(job, false):
				default:
				}
			}
		}
	}()
	return out
}

func jobUpdate(job *download.Job, done bool) update {
	st := job.Status()
	u := update{Label: "downloading"}
	if st.Progress != nil {
		u.Progress = *st.Progress
	}
	if done {
		u.Done = true
		u.Err = job.Err()
		u.Label = "downloaded"
		if u.Err == nil {
			u.Progress = 1
		} else {
			u.Label = "failed"
		}
	}
	return u
}

// =============================================================================
// Interactive view
// =============================================================================

type closedMsg struct{}

// progressModel is the bubbletea model for an interactive progress bar.
type progressModel struct {
	title       string
	updates     <-chan update
	bar         progress.Model
	last        update
	interrupted bool
}

func newProgressModel(title string, updates <-chan update) progressModel {
	return progressModel{
		title:   title,
		updates: updates,
		bar:     progress.New(progress.WithGradient(string(colorTealDeep), string(colorTealBright)), progress.WithWidth(40)),
	}
}

func waitForUpdate(ch <-chan update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return u
	}
}

func (m progressModel) Init() tea.Cmd {
	return waitForUpdate(m.updates)
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case update:
		m.last = msg
		if msg.Done {
			return m, tea.Quit
		}
		return m, waitForUpdate(m.updates)
	case closedMsg:
		return m, tea.Quit
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.interrupted = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = max(10, min(msg.Width-20, 60))
	}
	return m, nil
}

func (m progressModel) View() string {
	var b strings.Builder
	b.WriteString(styles.Title.Render(m.title))
	b.WriteString("\n")
	b.WriteString(m.bar.ViewAs(m.last.Progress))
	b.WriteString(" ")
	b.WriteString(styles.Label.Render(m.last.Label))
	b.WriteString("\n")
	switch {
	case m.last.Done && m.last.Err != nil:
		b.WriteString(styles.Error.Render(m.last.Err.Error()))
		b.WriteString("\n")
	case !m.last.Done:
		b.WriteString(styles.Muted.Render("q to stop"))
		b.WriteString("\n")
	}
	return b.String()
}

// =============================================================================
// Line view
// =============================================================================

// lineStep is the progress change that prints a new line.
const lineStep = 0.1

// renderLines prints a line whenever the label changes or progress moves
// by lineStep, for logs and pipes where a redrawn bar would be noise.
func renderLines(w io.Writer, title string, updates <-chan update) update {
	fmt.Fprintln(w, title)
	var last update
	printed := -1.0
	for u := range updates {
		if u.Label != last.Label || u.Done || u.Progress-printed >= lineStep {
			fmt.Fprintf(w, "  %-12s %3.0f%%\n", u.Label, math.Floor(u.Progress*100))
			printed = u.Progress
		}
		last = u
		if u.Done {
			break
		}
	}
	return last
}

// =============================================================================
// Runner
// =============================================================================

// showProgress renders updates until done, with a bar on a terminal and
// plain lines otherwise. interrupt runs if the user stops the view.
func showProgress(title string, updates <-chan update, interrupt func()) (update, error) {
	if noTUI || !isTerminal(os.Stdout) {
		return renderLines(os.Stdout, title, updates), nil
	}

	final, err := tea.NewProgram(newProgressModel(title, updates)).Run()
	if err != nil {
		return update{}, fmt.Errorf("progress view: %w", err)
	}
	m := final.(progressModel)
	if m.interrupted {
		if interrupt != nil {
			interrupt()
		}
		return update{Label: "stopped", Progress: m.last.Progress, Done: true}, nil
	}
	return m.last, nil
}
