// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package progress turns lifecycle phases into one monotonic 0..1 value.
//
// # Phase plan
//
// The range is split into consecutive phases, each ending at a target:
//
//	0.0 ──── acquire ──── 0.2 ──── prepare ──── 0.7 ──── activate ──── 1.0
//	         (relayed)             (synthetic)            (synthetic)
//
// A phase whose operation reports real progress is relayed into its
// sub-range. A phase that reports nothing (prewarm, load) gets a synthetic
// curve that approaches the target asymptotically:
//
//	v(t) = start + (target − start)(1 − e^{−kt}),  k = −ln(0.05) / maxTime
//
// so 95% of the sub-range is covered at maxTime and the target itself is
// never reached until the real operation finishes and the value snaps. A
// phase that takes longer than maxTime simply creeps; maxTime is pacing,
// not a deadline.
//
// # Ordering
//
// A synthetic Run must be stopped before its phase's completion value is
// written. Stop cancels the ticker goroutine and waits for it to exit, so
// every synthetic update is emitted before Stop returns. Consumers also
// discard updates whose Token is not the current one.
package progress

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Standard phase names.
const (
	PhaseAcquire  = "acquire"
	PhasePrepare  = "prepare"
	PhaseActivate = "activate"
)

// DefaultTick is the synthetic update period.
const DefaultTick = 200 * time.Millisecond

// residual is the fraction of a phase left uncovered at maxTime.
const residual = 0.05

// Phase is one slice of the progress range.
type Phase struct {
	Name    string
	Target  float64
	MaxTime time.Duration
}

// Plan is an immutable, validated ordered list of phases.
type Plan struct {
	phases []Phase
}

// NewPlan validates phases: at least one, names unique, targets strictly
// increasing within (0, 1], the last exactly 1.0.
func NewPlan(phases ...Phase) (Plan, error) {
	if len(phases) == 0 {
		return Plan{}, fmt.Errorf("progress plan needs at least one phase")
	}
	seen := make(map[string]bool, len(phases))
	prev := 0.0
	for _, p := range phases {
		if p.Name == "" {
			return Plan{}, fmt.Errorf("progress phase without a name")
		}
		if seen[p.Name] {
			return Plan{}, fmt.Errorf("duplicate progress phase %q", p.Name)
		}
		seen[p.Name] = true
		if p.Target <= prev || p.Target > 1 {
			return Plan{}, fmt.Errorf("phase %q target %.2f must be in (%.2f, 1]", p.Name, p.Target, prev)
		}
		if p.MaxTime < 0 {
			return Plan{}, fmt.Errorf("phase %q has negative max time", p.Name)
		}
		prev = p.Target
	}
	if prev != 1 {
		return Plan{}, fmt.Errorf("last phase must end at 1.0, got %.2f", prev)
	}
	return Plan{phases: append([]Phase(nil), phases...)}, nil
}

// DefaultPlan is acquire 0→0.2, prepare 0.2→0.7 (90s), activate 0.7→1.0 (20s).
func DefaultPlan() Plan {
	p, err := NewPlan(
		Phase{Name: PhaseAcquire, Target: 0.2},
		Phase{Name: PhasePrepare, Target: 0.7, MaxTime: 90 * time.Second},
		Phase{Name: PhaseActivate, Target: 1.0, MaxTime: 20 * time.Second},
	)
	if err != nil {
		panic(err)
	}
	return p
}

// Phases returns a copy of the phases.
func (p Plan) Phases() []Phase {
	return append([]Phase(nil), p.phases...)
}

// Range returns the start, target and phase for name.
func (p Plan) Range(name string) (start float64, phase Phase, ok bool) {
	for _, ph := range p.phases {
		if ph.Name == name {
			return start, ph, true
		}
		start = ph.Target
	}
	return 0, Phase{}, false
}

// Relay maps a reported fraction of a phase into the overall range.
func Relay(start, target, reported float64) float64 {
	return start + clamp01(reported)*(target-start)
}

// Synthetic returns the curve value after elapsed time. With no maxTime
// the phase stays at start.
func Synthetic(start, target float64, maxTime, elapsed time.Duration) float64 {
	if maxTime <= 0 || elapsed <= 0 {
		return start
	}
	k := -math.Log(residual) / maxTime.Seconds()
	return start + (target-start)*(1-math.Exp(-k*elapsed.Seconds()))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// -----------------------------------------------------------------------------
// Tracker
// -----------------------------------------------------------------------------

// Tracker holds the displayed value. It never decreases except on Reset.
type Tracker struct {
	mu    sync.Mutex
	value float64
}

// Value returns the current value.
func (t *Tracker) Value() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Reset sets the value to 0. Called only when a new run begins.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value = 0
}

// Advance raises the value to v (clamped to [0, 1]) if v is higher. It
// returns the resulting value and whether it changed.
func (t *Tracker) Advance(v float64) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v = clamp01(v)
	if v <= t.value {
		return t.value, false
	}
	t.value = v
	return v, true
}

// -----------------------------------------------------------------------------
// Synthetic runs
// -----------------------------------------------------------------------------

// Update is one synthetic progress value.
type Update struct {
	Token uint64
	Phase string
	Value float64
}

// EmitFunc delivers an update. It must return promptly once ctx is done.
type EmitFunc func(ctx context.Context, u Update)

// Synthesizer starts synthetic runs.
type Synthesizer struct {
	// Tick is the update period. Default: DefaultTick.
	Tick time.Duration

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Run is an active synthetic curve.
type Run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start emits curve values from start toward phase.Target every tick
// until Stop is called or ctx is done.
func (s Synthesizer) Start(ctx context.Context, token uint64, phase Phase, start float64, emit EmitFunc) *Run {
	tick := s.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(ctx)
	run := &Run{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(run.done)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		begin := now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				v := Synthetic(start, phase.Target, phase.MaxTime, now().Sub(begin))
				emit(ctx, Update{Token: token, Phase: phase.Name, Value: v})
			}
		}
	}()
	return run
}

// Stop cancels the run and waits until no further update can be emitted.
// Safe to call more than once.
func (r *Run) Stop() {
	r.cancel()
	<-r.done
}
