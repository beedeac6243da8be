// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Plan Tests
// =============================================================================

func TestNewPlan_Validation(t *testing.T) {
	tests := []struct {
		name    string
		phases  []Phase
		wantErr bool
	}{
		{"default shape", DefaultPlan().Phases(), false},
		{"single phase", []Phase{{Name: "all", Target: 1}}, false},
		{"empty", nil, true},
		{"unnamed", []Phase{{Target: 1}}, true},
		{"duplicate", []Phase{{Name: "a", Target: 0.5}, {Name: "a", Target: 1}}, true},
		{"not increasing", []Phase{{Name: "a", Target: 0.5}, {Name: "b", Target: 0.5}, {Name: "c", Target: 1}}, true},
		{"above one", []Phase{{Name: "a", Target: 1.2}}, true},
		{"short of one", []Phase{{Name: "a", Target: 0.9}}, true},
		{"negative max time", []Phase{{Name: "a", Target: 1, MaxTime: -time.Second}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlan(tt.phases...)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPlan_Range(t *testing.T) {
	plan := DefaultPlan()

	start, ph, ok := plan.Range(PhaseAcquire)
	require.True(t, ok)
	assert.Equal(t, 0.0, start)
	assert.Equal(t, 0.2, ph.Target)

	start, ph, ok = plan.Range(PhasePrepare)
	require.True(t, ok)
	assert.Equal(t, 0.2, start)
	assert.Equal(t, 0.7, ph.Target)

	start, ph, ok = plan.Range(PhaseActivate)
	require.True(t, ok)
	assert.Equal(t, 0.7, start)
	assert.Equal(t, 1.0, ph.Target)

	_, _, ok = plan.Range("nope")
	assert.False(t, ok)
}

// =============================================================================
// Curve Tests
// =============================================================================

func TestRelay(t *testing.T) {
	assert.InDelta(t, 0.0, Relay(0, 0.2, 0), 1e-12)
	assert.InDelta(t, 0.1, Relay(0, 0.2, 0.5), 1e-12)
	assert.InDelta(t, 0.2, Relay(0, 0.2, 1), 1e-12)
	assert.InDelta(t, 0.2, Relay(0, 0.2, 3), 1e-12, "reported is clamped")
	assert.InDelta(t, 0.0, Relay(0, 0.2, -1), 1e-12)
}

// TestSynthetic_Bound verifies 95% coverage at maxTime without reaching
// the target.
func TestSynthetic_Bound(t *testing.T) {
	v := Synthetic(0, 0.7, 10*time.Second, 10*time.Second)
	assert.GreaterOrEqual(t, v, 0.665-1e-9)
	assert.Less(t, v, 0.7)

	late := Synthetic(0, 0.7, 10*time.Second, time.Hour)
	assert.LessOrEqual(t, late, 0.7)

	sub := Synthetic(0.2, 0.7, 10*time.Second, 10*time.Second)
	assert.InDelta(t, 0.675, sub, 1e-9)
}

func TestSynthetic_Monotonic(t *testing.T) {
	prev := -1.0
	for ms := 0; ms <= 30_000; ms += 200 {
		v := Synthetic(0.2, 0.7, 10*time.Second, time.Duration(ms)*time.Millisecond)
		assert.GreaterOrEqual(t, v, prev)
		prev = v
	}
}

func TestSynthetic_NoMaxTime(t *testing.T) {
	assert.Equal(t, 0.2, Synthetic(0.2, 0.7, 0, time.Minute))
}

// =============================================================================
// Tracker Tests
// =============================================================================

func TestTracker_Monotonic(t *testing.T) {
	var tr Tracker

	v, changed := tr.Advance(0.3)
	assert.True(t, changed)
	assert.Equal(t, 0.3, v)

	v, changed = tr.Advance(0.1)
	assert.False(t, changed)
	assert.Equal(t, 0.3, v)

	_, _ = tr.Advance(5)
	assert.Equal(t, 1.0, tr.Value())

	tr.Reset()
	assert.Equal(t, 0.0, tr.Value())
}

// =============================================================================
// Synthesizer Tests
// =============================================================================

type collector struct {
	mu      sync.Mutex
	updates []Update
}

func (c *collector) emit(ctx context.Context, u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
}

func (c *collector) snapshot() []Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Update(nil), c.updates...)
}

// TestSynthesizer_EmitsIncreasingUntilStopped verifies ticks climb toward
// the target and nothing is emitted after Stop returns.
func TestSynthesizer_EmitsIncreasingUntilStopped(t *testing.T) {
	c := &collector{}
	s := Synthesizer{Tick: 5 * time.Millisecond}
	phase := Phase{Name: PhasePrepare, Target: 0.7, MaxTime: 200 * time.Millisecond}

	run := s.Start(context.Background(), 7, phase, 0.2, c.emit)
	require.Eventually(t, func() bool { return len(c.snapshot()) >= 5 }, 2*time.Second, time.Millisecond)
	run.Stop()
	run.Stop()

	stopped := c.snapshot()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, len(stopped), len(c.snapshot()), "no updates after Stop")

	prev := 0.2
	for _, u := range stopped {
		assert.Equal(t, uint64(7), u.Token)
		assert.Equal(t, PhasePrepare, u.Phase)
		assert.GreaterOrEqual(t, u.Value, prev)
		assert.Less(t, u.Value, 0.7)
		prev = u.Value
	}
}

func TestSynthesizer_InjectedClock(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(0, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(10 * time.Second)
		return now
	}

	c := &collector{}
	s := Synthesizer{Tick: time.Millisecond, Now: clock}
	run := s.Start(context.Background(), 1, Phase{Name: "p", Target: 0.7, MaxTime: 10 * time.Second}, 0, c.emit)
	require.Eventually(t, func() bool { return len(c.snapshot()) >= 1 }, time.Second, time.Millisecond)
	run.Stop()

	first := c.snapshot()[0]
	assert.GreaterOrEqual(t, first.Value, 0.665-1e-9, "one clock step equals maxTime")
	assert.Less(t, first.Value, 0.7)
}
