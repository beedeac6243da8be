// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for lifecycle runs.
var (
	tracer = otel.Tracer("modelslot.lifecycle")
	meter  = otel.Meter("modelslot.lifecycle")
)

// OpenTelemetry instruments.
var (
	phaseDuration metric.Float64Histogram
	runDuration   metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// Prometheus metrics.
var (
	// transitionsTotal counts state entries.
	// Labels: state
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelslot",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Lifecycle state transitions by target state",
	}, []string{"state"})

	// retriesTotal counts cache-clear retries.
	// Labels: phase (prepare, activate)
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelslot",
		Subsystem: "lifecycle",
		Name:      "retries_total",
		Help:      "Runs retried after clearing the runtime cache",
	}, []string{"phase"})

	// runsTotal counts finished runs.
	// Labels: outcome (loaded, failed, cancelled)
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelslot",
		Subsystem: "lifecycle",
		Name:      "runs_total",
		Help:      "Finished lifecycle runs by outcome",
	}, []string{"outcome"})

	// cacheClearsTotal counts cleanup triggers.
	// Labels: reason (preflight, prepare, activate)
	cacheClearsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelslot",
		Subsystem: "lifecycle",
		Name:      "cache_clears_total",
		Help:      "Runtime cache clears triggered by the orchestrator",
	}, []string{"reason"})
)

// initMetrics initializes the otel instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		phaseDuration, err = meter.Float64Histogram(
			"modelslot_phase_duration_seconds",
			metric.WithDescription("Duration of lifecycle phases"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runDuration, err = meter.Float64Histogram(
			"modelslot_run_duration_seconds",
			metric.WithDescription("Duration of lifecycle runs from select to loaded or failed"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startRunSpan(ctx context.Context, model string, generation uint64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Orchestrator.Run",
		trace.WithAttributes(
			attribute.String("model.id", model),
			attribute.Int64("lifecycle.generation", int64(generation)),
		),
	)
}

func startPhaseSpan(ctx context.Context, phase, model string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Orchestrator."+phase,
		trace.WithAttributes(
			attribute.String("model.id", model),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func recordPhase(ctx context.Context, phase string, d time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	phaseDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.Bool("success", err == nil),
	))
}

func recordRun(ctx context.Context, outcome string, d time.Duration) {
	runsTotal.WithLabelValues(outcome).Inc()
	if initMetrics() != nil {
		return
	}
	runDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}
