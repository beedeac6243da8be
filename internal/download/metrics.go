// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package download

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Download Queue
// =============================================================================

var (
	// jobsTotal counts finished jobs.
	// Labels: outcome (completed, failed, cancelled, disk_abort)
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelslot",
		Subsystem: "download",
		Name:      "jobs_total",
		Help:      "Finished download jobs by outcome",
	}, []string{"outcome"})

	// rejectionsTotal counts Start calls that did not create a job.
	// Labels: reason (already_downloading, already_local, queue_full, disk_space, closed)
	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelslot",
		Subsystem: "download",
		Name:      "rejections_total",
		Help:      "Download start requests rejected by reason",
	}, []string{"reason"})

	// activeJobs is the number of jobs holding a slot.
	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "modelslot",
		Subsystem: "download",
		Name:      "active_jobs",
		Help:      "Download jobs currently holding a concurrency slot",
	})

	// jobDuration measures wall time from Start to finish.
	// Labels: outcome
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "modelslot",
		Subsystem: "download",
		Name:      "duration_seconds",
		Help:      "Download job duration in seconds",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
	}, []string{"outcome"})

	// measuredBytes records measured sizes of completed downloads.
	measuredBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "modelslot",
		Subsystem: "download",
		Name:      "measured_bytes",
		Help:      "On-disk size of completed downloads",
		Buckets:   prometheus.ExponentialBuckets(32<<20, 2, 8),
	})
)

func recordRejection(reason string) {
	rejectionsTotal.WithLabelValues(reason).Inc()
}

func recordFinished(outcome string, seconds float64) {
	jobsTotal.WithLabelValues(outcome).Inc()
	jobDuration.WithLabelValues(outcome).Observe(seconds)
}
