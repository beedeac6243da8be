// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cleanup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	clearsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modelslot",
		Subsystem: "cleanup",
		Name:      "runs_total",
		Help:      "Runtime cache cleanup passes",
	})

	// entriesTotal counts cache entries by result (removed, failed).
	entriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelslot",
		Subsystem: "cleanup",
		Name:      "entries_total",
		Help:      "Cache entries processed by result",
	}, []string{"result"})

	freedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modelslot",
		Subsystem: "cleanup",
		Name:      "freed_bytes_total",
		Help:      "Bytes freed by cache cleanup",
	})
)

func recordClear(r Report) {
	clearsTotal.Inc()
	entriesTotal.WithLabelValues("removed").Add(float64(len(r.Removed)))
	entriesTotal.WithLabelValues("failed").Add(float64(r.Failed))
	freedBytesTotal.Add(float64(r.Freed))
}
