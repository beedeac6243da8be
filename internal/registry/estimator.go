// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"math"
	"strings"
)

// DefaultSafetyMargin inflates every heuristic estimate so the disk check
// errs toward refusing a download that would not fit.
const DefaultSafetyMargin = 1.2

// SizeEstimator guesses the on-disk size of a model that has not been
// measured yet.
type SizeEstimator interface {
	Estimate(id string) int64
}

// Tier maps an identifier substring to a size bucket.
type Tier struct {
	Match string
	Bytes int64
}

// TierEstimator estimates by the first Tier whose Match occurs in the
// lower-cased identifier, falling back to DefaultBytes, then multiplies by
// SafetyMargin.
//
// Order matters: "distil-large-v3" must hit "large" before anything else,
// so put the largest buckets first.
type TierEstimator struct {
	Tiers        []Tier
	DefaultBytes int64
	SafetyMargin float64
}

// DefaultTierEstimator returns the built-in tier table.
//
//	large   3 GB      largest bucket
//	medium  1.5 GB
//	small   500 MB
//	base    150 MB    smallest non-trivial bucket
//	other   75 MB     smallest bucket
func DefaultTierEstimator() TierEstimator {
	return TierEstimator{
		Tiers: []Tier{
			{Match: "large", Bytes: 3 << 30},
			{Match: "medium", Bytes: 1536 << 20},
			{Match: "small", Bytes: 500 << 20},
			{Match: "base", Bytes: 150 << 20},
		},
		DefaultBytes: 75 << 20,
		SafetyMargin: DefaultSafetyMargin,
	}
}

// Estimate implements SizeEstimator.
func (e TierEstimator) Estimate(id string) int64 {
	lower := strings.ToLower(id)
	bytes := e.DefaultBytes
	for _, tier := range e.Tiers {
		if tier.Match != "" && strings.Contains(lower, strings.ToLower(tier.Match)) {
			bytes = tier.Bytes
			break
		}
	}
	margin := e.SafetyMargin
	if margin < 1 {
		margin = 1
	}
	return int64(math.Ceil(float64(bytes) * margin))
}
