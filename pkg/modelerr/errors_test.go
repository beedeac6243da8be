// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package modelerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_String(t *testing.T) {
	assert.Equal(t, "acquisition failed", KindAcquisitionFailed.String())
	assert.Equal(t, "disk space insufficient", KindDiskSpaceInsufficient.String())
	assert.Equal(t, "preparation failed", KindPreparationFailed.String())
	assert.Equal(t, "activation failed", KindActivationFailed.String())
	assert.Equal(t, "cancelled", KindCancelled.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestDiskSpaceInsufficient(t *testing.T) {
	err := DiskSpaceInsufficient("medium", 1<<30, 3<<29)

	assert.Equal(t, KindDiskSpaceInsufficient, err.Kind)
	assert.Equal(t, int64(1<<30), err.Available)
	assert.Equal(t, int64(3<<29), err.Required)
	assert.Contains(t, err.Error(), "1.0 GB available")
	assert.Contains(t, err.Error(), "1.5 GB required")
	assert.Contains(t, err.FullError(), "(model: medium)")
	assert.Contains(t, err.FullError(), "To fix:")
}

func TestWrappedCauseIsReachable(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("pull: %w", AcquisitionFailed("tiny", cause))

	assert.ErrorIs(t, err, cause)
	me, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, "tiny", me.Model)
	assert.Contains(t, me.FullError(), "Details: connection reset")
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(Cancelled("base")))
	assert.True(t, IsCancelled(fmt.Errorf("job: %w", Cancelled("base"))))
	assert.False(t, IsCancelled(ActivationFailed("base", nil)))
	assert.False(t, IsCancelled(errors.New("plain")))

	_, ok := KindOf(nil)
	assert.False(t, ok)
}
