// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetup_None(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Traces: "none", Metrics: "none"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_UnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), Config{Traces: "zipkin"})
	assert.ErrorIs(t, err, ErrUnknownExporter)

	_, err = Setup(context.Background(), Config{Metrics: "statsd"})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

// TestSetup_StdoutTraces verifies spans reach the configured writer on
// shutdown.
func TestSetup_StdoutTraces(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), Config{
		ServiceName: "modelslot-test",
		Traces:      "stdout",
		Metrics:     "stdout",
		Output:      &buf,
	})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "test-span")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "test-span")
}
