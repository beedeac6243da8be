// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package modelerr defines the failure taxonomy shared by the download
// queue, the lifecycle orchestrator, and their callers.
//
// Every failure that reaches a user is a *Error with a Kind, a short
// Message suitable for a status line, and an optional Remediation shown by
// FullError. Cancellation is a Kind too, so callers can tell a user abort
// from a real failure with IsCancelled and never display it.
package modelerr

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/AleutianAI/modelslot/internal/util"
)

// Kind categorizes lifecycle failures for programmatic handling.
type Kind int

const (
	// KindAcquisitionFailed indicates the download failed.
	KindAcquisitionFailed Kind = iota

	// KindDiskSpaceInsufficient indicates the volume cannot hold the artifact.
	KindDiskSpaceInsufficient

	// KindPreparationFailed indicates prewarm failed after any retry.
	KindPreparationFailed

	// KindActivationFailed indicates load failed after any retry.
	KindActivationFailed

	// KindCancelled indicates a user-initiated stop. Never shown as an error.
	KindCancelled
)

// String returns the human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindAcquisitionFailed:
		return "acquisition failed"
	case KindDiskSpaceInsufficient:
		return "disk space insufficient"
	case KindPreparationFailed:
		return "preparation failed"
	case KindActivationFailed:
		return "activation failed"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error provides structured information about a lifecycle failure.
type Error struct {
	// Kind categorizes the failure.
	Kind Kind

	// Model is the affected model identifier.
	Model string

	// Message is a short, user-facing description.
	Message string

	// Detail carries technical context, usually the underlying error text.
	Detail string

	// Remediation suggests how to fix the problem.
	Remediation string

	// Available and Required are set for KindDiskSpaceInsufficient.
	Available int64
	Required  int64

	// Err is the underlying cause, if any.
	Err error
}

// Error returns the short message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// FullError returns the message with model, details and remediation.
func (e *Error) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Message)
	if e.Model != "" {
		buf.WriteString(fmt.Sprintf(" (model: %s)", e.Model))
	}
	if e.Detail != "" {
		buf.WriteString("\n\nDetails: ")
		buf.WriteString(e.Detail)
	}
	if e.Remediation != "" {
		buf.WriteString("\n\nTo fix:\n")
		buf.WriteString(e.Remediation)
	}
	return buf.String()
}

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// AcquisitionFailed wraps a download failure.
func AcquisitionFailed(model string, cause error) *Error {
	return &Error{
		Kind:        KindAcquisitionFailed,
		Model:       model,
		Message:     fmt.Sprintf("download of %s failed", model),
		Detail:      detail(cause),
		Remediation: "  - Check network connectivity to the model repository\n  - Retry the download",
		Err:         cause,
	}
}

// DiskSpaceInsufficient reports that available bytes are below required.
func DiskSpaceInsufficient(model string, available, required int64) *Error {
	return &Error{
		Kind:      KindDiskSpaceInsufficient,
		Model:     model,
		Message:   fmt.Sprintf("not enough disk space: %s available, %s required", util.FormatBytes(available), util.FormatBytes(required)),
		Available: available,
		Required:  required,
		Remediation: "  - Delete unused models\n" +
			"  - Free space on the volume holding the model directory",
	}
}

// PreparationFailed wraps a prewarm failure.
func PreparationFailed(model string, cause error) *Error {
	return &Error{
		Kind:        KindPreparationFailed,
		Model:       model,
		Message:     fmt.Sprintf("preparing %s failed", model),
		Detail:      detail(cause),
		Remediation: "  - Clear the runtime cache and select the model again\n  - Delete and re-download the model",
		Err:         cause,
	}
}

// ActivationFailed wraps a load failure.
func ActivationFailed(model string, cause error) *Error {
	return &Error{
		Kind:        KindActivationFailed,
		Model:       model,
		Message:     fmt.Sprintf("loading %s failed", model),
		Detail:      detail(cause),
		Remediation: "  - Try different compute units\n  - Delete and re-download the model",
		Err:         cause,
	}
}

// Cancelled marks a user-initiated stop.
func Cancelled(model string) *Error {
	return &Error{
		Kind:    KindCancelled,
		Model:   model,
		Message: fmt.Sprintf("%s cancelled", model),
	}
}

// -----------------------------------------------------------------------------
// Inspection
// -----------------------------------------------------------------------------

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// KindOf returns the Kind of err and whether err carries one.
func KindOf(err error) (Kind, bool) {
	if me, ok := As(err); ok {
		return me.Kind, true
	}
	return 0, false
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindCancelled
}

func detail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
