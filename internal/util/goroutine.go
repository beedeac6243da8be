// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"fmt"
	"runtime/debug"
)

// SafeGoResult describes a recovered panic.
type SafeGoResult struct {
	// PanicValue is the value passed to panic().
	PanicValue interface{}

	// Stack is the stack trace captured at recovery time.
	Stack string
}

// Err converts the panic into an error suitable for recording as a failure.
func (r SafeGoResult) Err() error {
	if err, ok := r.PanicValue.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r.PanicValue)
}

// SafeGo runs fn in a new goroutine and recovers any panic.
//
// # Description
//
// Download workers and lifecycle runs execute engine code that is outside
// this module's control. A panic there must end the job or run with an
// error instead of killing the process. onPanic receives the recovered
// value and stack; it may be nil.
//
// # Examples
//
//	util.SafeGo(func() { q.work(ctx, job) }, func(r util.SafeGoResult) {
//	    logger.Error("download worker panicked", "model", job.ID, "stack", r.Stack)
//	})
func SafeGo(fn func(), onPanic func(SafeGoResult)) {
	go func() {
		defer RecoverPanic(onPanic)()
		fn()
	}()
}

// RecoverPanic returns a function for use with defer that recovers a panic
// and forwards it to onPanic.
//
//	defer util.RecoverPanic(func(r util.SafeGoResult) { ... })()
func RecoverPanic(onPanic func(SafeGoResult)) func() {
	return func() {
		if r := recover(); r != nil {
			result := SafeGoResult{
				PanicValue: r,
				Stack:      string(debug.Stack()),
			}
			if onPanic != nil {
				onPanic(result)
			}
		}
	}
}
