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
	"errors"
	"strings"
	"syscall"
)

// loadSignatures are lower-case fragments of engine errors caused by a
// stale compiled-graph cache or a full volume. Clearing the runtime cache
// fixes both.
var loadSignatures = []string{
	"no space left",
	"out of space",
	"disk full",
	"compile",
	"graph",
	"e5rt",
	"mlmodelc",
}

// RecoverableLoadFailure reports whether a load error matches a known
// cache-related signature.
func RecoverableLoadFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range loadSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
