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
	"io/fs"
	"path/filepath"
)

// Byte size units.
const (
	KB int64 = 1024
	MB       = KB * 1024
	GB       = MB * 1024
)

// FormatBytes renders a byte count as "1.5 GB", "200.0 MB", "3.0 KB" or "12 bytes".
func FormatBytes(bytes int64) string {
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

// DirSize sums the sizes of all regular files under root, recursively.
//
// Entries that disappear or cannot be stat'ed during the walk are skipped;
// only a failure to open root itself is returned.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.Type().IsRegular() {
			info, infoErr := d.Info()
			if infoErr == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}
