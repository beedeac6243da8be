// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"github.com/AleutianAI/modelslot/pkg/modelerr"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

// printError shows lifecycle failures with their remediation.
func printError(err error) {
	if me, ok := modelerr.As(err); ok {
		fmt.Fprintln(os.Stderr, styles.Box.Render(styles.Error.Render(me.Kind.String())+"\n"+me.FullError()))
		return
	}
	fmt.Fprintln(os.Stderr, styles.Error.Render("Error: ")+err.Error())
}
