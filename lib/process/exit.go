// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint glue shared by the vigil
// binaries: error reporting for main() before any structured logger
// exists.
package process

import (
	"fmt"
	"os"
)

// Fatal reports err on stderr and terminates with exit status 1. The
// vigil binaries call it from main() with whatever run() returned; at
// that point the structured logger may never have been built, so the
// message goes to bare stderr.
func Fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
