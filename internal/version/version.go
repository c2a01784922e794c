// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information stamped with -ldflags, e.g.
// -X github.com/platformbuilds/telegen-gateway/internal/version.commit=$(git rev-parse HEAD).
package version

import (
	"fmt"
	"runtime"
)

var (
	version   = "v0.1.0"
	commit    = "unknown"
	buildDate = "unknown"
)

func Version() string   { return version }
func Commit() string    { return commit }
func BuildDate() string { return buildDate }

// String renders the one-line --version output.
func String() string {
	return fmt.Sprintf("telegen-gateway %s (%s, %s) %s/%s", version, commit, buildDate, runtime.GOOS, runtime.GOARCH)
}
