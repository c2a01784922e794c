// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"regexp"
	"runtime"
	"strings"
	"testing"
)

var semver = regexp.MustCompile(`^v\d+\.\d+\.\d+(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?$`)

func TestDefaults(t *testing.T) {
	if got := Version(); got != "v0.1.0" {
		t.Errorf("Version() = %q, want v0.1.0", got)
	}
	if !semver.MatchString(Version()) {
		t.Errorf("Version() %q is not SemVer", Version())
	}
	if Commit() != "unknown" || BuildDate() != "unknown" {
		t.Errorf("unstamped build reports commit=%q date=%q", Commit(), BuildDate())
	}
}

func TestString(t *testing.T) {
	prevCommit, prevDate := commit, buildDate
	t.Cleanup(func() { commit, buildDate = prevCommit, prevDate })
	commit, buildDate = "3f9c2ab", "2026-02-10T08:00:00Z"

	got := String()
	want := "telegen-gateway v0.1.0 (3f9c2ab, 2026-02-10T08:00:00Z) " + runtime.GOOS + "/" + runtime.GOARCH
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if strings.Contains(got, "\n") {
		t.Errorf("String() must be a single line")
	}
}
