// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"regexp"
)

// envRef matches ${VAR}, ${env:VAR} and ${VAR:-default}.
var envRef = regexp.MustCompile(`\$\{(?:env:)?([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces environment references in data. Unset variables expand
// to their default, or to the empty string when none is given.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v, ok := os.LookupEnv(string(sub[1])); ok {
			return []byte(v)
		}
		return sub[2]
	})
}
