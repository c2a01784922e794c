// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"fmt"
	"sort"
)

// Attributes is a set of key-value pairs with unique keys. Values are one of
// string, bool, int64, float64, []byte, []any or map[string]any.
type Attributes map[string]any

// Get returns the value stored under key.
func (a Attributes) Get(key string) (any, bool) {
	v, ok := a[key]
	return v, ok
}

// GetString returns the value of key rendered as a string.
func (a Attributes) GetString(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	return ValueString(v), true
}

// Keys returns the attribute keys in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy. A nil set clones to an empty set.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

// Equal reports whether both sets hold the same keys with the same rendered values.
func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || ValueString(v) != ValueString(w) {
			return false
		}
	}
	return true
}

func (a Attributes) size() int {
	n := 0
	for k, v := range a {
		n += len(k) + 16
		if s, ok := v.(string); ok {
			n += len(s)
		}
	}
	return n
}

// ValueString renders an attribute value as a string.
func ValueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return append([]byte(nil), t...)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}
