// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package translate converts between the OTLP pdata model used on the wire
// and the internal signal model used inside pipelines.
package translate

import (
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"

	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

func attributesFrom(m pcommon.Map) signal.Attributes {
	return signal.Attributes(m.AsRaw())
}

func attributesTo(dst pcommon.Map, attrs signal.Attributes) {
	dst.EnsureCapacity(len(attrs))
	for _, k := range attrs.Keys() {
		putValue(dst, k, attrs[k])
	}
}

func putValue(dst pcommon.Map, k string, v any) {
	switch t := v.(type) {
	case string:
		dst.PutStr(k, t)
	case bool:
		dst.PutBool(k, t)
	case int:
		dst.PutInt(k, int64(t))
	case int32:
		dst.PutInt(k, int64(t))
	case int64:
		dst.PutInt(k, t)
	case float32:
		dst.PutDouble(k, float64(t))
	case float64:
		dst.PutDouble(k, t)
	case []byte:
		dst.PutEmptyBytes(k).FromRaw(t)
	case []any:
		_ = dst.PutEmptySlice(k).FromRaw(t)
	case map[string]any:
		_ = dst.PutEmptyMap(k).FromRaw(t)
	default:
		dst.PutStr(k, signal.ValueString(v))
	}
}

func toTime(ts pcommon.Timestamp) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return ts.AsTime()
}

func fromTime(t time.Time) pcommon.Timestamp {
	if t.IsZero() {
		return 0
	}
	return pcommon.NewTimestampFromTime(t)
}

// sameOrigin reports whether b can share a resource and scope block with a.
func sameOrigin(a, b *signal.Signal) bool {
	return a.Scope == b.Scope && a.Resource.Equal(b.Resource)
}
