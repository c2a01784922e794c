// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package translate

import (
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"

	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// FromLogs flattens ld into one signal per log record. Records without a
// timestamp fall back to their observed timestamp.
func FromLogs(ld plog.Logs) []signal.Signal {
	out := make([]signal.Signal, 0, ld.LogRecordCount())
	rls := ld.ResourceLogs()
	for i := 0; i < rls.Len(); i++ {
		rl := rls.At(i)
		res := attributesFrom(rl.Resource().Attributes())
		sls := rl.ScopeLogs()
		for j := 0; j < sls.Len(); j++ {
			sl := sls.At(j)
			lrs := sl.LogRecords()
			for k := 0; k < lrs.Len(); k++ {
				lr := lrs.At(k)
				ts := lr.Timestamp()
				if ts == 0 {
					ts = lr.ObservedTimestamp()
				}
				sig := signal.NewLog(res.Clone(), toTime(ts), signal.Log{
					SeverityNumber: int32(lr.SeverityNumber()),
					SeverityText:   lr.SeverityText(),
					Body:           lr.Body().AsString(),
					TraceID:        signal.TraceID(lr.TraceID()),
					SpanID:         signal.SpanID(lr.SpanID()),
				})
				sig.Scope = sl.Scope().Name()
				sig.Attributes = attributesFrom(lr.Attributes())
				out = append(out, sig)
			}
		}
	}
	return out
}

// ToLogs builds an OTLP payload from log signals.
func ToLogs(signals []signal.Signal) plog.Logs {
	ld := plog.NewLogs()
	var (
		records plog.LogRecordSlice
		prev    *signal.Signal
	)
	for i := range signals {
		s := &signals[i]
		if s.Log == nil {
			continue
		}
		if prev == nil || !sameOrigin(prev, s) {
			rl := ld.ResourceLogs().AppendEmpty()
			attributesTo(rl.Resource().Attributes(), s.Resource)
			sl := rl.ScopeLogs().AppendEmpty()
			sl.Scope().SetName(s.Scope)
			records = sl.LogRecords()
		}
		prev = s

		lr := records.AppendEmpty()
		lr.SetTimestamp(fromTime(s.Timestamp))
		lr.SetSeverityNumber(plog.SeverityNumber(s.Log.SeverityNumber))
		lr.SetSeverityText(s.Log.SeverityText)
		lr.Body().SetStr(s.Log.Body)
		lr.SetTraceID(pcommon.TraceID(s.Log.TraceID))
		lr.SetSpanID(pcommon.SpanID(s.Log.SpanID))
		attributesTo(lr.Attributes(), s.Attributes)
	}
	return ld
}
