// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package translate

import (
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"

	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// FromTraces flattens td into one signal per span, in wire order.
func FromTraces(td ptrace.Traces) []signal.Signal {
	out := make([]signal.Signal, 0, td.SpanCount())
	rss := td.ResourceSpans()
	for i := 0; i < rss.Len(); i++ {
		rs := rss.At(i)
		res := attributesFrom(rs.Resource().Attributes())
		sss := rs.ScopeSpans()
		for j := 0; j < sss.Len(); j++ {
			ss := sss.At(j)
			spans := ss.Spans()
			for k := 0; k < spans.Len(); k++ {
				sp := spans.At(k)
				sig := signal.NewSpan(res.Clone(), signal.Span{
					TraceID:      signal.TraceID(sp.TraceID()),
					SpanID:       signal.SpanID(sp.SpanID()),
					ParentSpanID: signal.SpanID(sp.ParentSpanID()),
					Name:         sp.Name(),
					Kind:         signal.SpanKind(sp.Kind()),
					Start:        toTime(sp.StartTimestamp()),
					End:          toTime(sp.EndTimestamp()),
					Status: signal.Status{
						Code:    signal.StatusCode(sp.Status().Code()),
						Message: sp.Status().Message(),
					},
				})
				sig.Scope = ss.Scope().Name()
				sig.Attributes = attributesFrom(sp.Attributes())
				out = append(out, sig)
			}
		}
	}
	return out
}

// ToTraces builds an OTLP payload from trace signals. Consecutive signals
// sharing a resource and scope are grouped together; order is preserved.
func ToTraces(signals []signal.Signal) ptrace.Traces {
	td := ptrace.NewTraces()
	var (
		spans ptrace.SpanSlice
		prev  *signal.Signal
	)
	for i := range signals {
		s := &signals[i]
		if s.Span == nil {
			continue
		}
		if prev == nil || !sameOrigin(prev, s) {
			rs := td.ResourceSpans().AppendEmpty()
			attributesTo(rs.Resource().Attributes(), s.Resource)
			ss := rs.ScopeSpans().AppendEmpty()
			ss.Scope().SetName(s.Scope)
			spans = ss.Spans()
		}
		prev = s

		sp := spans.AppendEmpty()
		sp.SetTraceID(pcommon.TraceID(s.Span.TraceID))
		sp.SetSpanID(pcommon.SpanID(s.Span.SpanID))
		sp.SetParentSpanID(pcommon.SpanID(s.Span.ParentSpanID))
		sp.SetName(s.Span.Name)
		sp.SetKind(ptrace.SpanKind(s.Span.Kind))
		sp.SetStartTimestamp(fromTime(s.Span.Start))
		sp.SetEndTimestamp(fromTime(s.Span.End))
		sp.Status().SetCode(ptrace.StatusCode(s.Span.Status.Code))
		sp.Status().SetMessage(s.Span.Status.Message)
		attributesTo(sp.Attributes(), s.Attributes)
	}
	return td
}
