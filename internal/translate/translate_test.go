// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package translate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/ptrace"

	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

func TestTracesPreserveOrderAndGrouping(t *testing.T) {
	td := ptrace.NewTraces()
	rs := td.ResourceSpans().AppendEmpty()
	rs.Resource().Attributes().PutStr("service.name", "demo-backend")
	ss := rs.ScopeSpans().AppendEmpty()
	ss.Scope().SetName("fastapi")
	start := time.Unix(1700000000, 0).UTC()
	for i, name := range []string{"GET /api/users", "SELECT users", "GET /health"} {
		sp := ss.Spans().AppendEmpty()
		sp.SetTraceID(pcommon.TraceID{1, 2, 3})
		sp.SetSpanID(pcommon.SpanID{byte(i + 1)})
		sp.SetName(name)
		sp.SetKind(ptrace.SpanKindServer)
		sp.SetStartTimestamp(pcommon.NewTimestampFromTime(start))
		sp.SetEndTimestamp(pcommon.NewTimestampFromTime(start.Add(15 * time.Millisecond)))
		sp.Attributes().PutStr("http.target", "/x")
		sp.Attributes().PutInt("http.status_code", 200)
	}

	sigs := FromTraces(td)
	require.Len(t, sigs, 3)
	assert.Equal(t, "SELECT users", sigs[1].Span.Name)
	assert.Equal(t, signal.SpanKindServer, sigs[0].Span.Kind)
	assert.Equal(t, 15*time.Millisecond, sigs[0].Span.Duration())
	assert.Equal(t, "fastapi", sigs[0].Scope)
	v, _ := sigs[0].Resource.GetString("service.name")
	assert.Equal(t, "demo-backend", v)
	assert.Equal(t, int64(200), sigs[0].Attributes["http.status_code"])

	back := ToTraces(sigs)
	require.Equal(t, 3, back.SpanCount())
	require.Equal(t, 1, back.ResourceSpans().Len(), "same origin spans share one resource block")
	got := back.ResourceSpans().At(0).ScopeSpans().At(0).Spans()
	for i := 0; i < got.Len(); i++ {
		assert.Equal(t, sigs[i].Span.Name, got.At(i).Name())
	}
	code, ok := got.At(0).Attributes().Get("http.status_code")
	require.True(t, ok)
	assert.Equal(t, int64(200), code.Int())
}

func TestToTracesSplitsOnResourceChange(t *testing.T) {
	a := signal.NewSpan(signal.Attributes{"service.name": "a"}, signal.Span{TraceID: signal.TraceID{1}, SpanID: signal.SpanID{1}})
	b := signal.NewSpan(signal.Attributes{"service.name": "b"}, signal.Span{TraceID: signal.TraceID{1}, SpanID: signal.SpanID{2}})
	c := signal.NewSpan(signal.Attributes{"service.name": "a"}, signal.Span{TraceID: signal.TraceID{1}, SpanID: signal.SpanID{3}})

	td := ToTraces([]signal.Signal{a, b, c})
	assert.Equal(t, 3, td.ResourceSpans().Len())
	assert.Equal(t, 3, td.SpanCount())
}

func TestMetricsRoundTrip(t *testing.T) {
	md := pmetric.NewMetrics()
	rm := md.ResourceMetrics().AppendEmpty()
	rm.Resource().Attributes().PutStr("service.name", "demo-backend")
	ms := rm.ScopeMetrics().AppendEmpty().Metrics()

	sum := ms.AppendEmpty()
	sum.SetName("http_requests_total")
	s := sum.SetEmptySum()
	s.SetIsMonotonic(true)
	s.SetAggregationTemporality(pmetric.AggregationTemporalityCumulative)
	dp := s.DataPoints().AppendEmpty()
	dp.SetIntValue(42)
	dp.Attributes().PutStr("method", "GET")

	hist := ms.AppendEmpty()
	hist.SetName("http_request_duration_seconds")
	h := hist.SetEmptyHistogram()
	h.SetAggregationTemporality(pmetric.AggregationTemporalityCumulative)
	hdp := h.DataPoints().AppendEmpty()
	hdp.SetCount(10)
	hdp.SetSum(1.5)
	hdp.ExplicitBounds().FromRaw([]float64{0.1, 0.5})
	hdp.BucketCounts().FromRaw([]uint64{4, 5, 1})

	ms.AppendEmpty().SetName("no_data")

	sigs, skipped := FromMetrics(md)
	require.Len(t, sigs, 2)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, signal.AggregationSum, sigs[0].Metric.Aggregation)
	assert.Equal(t, 42.0, sigs[0].Metric.Value)
	assert.True(t, sigs[0].Metric.Monotonic)
	assert.Equal(t, []uint64{4, 5, 1}, sigs[1].Metric.BucketCounts)

	back := ToMetrics(sigs)
	assert.Equal(t, 2, back.DataPointCount())
	m0 := back.ResourceMetrics().At(0).ScopeMetrics().At(0).Metrics().At(0)
	assert.Equal(t, pmetric.MetricTypeSum, m0.Type())
	assert.True(t, m0.Sum().IsMonotonic())
	m1 := back.ResourceMetrics().At(0).ScopeMetrics().At(0).Metrics().At(1)
	assert.Equal(t, []float64{0.1, 0.5}, m1.Histogram().DataPoints().At(0).ExplicitBounds().AsRaw())
}

func TestToMetricsMergesConsecutivePoints(t *testing.T) {
	res := signal.Attributes{"service.name": "api"}
	ts := time.Unix(1700000000, 0)
	a := signal.NewMetric(res, ts, signal.Metric{Name: "up", Aggregation: signal.AggregationGauge, Value: 1})
	b := signal.NewMetric(res, ts, signal.Metric{Name: "up", Aggregation: signal.AggregationGauge, Value: 0})
	b.Attributes["instance"] = "b"

	md := ToMetrics([]signal.Signal{a, b})
	ms := md.ResourceMetrics().At(0).ScopeMetrics().At(0).Metrics()
	require.Equal(t, 1, ms.Len())
	assert.Equal(t, 2, ms.At(0).Gauge().DataPoints().Len())
}

func TestLogsRoundTrip(t *testing.T) {
	ld := plog.NewLogs()
	rl := ld.ResourceLogs().AppendEmpty()
	rl.Resource().Attributes().PutStr("service.name", "demo-backend")
	lrs := rl.ScopeLogs().AppendEmpty().LogRecords()
	observed := time.Unix(1700000000, 0).UTC()
	lr := lrs.AppendEmpty()
	lr.SetObservedTimestamp(pcommon.NewTimestampFromTime(observed))
	lr.SetSeverityNumber(plog.SeverityNumberError)
	lr.SetSeverityText("ERROR")
	lr.Body().SetStr("database timeout")
	lr.SetTraceID(pcommon.TraceID{9})

	sigs := FromLogs(ld)
	require.Len(t, sigs, 1)
	assert.Equal(t, observed, sigs[0].Timestamp)
	assert.Equal(t, "database timeout", sigs[0].Log.Body)
	assert.Equal(t, int32(plog.SeverityNumberError), sigs[0].Log.SeverityNumber)

	back := ToLogs(sigs)
	require.Equal(t, 1, back.LogRecordCount())
	got := back.ResourceLogs().At(0).ScopeLogs().At(0).LogRecords().At(0)
	assert.Equal(t, "ERROR", got.SeverityText())
	assert.Equal(t, pcommon.TraceID{9}, got.TraceID())
}
