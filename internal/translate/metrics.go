// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package translate

import (
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/pmetric"

	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// FromMetrics flattens md into one signal per data point. Summary and
// exponential histogram points keep their count and sum as histograms
// without buckets. Metrics with no data type are skipped and counted.
func FromMetrics(md pmetric.Metrics) (out []signal.Signal, skipped int) {
	out = make([]signal.Signal, 0, md.DataPointCount())
	rms := md.ResourceMetrics()
	for i := 0; i < rms.Len(); i++ {
		rm := rms.At(i)
		res := attributesFrom(rm.Resource().Attributes())
		sms := rm.ScopeMetrics()
		for j := 0; j < sms.Len(); j++ {
			sm := sms.At(j)
			scope := sm.Scope().Name()
			ms := sm.Metrics()
			for k := 0; k < ms.Len(); k++ {
				if ms.At(k).Type() == pmetric.MetricTypeEmpty {
					skipped++
					continue
				}
				out = appendMetric(out, res, scope, ms.At(k))
			}
		}
	}
	return out, skipped
}

func appendMetric(out []signal.Signal, res signal.Attributes, scope string, m pmetric.Metric) []signal.Signal {
	base := signal.Metric{Name: m.Name(), Description: m.Description(), Unit: m.Unit()}
	switch m.Type() {
	case pmetric.MetricTypeGauge:
		dps := m.Gauge().DataPoints()
		for i := 0; i < dps.Len(); i++ {
			dp := dps.At(i)
			pm := base
			pm.Aggregation = signal.AggregationGauge
			pm.Value = numberValue(dp)
			pm.StartTime = toTime(dp.StartTimestamp())
			out = append(out, metricSignal(res, scope, toTime(dp.Timestamp()), pm, dp.Attributes()))
		}
	case pmetric.MetricTypeSum:
		sum := m.Sum()
		dps := sum.DataPoints()
		for i := 0; i < dps.Len(); i++ {
			dp := dps.At(i)
			pm := base
			pm.Aggregation = signal.AggregationSum
			pm.Value = numberValue(dp)
			pm.Monotonic = sum.IsMonotonic()
			pm.Cumulative = sum.AggregationTemporality() == pmetric.AggregationTemporalityCumulative
			pm.StartTime = toTime(dp.StartTimestamp())
			out = append(out, metricSignal(res, scope, toTime(dp.Timestamp()), pm, dp.Attributes()))
		}
	case pmetric.MetricTypeHistogram:
		h := m.Histogram()
		dps := h.DataPoints()
		for i := 0; i < dps.Len(); i++ {
			dp := dps.At(i)
			pm := base
			pm.Aggregation = signal.AggregationHistogram
			pm.Cumulative = h.AggregationTemporality() == pmetric.AggregationTemporalityCumulative
			pm.StartTime = toTime(dp.StartTimestamp())
			pm.Count = dp.Count()
			pm.Sum = dp.Sum()
			pm.Bounds = dp.ExplicitBounds().AsRaw()
			pm.BucketCounts = dp.BucketCounts().AsRaw()
			out = append(out, metricSignal(res, scope, toTime(dp.Timestamp()), pm, dp.Attributes()))
		}
	case pmetric.MetricTypeExponentialHistogram:
		h := m.ExponentialHistogram()
		dps := h.DataPoints()
		for i := 0; i < dps.Len(); i++ {
			dp := dps.At(i)
			pm := base
			pm.Aggregation = signal.AggregationHistogram
			pm.Cumulative = h.AggregationTemporality() == pmetric.AggregationTemporalityCumulative
			pm.StartTime = toTime(dp.StartTimestamp())
			pm.Count = dp.Count()
			pm.Sum = dp.Sum()
			out = append(out, metricSignal(res, scope, toTime(dp.Timestamp()), pm, dp.Attributes()))
		}
	case pmetric.MetricTypeSummary:
		dps := m.Summary().DataPoints()
		for i := 0; i < dps.Len(); i++ {
			dp := dps.At(i)
			pm := base
			pm.Aggregation = signal.AggregationHistogram
			pm.Cumulative = true
			pm.StartTime = toTime(dp.StartTimestamp())
			pm.Count = dp.Count()
			pm.Sum = dp.Sum()
			out = append(out, metricSignal(res, scope, toTime(dp.Timestamp()), pm, dp.Attributes()))
		}
	}
	return out
}

func metricSignal(res signal.Attributes, scope string, ts time.Time, m signal.Metric, attrs pcommon.Map) signal.Signal {
	sig := signal.NewMetric(res.Clone(), ts, m)
	sig.Scope = scope
	sig.Attributes = attributesFrom(attrs)
	return sig
}

func numberValue(dp pmetric.NumberDataPoint) float64 {
	if dp.ValueType() == pmetric.NumberDataPointValueTypeInt {
		return float64(dp.IntValue())
	}
	return dp.DoubleValue()
}

// ToMetrics builds an OTLP payload from metric signals. Consecutive points of
// the same metric from the same origin share one pmetric.Metric.
func ToMetrics(signals []signal.Signal) pmetric.Metrics {
	md := pmetric.NewMetrics()
	var (
		metrics pmetric.MetricSlice
		cur     pmetric.Metric
		prev    *signal.Signal
	)
	for i := range signals {
		s := &signals[i]
		if s.Metric == nil {
			continue
		}
		newOrigin := prev == nil || !sameOrigin(prev, s)
		if newOrigin {
			rm := md.ResourceMetrics().AppendEmpty()
			attributesTo(rm.Resource().Attributes(), s.Resource)
			sm := rm.ScopeMetrics().AppendEmpty()
			sm.Scope().SetName(s.Scope)
			metrics = sm.Metrics()
		}
		if newOrigin || !sameMetric(prev.Metric, s.Metric) {
			cur = newMetric(metrics, s.Metric)
		}
		prev = s

		m := s.Metric
		switch m.Aggregation {
		case signal.AggregationSum:
			dp := cur.Sum().DataPoints().AppendEmpty()
			dp.SetDoubleValue(m.Value)
			dp.SetStartTimestamp(fromTime(m.StartTime))
			dp.SetTimestamp(fromTime(s.Timestamp))
			attributesTo(dp.Attributes(), s.Attributes)
		case signal.AggregationHistogram:
			dp := cur.Histogram().DataPoints().AppendEmpty()
			dp.SetCount(m.Count)
			dp.SetSum(m.Sum)
			dp.ExplicitBounds().FromRaw(m.Bounds)
			dp.BucketCounts().FromRaw(m.BucketCounts)
			dp.SetStartTimestamp(fromTime(m.StartTime))
			dp.SetTimestamp(fromTime(s.Timestamp))
			attributesTo(dp.Attributes(), s.Attributes)
		default:
			dp := cur.Gauge().DataPoints().AppendEmpty()
			dp.SetDoubleValue(m.Value)
			dp.SetStartTimestamp(fromTime(m.StartTime))
			dp.SetTimestamp(fromTime(s.Timestamp))
			attributesTo(dp.Attributes(), s.Attributes)
		}
	}
	return md
}

func sameMetric(a, b *signal.Metric) bool {
	return a.Name == b.Name && a.Unit == b.Unit && a.Aggregation == b.Aggregation &&
		a.Monotonic == b.Monotonic && a.Cumulative == b.Cumulative
}

func newMetric(dst pmetric.MetricSlice, m *signal.Metric) pmetric.Metric {
	pm := dst.AppendEmpty()
	pm.SetName(m.Name)
	pm.SetDescription(m.Description)
	pm.SetUnit(m.Unit)
	temporality := pmetric.AggregationTemporalityDelta
	if m.Cumulative {
		temporality = pmetric.AggregationTemporalityCumulative
	}
	switch m.Aggregation {
	case signal.AggregationSum:
		sum := pm.SetEmptySum()
		sum.SetIsMonotonic(m.Monotonic)
		sum.SetAggregationTemporality(temporality)
	case signal.AggregationHistogram:
		pm.SetEmptyHistogram().SetAggregationTemporality(temporality)
	default:
		pm.SetEmptyGauge()
	}
	return pm
}
