// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package remotewrite

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/prometheus/prompb"

	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// ToWriteRequest converts metric signals into time series. Histograms become
// cumulative _bucket series plus _sum and _count. service.name and
// service.instance.id map onto job and instance.
func ToWriteRequest(signals []signal.Signal, external map[string]string) *prompb.WriteRequest {
	wr := &prompb.WriteRequest{}
	for i := range signals {
		s := &signals[i]
		m := s.Metric
		if m == nil {
			continue
		}
		ts := s.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		ms := ts.UnixMilli()
		base := baseLabels(s, external)
		name := sanitize(m.Name)

		switch m.Aggregation {
		case signal.AggregationHistogram:
			var cum uint64
			for j, count := range m.BucketCounts {
				cum += count
				le := "+Inf"
				if j < len(m.Bounds) {
					le = strconv.FormatFloat(m.Bounds[j], 'g', -1, 64)
				}
				wr.Timeseries = append(wr.Timeseries,
					series(name+"_bucket", base, ms, float64(cum), prompb.Label{Name: "le", Value: le}))
			}
			if len(m.BucketCounts) <= len(m.Bounds) {
				// Bucketless histograms still get their +Inf bucket.
				wr.Timeseries = append(wr.Timeseries,
					series(name+"_bucket", base, ms, float64(m.Count), prompb.Label{Name: "le", Value: "+Inf"}))
			}
			wr.Timeseries = append(wr.Timeseries,
				series(name+"_sum", base, ms, m.Sum),
				series(name+"_count", base, ms, float64(m.Count)))
		case signal.AggregationSum:
			if m.Monotonic && !strings.HasSuffix(name, "_total") {
				name += "_total"
			}
			wr.Timeseries = append(wr.Timeseries, series(name, base, ms, m.Value))
		default:
			wr.Timeseries = append(wr.Timeseries, series(name, base, ms, m.Value))
		}
	}
	return wr
}

func baseLabels(s *signal.Signal, external map[string]string) []prompb.Label {
	labels := make(map[string]string, len(s.Attributes)+len(external)+2)
	for k, v := range external {
		labels[k] = v
	}
	if v, ok := s.Resource.GetString("service.name"); ok {
		labels["job"] = v
	}
	if v, ok := s.Resource.GetString("service.instance.id"); ok {
		labels["instance"] = v
	}
	for k, v := range s.Attributes {
		labels[sanitize(k)] = signal.ValueString(v)
	}
	out := make([]prompb.Label, 0, len(labels))
	for k, v := range labels {
		out = append(out, prompb.Label{Name: k, Value: v})
	}
	return out
}

func series(name string, base []prompb.Label, ms int64, v float64, extra ...prompb.Label) prompb.TimeSeries {
	labels := make([]prompb.Label, 0, len(base)+len(extra)+1)
	labels = append(labels, prompb.Label{Name: "__name__", Value: name})
	labels = append(labels, base...)
	labels = append(labels, extra...)
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	return prompb.TimeSeries{Labels: labels, Samples: []prompb.Sample{{Value: v, Timestamp: ms}}}
}

// sanitize replaces characters not allowed in Prometheus names.
func sanitize(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func validLabelName(s string) bool {
	return s != "" && sanitize(s) == s && !strings.ContainsRune(s, ':')
}
