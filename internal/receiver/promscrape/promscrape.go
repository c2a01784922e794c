// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package promscrape implements the "prometheus" receiver, which scrapes
// Prometheus text expositions and turns every sample into a metric signal.
package promscrape

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/receiver"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

const transport = "http"

// NewFactory returns the factory for the "prometheus" receiver.
func NewFactory() receiver.Factory {
	return receiver.NewFactory("prometheus", component.SignalSet{signal.TypeMetrics},
		func() component.Config {
			return &Config{ScraperConfig: receiver.DefaultScraperConfig()}
		},
		func(set receiver.Settings, cfg component.Config, next *receiver.Sinks) (receiver.Receiver, error) {
			return newScrapeReceiver(set, cfg.(*Config), next)
		})
}

type scrapeReceiver struct {
	*receiver.Scraper
	set     receiver.Settings
	cfg     *Config
	client  *http.Client
	targets map[string]Target
}

func newScrapeReceiver(set receiver.Settings, cfg *Config, next *receiver.Sinks) (*scrapeReceiver, error) {
	tlsCfg, err := cfg.TLS.Load()
	if err != nil {
		return nil, err
	}
	r := &scrapeReceiver{
		set:     set,
		cfg:     cfg,
		client:  &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}},
		targets: make(map[string]Target, len(cfg.Targets)),
	}
	names := make([]string, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		r.targets[t.Name] = t
		names = append(names, t.Name)
	}
	r.Scraper = receiver.NewScraper(set, cfg.ScraperConfig, transport, names, r.scrape, next)
	return r, nil
}

// scrape fetches one exposition. The up metric is reported whether or not
// the scrape succeeds.
func (r *scrapeReceiver) scrape(ctx context.Context, name string) (signal.Batch, error) {
	target := r.targets[name]
	now := time.Now()
	res := resourceFor(target)

	families, err := r.fetch(ctx, target)
	up := 1.0
	if err != nil {
		up = 0
	}
	signals := []signal.Signal{newPoint(res, target.Labels, now, signal.Metric{
		Name: "up", Aggregation: signal.AggregationGauge, Value: up,
	}, nil)}
	if err != nil {
		return signal.NewBatch(signal.TypeMetrics, signals...), err
	}
	signals = append(signals, Convert(families, res, target.Labels, now)...)
	return signal.NewBatch(signal.TypeMetrics, signals...), nil
}

func (r *scrapeReceiver) fetch(ctx context.Context, target Target) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if target.Auth != nil {
		switch target.Auth.Type {
		case "basic":
			req.SetBasicAuth(target.Auth.Username, target.Auth.Password)
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+target.Auth.BearerToken)
		}
	}
	req.Header.Set("Accept", "text/plain; version=0.0.4; charset=utf-8")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, r.set.DecodeFailed(transport, fmt.Errorf("failed to parse metrics from %s: %w", target.Name, err))
	}
	return families, nil
}

func resourceFor(t Target) signal.Attributes {
	res := signal.Attributes{string(semconv.ServiceNameKey): t.Name}
	if u, err := url.Parse(t.Endpoint); err == nil {
		res[string(semconv.ServiceInstanceIDKey)] = u.Host
	}
	return res
}

// Convert maps parsed families onto metric signals. Families are emitted in
// name order so the output is deterministic. Counters become monotonic
// cumulative sums, untyped samples become gauges, and every summary
// quantile becomes a gauge with a quantile attribute next to its _sum and
// _count.
func Convert(families map[string]*dto.MetricFamily, res signal.Attributes, extra map[string]string, now time.Time) []signal.Signal {
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []signal.Signal
	for _, name := range names {
		mf := families[name]
		for _, m := range mf.GetMetric() {
			ts := now
			if m.TimestampMs != nil {
				ts = time.UnixMilli(m.GetTimestampMs())
			}
			base := signal.Metric{Name: name, Description: mf.GetHelp()}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				base.Aggregation = signal.AggregationSum
				base.Monotonic = true
				base.Cumulative = true
				base.Value = m.GetCounter().GetValue()
				out = append(out, newPoint(res, extra, ts, base, m.GetLabel()))
			case dto.MetricType_GAUGE:
				base.Aggregation = signal.AggregationGauge
				base.Value = m.GetGauge().GetValue()
				out = append(out, newPoint(res, extra, ts, base, m.GetLabel()))
			case dto.MetricType_UNTYPED:
				base.Aggregation = signal.AggregationGauge
				base.Value = m.GetUntyped().GetValue()
				out = append(out, newPoint(res, extra, ts, base, m.GetLabel()))
			case dto.MetricType_HISTOGRAM:
				out = append(out, newPoint(res, extra, ts, histogram(base, m.GetHistogram()), m.GetLabel()))
			case dto.MetricType_SUMMARY:
				out = append(out, summary(res, extra, ts, base, m)...)
			}
		}
	}
	return out
}

// histogram turns cumulative buckets into per-bucket counts. The +Inf bucket
// is implied by the sample count.
func histogram(base signal.Metric, h *dto.Histogram) signal.Metric {
	base.Aggregation = signal.AggregationHistogram
	base.Cumulative = true
	base.Count = h.GetSampleCount()
	base.Sum = h.GetSampleSum()
	var prev uint64
	for _, b := range h.GetBucket() {
		if math.IsInf(b.GetUpperBound(), 1) {
			continue
		}
		base.Bounds = append(base.Bounds, b.GetUpperBound())
		c := b.GetCumulativeCount()
		if c < prev {
			c = prev
		}
		base.BucketCounts = append(base.BucketCounts, c-prev)
		prev = c
	}
	overflow := uint64(0)
	if base.Count > prev {
		overflow = base.Count - prev
	}
	base.BucketCounts = append(base.BucketCounts, overflow)
	return base
}

func summary(res signal.Attributes, extra map[string]string, ts time.Time, base signal.Metric, m *dto.Metric) []signal.Signal {
	s := m.GetSummary()
	out := make([]signal.Signal, 0, len(s.GetQuantile())+2)
	for _, q := range s.GetQuantile() {
		p := base
		p.Aggregation = signal.AggregationGauge
		p.Value = q.GetValue()
		sig := newPoint(res, extra, ts, p, m.GetLabel())
		sig.Attributes["quantile"] = fmt.Sprint(q.GetQuantile())
		out = append(out, sig)
	}
	sum := base
	sum.Name = base.Name + "_sum"
	sum.Aggregation = signal.AggregationSum
	sum.Monotonic = true
	sum.Cumulative = true
	sum.Value = s.GetSampleSum()
	count := sum
	count.Name = base.Name + "_count"
	count.Value = float64(s.GetSampleCount())
	return append(out, newPoint(res, extra, ts, sum, m.GetLabel()), newPoint(res, extra, ts, count, m.GetLabel()))
}

func newPoint(res signal.Attributes, extra map[string]string, ts time.Time, m signal.Metric, labels []*dto.LabelPair) signal.Signal {
	sig := signal.NewMetric(res.Clone(), ts, m)
	for k, v := range extra {
		sig.Attributes[k] = v
	}
	for _, l := range labels {
		sig.Attributes[l.GetName()] = l.GetValue()
	}
	return sig
}
