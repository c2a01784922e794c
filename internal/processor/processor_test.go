// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/guard"
	"github.com/platformbuilds/telegen-gateway/internal/selftelemetry"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// sink records every batch it receives.
type sink struct {
	mu      sync.Mutex
	batches []signal.Batch
}

func (s *sink) Consume(_ context.Context, b signal.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return nil
}

func (s *sink) sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.batches))
	for i, b := range s.batches {
		out[i] = b.Len()
	}
	return out
}

func (s *sink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, b := range s.batches {
		for _, sig := range b.Signals {
			out = append(out, sig.Name())
		}
	}
	return out
}

func testSettings(t *testing.T, typ component.Type, released *int) (Settings, *selftelemetry.Telemetry) {
	t.Helper()
	tel := selftelemetry.New("")
	set := Settings{
		ID:        component.NewID(typ),
		Pipeline:  component.PipelineID{Signal: signal.TypeTraces},
		Logger:    zaptest.NewLogger(t),
		Telemetry: tel,
		Guards:    guard.NewSet(zaptest.NewLogger(t), tel),
	}
	if released != nil {
		set.Released = func(n int) { *released += n }
	}
	return set, tel
}

func spans(names ...string) signal.Batch {
	b := signal.NewBatch(signal.TypeTraces)
	for i, n := range names {
		s := signal.NewSpan(signal.Attributes{"service.name": "demo-backend"}, signal.Span{
			TraceID: signal.TraceID{1},
			SpanID:  signal.SpanID{byte(i + 1)},
			Name:    n,
		})
		b.Signals = append(b.Signals, s)
	}
	return b
}

func numbered(n int) signal.Batch {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("span-%03d", i)
	}
	return spans(names...)
}

func create(t *testing.T, f Factory, set Settings, cfg component.Config, next consumer.Consumer) Processor {
	t.Helper()
	require.NoError(t, cfg.Validate())
	p, err := f.Create(set, cfg, next)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background(), component.NopHost{}))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func TestBatchEmitsExactSizeAndKeepsRemainder(t *testing.T) {
	out := &sink{}
	set, tel := testSettings(t, "batch", nil)
	p := create(t, NewBatchFactory(), set, &BatchConfig{SendBatchSize: 10, Timeout: time.Hour}, out)

	require.NoError(t, p.Consume(context.Background(), numbered(25)))
	require.Eventually(t, func() bool { return len(out.sizes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{10, 10}, out.sizes())

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, []int{10, 10, 5}, out.sizes(), "shutdown flushes the remainder")

	names := out.names()
	for i, n := range names {
		assert.Equal(t, fmt.Sprintf("span-%03d", i), n, "order must be preserved")
	}
	assert.Equal(t, uint64(2), histogramCount(t, tel, "size"))
}

func histogramCount(t *testing.T, tel *selftelemetry.Telemetry, trigger string) uint64 {
	t.Helper()
	mfs, err := tel.Registry.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "telegen_gateway_processor_batch_send_size" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "trigger" && l.GetValue() == trigger {
					return m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}

func TestBatchTimeoutReleasesPartialBatch(t *testing.T) {
	out := &sink{}
	set, _ := testSettings(t, "batch", nil)
	p := create(t, NewBatchFactory(), set, &BatchConfig{SendBatchSize: 100, Timeout: 30 * time.Millisecond}, out)

	start := time.Now()
	require.NoError(t, p.Consume(context.Background(), numbered(3)))
	require.Eventually(t, func() bool { return len(out.sizes()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, []int{3}, out.sizes())
}

func TestBatchIgnoresEmptyAndRefusesAfterShutdown(t *testing.T) {
	out := &sink{}
	set, _ := testSettings(t, "batch", nil)
	p := create(t, NewBatchFactory(), set, &BatchConfig{SendBatchSize: 2, Timeout: time.Hour}, out)

	require.NoError(t, p.Consume(context.Background(), signal.NewBatch(signal.TypeTraces)))
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Empty(t, out.sizes())
	assert.ErrorIs(t, p.Consume(context.Background(), numbered(1)), component.ErrNotRunning)
}

func TestBatchShutdownAbandonsPendingWhenGraceEnds(t *testing.T) {
	var handed atomic.Int32
	blocked := consumer.Func(func(ctx context.Context, _ signal.Batch) error {
		handed.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})
	set, _ := testSettings(t, "batch", nil)
	var mu sync.Mutex
	var abandoned []int
	set.Abandoned = func(n int) {
		mu.Lock()
		defer mu.Unlock()
		abandoned = append(abandoned, n)
	}
	p := create(t, NewBatchFactory(), set, &BatchConfig{SendBatchSize: 2, Timeout: time.Hour}, blocked)

	require.NoError(t, p.Consume(context.Background(), numbered(5)))
	require.Eventually(t, func() bool { return handed.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)

	// The stuck hand-off is canceled, the second full batch is offered with
	// the canceled context and the remainder is abandoned.
	assert.Equal(t, int32(2), handed.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1}, abandoned)
}

func TestBatchRefusalCarriesSignalCount(t *testing.T) {
	set, _ := testSettings(t, "batch", nil)
	p := create(t, NewBatchFactory(), set, &BatchConfig{SendBatchSize: 2, Timeout: time.Hour}, &sink{})
	require.NoError(t, p.Shutdown(context.Background()))

	err := p.Consume(context.Background(), numbered(3))
	assert.ErrorIs(t, err, component.ErrNotRunning)
	assert.Equal(t, 3, consumer.RefusedSignals(err, 0))
}

func TestFilterExcludesHealthChecks(t *testing.T) {
	out := &sink{}
	released := 0
	set, tel := testSettings(t, "filter", &released)
	cfg := &FilterConfig{Exclude: &MatchConfig{
		MatchType:  MatchStrict,
		Attributes: []KeyValue{{Key: "http.target", Value: "/health"}},
	}}
	p := create(t, NewFilterFactory(), set, cfg, out)

	b := spans("GET /api/users", "GET /health", "GET /api/orders")
	b.Signals[0].Attributes["http.target"] = "/api/users"
	b.Signals[1].Attributes["http.target"] = "/health"
	b.Signals[2].Attributes["http.target"] = "/api/orders"

	require.NoError(t, p.Consume(context.Background(), b))
	assert.Equal(t, []string{"GET /api/users", "GET /api/orders"}, out.names())
	assert.Equal(t, 1, released)
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.ProcessorDropped.WithLabelValues("traces", "filter", "filtered")))
}

func TestFilterMatching(t *testing.T) {
	logRecord := func(sev int32, text, body string) signal.Signal {
		return signal.NewLog(signal.Attributes{"service.name": "api"}, time.Now(), signal.Log{
			SeverityNumber: sev, SeverityText: text, Body: body,
		})
	}
	tests := []struct {
		name string
		cfg  FilterConfig
		in   []signal.Signal
		keep int
	}{
		{
			name: "exclude regexp names",
			cfg:  FilterConfig{Exclude: &MatchConfig{MatchType: MatchRegexp, Names: []string{"^GET /(health|metrics)$"}}},
			in:   spans("GET /health", "GET /metrics", "GET /api/users").Signals,
			keep: 1,
		},
		{
			name: "include by resource attribute",
			cfg:  FilterConfig{Include: &MatchConfig{ResourceAttributes: []KeyValue{{Key: "service.name", Value: "demo-backend"}}}},
			in:   spans("a", "b").Signals,
			keep: 2,
		},
		{
			name: "include minimum severity",
			cfg:  FilterConfig{Include: &MatchConfig{MinSeverityNumber: 13}},
			in:   []signal.Signal{logRecord(9, "INFO", "ok"), logRecord(17, "ERROR", "db timeout"), logRecord(13, "WARN", "slow")},
			keep: 2,
		},
		{
			name: "exclude severity text",
			cfg:  FilterConfig{Exclude: &MatchConfig{SeverityTexts: []string{"DEBUG"}}},
			in:   []signal.Signal{logRecord(5, "DEBUG", "x"), logRecord(9, "INFO", "y")},
			keep: 1,
		},
		{
			name: "severity criteria never match spans",
			cfg:  FilterConfig{Exclude: &MatchConfig{MinSeverityNumber: 1}},
			in:   spans("a").Signals,
			keep: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &sink{}
			set, _ := testSettings(t, "filter", nil)
			cfg := tt.cfg
			p := create(t, NewFilterFactory(), set, &cfg, out)
			require.NoError(t, p.Consume(context.Background(), signal.NewBatch(tt.in[0].Type, tt.in...)))
			require.Len(t, out.batches, 1)
			assert.Equal(t, tt.keep, out.batches[0].Len())
		})
	}
}

func TestFilterConfigValidate(t *testing.T) {
	assert.Error(t, (&FilterConfig{}).Validate())
	assert.Error(t, (&FilterConfig{Exclude: &MatchConfig{}}).Validate())
	assert.Error(t, (&FilterConfig{Exclude: &MatchConfig{MatchType: MatchRegexp, Names: []string{"("}}}).Validate())
	assert.Error(t, (&FilterConfig{Exclude: &MatchConfig{MatchType: "glob", Names: []string{"x"}}}).Validate())
}

func TestAttributesActionsApplyInOrder(t *testing.T) {
	out := &sink{}
	set, _ := testSettings(t, "attributes", nil)
	cfg := &AttributesConfig{Actions: []ActionConfig{
		{Key: "env", Action: ActionInsert, Value: "dev"},
		{Key: "env", Action: ActionUpsert, Value: "prod"},
		{Key: "env", Action: ActionInsert, Value: "ignored"},
		{Key: "region", Action: ActionUpdate, Value: "eu"},
		{Key: "user.id", Action: ActionHash},
		{Key: "peer", Action: ActionUpsert, FromAttribute: "net.peer.name"},
		{Key: "net.peer.name", Action: ActionDelete},
		{Key: "retries", Action: ActionInsert, Value: 3},
	}}
	p := create(t, NewAttributesFactory(), set, cfg, out)

	b := spans("op")
	b.Signals[0].Attributes["user.id"] = "alice"
	b.Signals[0].Attributes["net.peer.name"] = "db"
	require.NoError(t, p.Consume(context.Background(), b))

	attrs := out.batches[0].Signals[0].Attributes
	assert.Equal(t, "prod", attrs["env"])
	assert.NotContains(t, attrs, "region", "update never creates keys")
	assert.Len(t, attrs["user.id"], 64)
	assert.NotEqual(t, "alice", attrs["user.id"])
	assert.Equal(t, "db", attrs["peer"])
	assert.NotContains(t, attrs, "net.peer.name")
	assert.Equal(t, int64(3), attrs["retries"])
}

func TestAttributesConvertFailureDropsOnlyThatSignal(t *testing.T) {
	out := &sink{}
	released := 0
	set, tel := testSettings(t, "attributes", &released)
	cfg := &AttributesConfig{Actions: []ActionConfig{
		{Key: "http.status_code", Action: ActionConvert, ConvertedType: "int"},
	}}
	p := create(t, NewAttributesFactory(), set, cfg, out)

	b := spans("ok", "bad", "missing")
	b.Signals[0].Attributes["http.status_code"] = "200"
	b.Signals[1].Attributes["http.status_code"] = "two hundred"
	require.NoError(t, p.Consume(context.Background(), b))

	assert.Equal(t, []string{"ok", "missing"}, out.names())
	assert.Equal(t, int64(200), out.batches[0].Signals[0].Attributes["http.status_code"])
	assert.Equal(t, 1, released)
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.ProcessorDropped.WithLabelValues("traces", "attributes", "error")))
}

func TestActionValidate(t *testing.T) {
	tests := []struct {
		a   ActionConfig
		ok  bool
		why string
	}{
		{ActionConfig{Key: "k", Action: ActionInsert, Value: "v"}, true, "insert with value"},
		{ActionConfig{Key: "k", Action: ActionDelete}, true, "delete"},
		{ActionConfig{Action: ActionDelete}, false, "missing key"},
		{ActionConfig{Key: "k", Action: ActionUpsert}, false, "no source"},
		{ActionConfig{Key: "k", Action: ActionUpsert, Value: "v", FromAttribute: "x"}, false, "two sources"},
		{ActionConfig{Key: "k", Action: ActionConvert, ConvertedType: "time"}, false, "bad conversion"},
		{ActionConfig{Key: "k", Action: "rename"}, false, "unknown action"},
	}
	for _, tt := range tests {
		t.Run(tt.why, func(t *testing.T) {
			err := tt.a.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
	assert.Error(t, (&AttributesConfig{}).Validate())
}

func TestResourceProcessor(t *testing.T) {
	out := &sink{}
	set, _ := testSettings(t, "resource", nil)
	cfg := &ResourceConfig{Attributes: []ActionConfig{
		{Key: "deployment.environment", Action: ActionUpsert, Value: "demo"},
		{Key: "service.name", Action: ActionInsert, Value: "unknown"},
	}}
	p := create(t, NewResourceFactory(), set, cfg, out)

	require.NoError(t, p.Consume(context.Background(), spans("a", "b")))
	for _, s := range out.batches[0].Signals {
		assert.Equal(t, "demo", s.Resource["deployment.environment"])
		assert.Equal(t, "demo-backend", s.Resource["service.name"])
	}
}

func TestMemoryLimiterSharesGuardAcrossPipelines(t *testing.T) {
	set, _ := testSettings(t, "memory_limiter", nil)
	cfg := &MemoryLimiterConfig{Config: guard.Config{LimitSignals: 10, SpikeLimitSignals: 2}}
	f := NewMemoryLimiterFactory()

	a := create(t, f, set, cfg, consumer.Nop)
	set.Pipeline = component.PipelineID{Signal: signal.TypeLogs}
	b := create(t, f, set, cfg, consumer.Nop)

	require.NoError(t, a.(Admitter).Admit(8))
	err := b.(Admitter).Admit(1)
	require.Error(t, err)
	assert.True(t, consumer.IsCapacity(err))

	a.(Admitter).Release(8)
	assert.NoError(t, b.(Admitter).Admit(1))
	set.Guards.Stop()
}

func TestIdentityChainPreservesCountAndOrder(t *testing.T) {
	out := &sink{}
	set, _ := testSettings(t, "batch", nil)
	batch := create(t, NewBatchFactory(), set, &BatchConfig{SendBatchSize: 1000, Timeout: time.Hour}, out)

	set.ID = component.NewID("attributes")
	attrs := create(t, NewAttributesFactory(), set,
		&AttributesConfig{Actions: []ActionConfig{{Key: "absent", Action: ActionDelete}}}, batch)

	set.ID = component.NewID("filter")
	filter := create(t, NewFilterFactory(), set,
		&FilterConfig{Exclude: &MatchConfig{Names: []string{"never-matches"}}}, attrs)

	for i := 0; i < 5; i++ {
		require.NoError(t, filter.Consume(context.Background(), numbered(20)))
	}
	require.NoError(t, batch.Shutdown(context.Background()))

	names := out.names()
	require.Len(t, names, 100)
	for i, n := range names {
		assert.Equal(t, fmt.Sprintf("span-%03d", i%20), n)
	}
}
