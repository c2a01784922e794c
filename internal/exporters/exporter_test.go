// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package exporters

import (
	"context"
	"errors"
	"net/http"
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
	"github.com/platformbuilds/telegen-gateway/internal/selftelemetry"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type scriptedSender struct {
	calls atomic.Int32
	fn    func(ctx context.Context, call int) error
}

func (s *scriptedSender) Send(ctx context.Context, _ signal.Batch) error {
	return s.fn(ctx, int(s.calls.Add(1)))
}

type senderFunc func(ctx context.Context, b signal.Batch) error

func (f senderFunc) Send(ctx context.Context, b signal.Batch) error { return f(ctx, b) }

func fastRetry(maxAttempts int) RetryConfig {
	return RetryConfig{
		Enabled:         true,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      1.5,
		MaxAttempts:     maxAttempts,
	}
}

func newTestExporter(t *testing.T, opts Options, s Sender) (*Exporter, *selftelemetry.Telemetry) {
	t.Helper()
	tel := selftelemetry.New("")
	e := New(Settings{ID: component.NewIDWithName("otlp", "jaeger"), Logger: zaptest.NewLogger(t), Telemetry: tel}, opts, s)
	require.NoError(t, e.Start(context.Background(), component.NopHost{}))
	return e, tel
}

func testBatch(n int) signal.Batch {
	b := signal.NewBatch(signal.TypeTraces)
	for i := 0; i < n; i++ {
		b.Signals = append(b.Signals, signal.NewSpan(nil, signal.Span{TraceID: signal.TraceID{1}, SpanID: signal.SpanID{byte(i + 1)}}))
	}
	return b
}

func TestRetryThenSuccess(t *testing.T) {
	s := &scriptedSender{fn: func(_ context.Context, call int) error {
		if call <= 2 {
			return errors.New("connection refused")
		}
		return nil
	}}
	e, tel := newTestExporter(t, Options{Timeout: time.Second, Retry: fastRetry(5)}, s)
	defer func() { require.NoError(t, e.Shutdown(context.Background())) }()

	require.NoError(t, e.Consume(context.Background(), testBatch(3)))
	assert.Equal(t, int32(3), s.calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(tel.ExporterRetries.WithLabelValues("otlp/jaeger")))
	assert.Equal(t, 6.0, testutil.ToFloat64(tel.ExporterFailed.WithLabelValues("otlp/jaeger", "retriable")))
	assert.Equal(t, 3.0, testutil.ToFloat64(tel.ExporterSent.WithLabelValues("otlp/jaeger")))
}

func TestRetryExhaustionDropsBatch(t *testing.T) {
	const attempts = 4
	s := &scriptedSender{fn: func(context.Context, int) error { return errors.New("503") }}
	e, tel := newTestExporter(t, Options{Timeout: time.Second, Retry: fastRetry(attempts)}, s)
	defer func() { require.NoError(t, e.Shutdown(context.Background())) }()

	err := e.Consume(context.Background(), testBatch(1))
	require.Error(t, err)
	assert.Equal(t, int32(attempts), s.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.ExporterDropped.WithLabelValues("otlp/jaeger", "retries_exhausted")))
	assert.Equal(t, 0.0, testutil.ToFloat64(tel.ExporterSent.WithLabelValues("otlp/jaeger")))
}

func TestPartialFailureResendsOnlyFailedSignals(t *testing.T) {
	var sizes []int
	var calls atomic.Int32
	sender := senderFunc(func(_ context.Context, b signal.Batch) error {
		sizes = append(sizes, b.Len())
		if calls.Add(1) == 1 {
			failed := signal.Batch{Type: b.Type, Signals: b.Signals[2:]}
			return NewPartialError(failed, errors.New("1 of 3 documents throttled"))
		}
		return nil
	})
	e, tel := newTestExporter(t, Options{Timeout: time.Second, Retry: fastRetry(3)}, sender)
	defer func() { require.NoError(t, e.Shutdown(context.Background())) }()

	require.NoError(t, e.Consume(context.Background(), testBatch(3)))
	assert.Equal(t, []int{3, 1}, sizes)
	assert.Equal(t, 3.0, testutil.ToFloat64(tel.ExporterSent.WithLabelValues("otlp/jaeger")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.ExporterFailed.WithLabelValues("otlp/jaeger", "retriable")))
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	s := &scriptedSender{fn: func(context.Context, int) error { return consumer.Permanent(errors.New("400 bad request")) }}
	e, tel := newTestExporter(t, Options{Timeout: time.Second, Retry: fastRetry(5)}, s)
	defer func() { require.NoError(t, e.Shutdown(context.Background())) }()

	require.Error(t, e.Consume(context.Background(), testBatch(2)))
	assert.Equal(t, int32(1), s.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.ExporterDropped.WithLabelValues("otlp/jaeger", "permanent")))
	assert.Equal(t, 2.0, testutil.ToFloat64(tel.ExporterFailed.WithLabelValues("otlp/jaeger", "permanent")))
}

func TestAttemptTimeoutIsRetriable(t *testing.T) {
	s := &scriptedSender{fn: func(ctx context.Context, call int) error {
		if call == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	e, tel := newTestExporter(t, Options{Timeout: 20 * time.Millisecond, Retry: fastRetry(3)}, s)
	defer func() { require.NoError(t, e.Shutdown(context.Background())) }()

	require.NoError(t, e.Consume(context.Background(), testBatch(1)))
	assert.Equal(t, int32(2), s.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.ExporterRetries.WithLabelValues("otlp/jaeger")))
}

func TestQueuedExporterDeliversInOrder(t *testing.T) {
	var got []int
	done := make(chan struct{})
	sender := senderFunc(func(_ context.Context, b signal.Batch) error {
		got = append(got, b.Len())
		if len(got) == 3 {
			close(done)
		}
		return nil
	})
	opts := Options{Timeout: time.Second, Retry: fastRetry(2), Queue: QueueConfig{Enabled: true, NumConsumers: 1, QueueSize: 10}}
	e, _ := newTestExporter(t, opts, sender)

	for _, n := range []int{1, 2, 3} {
		require.NoError(t, e.Consume(context.Background(), testBatch(n)))
	}
	<-done
	require.NoError(t, e.Shutdown(context.Background()))
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Zero(t, e.Undelivered())
	assert.ErrorIs(t, e.Consume(context.Background(), testBatch(1)), component.ErrNotRunning)
}

func TestShutdownCountsUndeliveredBatches(t *testing.T) {
	started := make(chan struct{}, 1)
	sender := senderFunc(func(context.Context, signal.Batch) error {
		select {
		case started <- struct{}{}:
		default:
		}
		return errors.New("backend down")
	})
	retry := fastRetry(10)
	retry.InitialInterval, retry.MaxInterval = time.Hour, time.Hour
	opts := Options{Timeout: time.Second, Retry: retry, Queue: QueueConfig{Enabled: true, NumConsumers: 1, QueueSize: 10}}
	e, tel := newTestExporter(t, opts, sender)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Consume(context.Background(), testBatch(1)))
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := e.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, e.Undelivered())
	assert.Equal(t, 3.0, testutil.ToFloat64(tel.ExporterDropped.WithLabelValues("otlp/jaeger", "shutdown")))
}

func TestBoundedQueueDropsOldest(t *testing.T) {
	var dropped []int
	q := newBoundedQueue(2, func(b signal.Batch) { dropped = append(dropped, b.Len()) })
	require.True(t, q.Push(testBatch(1)))
	require.True(t, q.Push(testBatch(2)))
	require.True(t, q.Push(testBatch(3)))
	assert.Equal(t, []int{1}, dropped)
	assert.Equal(t, 2, q.Len())

	b, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, b.Len())

	q.Close()
	assert.False(t, q.Push(testBatch(4)))
	b, ok = q.Pop()
	require.True(t, ok, "closed queue still drains")
	assert.Equal(t, 3, b.Len())
	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestHTTPStatusError(t *testing.T) {
	base := errors.New("status")
	tests := []struct {
		status    int
		header    http.Header
		outcome   Outcome
		wantAfter time.Duration
	}{
		{200, nil, OutcomeSuccess, 0},
		{204, nil, OutcomeSuccess, 0},
		{400, nil, OutcomePermanent, 0},
		{404, nil, OutcomePermanent, 0},
		{408, nil, OutcomeRetriable, 0},
		{429, http.Header{"Retry-After": []string{"7"}}, OutcomeRetriable, 7 * time.Second},
		{500, nil, OutcomeRetriable, 0},
		{503, http.Header{}, OutcomeRetriable, 0},
	}
	for _, tt := range tests {
		err := HTTPStatusError(tt.status, tt.header, base)
		assert.Equal(t, tt.outcome, Classify(err), "status %d", tt.status)
		var ra *RetryableError
		if tt.wantAfter > 0 {
			require.ErrorAs(t, err, &ra)
			assert.Equal(t, tt.wantAfter, ra.RetryAfter)
		}
	}
}

func TestOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	assert.NoError(t, opts.Validate())

	bad := DefaultOptions()
	bad.Retry.MaxAttempts, bad.Retry.MaxElapsedTime = 0, 0
	assert.Error(t, bad.Validate())

	bad = DefaultOptions()
	bad.Queue.NumConsumers = 0
	assert.Error(t, bad.Validate())

	bad = DefaultOptions()
	bad.Timeout = 0
	assert.Error(t, bad.Validate())

	disabled := DefaultOptions()
	disabled.Retry = RetryConfig{}
	disabled.Queue = QueueConfig{}
	assert.NoError(t, disabled.Validate())
}
