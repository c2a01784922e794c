// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package otlp

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/receiver"
	"github.com/platformbuilds/telegen-gateway/internal/selftelemetry"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type sink struct {
	mu      sync.Mutex
	batches []signal.Batch
	err     error
}

func (s *sink) Consume(_ context.Context, b signal.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *sink) signals() []signal.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signal.Signal
	for _, b := range s.batches {
		out = append(out, b.Signals...)
	}
	return out
}

func startReceiver(t *testing.T, next *receiver.Sinks, tel *selftelemetry.Telemetry) *otlpReceiver {
	t.Helper()
	cfg := &Config{Protocols: Protocols{
		GRPC: &GRPCConfig{Endpoint: "127.0.0.1:0"},
		HTTP: &HTTPConfig{Endpoint: "127.0.0.1:0", MaxRequestBodySize: 1 << 16},
	}}
	require.NoError(t, cfg.Validate())
	set := receiver.Settings{ID: component.NewID("otlp"), Logger: zaptest.NewLogger(t), Telemetry: tel}
	r := newReceiver(set, cfg, next)
	require.NoError(t, r.Start(context.Background(), component.NopHost{}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, r.Shutdown(ctx))
	})
	return r
}

func testTraces() ptrace.Traces {
	td := ptrace.NewTraces()
	rs := td.ResourceSpans().AppendEmpty()
	rs.Resource().Attributes().PutStr("service.name", "checkout")
	span := rs.ScopeSpans().AppendEmpty().Spans().AppendEmpty()
	span.SetName("GET /cart")
	span.SetTraceID(pcommon.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})
	span.SetSpanID(pcommon.SpanID{1, 2, 3, 4, 5, 6, 7, 8})
	span.SetStartTimestamp(pcommon.NewTimestampFromTime(time.Unix(1700000000, 0)))
	span.SetEndTimestamp(pcommon.NewTimestampFromTime(time.Unix(1700000001, 0)))
	return td
}

func testLogs() plog.Logs {
	ld := plog.NewLogs()
	rl := ld.ResourceLogs().AppendEmpty()
	rl.Resource().Attributes().PutStr("service.name", "checkout")
	lr := rl.ScopeLogs().AppendEmpty().LogRecords().AppendEmpty()
	lr.Body().SetStr("order placed")
	lr.SetSeverityText("INFO")
	lr.SetTimestamp(pcommon.NewTimestampFromTime(time.Unix(1700000000, 0)))
	return ld
}

func dial(t *testing.T, r *otlpReceiver) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient(r.grpcAddr.String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGRPCTraces(t *testing.T) {
	traces := &sink{}
	next := receiver.NewSinks()
	next.Add(signal.TypeTraces, traces)
	tel := selftelemetry.New("")
	r := startReceiver(t, next, tel)

	client := ptraceotlp.NewGRPCClient(dial(t, r))
	_, err := client.Export(context.Background(), ptraceotlp.NewExportRequestFromTraces(testTraces()))
	require.NoError(t, err)

	got := traces.signals()
	require.Len(t, got, 1)
	assert.Equal(t, "GET /cart", got[0].Span.Name)
	assert.Equal(t, "checkout", got[0].Resource["service.name"])
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.ReceiverAccepted.WithLabelValues("otlp", "grpc")))
}

func TestGRPCRefusedIsUnavailable(t *testing.T) {
	next := receiver.NewSinks()
	next.Add(signal.TypeTraces, &sink{err: consumer.CapacityError("memory limit")})
	r := startReceiver(t, next, nil)

	client := ptraceotlp.NewGRPCClient(dial(t, r))
	_, err := client.Export(context.Background(), ptraceotlp.NewExportRequestFromTraces(testTraces()))
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGRPCUnregisteredSignal(t *testing.T) {
	next := receiver.NewSinks()
	next.Add(signal.TypeTraces, &sink{})
	r := startReceiver(t, next, nil)

	client := plogotlp.NewGRPCClient(dial(t, r))
	_, err := client.Export(context.Background(), plogotlp.NewExportRequestFromLogs(testLogs()))
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func post(t *testing.T, r *otlpReceiver, path, contentType string, body []byte, gz bool) *http.Response {
	t.Helper()
	if gz {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		_, err := w.Write(body)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		body = buf.Bytes()
	}
	req, err := http.NewRequest(http.MethodPost, "http://"+r.httpAddr.String()+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	if gz {
		req.Header.Set("Content-Encoding", "gzip")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHTTPExport(t *testing.T) {
	protoBody, err := plogotlp.NewExportRequestFromLogs(testLogs()).MarshalProto()
	require.NoError(t, err)
	jsonBody, err := plogotlp.NewExportRequestFromLogs(testLogs()).MarshalJSON()
	require.NoError(t, err)

	tests := []struct {
		name        string
		contentType string
		body        []byte
		gzip        bool
	}{
		{name: "protobuf", contentType: contentTypeProto, body: protoBody},
		{name: "json", contentType: contentTypeJSON, body: jsonBody},
		{name: "gzip protobuf", contentType: contentTypeProto, body: protoBody, gzip: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := &sink{}
			next := receiver.NewSinks()
			next.Add(signal.TypeLogs, logs)
			r := startReceiver(t, next, nil)

			resp := post(t, r, "/v1/logs", tt.contentType, tt.body, tt.gzip)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tt.contentType, resp.Header.Get("Content-Type"))

			got := logs.signals()
			require.Len(t, got, 1)
			assert.Equal(t, "order placed", got[0].Log.Body)
		})
	}
}

func TestHTTPErrors(t *testing.T) {
	body, err := ptraceotlp.NewExportRequestFromTraces(testTraces()).MarshalProto()
	require.NoError(t, err)

	t.Run("malformed body", func(t *testing.T) {
		next := receiver.NewSinks()
		next.Add(signal.TypeTraces, &sink{})
		tel := selftelemetry.New("")
		r := startReceiver(t, next, tel)
		resp := post(t, r, "/v1/traces", contentTypeProto, []byte{0xff, 0xff, 0xff}, false)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, 1.0, testutil.ToFloat64(tel.ReceiverDecodeErrors.WithLabelValues("otlp", "http")))
	})
	t.Run("unsupported content type", func(t *testing.T) {
		next := receiver.NewSinks()
		next.Add(signal.TypeTraces, &sink{})
		r := startReceiver(t, next, nil)
		resp := post(t, r, "/v1/traces", "text/plain", body, false)
		assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	})
	t.Run("no pipeline", func(t *testing.T) {
		next := receiver.NewSinks()
		next.Add(signal.TypeLogs, &sink{})
		r := startReceiver(t, next, nil)
		resp := post(t, r, "/v1/traces", contentTypeProto, body, false)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
	t.Run("capacity", func(t *testing.T) {
		next := receiver.NewSinks()
		next.Add(signal.TypeTraces, &sink{err: consumer.CapacityError("queue full")})
		r := startReceiver(t, next, nil)
		resp := post(t, r, "/v1/traces", contentTypeProto, body, false)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, retryAfterSeconds, resp.Header.Get("Retry-After"))
	})
	t.Run("too large", func(t *testing.T) {
		next := receiver.NewSinks()
		next.Add(signal.TypeTraces, &sink{})
		r := startReceiver(t, next, nil)
		resp := post(t, r, "/v1/traces", contentTypeProto, make([]byte, (1<<16)+1024), false)
		_, _ = io.Copy(io.Discard, resp.Body)
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})
}

func TestShutdownIsIdempotent(t *testing.T) {
	next := receiver.NewSinks()
	next.Add(signal.TypeTraces, &sink{})
	r := startReceiver(t, next, nil)
	require.NoError(t, r.Shutdown(context.Background()))
	assert.NoError(t, r.Shutdown(context.Background()))
}

func TestConfigValidate(t *testing.T) {
	cfg := NewFactory().CreateDefaultConfig().(*Config)
	assert.Error(t, cfg.Validate())
	cfg.Protocols.GRPC = &GRPCConfig{}
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultGRPCEndpoint, cfg.Protocols.GRPC.endpoint())
	cfg.Protocols.HTTP = &HTTPConfig{Endpoint: "no-port"}
	assert.Error(t, cfg.Validate())
	cfg.Protocols.HTTP.Endpoint = "localhost:4318"
	cfg.Protocols.GRPC.MaxRecvMsgSizeMiB = -1
	assert.Error(t, cfg.Validate())
}
