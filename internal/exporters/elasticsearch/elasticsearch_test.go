// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package elasticsearch

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/exporters"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

type fakeES struct {
	mu    sync.Mutex
	lines []map[string]any
	// respond builds the bulk response for the given number of documents.
	respond func(w http.ResponseWriter, docs int)
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path != "/_bulk" {
		_, _ = w.Write([]byte(`{"version":{"number":"7.17.0","build_flavor":"default"},"tagline":"You Know, for Search"}`))
		return
	}
	var docs int
	sc := bufio.NewScanner(r.Body)
	f.mu.Lock()
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err == nil {
			f.lines = append(f.lines, m)
			if _, ok := m["create"]; ok {
				docs++
			}
		}
	}
	f.mu.Unlock()
	f.respond(w, docs)
}

func okResponse(w http.ResponseWriter, docs int) {
	items := make([]map[string]any, docs)
	for i := range items {
		items[i] = map[string]any{"create": map[string]any{"status": 201}}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"errors": false, "items": items})
}

func newSender(t *testing.T, url string, mutate func(*Config)) *bulkSender {
	t.Helper()
	cfg := NewFactory().CreateDefaultConfig().(*Config)
	cfg.Endpoints = []string{url}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	s, err := newBulkSender(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func logsBatch() signal.Batch {
	res := signal.Attributes{"service.name": "demo-backend", IndexPrefixAttribute: "demo-"}
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := signal.NewLog(res, ts, signal.Log{SeverityNumber: 9, SeverityText: "INFO", Body: "order created"})
	a.Attributes["order.id"] = "42"
	b := signal.NewLog(res, ts, signal.Log{SeverityNumber: 17, SeverityText: "ERROR", Body: "payment failed"})
	return signal.NewBatch(signal.TypeLogs, a, b)
}

func TestBulkIndexesLogs(t *testing.T) {
	es := &fakeES{respond: okResponse}
	srv := httptest.NewServer(es)
	defer srv.Close()

	s := newSender(t, srv.URL, nil)
	require.NoError(t, s.Send(context.Background(), logsBatch()))

	es.mu.Lock()
	defer es.mu.Unlock()
	require.Len(t, es.lines, 4)
	action := es.lines[0]["create"].(map[string]any)
	assert.Equal(t, "logs-generic-default", action["_index"])
	doc := es.lines[1]
	assert.Equal(t, "2024-05-01T12:00:00Z", doc["@timestamp"])
	assert.Equal(t, "order created", doc["Body"])
	assert.Equal(t, "INFO", doc["SeverityText"])
	assert.Equal(t, "42", doc["Attributes"].(map[string]any)["order.id"])
	assert.Equal(t, "demo-backend", doc["Resource"].(map[string]any)["service.name"])
	assert.Equal(t, "payment failed", es.lines[3]["Body"])
}

func TestBulkDynamicIndex(t *testing.T) {
	es := &fakeES{respond: okResponse}
	srv := httptest.NewServer(es)
	defer srv.Close()

	s := newSender(t, srv.URL, func(c *Config) { c.DynamicIndex = true })
	batch := logsBatch()
	batch.Signals[1].Attributes[IndexSuffixAttribute] = "-errors"
	require.NoError(t, s.Send(context.Background(), batch))

	es.mu.Lock()
	defer es.mu.Unlock()
	assert.Equal(t, "demo-logs-generic-default", es.lines[0]["create"].(map[string]any)["_index"])
	assert.Equal(t, "demo-logs-generic-default-errors", es.lines[2]["create"].(map[string]any)["_index"])
}

func TestBulkSpanDocument(t *testing.T) {
	es := &fakeES{respond: okResponse}
	srv := httptest.NewServer(es)
	defer srv.Close()

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	span := signal.NewSpan(signal.Attributes{"service.name": "demo-frontend"}, signal.Span{
		TraceID: signal.TraceID{1},
		SpanID:  signal.SpanID{2},
		Name:    "GET /api/orders",
		Kind:    signal.SpanKindServer,
		Start:   start,
		End:     start.Add(1500 * time.Microsecond),
		Status:  signal.Status{Code: signal.StatusError, Message: "boom"},
	})
	s := newSender(t, srv.URL, nil)
	require.NoError(t, s.Send(context.Background(), signal.NewBatch(signal.TypeTraces, span)))

	es.mu.Lock()
	defer es.mu.Unlock()
	require.Len(t, es.lines, 2)
	assert.Equal(t, "traces-generic-default", es.lines[0]["create"].(map[string]any)["_index"])
	doc := es.lines[1]
	assert.Equal(t, "01000000000000000000000000000000", doc["TraceId"])
	assert.Equal(t, "0200000000000000", doc["SpanId"])
	assert.NotContains(t, doc, "ParentSpanId")
	assert.Equal(t, "SPAN_KIND_SERVER", doc["Kind"])
	assert.EqualValues(t, 1500, doc["Duration"])
	assert.EqualValues(t, 2, doc["TraceStatus"])
}

func TestBulkItemErrors(t *testing.T) {
	itemsWith := func(statuses ...int) func(http.ResponseWriter, int) {
		return func(w http.ResponseWriter, _ int) {
			items := make([]map[string]any, len(statuses))
			for i, st := range statuses {
				item := map[string]any{"status": st}
				if st >= 300 {
					item["error"] = map[string]any{"type": "mapper_parsing_exception"}
				}
				items[i] = map[string]any{"create": item}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"errors": true, "items": items})
		}
	}
	tests := []struct {
		name      string
		statuses  []int
		wantErr   bool
		permanent bool
	}{
		{name: "one rejected", statuses: []int{201, 400}},
		{name: "all rejected", statuses: []int{400, 400}, wantErr: true, permanent: true},
		{name: "throttled", statuses: []int{201, 429}, wantErr: true},
		{name: "server error", statuses: []int{503, 400}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(&fakeES{respond: itemsWith(tt.statuses...)})
			defer srv.Close()
			err := newSender(t, srv.URL, nil).Send(context.Background(), logsBatch())
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, consumer.IsPermanent(err))
		})
	}
}

func TestBulkRetriesOnlyThrottledDocuments(t *testing.T) {
	var requests atomic.Int32
	es := &fakeES{respond: func(w http.ResponseWriter, docs int) {
		if requests.Add(1) == 1 {
			items := []map[string]any{
				{"create": map[string]any{"status": 201}},
				{"create": map[string]any{"status": 429, "error": map[string]any{"type": "es_rejected_execution_exception"}}},
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"errors": true, "items": items})
			return
		}
		okResponse(w, docs)
	}}
	srv := httptest.NewServer(es)
	defer srv.Close()

	sender := newSender(t, srv.URL, nil)
	err := sender.Send(context.Background(), logsBatch())
	var pe *exporters.PartialError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, 1, pe.Failed.Len())
	assert.Equal(t, "payment failed", pe.Failed.Signals[0].Log.Body)
	assert.False(t, consumer.IsPermanent(err))

	opts := exporters.DefaultOptions()
	opts.Queue.Enabled = false
	opts.Retry.InitialInterval = time.Millisecond
	opts.Retry.MaxInterval = 5 * time.Millisecond
	exp := exporters.New(exporters.Settings{ID: component.NewID("elasticsearch"), Logger: zaptest.NewLogger(t)}, opts, sender)
	require.NoError(t, exp.Start(context.Background(), component.NopHost{}))
	defer func() { require.NoError(t, exp.Shutdown(context.Background())) }()

	requests.Store(0)
	es.mu.Lock()
	es.lines = nil
	es.mu.Unlock()
	require.NoError(t, exp.Consume(context.Background(), logsBatch()))

	es.mu.Lock()
	defer es.mu.Unlock()
	var bodies []string
	for _, l := range es.lines {
		if body, ok := l["Body"].(string); ok {
			bodies = append(bodies, body)
		}
	}
	assert.Equal(t, []string{"order created", "payment failed", "payment failed"}, bodies)
	assert.Equal(t, int32(2), requests.Load())
}

func TestBulkStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{status: http.StatusTooManyRequests},
		{status: http.StatusServiceUnavailable},
		{status: http.StatusBadRequest, permanent: true},
		{status: http.StatusUnauthorized, permanent: true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(&fakeES{respond: func(w http.ResponseWriter, _ int) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}})
			defer srv.Close()
			err := newSender(t, srv.URL, nil).Send(context.Background(), logsBatch())
			require.Error(t, err)
			assert.Equal(t, tt.permanent, consumer.IsPermanent(err))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no endpoints", mutate: func(c *Config) { c.Endpoints = nil }},
		{name: "bad scheme", mutate: func(c *Config) { c.Endpoints = []string{"ftp://es:9200"} }},
		{name: "api key and user", mutate: func(c *Config) { c.APIKey = "k"; c.User = "u" }},
		{name: "empty index", mutate: func(c *Config) { c.LogsIndex = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Endpoints = []string{"http://localhost:9200"}
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
