// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package elasticsearch implements the "elasticsearch" exporter, which indexes
// spans, log records and metric points through the bulk API.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	elasticsearch7 "github.com/elastic/go-elasticsearch/v7"
	"go.uber.org/zap"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/exporters"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// Attribute keys that select a per-signal index when DynamicIndex is set.
const (
	IndexPrefixAttribute = "elasticsearch.index.prefix"
	IndexSuffixAttribute = "elasticsearch.index.suffix"
)

// NewFactory returns the factory for the "elasticsearch" exporter.
func NewFactory() exporters.Factory {
	return exporters.NewFactory("elasticsearch",
		component.SignalSet{signal.TypeTraces, signal.TypeMetrics, signal.TypeLogs},
		func() component.Config { return defaultConfig() },
		func(set exporters.Settings, cfg component.Config) (exporters.Sender, error) {
			return newBulkSender(cfg.(*Config), set.Logger)
		})
}

type clientLogger zap.Logger

// LogRoundTrip implements the client's transport logger.
func (cl *clientLogger) LogRoundTrip(req *http.Request, resp *http.Response, err error, _ time.Time, dur time.Duration) error {
	zl := (*zap.Logger)(cl)
	switch {
	case err == nil && resp != nil:
		zl.Debug("request roundtrip",
			zap.String("path", req.URL.Path),
			zap.String("method", req.Method),
			zap.Duration("duration", dur),
			zap.Int("status", resp.StatusCode))
	case err != nil:
		zl.Debug("request failed", zap.String("path", req.URL.Path), zap.Error(err))
	}
	return nil
}

// RequestBodyEnabled makes the client pass a copy of request body to the logger.
func (*clientLogger) RequestBodyEnabled() bool { return false }

// ResponseBodyEnabled makes the client pass a copy of response body to the logger.
func (*clientLogger) ResponseBodyEnabled() bool { return false }

type bulkSender struct {
	cfg    *Config
	log    *zap.Logger
	client *elasticsearch7.Client
}

func newBulkSender(cfg *Config, log *zap.Logger) (*bulkSender, error) {
	tlsCfg, err := cfg.TLS.Load()
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg

	headers := make(http.Header)
	for k, v := range cfg.Headers {
		headers.Add(k, v)
	}

	client, err := elasticsearch7.NewClient(elasticsearch7.Config{
		Transport: transport,
		Addresses: cfg.Endpoints,
		Username:  cfg.User,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
		Header:    headers,
		// Retries belong to the exporter so they are counted and bounded
		// by retry_on_failure.
		DisableRetry: true,
		Logger:       (*clientLogger)(log),
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &bulkSender{cfg: cfg, log: log, client: client}, nil
}

// Send writes every signal of batch as one bulk request.
func (s *bulkSender) Send(ctx context.Context, batch signal.Batch) error {
	body, err := s.encodeBulk(batch)
	if err != nil {
		return consumer.Permanent(err)
	}
	if body.Len() == 0 {
		return nil
	}
	res, err := s.client.Bulk(bytes.NewReader(body.Bytes()), s.client.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return exporters.HTTPStatusError(res.StatusCode, res.Header, errors.New(string(bytes.TrimSpace(msg))))
	}
	return s.checkItems(res.Body, batch)
}

func (s *bulkSender) encodeBulk(batch signal.Batch) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range batch.Signals {
		sig := &batch.Signals[i]
		action := bulkAction{Create: bulkMeta{Index: s.indexFor(sig)}}
		if err := enc.Encode(action); err != nil {
			return nil, err
		}
		if err := enc.Encode(newDocument(sig)); err != nil {
			return nil, fmt.Errorf("encode %s: %w", sig.Name(), err)
		}
	}
	return &buf, nil
}

func (s *bulkSender) indexFor(sig *signal.Signal) string {
	var index string
	switch sig.Type {
	case signal.TypeTraces:
		index = s.cfg.TracesIndex
	case signal.TypeMetrics:
		index = s.cfg.MetricsIndex
	default:
		index = s.cfg.LogsIndex
	}
	if !s.cfg.DynamicIndex {
		return index
	}
	return lookup(sig, IndexPrefixAttribute) + index + lookup(sig, IndexSuffixAttribute)
}

// lookup reads key from the resource, falling back to the signal attributes.
func lookup(sig *signal.Signal, key string) string {
	if v, ok := sig.Resource.Get(key); ok {
		return signal.ValueString(v)
	}
	if v, ok := sig.Attributes.Get(key); ok {
		return signal.ValueString(v)
	}
	return ""
}

type bulkMeta struct {
	Index string `json:"_index"`
}

type bulkAction struct {
	Create bulkMeta `json:"create"`
}

type bulkResponse struct {
	Errors bool                          `json:"errors"`
	Items  []map[string]bulkItemResponse `json:"items"`
}

type bulkItemResponse struct {
	Index  string          `json:"_index"`
	Status int             `json:"status"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// checkItems inspects per-document results. Documents rejected with 429 or a
// 5xx are returned in a PartialError so that only they are sent again;
// documents rejected for any other reason are dropped and reported once.
func (s *bulkSender) checkItems(r io.Reader, batch signal.Batch) error {
	var resp bulkResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if !resp.Errors {
		return nil
	}
	n := batch.Len()
	failed := signal.Batch{Type: batch.Type, Arrival: batch.Arrival}
	var rejected int
	var firstErr string
	// Items are returned in request order, one per document.
	for i, item := range resp.Items {
		for _, res := range item {
			switch {
			case res.Status < 300:
			case res.Status == http.StatusTooManyRequests || res.Status >= 500:
				if i < n {
					failed.Signals = append(failed.Signals, batch.Signals[i])
				}
			default:
				rejected++
			}
			if res.Status >= 300 && firstErr == "" {
				firstErr = string(res.Error)
			}
		}
	}
	if rejected > 0 {
		if rejected == n {
			return consumer.Permanent(fmt.Errorf("all %d documents rejected: %s", n, firstErr))
		}
		s.log.Warn("documents rejected by elasticsearch",
			zap.Int("rejected", rejected),
			zap.Int("total", n),
			zap.String("error", firstErr))
	}
	if !failed.Empty() {
		return exporters.NewPartialError(failed,
			fmt.Errorf("%d of %d documents rejected temporarily: %s", failed.Len(), n, firstErr))
	}
	return nil
}
