// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package otlp

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/exporters"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
	"github.com/platformbuilds/telegen-gateway/internal/translate"
)

// httpSender exports over OTLP/HTTP.
type httpSender struct {
	cfg    *HTTPConfig
	log    *zap.Logger
	client *http.Client
}

func newHTTPSender(cfg *HTTPConfig, log *zap.Logger) (*httpSender, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
	tlsCfg, err := cfg.TLS.Load()
	if err != nil {
		return nil, err
	}
	transport.TLSClientConfig = tlsCfg
	return &httpSender{cfg: cfg, log: log, client: &http.Client{Transport: transport}}, nil
}

func (s *httpSender) Send(ctx context.Context, batch signal.Batch) error {
	body, err := s.marshal(batch)
	if err != nil {
		return consumer.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}
	contentEncoding := ""
	if s.cfg.Compression == CompressionGzip {
		if body, err = compressGzip(body); err != nil {
			return consumer.Permanent(err)
		}
		contentEncoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url(batch.Type), bytes.NewReader(body))
	if err != nil {
		return consumer.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	if s.cfg.Encoding == EncodingJSON {
		req.Header.Set("Content-Type", "application/json")
	} else {
		req.Header.Set("Content-Type", "application/x-protobuf")
	}
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return exporters.HTTPStatusError(resp.StatusCode, resp.Header,
		fmt.Errorf("OTLP endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
}

func (s *httpSender) marshal(batch signal.Batch) ([]byte, error) {
	if s.cfg.Encoding == EncodingJSON {
		return translate.Marshal(batch, translate.EncodingJSON)
	}
	return translate.Marshal(batch, translate.EncodingProto)
}

// url returns the per-signal endpoint, or the base endpoint plus the
// standard OTLP path.
func (s *httpSender) url(t signal.Type) string {
	var override, path string
	switch t {
	case signal.TypeTraces:
		override, path = s.cfg.TracesEndpoint, "/v1/traces"
	case signal.TypeMetrics:
		override, path = s.cfg.MetricsEndpoint, "/v1/metrics"
	case signal.TypeLogs:
		override, path = s.cfg.LogsEndpoint, "/v1/logs"
	}
	if override != "" {
		return override
	}
	return strings.TrimSuffix(s.cfg.Endpoint, "/") + path
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}
