// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotewrite implements the "prometheusremotewrite" exporter, which
// pushes metric signals to Prometheus, VictoriaMetrics or any other remote
// write receiver.
package remotewrite

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/config/configtls"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/exporters"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// Compression types.
const (
	CompressionSnappy = "snappy"
	CompressionGzip   = "gzip"
	CompressionNone   = "none"
)

// Config configures the exporter.
type Config struct {
	exporters.Options `yaml:",inline"`

	Endpoint       string                 `yaml:"endpoint"`
	Headers        map[string]string      `yaml:"headers"`
	Tenant         string                 `yaml:"tenant"`
	Compression    string                 `yaml:"compression"`
	ExternalLabels map[string]string      `yaml:"external_labels"`
	TLS            configtls.ClientConfig `yaml:"tls"`
}

// Validate implements component.Config.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if _, err := url.ParseRequestURI(c.Endpoint); err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	switch c.Compression {
	case CompressionSnappy, CompressionGzip, CompressionNone:
	default:
		return fmt.Errorf("unknown compression %q", c.Compression)
	}
	for k := range c.ExternalLabels {
		if !validLabelName(k) {
			return fmt.Errorf("invalid external label name %q", k)
		}
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	return c.Options.Validate()
}

// NewFactory returns the factory for the "prometheusremotewrite" exporter.
func NewFactory() exporters.Factory {
	return exporters.NewFactory("prometheusremotewrite", component.SignalSet{signal.TypeMetrics},
		func() component.Config {
			return &Config{Options: exporters.DefaultOptions(), Compression: CompressionSnappy}
		},
		func(set exporters.Settings, cfg component.Config) (exporters.Sender, error) {
			return NewClient(cfg.(*Config), set.Logger)
		})
}

// Client sends write requests to one endpoint.
type Client struct {
	cfg   *Config
	log   *zap.Logger
	httpc *http.Client
}

// NewClient creates a client for cfg.
func NewClient(cfg *Config, log *zap.Logger) (*Client, error) {
	tlsCfg, err := cfg.TLS.Load()
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:   cfg,
		log:   log,
		httpc: &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}},
	}, nil
}

// Send converts a metrics batch and writes it.
func (c *Client) Send(ctx context.Context, batch signal.Batch) error {
	if batch.Type != signal.TypeMetrics {
		return consumer.Permanent(fmt.Errorf("remote write only carries metrics, got %s", batch.Type))
	}
	wr := ToWriteRequest(batch.Signals, c.cfg.ExternalLabels)
	if len(wr.Timeseries) == 0 {
		return nil
	}
	return c.Write(ctx, wr)
}

// Write marshals and posts wr.
func (c *Client) Write(ctx context.Context, wr *prompb.WriteRequest) error {
	raw, err := wr.Marshal()
	if err != nil {
		return consumer.Permanent(err)
	}
	var body []byte
	switch c.cfg.Compression {
	case CompressionGzip:
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(raw); err != nil {
			return consumer.Permanent(err)
		}
		_ = gz.Close()
		body = buf.Bytes()
	case CompressionNone:
		body = raw
	default:
		body = snappy.Encode(nil, raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return consumer.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	req.Header.Set("User-Agent", "telegen-gateway")
	if c.cfg.Compression != CompressionNone {
		req.Header.Set("Content-Encoding", c.cfg.Compression)
	}
	if c.cfg.Tenant != "" {
		req.Header.Set("X-Scope-OrgID", c.cfg.Tenant)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return exporters.HTTPStatusError(resp.StatusCode, resp.Header,
		fmt.Errorf("remote_write status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
}
