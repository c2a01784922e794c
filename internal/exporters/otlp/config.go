// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package otlp

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/platformbuilds/telegen-gateway/internal/config/configtls"
	"github.com/platformbuilds/telegen-gateway/internal/exporters"
)

// Compression types.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

// Encodings of OTLP over HTTP.
const (
	EncodingProto = "proto"
	EncodingJSON  = "json"
)

// GRPCConfig configures the "otlp" exporter.
type GRPCConfig struct {
	exporters.Options `yaml:",inline"`

	Endpoint    string                 `yaml:"endpoint"`
	TLS         configtls.ClientConfig `yaml:"tls"`
	Headers     map[string]string      `yaml:"headers"`
	Compression string                 `yaml:"compression"`
}

// Validate implements component.Config.
func (c *GRPCConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if err := validateCompression(c.Compression); err != nil {
		return err
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	return c.Options.Validate()
}

// HTTPConfig configures the "otlphttp" exporter.
type HTTPConfig struct {
	exporters.Options `yaml:",inline"`

	// Endpoint is the base URL; /v1/traces, /v1/metrics and /v1/logs are
	// appended unless a per-signal endpoint is given.
	Endpoint        string                 `yaml:"endpoint"`
	TracesEndpoint  string                 `yaml:"traces_endpoint"`
	MetricsEndpoint string                 `yaml:"metrics_endpoint"`
	LogsEndpoint    string                 `yaml:"logs_endpoint"`
	Encoding        string                 `yaml:"encoding"`
	TLS             configtls.ClientConfig `yaml:"tls"`
	Headers         map[string]string      `yaml:"headers"`
	Compression     string                 `yaml:"compression"`
}

// Validate implements component.Config.
func (c *HTTPConfig) Validate() error {
	if c.Endpoint == "" && c.TracesEndpoint == "" && c.MetricsEndpoint == "" && c.LogsEndpoint == "" {
		return errors.New("endpoint is required")
	}
	for _, u := range []string{c.Endpoint, c.TracesEndpoint, c.MetricsEndpoint, c.LogsEndpoint} {
		if u == "" {
			continue
		}
		if _, err := url.ParseRequestURI(u); err != nil {
			return fmt.Errorf("invalid endpoint %q: %w", u, err)
		}
	}
	switch c.Encoding {
	case EncodingProto, EncodingJSON:
	default:
		return fmt.Errorf("unknown encoding %q", c.Encoding)
	}
	if err := validateCompression(c.Compression); err != nil {
		return err
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	return c.Options.Validate()
}

func validateCompression(c string) error {
	switch c {
	case CompressionNone, CompressionGzip, "":
		return nil
	}
	return fmt.Errorf("unknown compression %q", c)
}
