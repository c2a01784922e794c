// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package otlp

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Default listen addresses.
const (
	DefaultGRPCEndpoint = "0.0.0.0:4317"
	DefaultHTTPEndpoint = "0.0.0.0:4318"
)

// GRPCConfig configures the OTLP/gRPC server.
type GRPCConfig struct {
	Endpoint          string `yaml:"endpoint"`
	MaxRecvMsgSizeMiB int    `yaml:"max_recv_msg_size_mib"`
}

// HTTPConfig configures the OTLP/HTTP server.
type HTTPConfig struct {
	Endpoint string `yaml:"endpoint"`
	// MaxRequestBodySize bounds the decoded request body in bytes.
	MaxRequestBodySize int64         `yaml:"max_request_body_size"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
}

// Protocols enables the transports. A protocol is enabled when its key is
// present, e.g. `grpc: {}` listens on the default gRPC endpoint.
type Protocols struct {
	GRPC *GRPCConfig `yaml:"grpc"`
	HTTP *HTTPConfig `yaml:"http"`
}

// Config configures the "otlp" receiver.
type Config struct {
	Protocols Protocols `yaml:"protocols"`
}

func (g *GRPCConfig) endpoint() string {
	if g.Endpoint == "" {
		return DefaultGRPCEndpoint
	}
	return g.Endpoint
}

func (h *HTTPConfig) endpoint() string {
	if h.Endpoint == "" {
		return DefaultHTTPEndpoint
	}
	return h.Endpoint
}

func (h *HTTPConfig) maxBodySize() int64 {
	if h.MaxRequestBodySize <= 0 {
		return 20 << 20
	}
	return h.MaxRequestBodySize
}

func (h *HTTPConfig) readTimeout() time.Duration {
	if h.ReadTimeout <= 0 {
		return 30 * time.Second
	}
	return h.ReadTimeout
}

// Validate implements component.Config.
func (c *Config) Validate() error {
	if c.Protocols.GRPC == nil && c.Protocols.HTTP == nil {
		return errors.New("at least one protocol must be enabled")
	}
	if g := c.Protocols.GRPC; g != nil {
		if _, _, err := net.SplitHostPort(g.endpoint()); err != nil {
			return fmt.Errorf("protocols::grpc::endpoint: %w", err)
		}
		if g.MaxRecvMsgSizeMiB < 0 {
			return errors.New("protocols::grpc::max_recv_msg_size_mib must not be negative")
		}
	}
	if h := c.Protocols.HTTP; h != nil {
		if _, _, err := net.SplitHostPort(h.endpoint()); err != nil {
			return fmt.Errorf("protocols::http::endpoint: %w", err)
		}
	}
	return nil
}
