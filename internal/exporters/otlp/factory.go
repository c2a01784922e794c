// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package otlp implements the OTLP exporters: "otlp" over gRPC (Jaeger,
// Tempo, collectors) and "otlphttp" over HTTP with protobuf or JSON bodies.
package otlp

import (
	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/exporters"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

var allSignals = component.SignalSet{signal.TypeTraces, signal.TypeMetrics, signal.TypeLogs}

// NewGRPCFactory returns the factory for the "otlp" exporter.
func NewGRPCFactory() exporters.Factory {
	return exporters.NewFactory("otlp", allSignals,
		func() component.Config {
			return &GRPCConfig{Options: exporters.DefaultOptions(), Compression: CompressionGzip}
		},
		func(set exporters.Settings, cfg component.Config) (exporters.Sender, error) {
			return newGRPCSender(cfg.(*GRPCConfig), set.Logger), nil
		})
}

// NewHTTPFactory returns the factory for the "otlphttp" exporter.
func NewHTTPFactory() exporters.Factory {
	return exporters.NewFactory("otlphttp", allSignals,
		func() component.Config {
			return &HTTPConfig{Options: exporters.DefaultOptions(), Encoding: EncodingProto, Compression: CompressionGzip}
		},
		func(set exporters.Settings, cfg component.Config) (exporters.Sender, error) {
			return newHTTPSender(cfg.(*HTTPConfig), set.Logger)
		})
}
