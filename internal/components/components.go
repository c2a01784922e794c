// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package components registers every receiver, processor and exporter type
// the gateway ships with.
package components

import (
	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/config"
	"github.com/platformbuilds/telegen-gateway/internal/exporters"
	"github.com/platformbuilds/telegen-gateway/internal/exporters/debug"
	"github.com/platformbuilds/telegen-gateway/internal/exporters/elasticsearch"
	"github.com/platformbuilds/telegen-gateway/internal/exporters/kafkaexporter"
	"github.com/platformbuilds/telegen-gateway/internal/exporters/otlp"
	"github.com/platformbuilds/telegen-gateway/internal/exporters/remotewrite"
	"github.com/platformbuilds/telegen-gateway/internal/processor"
	"github.com/platformbuilds/telegen-gateway/internal/receiver"
	"github.com/platformbuilds/telegen-gateway/internal/receiver/httpcheck"
	"github.com/platformbuilds/telegen-gateway/internal/receiver/kafkareceiver"
	otlpreceiver "github.com/platformbuilds/telegen-gateway/internal/receiver/otlp"
	"github.com/platformbuilds/telegen-gateway/internal/receiver/promscrape"
)

// Builtin returns the factories of all built-in component types.
func Builtin() config.Factories {
	return config.Factories{
		Receivers: receivers(
			otlpreceiver.NewFactory(),
			promscrape.NewFactory(),
			httpcheck.NewFactory(),
			kafkareceiver.NewFactory(),
		),
		Processors: processors(
			processor.NewBatchFactory(),
			processor.NewMemoryLimiterFactory(),
			processor.NewAttributesFactory(),
			processor.NewResourceFactory(),
			processor.NewFilterFactory(),
		),
		Exporters: exporterFactories(
			otlp.NewGRPCFactory(),
			otlp.NewHTTPFactory(),
			remotewrite.NewFactory(),
			elasticsearch.NewFactory(),
			kafkaexporter.NewFactory(),
			debug.NewFactory(),
		),
	}
}

func receivers(fs ...receiver.Factory) map[component.Type]receiver.Factory {
	m := make(map[component.Type]receiver.Factory, len(fs))
	for _, f := range fs {
		m[f.Type()] = f
	}
	return m
}

func processors(fs ...processor.Factory) map[component.Type]processor.Factory {
	m := make(map[component.Type]processor.Factory, len(fs))
	for _, f := range fs {
		m[f.Type()] = f
	}
	return m
}

func exporterFactories(fs ...exporters.Factory) map[component.Type]exporters.Factory {
	m := make(map[component.Type]exporters.Factory, len(fs))
	for _, f := range fs {
		m[f.Type()] = f
	}
	return m
}
