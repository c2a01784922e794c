// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package debug implements the "debug" exporter, which writes batches to the
// gateway log.
package debug

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/exporters"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// Verbosity levels.
const (
	VerbosityBasic    = "basic"
	VerbosityNormal   = "normal"
	VerbosityDetailed = "detailed"
)

// Config configures the exporter.
type Config struct {
	exporters.Options `yaml:",inline"`

	// Verbosity is basic (one line per batch), normal (one line per signal)
	// or detailed (every field of every signal).
	Verbosity string `yaml:"verbosity"`
}

// Validate implements component.Config.
func (c *Config) Validate() error {
	switch c.Verbosity {
	case VerbosityBasic, VerbosityNormal, VerbosityDetailed:
	default:
		return fmt.Errorf("unknown verbosity %q", c.Verbosity)
	}
	return c.Options.Validate()
}

// NewFactory returns the factory for the "debug" exporter.
func NewFactory() exporters.Factory {
	return exporters.NewFactory("debug",
		component.SignalSet{signal.TypeTraces, signal.TypeMetrics, signal.TypeLogs},
		func() component.Config {
			opts := exporters.DefaultOptions()
			opts.Queue.Enabled = false
			opts.Retry.Enabled = false
			return &Config{Options: opts, Verbosity: VerbosityBasic}
		},
		func(set exporters.Settings, cfg component.Config) (exporters.Sender, error) {
			return &sender{verbosity: cfg.(*Config).Verbosity, log: set.Logger}, nil
		})
}

type sender struct {
	verbosity string
	log       *zap.Logger
}

func (s *sender) Send(_ context.Context, batch signal.Batch) error {
	s.log.Info("batch",
		zap.Stringer("signal", batch.Type),
		zap.Int("count", batch.Len()))
	if s.verbosity == VerbosityBasic {
		return nil
	}
	for i := range batch.Signals {
		sig := &batch.Signals[i]
		if s.verbosity == VerbosityNormal {
			s.log.Info(sig.Name(), zap.Time("timestamp", sig.Timestamp))
			continue
		}
		s.log.Info(sig.Name(), zap.Object("signal", (*signalMarshaler)(sig)))
	}
	return nil
}

type signalMarshaler signal.Signal

func (m *signalMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddTime("timestamp", m.Timestamp)
	if m.Scope != "" {
		enc.AddString("scope", m.Scope)
	}
	if err := enc.AddReflected("resource", m.Resource); err != nil {
		return err
	}
	if err := enc.AddReflected("attributes", m.Attributes); err != nil {
		return err
	}
	switch {
	case m.Span != nil:
		sp := m.Span
		enc.AddString("trace_id", sp.TraceID.String())
		enc.AddString("span_id", sp.SpanID.String())
		if !sp.ParentSpanID.IsEmpty() {
			enc.AddString("parent_span_id", sp.ParentSpanID.String())
		}
		enc.AddInt32("kind", int32(sp.Kind))
		enc.AddDuration("duration", sp.Duration())
		enc.AddInt32("status_code", int32(sp.Status.Code))
		if sp.Status.Message != "" {
			enc.AddString("status_message", sp.Status.Message)
		}
	case m.Metric != nil:
		mt := m.Metric
		enc.AddString("aggregation", mt.Aggregation.String())
		if mt.Unit != "" {
			enc.AddString("unit", mt.Unit)
		}
		if mt.Aggregation == signal.AggregationHistogram {
			enc.AddUint64("count", mt.Count)
			enc.AddFloat64("sum", mt.Sum)
			if err := enc.AddReflected("bounds", mt.Bounds); err != nil {
				return err
			}
			return enc.AddReflected("bucket_counts", mt.BucketCounts)
		}
		enc.AddFloat64("value", mt.Value)
		enc.AddBool("monotonic", mt.Monotonic)
	case m.Log != nil:
		l := m.Log
		enc.AddInt32("severity_number", l.SeverityNumber)
		enc.AddString("severity_text", l.SeverityText)
		enc.AddString("body", l.Body)
		if !l.TraceID.IsEmpty() {
			enc.AddString("trace_id", l.TraceID.String())
		}
	}
	return nil
}
