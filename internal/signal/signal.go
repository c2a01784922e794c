// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package signal defines the internal representation of telemetry that flows
// through the gateway: spans, metric points and log records, grouped into
// batches of a single signal type.
package signal

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Type is the kind of telemetry carried by a signal or batch.
type Type int

const (
	// TypeTraces represents distributed tracing spans.
	TypeTraces Type = iota + 1
	// TypeMetrics represents metric data points.
	TypeMetrics
	// TypeLogs represents log records.
	TypeLogs
)

// String returns the configuration name of the signal type.
func (t Type) String() string {
	switch t {
	case TypeTraces:
		return "traces"
	case TypeMetrics:
		return "metrics"
	case TypeLogs:
		return "logs"
	default:
		return "unknown"
	}
}

// ParseType parses a pipeline signal name.
func ParseType(s string) (Type, error) {
	switch s {
	case "traces":
		return TypeTraces, nil
	case "metrics":
		return TypeMetrics, nil
	case "logs":
		return TypeLogs, nil
	}
	return 0, fmt.Errorf("unknown signal type %q", s)
}

// TraceID is a 16 byte trace identifier.
type TraceID [16]byte

// IsEmpty reports whether all bytes are zero.
func (id TraceID) IsEmpty() bool { return id == TraceID{} }

func (id TraceID) String() string {
	if id.IsEmpty() {
		return ""
	}
	return hex.EncodeToString(id[:])
}

// SpanID is an 8 byte span identifier.
type SpanID [8]byte

// IsEmpty reports whether all bytes are zero.
func (id SpanID) IsEmpty() bool { return id == SpanID{} }

func (id SpanID) String() string {
	if id.IsEmpty() {
		return ""
	}
	return hex.EncodeToString(id[:])
}

// SpanKind mirrors the OTLP span kind enumeration.
type SpanKind int32

const (
	SpanKindUnspecified SpanKind = iota
	SpanKindInternal
	SpanKindServer
	SpanKindClient
	SpanKindProducer
	SpanKindConsumer
)

// StatusCode mirrors the OTLP span status code enumeration.
type StatusCode int32

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

// Status is the final status of a span.
type Status struct {
	Code    StatusCode
	Message string
}

// Span is one unit of work in a trace.
type Span struct {
	TraceID      TraceID
	SpanID       SpanID
	ParentSpanID SpanID
	Name         string
	Kind         SpanKind
	Start        time.Time
	End          time.Time
	Status       Status
}

// Duration returns End - Start, or zero for spans without an end time.
func (s *Span) Duration() time.Duration {
	if s.End.Before(s.Start) {
		return 0
	}
	return s.End.Sub(s.Start)
}

// Aggregation is the aggregation kind of a metric point.
type Aggregation int

const (
	AggregationGauge Aggregation = iota + 1
	AggregationSum
	AggregationHistogram
)

func (a Aggregation) String() string {
	switch a {
	case AggregationGauge:
		return "gauge"
	case AggregationSum:
		return "sum"
	case AggregationHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Metric is a single metric data point.
type Metric struct {
	Name        string
	Description string
	Unit        string
	Aggregation Aggregation
	// Value holds the gauge or sum value. Unused for histograms.
	Value float64
	// Monotonic and Cumulative only apply to sums (and Cumulative to histograms).
	Monotonic  bool
	Cumulative bool
	StartTime  time.Time

	// Histogram fields.
	Count        uint64
	Sum          float64
	Bounds       []float64
	BucketCounts []uint64
}

// Log is a single log record.
type Log struct {
	SeverityNumber int32
	SeverityText   string
	Body           string
	TraceID        TraceID
	SpanID         SpanID
}

// Signal is one span, metric point or log record together with the resource
// that produced it. Exactly one of Span, Metric or Log is set, matching Type.
type Signal struct {
	Type       Type
	Resource   Attributes
	Scope      string
	Timestamp  time.Time
	Attributes Attributes

	Span   *Span
	Metric *Metric
	Log    *Log
}

// NewSpan returns a trace signal.
func NewSpan(resource Attributes, span Span) Signal {
	return Signal{Type: TypeTraces, Resource: resource, Timestamp: span.Start, Attributes: Attributes{}, Span: &span}
}

// NewMetric returns a metric signal.
func NewMetric(resource Attributes, ts time.Time, m Metric) Signal {
	return Signal{Type: TypeMetrics, Resource: resource, Timestamp: ts, Attributes: Attributes{}, Metric: &m}
}

// NewLog returns a log signal.
func NewLog(resource Attributes, ts time.Time, l Log) Signal {
	return Signal{Type: TypeLogs, Resource: resource, Timestamp: ts, Attributes: Attributes{}, Log: &l}
}

// Name returns the span name, metric name or severity text of the signal.
func (s *Signal) Name() string {
	switch {
	case s.Span != nil:
		return s.Span.Name
	case s.Metric != nil:
		return s.Metric.Name
	case s.Log != nil:
		return s.Log.SeverityText
	}
	return ""
}

// Validate reports whether the variant fields agree with Type.
func (s *Signal) Validate() error {
	switch s.Type {
	case TypeTraces:
		if s.Span == nil {
			return fmt.Errorf("trace signal without span")
		}
		if s.Span.TraceID.IsEmpty() || s.Span.SpanID.IsEmpty() {
			return fmt.Errorf("span %q has an empty trace or span id", s.Span.Name)
		}
	case TypeMetrics:
		if s.Metric == nil {
			return fmt.Errorf("metric signal without data point")
		}
		if s.Metric.Name == "" {
			return fmt.Errorf("metric data point without name")
		}
	case TypeLogs:
		if s.Log == nil {
			return fmt.Errorf("log signal without record")
		}
	default:
		return fmt.Errorf("unknown signal type %d", s.Type)
	}
	return nil
}

// Clone returns a deep copy of the signal.
func (s Signal) Clone() Signal {
	out := s
	out.Resource = s.Resource.Clone()
	out.Attributes = s.Attributes.Clone()
	if s.Span != nil {
		sp := *s.Span
		out.Span = &sp
	}
	if s.Metric != nil {
		m := *s.Metric
		m.Bounds = append([]float64(nil), s.Metric.Bounds...)
		m.BucketCounts = append([]uint64(nil), s.Metric.BucketCounts...)
		out.Metric = &m
	}
	if s.Log != nil {
		l := *s.Log
		out.Log = &l
	}
	return out
}

// Size returns an approximate in-memory size in bytes.
func (s *Signal) Size() int {
	n := 64 + s.Resource.size() + s.Attributes.size() + len(s.Scope)
	switch {
	case s.Span != nil:
		n += 96 + len(s.Span.Name) + len(s.Span.Status.Message)
	case s.Metric != nil:
		n += 80 + len(s.Metric.Name) + len(s.Metric.Description) + len(s.Metric.Unit) +
			8*len(s.Metric.Bounds) + 8*len(s.Metric.BucketCounts)
	case s.Log != nil:
		n += 48 + len(s.Log.Body) + len(s.Log.SeverityText)
	}
	return n
}
