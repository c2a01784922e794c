// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package elasticsearch

import (
	"time"

	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// document is the indexed form of a signal. Field names follow the raw
// mapping used by the OpenTelemetry Elasticsearch exporter.
type document struct {
	Timestamp  string            `json:"@timestamp"`
	Resource   signal.Attributes `json:"Resource,omitempty"`
	Scope      string            `json:"Scope,omitempty"`
	Attributes signal.Attributes `json:"Attributes,omitempty"`

	// Spans.
	TraceID                string `json:"TraceId,omitempty"`
	SpanID                 string `json:"SpanId,omitempty"`
	ParentSpanID           string `json:"ParentSpanId,omitempty"`
	Name                   string `json:"Name,omitempty"`
	Kind                   string `json:"Kind,omitempty"`
	EndTimestamp           string `json:"EndTimestamp,omitempty"`
	Duration               int64  `json:"Duration,omitempty"`
	TraceStatus            int32  `json:"TraceStatus,omitempty"`
	TraceStatusDescription string `json:"TraceStatusDescription,omitempty"`

	// Log records.
	SeverityNumber int32  `json:"SeverityNumber,omitempty"`
	SeverityText   string `json:"SeverityText,omitempty"`
	Body           string `json:"Body,omitempty"`

	// Metric points.
	Metric *metricDoc `json:"Metric,omitempty"`
}

type metricDoc struct {
	Name         string    `json:"Name"`
	Type         string    `json:"Type"`
	Unit         string    `json:"Unit,omitempty"`
	Value        *float64  `json:"Value,omitempty"`
	Monotonic    bool      `json:"Monotonic,omitempty"`
	Count        uint64    `json:"Count,omitempty"`
	Sum          float64   `json:"Sum,omitempty"`
	Bounds       []float64 `json:"Bounds,omitempty"`
	BucketCounts []uint64  `json:"BucketCounts,omitempty"`
}

var spanKinds = map[signal.SpanKind]string{
	signal.SpanKindInternal: "SPAN_KIND_INTERNAL",
	signal.SpanKindServer:   "SPAN_KIND_SERVER",
	signal.SpanKindClient:   "SPAN_KIND_CLIENT",
	signal.SpanKindProducer: "SPAN_KIND_PRODUCER",
	signal.SpanKindConsumer: "SPAN_KIND_CONSUMER",
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func newDocument(sig *signal.Signal) document {
	doc := document{
		Timestamp: formatTime(sig.Timestamp),
		Scope:     sig.Scope,
	}
	if len(sig.Resource) > 0 {
		doc.Resource = sig.Resource
	}
	if len(sig.Attributes) > 0 {
		doc.Attributes = sig.Attributes
	}
	switch {
	case sig.Span != nil:
		sp := sig.Span
		doc.TraceID = sp.TraceID.String()
		doc.SpanID = sp.SpanID.String()
		doc.ParentSpanID = sp.ParentSpanID.String()
		doc.Name = sp.Name
		doc.Kind = spanKinds[sp.Kind]
		doc.EndTimestamp = formatTime(sp.End)
		doc.Duration = sp.Duration().Microseconds()
		doc.TraceStatus = int32(sp.Status.Code)
		doc.TraceStatusDescription = sp.Status.Message
	case sig.Log != nil:
		l := sig.Log
		doc.TraceID = l.TraceID.String()
		doc.SpanID = l.SpanID.String()
		doc.SeverityNumber = l.SeverityNumber
		doc.SeverityText = l.SeverityText
		doc.Body = l.Body
	case sig.Metric != nil:
		m := sig.Metric
		md := &metricDoc{Name: m.Name, Type: m.Aggregation.String(), Unit: m.Unit, Monotonic: m.Monotonic}
		if m.Aggregation == signal.AggregationHistogram {
			md.Count = m.Count
			md.Sum = m.Sum
			md.Bounds = m.Bounds
			md.BucketCounts = m.BucketCounts
		} else {
			v := m.Value
			md.Value = &v
		}
		doc.Metric = md
	}
	return doc
}
