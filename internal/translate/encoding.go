// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package translate

import (
	"fmt"

	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"

	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// Encoding is the wire format of an OTLP export request.
type Encoding string

const (
	EncodingProto Encoding = "otlp_proto"
	EncodingJSON  Encoding = "otlp_json"
)

// Marshal encodes batch as an OTLP export request.
func Marshal(batch signal.Batch, enc Encoding) ([]byte, error) {
	json := enc == EncodingJSON
	switch batch.Type {
	case signal.TypeTraces:
		req := ptraceotlp.NewExportRequestFromTraces(ToTraces(batch.Signals))
		if json {
			return req.MarshalJSON()
		}
		return req.MarshalProto()
	case signal.TypeMetrics:
		req := pmetricotlp.NewExportRequestFromMetrics(ToMetrics(batch.Signals))
		if json {
			return req.MarshalJSON()
		}
		return req.MarshalProto()
	case signal.TypeLogs:
		req := plogotlp.NewExportRequestFromLogs(ToLogs(batch.Signals))
		if json {
			return req.MarshalJSON()
		}
		return req.MarshalProto()
	}
	return nil, fmt.Errorf("unsupported signal type %s", batch.Type)
}

// Unmarshal decodes an OTLP export request of type t. skipped counts metric
// points that have no internal representation.
func Unmarshal(t signal.Type, data []byte, enc Encoding) (batch signal.Batch, skipped int, err error) {
	json := enc == EncodingJSON
	switch t {
	case signal.TypeTraces:
		req := ptraceotlp.NewExportRequest()
		if json {
			err = req.UnmarshalJSON(data)
		} else {
			err = req.UnmarshalProto(data)
		}
		if err != nil {
			return batch, 0, err
		}
		return signal.NewBatch(t, FromTraces(req.Traces())...), 0, nil
	case signal.TypeMetrics:
		req := pmetricotlp.NewExportRequest()
		if json {
			err = req.UnmarshalJSON(data)
		} else {
			err = req.UnmarshalProto(data)
		}
		if err != nil {
			return batch, 0, err
		}
		out, skipped := FromMetrics(req.Metrics())
		return signal.NewBatch(t, out...), skipped, nil
	case signal.TypeLogs:
		req := plogotlp.NewExportRequest()
		if json {
			err = req.UnmarshalJSON(data)
		} else {
			err = req.UnmarshalProto(data)
		}
		if err != nil {
			return batch, 0, err
		}
		return signal.NewBatch(t, FromLogs(req.Logs())...), 0, nil
	}
	return batch, 0, fmt.Errorf("unsupported signal type %s", t)
}
