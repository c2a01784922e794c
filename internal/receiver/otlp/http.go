// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package otlp

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"go.uber.org/zap"

	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
	"github.com/platformbuilds/telegen-gateway/internal/translate"
)

const (
	transportHTTP = "http"

	contentTypeProto = "application/x-protobuf"
	contentTypeJSON  = "application/json"

	// retryAfterSeconds is advertised to clients refused for capacity.
	retryAfterSeconds = "1"
)

func (r *otlpReceiver) handleExport(t signal.Type, maxBody int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		enc, ok := encodingOf(c.ContentType())
		if !ok {
			c.String(http.StatusUnsupportedMediaType, "unsupported content type %q", c.ContentType())
			return
		}
		data, err := readBody(c, maxBody)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(c, enc, http.StatusRequestEntityTooLarge, err)
				return
			}
			writeError(c, enc, http.StatusBadRequest, r.set.DecodeFailed(transportHTTP, err))
			return
		}
		batch, skipped, err := translate.Unmarshal(t, data, enc)
		if err != nil {
			writeError(c, enc, http.StatusBadRequest, r.set.DecodeFailed(transportHTTP, err))
			return
		}
		if err := r.consume(c.Request.Context(), transportHTTP, batch); err != nil {
			if consumer.IsPermanent(err) {
				writeError(c, enc, http.StatusBadRequest, err)
				return
			}
			r.set.Logger.Debug("refused export", zap.Stringer("signal", t), zap.Error(err))
			c.Header("Retry-After", retryAfterSeconds)
			writeError(c, enc, http.StatusServiceUnavailable, err)
			return
		}
		body, err := exportResponse(t, enc, skipped)
		if err != nil {
			c.String(http.StatusInternalServerError, err.Error())
			return
		}
		c.Data(http.StatusOK, contentTypeOf(enc), body)
	}
}

func encodingOf(contentType string) (translate.Encoding, bool) {
	switch strings.ToLower(contentType) {
	case contentTypeProto:
		return translate.EncodingProto, true
	case contentTypeJSON:
		return translate.EncodingJSON, true
	}
	return "", false
}

func contentTypeOf(enc translate.Encoding) string {
	if enc == translate.EncodingJSON {
		return contentTypeJSON
	}
	return contentTypeProto
}

func readBody(c *gin.Context, maxBody int64) ([]byte, error) {
	var body io.Reader = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
	switch enc := c.GetHeader("Content-Encoding"); enc {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		// The limit applies to the decompressed body as well.
		body = io.LimitReader(gz, maxBody+1)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBody {
		return nil, &http.MaxBytesError{Limit: maxBody}
	}
	return data, nil
}

func writeError(c *gin.Context, enc translate.Encoding, code int, err error) {
	if enc == translate.EncodingJSON {
		c.JSON(code, gin.H{"code": code, "message": err.Error()})
		return
	}
	c.String(code, err.Error())
}

func exportResponse(t signal.Type, enc translate.Encoding, skipped int) ([]byte, error) {
	json := enc == translate.EncodingJSON
	switch t {
	case signal.TypeTraces:
		resp := ptraceotlp.NewExportResponse()
		if json {
			return resp.MarshalJSON()
		}
		return resp.MarshalProto()
	case signal.TypeMetrics:
		resp := pmetricotlp.NewExportResponse()
		if skipped > 0 {
			resp.PartialSuccess().SetRejectedDataPoints(int64(skipped))
			resp.PartialSuccess().SetErrorMessage("unsupported metric data points")
		}
		if json {
			return resp.MarshalJSON()
		}
		return resp.MarshalProto()
	default:
		resp := plogotlp.NewExportResponse()
		if json {
			return resp.MarshalJSON()
		}
		return resp.MarshalProto()
	}
}
