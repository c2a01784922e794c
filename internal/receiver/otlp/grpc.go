// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package otlp

import (
	"context"

	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"

	"github.com/platformbuilds/telegen-gateway/internal/signal"
	"github.com/platformbuilds/telegen-gateway/internal/translate"
)

const transportGRPC = "grpc"

type tracesService struct {
	ptraceotlp.UnimplementedGRPCServer
	r *otlpReceiver
}

func (s *tracesService) Export(ctx context.Context, req ptraceotlp.ExportRequest) (ptraceotlp.ExportResponse, error) {
	batch := signal.NewBatch(signal.TypeTraces, translate.FromTraces(req.Traces())...)
	return ptraceotlp.NewExportResponse(), grpcError(s.r.consume(ctx, transportGRPC, batch))
}

type metricsService struct {
	pmetricotlp.UnimplementedGRPCServer
	r *otlpReceiver
}

func (s *metricsService) Export(ctx context.Context, req pmetricotlp.ExportRequest) (pmetricotlp.ExportResponse, error) {
	out, skipped := translate.FromMetrics(req.Metrics())
	resp := pmetricotlp.NewExportResponse()
	if skipped > 0 {
		resp.PartialSuccess().SetRejectedDataPoints(int64(skipped))
		resp.PartialSuccess().SetErrorMessage("unsupported metric data points")
	}
	return resp, grpcError(s.r.consume(ctx, transportGRPC, signal.NewBatch(signal.TypeMetrics, out...)))
}

type logsService struct {
	plogotlp.UnimplementedGRPCServer
	r *otlpReceiver
}

func (s *logsService) Export(ctx context.Context, req plogotlp.ExportRequest) (plogotlp.ExportResponse, error) {
	batch := signal.NewBatch(signal.TypeLogs, translate.FromLogs(req.Logs())...)
	return plogotlp.NewExportResponse(), grpcError(s.r.consume(ctx, transportGRPC, batch))
}
