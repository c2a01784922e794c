// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package otlp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/exporters"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
	"github.com/platformbuilds/telegen-gateway/internal/translate"
)

// grpcSender exports over OTLP/gRPC.
type grpcSender struct {
	cfg *GRPCConfig
	log *zap.Logger
	md  metadata.MD

	// dialOptions are appended after the configured ones; tests use them to
	// dial in-process listeners.
	dialOptions []grpc.DialOption

	conn    *grpc.ClientConn
	traces  ptraceotlp.GRPCClient
	metrics pmetricotlp.GRPCClient
	logs    plogotlp.GRPCClient
}

func newGRPCSender(cfg *GRPCConfig, log *zap.Logger) *grpcSender {
	return &grpcSender{cfg: cfg, log: log, md: metadata.New(cfg.Headers)}
}

func (s *grpcSender) Start(context.Context) error {
	opts, err := s.buildDialOptions()
	if err != nil {
		return fmt.Errorf("failed to build dial options: %w", err)
	}
	conn, err := grpc.NewClient(s.cfg.Endpoint, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client for %s: %w", s.cfg.Endpoint, err)
	}
	s.conn = conn
	s.traces = ptraceotlp.NewGRPCClient(conn)
	s.metrics = pmetricotlp.NewGRPCClient(conn)
	s.logs = plogotlp.NewGRPCClient(conn)
	s.log.Info("OTLP gRPC exporter ready", zap.String("endpoint", s.cfg.Endpoint))
	return nil
}

func (s *grpcSender) buildDialOptions() ([]grpc.DialOption, error) {
	var opts []grpc.DialOption
	tlsCfg, err := s.cfg.TLS.Load()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if s.cfg.Compression == CompressionGzip {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor(gzip.Name)))
	}
	opts = append(opts,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(16*1024*1024),
			grpc.MaxCallSendMsgSize(16*1024*1024),
		),
	)
	return append(opts, s.dialOptions...), nil
}

func (s *grpcSender) Send(ctx context.Context, batch signal.Batch) error {
	if s.conn == nil {
		return errNotStarted
	}
	if len(s.md) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, s.md)
	}
	var err error
	switch batch.Type {
	case signal.TypeTraces:
		var resp ptraceotlp.ExportResponse
		resp, err = s.traces.Export(ctx, ptraceotlp.NewExportRequestFromTraces(translate.ToTraces(batch.Signals)))
		if err == nil {
			s.partial(resp.PartialSuccess().RejectedSpans(), resp.PartialSuccess().ErrorMessage())
		}
	case signal.TypeMetrics:
		var resp pmetricotlp.ExportResponse
		resp, err = s.metrics.Export(ctx, pmetricotlp.NewExportRequestFromMetrics(translate.ToMetrics(batch.Signals)))
		if err == nil {
			s.partial(resp.PartialSuccess().RejectedDataPoints(), resp.PartialSuccess().ErrorMessage())
		}
	case signal.TypeLogs:
		var resp plogotlp.ExportResponse
		resp, err = s.logs.Export(ctx, plogotlp.NewExportRequestFromLogs(translate.ToLogs(batch.Signals)))
		if err == nil {
			s.partial(resp.PartialSuccess().RejectedLogRecords(), resp.PartialSuccess().ErrorMessage())
		}
	default:
		return consumer.Permanent(fmt.Errorf("unsupported signal type %s", batch.Type))
	}
	return classifyGRPC(err)
}

// partial logs data the server accepted the request for but rejected.
// Rejected items are not retried.
func (s *grpcSender) partial(rejected int64, msg string) {
	if rejected > 0 {
		s.log.Warn("partial success from OTLP endpoint", zap.Int64("rejected", rejected), zap.String("message", msg))
	}
}

func (s *grpcSender) Close(context.Context) error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// classifyGRPC marks non-retriable status codes as permanent and carries the
// server's RetryInfo delay when present.
func classifyGRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Canceled, codes.DeadlineExceeded, codes.Aborted, codes.OutOfRange,
		codes.Unavailable, codes.DataLoss, codes.ResourceExhausted:
		for _, d := range st.Details() {
			if ri, ok := d.(*errdetails.RetryInfo); ok && ri.GetRetryDelay() != nil {
				return exporters.NewRetryableErrorWithAfter(err, ri.GetRetryDelay().AsDuration())
			}
		}
		return err
	default:
		return consumer.Permanent(err)
	}
}

var errNotStarted = errors.New("exporter not started")
