// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package otlp implements the "otlp" receiver: OTLP over gRPC and over HTTP
// with protobuf or JSON bodies.
package otlp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/receiver"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// NewFactory returns the factory for the "otlp" receiver.
func NewFactory() receiver.Factory {
	return receiver.NewFactory("otlp",
		component.SignalSet{signal.TypeTraces, signal.TypeMetrics, signal.TypeLogs},
		func() component.Config { return &Config{} },
		func(set receiver.Settings, cfg component.Config, next *receiver.Sinks) (receiver.Receiver, error) {
			return newReceiver(set, cfg.(*Config), next), nil
		})
}

type otlpReceiver struct {
	set  receiver.Settings
	cfg  *Config
	next *receiver.Sinks

	lc       component.Lifecycle
	host     component.Host
	grpcSrv  *grpc.Server
	grpcAddr net.Addr
	httpSrv  *http.Server
	httpAddr net.Addr
	wg       sync.WaitGroup
}

func newReceiver(set receiver.Settings, cfg *Config, next *receiver.Sinks) *otlpReceiver {
	return &otlpReceiver{set: set, cfg: cfg, next: next}
}

// Start opens the configured listeners.
func (r *otlpReceiver) Start(_ context.Context, host component.Host) error {
	if err := r.lc.Start(); err != nil {
		return err
	}
	if host == nil {
		host = component.NopHost{}
	}
	r.host = host
	if g := r.cfg.Protocols.GRPC; g != nil {
		if err := r.startGRPC(g); err != nil {
			return err
		}
	}
	if h := r.cfg.Protocols.HTTP; h != nil {
		if err := r.startHTTP(h); err != nil {
			return multierr.Append(err, r.stopGRPC(context.Background()))
		}
	}
	return nil
}

func (r *otlpReceiver) startGRPC(cfg *GRPCConfig) error {
	ln, err := net.Listen("tcp", cfg.endpoint())
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.endpoint(), err)
	}
	var opts []grpc.ServerOption
	if cfg.MaxRecvMsgSizeMiB > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSizeMiB<<20))
	}
	r.grpcSrv = grpc.NewServer(opts...)
	if r.next.Has(signal.TypeTraces) {
		ptraceotlp.RegisterGRPCServer(r.grpcSrv, &tracesService{r: r})
	}
	if r.next.Has(signal.TypeMetrics) {
		pmetricotlp.RegisterGRPCServer(r.grpcSrv, &metricsService{r: r})
	}
	if r.next.Has(signal.TypeLogs) {
		plogotlp.RegisterGRPCServer(r.grpcSrv, &logsService{r: r})
	}
	r.grpcAddr = ln.Addr()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.grpcSrv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			r.set.Logger.Error("grpc server failed", zap.Error(err))
			r.host.ReportStatus(r.set.ID, err)
		}
	}()
	r.set.Logger.Info("listening for OTLP/gRPC", zap.Stringer("address", ln.Addr()))
	return nil
}

func (r *otlpReceiver) startHTTP(cfg *HTTPConfig) error {
	ln, err := net.Listen("tcp", cfg.endpoint())
	if err != nil {
		return fmt.Errorf("listen http %s: %w", cfg.endpoint(), err)
	}
	r.httpSrv = &http.Server{
		Handler:           r.router(cfg),
		ReadHeaderTimeout: cfg.readTimeout(),
		ReadTimeout:       cfg.readTimeout(),
	}
	r.httpAddr = ln.Addr()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.set.Logger.Error("http server failed", zap.Error(err))
			r.host.ReportStatus(r.set.ID, err)
		}
	}()
	r.set.Logger.Info("listening for OTLP/HTTP", zap.Stringer("address", ln.Addr()))
	return nil
}

func (r *otlpReceiver) router(cfg *HTTPConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery())
	for _, t := range []signal.Type{signal.TypeTraces, signal.TypeMetrics, signal.TypeLogs} {
		if r.next.Has(t) {
			e.POST("/v1/"+t.String(), r.handleExport(t, cfg.maxBodySize()))
		}
	}
	return e
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// is done.
func (r *otlpReceiver) Shutdown(ctx context.Context) error {
	if !r.lc.Drain() {
		return nil
	}
	defer r.lc.Stop()
	var errs error
	if r.httpSrv != nil {
		errs = multierr.Append(errs, r.httpSrv.Shutdown(ctx))
	}
	errs = multierr.Append(errs, r.stopGRPC(ctx))
	r.wg.Wait()
	return errs
}

func (r *otlpReceiver) stopGRPC(ctx context.Context) error {
	if r.grpcSrv == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.grpcSrv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.grpcSrv.Stop()
		<-done
		return fmt.Errorf("grpc shutdown: %w", ctx.Err())
	}
}

// consume validates and delivers one decoded request.
func (r *otlpReceiver) consume(ctx context.Context, transport string, batch signal.Batch) error {
	batch = r.set.DropInvalid(transport, batch)
	return r.set.Deliver(ctx, r.next, transport, batch)
}

// grpcError maps a pipeline refusal onto a retryable gRPC status.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if consumer.IsCapacity(err) {
		return status.Error(codes.Unavailable, err.Error())
	}
	if consumer.IsPermanent(err) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Unavailable, err.Error())
}
