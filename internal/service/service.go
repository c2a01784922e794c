// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package service builds the component graph described by a loaded
// configuration and runs it: exporters, then pipelines, then receivers are
// started, and shut down in the reverse order within a grace period.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/config"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/exporters"
	"github.com/platformbuilds/telegen-gateway/internal/guard"
	"github.com/platformbuilds/telegen-gateway/internal/processor"
	"github.com/platformbuilds/telegen-gateway/internal/receiver"
	"github.com/platformbuilds/telegen-gateway/internal/selftelemetry"
)

// ShutdownError is returned by Shutdown when batches were still in flight as
// the grace period ran out, or could not be handed to a stopped exporter.
type ShutdownError struct {
	Undelivered int
	Err         error
}

func (e *ShutdownError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("shutdown left %d batches undelivered", e.Undelivered)
	}
	return fmt.Sprintf("shutdown left %d batches undelivered: %v", e.Undelivered, e.Err)
}

func (e *ShutdownError) Unwrap() error { return e.Err }

// Settings configure a Service.
type Settings struct {
	Config    *config.Config
	Factories config.Factories
	Logger    *zap.Logger
	// Telemetry is created from the service telemetry section when nil.
	Telemetry *selftelemetry.Telemetry
}

type namedReceiver struct {
	id component.ID
	r  receiver.Receiver
}

// Service owns every built component. Receivers and exporters exist once per
// component ID and are shared by the pipelines that reference them.
type Service struct {
	cfg    *config.Config
	log    *zap.Logger
	tel    *selftelemetry.Telemetry
	health *selftelemetry.Health
	guards *guard.Set
	server *selftelemetry.Server

	receivers []namedReceiver
	pipelines []*pipeline
	exporters []*exporters.Exporter

	lc component.Lifecycle
}

// New builds the graph. Nothing is started.
func New(set Settings) (*Service, error) {
	if set.Logger == nil {
		set.Logger = zap.NewNop()
	}
	if set.Telemetry == nil {
		set.Telemetry = selftelemetry.New(set.Config.Service.Telemetry.Metrics.Namespace)
	}
	s := &Service{
		cfg:    set.Config,
		log:    set.Logger,
		tel:    set.Telemetry,
		health: selftelemetry.NewHealth(),
		guards: guard.NewSet(set.Logger, set.Telemetry),
	}
	s.server = selftelemetry.NewServer(set.Config.Service.Telemetry.Metrics.Address, s.tel, s.health, s.log)

	shared, err := s.buildExporters(set.Factories)
	if err != nil {
		return nil, err
	}
	byPipeline, err := s.buildPipelines(set.Factories, shared)
	if err != nil {
		return nil, err
	}
	if err := s.buildReceivers(set.Factories, byPipeline); err != nil {
		return nil, err
	}
	return s, nil
}

// buildExporters creates one Exporter per exporter ID used by a pipeline.
func (s *Service) buildExporters(factories config.Factories) (map[component.ID]*exporters.Exporter, error) {
	shared := make(map[component.ID]*exporters.Exporter)
	for _, pid := range s.cfg.PipelineIDs() {
		for _, id := range s.cfg.Service.Pipelines[pid].Exporters {
			if _, ok := shared[id]; ok {
				continue
			}
			set := exporters.Settings{ID: id, Logger: s.log, Telemetry: s.tel}
			exp, err := exporters.Create(set, factories.Exporters[id.Type], s.cfg.Exporters[id])
			if err != nil {
				return nil, fmt.Errorf("build exporter %s: %w", id, err)
			}
			shared[id] = exp
			s.exporters = append(s.exporters, exp)
		}
	}
	return shared, nil
}

// buildPipelines creates every pipeline with its own processor instances,
// chained from the tail backwards.
func (s *Service) buildPipelines(factories config.Factories, shared map[component.ID]*exporters.Exporter,
) (map[component.PipelineID]*pipeline, error) {
	byID := make(map[component.PipelineID]*pipeline, len(s.cfg.Service.Pipelines))
	for _, pid := range s.cfg.PipelineIDs() {
		pc := s.cfg.Service.Pipelines[pid]
		p := newPipeline(pid, pc.QueueSize, pc.EnqueueTimeout, s.log, s.tel)
		for _, id := range pc.Exporters {
			p.exporters = append(p.exporters, shared[id])
		}

		var next consumer.Consumer = consumer.Func(p.export)
		p.processors = make([]processor.Processor, len(pc.Processors))
		for i := len(pc.Processors) - 1; i >= 0; i-- {
			id := pc.Processors[i]
			set := processor.Settings{
				ID:        id,
				Pipeline:  pid,
				Logger:    p.log.With(zap.String("component", id.String())),
				Telemetry: s.tel,
				Guards:    s.guards,
				Released:  p.release,
				Abandoned: p.abandonSignals,
			}
			proc, err := factories.Processors[id.Type].Create(set, s.cfg.Processors[id], next)
			if err != nil {
				return nil, fmt.Errorf("build processor %s in pipeline %s: %w", id, pid, err)
			}
			p.processors[i] = proc
			next = proc
		}
		p.first = next
		// Admission order follows the declared chain.
		for _, proc := range p.processors {
			if a, ok := proc.(processor.Admitter); ok {
				p.admitters = append(p.admitters, a)
			}
		}
		byID[pid] = p
		s.pipelines = append(s.pipelines, p)
	}
	return byID, nil
}

// buildReceivers creates one receiver per receiver ID, routing to every
// pipeline that lists it.
func (s *Service) buildReceivers(factories config.Factories, pipelines map[component.PipelineID]*pipeline) error {
	sinks := make(map[component.ID]*receiver.Sinks)
	var order []component.ID
	for _, pid := range s.cfg.PipelineIDs() {
		for _, id := range s.cfg.Service.Pipelines[pid].Receivers {
			next, ok := sinks[id]
			if !ok {
				next = receiver.NewSinks()
				sinks[id] = next
				order = append(order, id)
			}
			next.Add(pid.Signal, pipelines[pid])
		}
	}
	for _, id := range order {
		set := receiver.Settings{ID: id, Logger: s.log, Telemetry: s.tel}
		r, err := factories.Receivers[id.Type].Create(set, s.cfg.Receivers[id], sinks[id])
		if err != nil {
			return fmt.Errorf("build receiver %s: %w", id, err)
		}
		s.receivers = append(s.receivers, namedReceiver{id: id, r: r})
	}
	return nil
}

// Start starts the self-telemetry server and then every component, tier by
// tier. Components of one tier start concurrently. On failure everything
// started so far is shut down.
func (s *Service) Start(ctx context.Context) error {
	if err := s.lc.Start(); err != nil {
		return err
	}
	if err := s.server.Start(); err != nil {
		return multierr.Append(fmt.Errorf("start self-telemetry server: %w", err), s.shutdown(ctx))
	}

	err := s.startTier(ctx, "exporter", len(s.exporters), func(i int) (string, component.Component) {
		return s.exporters[i].ID().String(), s.exporters[i]
	})
	if err == nil {
		err = s.startTier(ctx, "pipeline", len(s.pipelines), func(i int) (string, component.Component) {
			return s.pipelines[i].id.String(), s.pipelines[i]
		})
	}
	if err == nil {
		err = s.startTier(ctx, "receiver", len(s.receivers), func(i int) (string, component.Component) {
			return s.receivers[i].id.String(), s.receivers[i].r
		})
	}
	if err != nil {
		s.log.Error("start failed, shutting down", zap.Error(err))
		return multierr.Append(err, s.shutdown(ctx))
	}

	s.tel.SetReady(true)
	s.log.Info("everything is ready",
		zap.Int("receivers", len(s.receivers)),
		zap.Int("pipelines", len(s.pipelines)),
		zap.Int("exporters", len(s.exporters)),
		zap.String("telemetry_address", s.server.Addr()))
	return nil
}

func (s *Service) startTier(ctx context.Context, kind string, n int, get func(i int) (string, component.Component)) error {
	var g errgroup.Group
	for i := 0; i < n; i++ {
		name, c := get(i)
		g.Go(func() error {
			if err := c.Start(ctx, s.health); err != nil {
				return fmt.Errorf("start %s %s: %w", kind, name, err)
			}
			s.health.Report(healthKey(kind, name), nil)
			return nil
		})
	}
	return g.Wait()
}

// healthKey names a component in the health registry. Receivers use their
// bare ID, which is also what they report status under.
func healthKey(kind, name string) string {
	if kind == "receiver" {
		return name
	}
	return kind + "s::" + name
}

// Shutdown stops receivers, drains pipelines and exporters, and reports the
// batches that could not be delivered before ctx ended as a *ShutdownError.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.lc.Drain() {
		return nil
	}
	return s.shutdown(ctx)
}

func (s *Service) shutdown(ctx context.Context) error {
	defer s.lc.Stop()
	s.tel.SetReady(false)
	start := time.Now()

	var errs error
	for i := len(s.receivers) - 1; i >= 0; i-- {
		if err := s.receivers[i].r.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shutdown receiver %s: %w", s.receivers[i].id, err))
		}
	}
	for i := len(s.pipelines) - 1; i >= 0; i-- {
		if err := s.pipelines[i].Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shutdown pipeline %s: %w", s.pipelines[i].id, err))
		}
	}
	for i := len(s.exporters) - 1; i >= 0; i-- {
		if err := s.exporters[i].Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shutdown exporter %s: %w", s.exporters[i].ID(), err))
		}
	}
	s.guards.Stop()

	undelivered := s.Undelivered()
	if undelivered > 0 {
		s.tel.Undelivered.Add(float64(undelivered))
	}

	srvCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.server.Shutdown(srvCtx); err != nil {
		s.log.Warn("stopping self-telemetry server", zap.Error(err))
	}

	s.log.Info("shutdown complete",
		zap.Duration("took", time.Since(start)),
		zap.Int("undelivered_batches", undelivered))
	if undelivered > 0 || ctx.Err() != nil {
		return &ShutdownError{Undelivered: undelivered, Err: errs}
	}
	return errs
}

// Undelivered returns the batches abandoned by pipelines and exporters.
func (s *Service) Undelivered() int {
	var n int
	for _, p := range s.pipelines {
		n += p.Undelivered()
	}
	for _, e := range s.exporters {
		n += e.Undelivered()
	}
	return n
}

// Health returns the component health registry.
func (s *Service) Health() *selftelemetry.Health { return s.health }

// Telemetry returns the self-telemetry instance.
func (s *Service) Telemetry() *selftelemetry.Telemetry { return s.tel }

// TelemetryAddr returns the bound address of the self-telemetry server.
func (s *Service) TelemetryAddr() string { return s.server.Addr() }
