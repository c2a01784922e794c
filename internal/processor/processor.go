// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package processor implements the pipeline stages that sit between
// receivers and exporters: batching, admission control, attribute and
// resource editing, and filtering.
package processor

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/guard"
	"github.com/platformbuilds/telegen-gateway/internal/selftelemetry"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// Settings are passed to every processor at construction.
type Settings struct {
	ID        component.ID
	Pipeline  component.PipelineID
	Logger    *zap.Logger
	Telemetry *selftelemetry.Telemetry
	// Guards holds the shared memory_limiter guards.
	Guards *guard.Set
	// Released is called with the number of signals a processor removed from
	// the pipeline, so admission counters can be returned.
	Released func(n int)
	// Abandoned is called once per batch a processor gave up on because the
	// shutdown grace period ended, with the number of signals in it.
	Abandoned func(n int)
}

// ReportDropped counts n signals removed by the processor.
func (s Settings) ReportDropped(n int, reason string) {
	if n <= 0 {
		return
	}
	if s.Telemetry != nil {
		s.Telemetry.ProcessorDropped.WithLabelValues(s.Pipeline.String(), s.ID.String(), reason).Add(float64(n))
	}
	if s.Released != nil {
		s.Released(n)
	}
}

// ReportAbandoned accounts for a batch of n signals that could not be handed
// on before shutdown ended. Without an Abandoned hook the signals are counted
// as dropped.
func (s Settings) ReportAbandoned(n int) {
	if n <= 0 {
		return
	}
	if s.Abandoned != nil {
		s.Abandoned(n)
		return
	}
	s.ReportDropped(n, "shutdown")
}

// Processor is one stage of a pipeline. Consume transforms the batch and
// forwards it to the next stage given at construction.
type Processor interface {
	component.Component
	consumer.Consumer
}

// Admitter is implemented by processors that gate hand-off into the pipeline.
// Admit is called before a batch is queued; Release once its signals leave
// the pipeline.
type Admitter interface {
	Admit(n int) error
	Release(n int)
}

// Factory creates processors of one type.
type Factory interface {
	component.Factory
	Create(set Settings, cfg component.Config, next consumer.Consumer) (Processor, error)
}

type factory struct {
	typ     component.Type
	signals component.SignalSet
	def     func() component.Config
	create  func(Settings, component.Config, consumer.Consumer) (Processor, error)
}

func (f *factory) Type() component.Type                 { return f.typ }
func (f *factory) CreateDefaultConfig() component.Config { return f.def() }
func (f *factory) Supports(t signal.Type) bool           { return f.signals.Supports(t) }

func (f *factory) Create(set Settings, cfg component.Config, next consumer.Consumer) (Processor, error) {
	return f.create(set, cfg, next)
}

var allSignals = component.SignalSet{signal.TypeTraces, signal.TypeMetrics, signal.TypeLogs}

// signalFunc edits a signal in place and reports whether to keep it.
type signalFunc func(s *signal.Signal) (keep bool, err error)

// perSignal runs fn over each signal of a batch. A signal whose fn fails is
// dropped alone; the rest of the batch continues.
type perSignal struct {
	set    Settings
	next   consumer.Consumer
	fn     signalFunc
	reason string
	errLog rate.Sometimes
}

func newPerSignal(set Settings, next consumer.Consumer, reason string, fn signalFunc) *perSignal {
	return &perSignal{
		set:    set,
		next:   next,
		fn:     fn,
		reason: reason,
		errLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

func (p *perSignal) Start(context.Context, component.Host) error { return nil }
func (p *perSignal) Shutdown(context.Context) error              { return nil }

func (p *perSignal) Consume(ctx context.Context, batch signal.Batch) error {
	kept := batch.Signals[:0]
	var filtered, failed int
	for i := range batch.Signals {
		s := batch.Signals[i]
		keep, err := p.fn(&s)
		switch {
		case err != nil:
			failed++
			p.errLog.Do(func() {
				p.set.Logger.Warn("dropping signal", zap.String("signal", s.Name()), zap.Error(err))
			})
		case keep:
			kept = append(kept, s)
		default:
			filtered++
		}
	}
	// Clear the tail so dropped signals can be collected.
	for i := len(kept); i < len(batch.Signals); i++ {
		batch.Signals[i] = signal.Signal{}
	}
	batch.Signals = kept
	p.set.ReportDropped(filtered, p.reason)
	p.set.ReportDropped(failed, "error")
	return p.next.Consume(ctx, batch)
}
