// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/processor"
	"github.com/platformbuilds/telegen-gateway/internal/selftelemetry"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// pipeline is the runtime of one configured pipeline: a bounded inbound
// queue, one worker running the processor chain, and the exporter hand-off
// at the tail. Receivers see it as a consumer.Consumer.
type pipeline struct {
	id  component.PipelineID
	log *zap.Logger
	tel *selftelemetry.Telemetry

	queue          chan signal.Batch
	enqueueTimeout time.Duration

	// first is the head of the processor chain, or the tail when the
	// pipeline has no processors.
	first      consumer.Consumer
	processors []processor.Processor
	admitters  []processor.Admitter
	exporters  []consumer.Consumer

	lc      component.Lifecycle
	mu      sync.RWMutex
	started bool
	done    chan struct{}

	runCtx    context.Context
	cancelRun context.CancelFunc

	undelivered atomic.Int64
	dropLog     rate.Sometimes
}

func newPipeline(id component.PipelineID, queueSize int, enqueueTimeout time.Duration,
	log *zap.Logger, tel *selftelemetry.Telemetry,
) *pipeline {
	p := &pipeline{
		id:             id,
		log:            log.With(zap.String("pipeline", id.String())),
		tel:            tel,
		queue:          make(chan signal.Batch, queueSize),
		enqueueTimeout: enqueueTimeout,
		done:           make(chan struct{}),
		dropLog:        rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	p.runCtx, p.cancelRun = context.WithCancel(context.Background())
	return p
}

// Consume admits batch against the pipeline's memory limiters and queues it
// for the worker. It waits at most enqueueTimeout for room in the queue.
func (p *pipeline) Consume(ctx context.Context, batch signal.Batch) error {
	if batch.Empty() {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.lc.Running() {
		return component.ErrNotRunning
	}

	n := batch.Len()
	if err := p.admit(n); err != nil {
		p.dropped("refused")
		return err
	}

	select {
	case p.queue <- batch:
		p.observeQueue()
		return nil
	default:
	}

	timer := time.NewTimer(p.enqueueTimeout)
	defer timer.Stop()
	select {
	case p.queue <- batch:
		p.observeQueue()
		return nil
	case <-timer.C:
		p.release(n)
		p.dropped("queue_full")
		p.dropLog.Do(func() {
			p.log.Warn("pipeline queue full, refusing batch",
				zap.Int("signals", n),
				zap.Int("queue_size", cap(p.queue)))
		})
		return consumer.CapacityError("pipeline " + p.id.String() + " queue full")
	case <-ctx.Done():
		p.release(n)
		p.dropped("canceled")
		return ctx.Err()
	}
}

func (p *pipeline) admit(n int) error {
	for i, a := range p.admitters {
		if err := a.Admit(n); err != nil {
			for _, prev := range p.admitters[:i] {
				prev.Release(n)
			}
			return err
		}
	}
	return nil
}

// release returns n signals to every memory limiter of the pipeline.
func (p *pipeline) release(n int) {
	for _, a := range p.admitters {
		a.Release(n)
	}
}

// Start starts the processors from the tail towards the head, then the
// worker.
func (p *pipeline) Start(ctx context.Context, host component.Host) error {
	if err := p.lc.Start(); err != nil {
		return err
	}
	for i := len(p.processors) - 1; i >= 0; i-- {
		if err := p.processors[i].Start(ctx, host); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	go p.run()
	return nil
}

func (p *pipeline) run() {
	defer close(p.done)
	for batch := range p.queue {
		p.observeQueue()
		if p.runCtx.Err() != nil {
			p.abandon(batch)
			continue
		}
		if err := p.first.Consume(p.runCtx, batch); err != nil {
			// Only a processor that did not forward the batch fails here;
			// the tail never does.
			p.undelivered.Add(1)
			p.release(consumer.RefusedSignals(err, batch.Len()))
			p.dropLog.Do(func() {
				p.log.Warn("processor chain refused batch", zap.Int("signals", batch.Len()), zap.Error(err))
			})
		}
	}
}

// export is the tail of the processor chain. Every exporter except the last
// gets its own copy of the batch. A failing exporter does not affect the
// others; failures are accounted for by the exporter itself.
func (p *pipeline) export(ctx context.Context, batch signal.Batch) error {
	defer p.release(batch.Len())
	if batch.Empty() {
		return nil
	}
	last := len(p.exporters) - 1
	for i, e := range p.exporters {
		b := batch
		if i != last {
			b = batch.Clone()
		}
		if err := e.Consume(ctx, b); err != nil {
			if errors.Is(err, component.ErrNotRunning) {
				p.undelivered.Add(1)
			}
			p.dropLog.Do(func() {
				p.log.Debug("exporter hand-off failed", zap.Error(err))
			})
		}
	}
	return nil
}

// Shutdown stops accepting batches, lets the worker drain the queue and then
// shuts the processors down in order so that accumulated signals are flushed
// downstream. When ctx ends first, queued batches are abandoned and counted.
func (p *pipeline) Shutdown(ctx context.Context) error {
	if !p.lc.Drain() {
		return nil
	}
	defer p.lc.Stop()
	defer p.cancelRun()

	p.mu.Lock()
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	var errs error
	if started {
		select {
		case <-p.done:
		case <-ctx.Done():
			p.cancelRun()
			<-p.done
			errs = ctx.Err()
		}
	}
	for _, proc := range p.processors {
		if err := proc.Shutdown(ctx); err != nil && !errors.Is(err, ctx.Err()) {
			errs = multierr.Append(errs, err)
		}
	}
	if errs == nil && ctx.Err() != nil {
		errs = ctx.Err()
	}
	if n := p.undelivered.Load(); n > 0 {
		p.log.Warn("pipeline shut down with undelivered batches", zap.Int64("batches", n))
	}
	return errs
}

// Undelivered returns the number of batches the pipeline gave up on at
// shutdown.
func (p *pipeline) Undelivered() int { return int(p.undelivered.Load()) }

func (p *pipeline) abandon(batch signal.Batch) {
	p.abandonSignals(batch.Len())
}

// abandonSignals accounts for one batch of n signals given up on at shutdown,
// either in the queue or inside a processor.
func (p *pipeline) abandonSignals(n int) {
	p.undelivered.Add(1)
	p.release(n)
	p.dropped("shutdown")
}

func (p *pipeline) dropped(reason string) {
	if p.tel != nil {
		p.tel.PipelineDropped.WithLabelValues(p.id.String(), reason).Inc()
	}
}

func (p *pipeline) observeQueue() {
	if p.tel != nil {
		p.tel.PipelineQueueSize.WithLabelValues(p.id.String()).Set(float64(len(p.queue)))
	}
}
