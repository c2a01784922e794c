// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package exporters holds the protocol-independent half of every exporter:
// the sending queue, retries with backoff, per-attempt timeouts and the
// accounting of what was sent, dropped or left undelivered.
package exporters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/selftelemetry"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// Sender delivers one batch to a destination. Implementations only speak the
// protocol; retrying and queueing are handled by Exporter.
type Sender interface {
	Send(ctx context.Context, batch signal.Batch) error
}

// Starter is implemented by senders that hold connections.
type Starter interface {
	Start(ctx context.Context) error
}

// Closer is implemented by senders that release connections on shutdown.
type Closer interface {
	Close(ctx context.Context) error
}

// Settings are passed to every exporter at construction.
type Settings struct {
	ID        component.ID
	Logger    *zap.Logger
	Telemetry *selftelemetry.Telemetry
}

// Config is implemented by exporter configurations, which embed Options.
type Config interface {
	component.Config
	ExporterOptions() *Options
}

// Factory creates the protocol sender for one exporter type.
type Factory interface {
	component.Factory
	CreateSender(set Settings, cfg component.Config) (Sender, error)
}

// Options are the settings every exporter shares.
type Options struct {
	Timeout time.Duration `yaml:"timeout"`
	Retry   RetryConfig   `yaml:"retry_on_failure"`
	Queue   QueueConfig   `yaml:"sending_queue"`
}

// DefaultOptions returns the shared defaults.
func DefaultOptions() Options {
	return Options{
		Timeout: 5 * time.Second,
		Retry:   DefaultRetryConfig(),
		Queue:   DefaultQueueConfig(),
	}
}

// ExporterOptions implements Config.
func (o *Options) ExporterOptions() *Options { return o }

// Validate checks the shared settings.
func (o *Options) Validate() error {
	if o.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if err := o.Retry.Validate(); err != nil {
		return fmt.Errorf("retry_on_failure: %w", err)
	}
	if err := o.Queue.Validate(); err != nil {
		return fmt.Errorf("sending_queue: %w", err)
	}
	return nil
}

// Outcome is the classification of an export attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetriable
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetriable:
		return "retriable"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classify maps an attempt error onto an Outcome. Errors are retriable unless
// marked with consumer.Permanent; attempt timeouts are retriable.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case consumer.IsPermanent(err):
		return OutcomePermanent
	default:
		return OutcomeRetriable
	}
}

// errShutdown marks batches abandoned because the shutdown deadline passed.
var errShutdown = errors.New("exporter shut down before delivery")

// Exporter wraps a Sender with a sending queue and retries. One Exporter
// exists per configured exporter ID and is shared by every pipeline using it;
// it is safe for concurrent use.
type Exporter struct {
	id     component.ID
	name   string
	opts   Options
	sender Sender
	log    *zap.Logger
	tel    *selftelemetry.Telemetry

	lc          component.Lifecycle
	queue       *boundedQueue
	runCtx      context.Context
	cancelRun   context.CancelFunc
	wg          sync.WaitGroup
	undelivered atomic.Int64
	errLog      rate.Sometimes
}

// New wraps sender. tel may be nil.
func New(set Settings, opts Options, sender Sender) *Exporter {
	e := &Exporter{
		id:     set.ID,
		name:   set.ID.String(),
		opts:   opts,
		sender: sender,
		log:    set.Logger.With(zap.String("component", set.ID.String())),
		tel:    set.Telemetry,
		errLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	if opts.Queue.Enabled {
		e.queue = newBoundedQueue(opts.Queue.QueueSize, e.onQueueDrop)
	}
	return e
}

// ID returns the configured component ID.
func (e *Exporter) ID() component.ID { return e.id }

// Start connects the sender and starts the queue consumers.
func (e *Exporter) Start(ctx context.Context, _ component.Host) error {
	if err := e.lc.Start(); err != nil {
		return err
	}
	e.runCtx, e.cancelRun = context.WithCancel(context.Background())
	if s, ok := e.sender.(Starter); ok {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", e.name, err)
		}
	}
	if e.queue != nil {
		for i := 0; i < e.opts.Queue.NumConsumers; i++ {
			e.wg.Add(1)
			go e.consume()
		}
	}
	e.log.Info("exporter started",
		zap.Bool("queue", e.queue != nil),
		zap.Int("num_consumers", e.opts.Queue.NumConsumers))
	return nil
}

// Consume accepts a batch for delivery. With a sending queue it returns as
// soon as the batch is queued; the oldest queued batch is dropped when the
// queue is full. Without a queue it delivers synchronously.
func (e *Exporter) Consume(ctx context.Context, batch signal.Batch) error {
	if batch.Empty() {
		return nil
	}
	if !e.lc.Running() {
		return component.ErrNotRunning
	}
	if e.queue != nil {
		if !e.queue.Push(batch) {
			return component.ErrNotRunning
		}
		e.observeQueue()
		return nil
	}
	return e.send(ctx, batch)
}

// Shutdown stops accepting batches and delivers what is queued until ctx is
// done. Batches still queued or mid-retry at that point are abandoned and
// counted as undelivered.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e.lc.Current() == component.StateCreated {
		e.lc.Stop()
		return nil
	}
	if !e.lc.Drain() {
		return nil
	}
	defer e.lc.Stop()

	if e.queue != nil {
		e.queue.Close()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		e.cancelRun()
		<-done
		err = ctx.Err()
	}
	e.cancelRun()

	if n := e.undelivered.Load(); n > 0 {
		e.log.Warn("exporter shut down with undelivered batches", zap.Int64("batches", n))
	}
	if c, ok := e.sender.(Closer); ok {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if cerr := c.Close(closeCtx); cerr != nil {
			e.log.Warn("closing exporter", zap.Error(cerr))
		}
	}
	return err
}

// Undelivered returns the number of batches abandoned at shutdown.
func (e *Exporter) Undelivered() int { return int(e.undelivered.Load()) }

func (e *Exporter) consume() {
	defer e.wg.Done()
	for {
		batch, ok := e.queue.Pop()
		if !ok {
			return
		}
		e.observeQueue()
		if e.runCtx.Err() != nil {
			_ = e.abandon(batch, e.runCtx.Err())
			continue
		}
		_ = e.send(e.runCtx, batch)
	}
}

// send delivers batch, retrying retriable failures with exponential backoff
// until the attempt ceiling, the elapsed ceiling or ctx ends it. After a
// PartialError only the failed signals are sent again.
func (e *Exporter) send(ctx context.Context, batch signal.Batch) error {
	bo := e.opts.Retry.newBackOff()
	n := float64(batch.Len())
	for attempt := 1; ; attempt++ {
		err := e.attempt(ctx, batch)
		outcome := Classify(err)
		switch outcome {
		case OutcomeSuccess:
			e.count(func(t *selftelemetry.Telemetry) { t.ExporterSent.WithLabelValues(e.name).Add(n) })
			return nil
		case OutcomePermanent:
			e.count(func(t *selftelemetry.Telemetry) {
				t.ExporterFailed.WithLabelValues(e.name, outcome.String()).Add(n)
				t.ExporterDropped.WithLabelValues(e.name, "permanent").Inc()
			})
			e.logDrop("dropping batch after permanent error", batch, attempt, err)
			return err
		}

		var pe *PartialError
		if errors.As(err, &pe) && pe.Failed.Len() < batch.Len() {
			accepted := float64(batch.Len() - pe.Failed.Len())
			e.count(func(t *selftelemetry.Telemetry) { t.ExporterSent.WithLabelValues(e.name).Add(accepted) })
			batch = pe.Failed
			n = float64(batch.Len())
		}
		e.count(func(t *selftelemetry.Telemetry) { t.ExporterFailed.WithLabelValues(e.name, outcome.String()).Add(n) })
		if ctx.Err() != nil {
			return e.abandon(batch, err)
		}
		wait := bo.NextBackOff()
		if wait == stopBackOff {
			e.count(func(t *selftelemetry.Telemetry) { t.ExporterDropped.WithLabelValues(e.name, "retries_exhausted").Inc() })
			e.logDrop("dropping batch, no more retries", batch, attempt, err)
			return fmt.Errorf("no more retries left after %d attempts: %w", attempt, err)
		}
		var ra *RetryableError
		if errors.As(err, &ra) && ra.RetryAfter > wait {
			wait = ra.RetryAfter
		}
		e.count(func(t *selftelemetry.Telemetry) { t.ExporterRetries.WithLabelValues(e.name).Inc() })
		e.log.Debug("retrying export",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return e.abandon(batch, err)
		case <-timer.C:
		}
	}
}

func (e *Exporter) attempt(ctx context.Context, batch signal.Batch) error {
	actx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	start := time.Now()
	err := e.sender.Send(actx, batch)
	e.count(func(t *selftelemetry.Telemetry) { t.ExporterLatency.WithLabelValues(e.name).Observe(time.Since(start).Seconds()) })
	if err != nil && actx.Err() != nil && ctx.Err() == nil {
		// The attempt ran out of time; that is always worth another try.
		return fmt.Errorf("export attempt timed out after %s: %w", e.opts.Timeout, err)
	}
	return err
}

// abandon accounts for a batch whose delivery was cut off by ctx.
func (e *Exporter) abandon(batch signal.Batch, last error) error {
	e.undelivered.Add(1)
	e.count(func(t *selftelemetry.Telemetry) { t.ExporterDropped.WithLabelValues(e.name, "shutdown").Inc() })
	return fmt.Errorf("%w (%d signals): %v", errShutdown, batch.Len(), last)
}

func (e *Exporter) onQueueDrop(batch signal.Batch) {
	e.count(func(t *selftelemetry.Telemetry) { t.ExporterDropped.WithLabelValues(e.name, "queue_full").Inc() })
	e.errLog.Do(func() {
		e.log.Warn("sending queue full, dropping oldest batch",
			zap.Int("signals", batch.Len()),
			zap.Int("queue_size", e.opts.Queue.QueueSize))
	})
}

func (e *Exporter) observeQueue() {
	if e.queue == nil {
		return
	}
	e.count(func(t *selftelemetry.Telemetry) { t.ExporterQueueSize.WithLabelValues(e.name).Set(float64(e.queue.Len())) })
}

func (e *Exporter) logDrop(msg string, batch signal.Batch, attempts int, err error) {
	e.errLog.Do(func() {
		e.log.Warn(msg,
			zap.Int("signals", batch.Len()),
			zap.Int("attempts", attempts),
			zap.Error(err))
	})
}

func (e *Exporter) count(f func(t *selftelemetry.Telemetry)) {
	if e.tel != nil {
		f(e.tel)
	}
}

// Create builds the shared Exporter for cfg using f.
func Create(set Settings, f Factory, cfg component.Config) (*Exporter, error) {
	ec, ok := cfg.(Config)
	if !ok {
		return nil, fmt.Errorf("exporter %s: config %T does not carry exporter options", set.ID, cfg)
	}
	sender, err := f.CreateSender(set, cfg)
	if err != nil {
		return nil, err
	}
	return New(set, *ec.ExporterOptions(), sender), nil
}

type factory struct {
	typ     component.Type
	signals component.SignalSet
	def     func() component.Config
	create  func(Settings, component.Config) (Sender, error)
}

// NewFactory returns a Factory for an exporter type.
func NewFactory(typ component.Type, signals component.SignalSet, def func() component.Config,
	create func(Settings, component.Config) (Sender, error)) Factory {
	return &factory{typ: typ, signals: signals, def: def, create: create}
}

func (f *factory) Type() component.Type                 { return f.typ }
func (f *factory) CreateDefaultConfig() component.Config { return f.def() }
func (f *factory) Supports(t signal.Type) bool           { return f.signals.Supports(t) }

func (f *factory) CreateSender(set Settings, cfg component.Config) (Sender, error) {
	return f.create(set, cfg)
}
