// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// BatchConfig configures the batch processor.
type BatchConfig struct {
	SendBatchSize int           `yaml:"send_batch_size"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Validate implements component.Config.
func (c *BatchConfig) Validate() error {
	if c.SendBatchSize <= 0 {
		return errors.New("send_batch_size must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

// NewBatchFactory returns the factory for the "batch" processor.
func NewBatchFactory() Factory {
	return &factory{
		typ:     "batch",
		signals: allSignals,
		def: func() component.Config {
			return &BatchConfig{SendBatchSize: 8192, Timeout: 200 * time.Millisecond}
		},
		create: func(set Settings, cfg component.Config, next consumer.Consumer) (Processor, error) {
			return newBatchProcessor(set, cfg.(*BatchConfig), next), nil
		},
	}
}

// batchProcessor accumulates signals and releases them in batches of exactly
// SendBatchSize, or whatever is pending once Timeout elapses since the oldest
// pending signal arrived. Accumulation happens on its own goroutine.
type batchProcessor struct {
	set     Settings
	next    consumer.Consumer
	size    int
	timeout time.Duration

	lc       component.Lifecycle
	newItem  chan signal.Batch
	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// emitCtx bounds hand-offs downstream. It is canceled when the shutdown
	// grace period ends.
	emitCtx    context.Context
	cancelEmit context.CancelFunc

	pending signal.Batch
	errLog  rate.Sometimes
}

func newBatchProcessor(set Settings, cfg *BatchConfig, next consumer.Consumer) *batchProcessor {
	b := &batchProcessor{
		set:      set,
		next:     next,
		size:     cfg.SendBatchSize,
		timeout:  cfg.Timeout,
		newItem:  make(chan signal.Batch, 1),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		pending:  signal.NewBatch(set.Pipeline.Signal),
		errLog:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	b.emitCtx, b.cancelEmit = context.WithCancel(context.Background())
	return b
}

func (b *batchProcessor) Start(context.Context, component.Host) error {
	if err := b.lc.Start(); err != nil {
		return err
	}
	go b.loop()
	return nil
}

// Consume hands the batch to the accumulator. Empty batches are ignored.
func (b *batchProcessor) Consume(ctx context.Context, batch signal.Batch) error {
	if batch.Empty() {
		return nil
	}
	if !b.lc.Running() {
		return consumer.Refused(batch.Len(), component.ErrNotRunning)
	}
	select {
	case b.newItem <- batch:
		return nil
	case <-b.shutdown:
		return consumer.Refused(batch.Len(), component.ErrNotRunning)
	case <-ctx.Done():
		return consumer.Refused(batch.Len(), ctx.Err())
	}
}

// Shutdown flushes everything pending. When ctx ends first the hand-off in
// progress is canceled, whatever is still pending is abandoned, and Shutdown
// returns once the accumulator has exited.
func (b *batchProcessor) Shutdown(ctx context.Context) error {
	defer b.cancelEmit()
	if b.lc.Current() == component.StateCreated {
		b.lc.Stop()
		return nil
	}
	if !b.lc.Drain() {
		return nil
	}
	b.stopOnce.Do(func() { close(b.shutdown) })
	defer b.lc.Stop()
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		b.cancelEmit()
		<-b.done
		return ctx.Err()
	}
}

// Pending returns the number of signals waiting. Only safe once the loop has
// exited.
func (b *batchProcessor) Pending() int { return b.pending.Len() }

func (b *batchProcessor) loop() {
	defer close(b.done)
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	// rearm restarts the timeout for whatever is pending. A fresh timer per
	// arm means a stale expiry can never be observed.
	rearm := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if !b.pending.Empty() {
			timer = time.NewTimer(b.timeout)
			timerC = timer.C
		}
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-b.shutdown:
			// Drain anything Consume already handed over.
			for {
				select {
				case batch := <-b.newItem:
					b.pending.Append(batch)
				default:
					for b.pending.Len() > 0 {
						chunk := b.pending.Split(b.size)
						if b.emitCtx.Err() != nil {
							b.set.ReportAbandoned(chunk.Len())
							continue
						}
						b.emit(chunk, "shutdown")
					}
					return
				}
			}
		case batch := <-b.newItem:
			wasEmpty := b.pending.Empty()
			b.pending.Append(batch)
			sent := false
			for b.pending.Len() >= b.size {
				b.emit(b.pending.Split(b.size), "size")
				sent = true
			}
			if sent || wasEmpty {
				rearm()
			}
		case <-timerC:
			timer, timerC = nil, nil
			if !b.pending.Empty() {
				b.emit(b.pending.Split(b.pending.Len()), "timeout")
			}
		}
	}
}

func (b *batchProcessor) emit(batch signal.Batch, trigger string) {
	if b.set.Telemetry != nil {
		b.set.Telemetry.BatchSendSize.WithLabelValues(b.set.Pipeline.String(), b.set.ID.String(), trigger).
			Observe(float64(batch.Len()))
	}
	if err := b.next.Consume(b.emitCtx, batch); err != nil {
		b.errLog.Do(func() {
			b.set.Logger.Warn("batch hand-off failed", zap.String("trigger", trigger), zap.Error(err))
		})
	}
}
