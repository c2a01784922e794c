// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package receiver defines how receivers are built and how they hand
// normalized batches to the pipelines that reference them.
package receiver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/selftelemetry"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// ErrNoPipeline is returned for data of a signal type no pipeline consumes
// from this receiver.
var ErrNoPipeline = errors.New("no pipeline for signal type")

// Settings are passed to every receiver at construction.
type Settings struct {
	ID        component.ID
	Logger    *zap.Logger
	Telemetry *selftelemetry.Telemetry
}

// Receiver ingests telemetry and hands it to its Sinks.
type Receiver interface {
	component.Component
}

// Factory creates one receiver type.
type Factory interface {
	component.Factory
	// Create builds the receiver. next holds one sink per pipeline using the
	// receiver, keyed by signal type.
	Create(set Settings, cfg component.Config, next *Sinks) (Receiver, error)
}

// CreateFunc builds a receiver from its typed config.
type CreateFunc func(set Settings, cfg component.Config, next *Sinks) (Receiver, error)

type factory struct {
	typ     component.Type
	signals component.SignalSet
	def     func() component.Config
	create  CreateFunc
}

// NewFactory returns a Factory for the given type.
func NewFactory(typ component.Type, signals component.SignalSet, def func() component.Config, create CreateFunc) Factory {
	return &factory{typ: typ, signals: signals, def: def, create: create}
}

func (f *factory) Type() component.Type                 { return f.typ }
func (f *factory) CreateDefaultConfig() component.Config { return f.def() }
func (f *factory) Supports(t signal.Type) bool           { return f.signals.Supports(t) }

func (f *factory) Create(set Settings, cfg component.Config, next *Sinks) (Receiver, error) {
	if set.Logger == nil {
		set.Logger = zap.NewNop()
	}
	set.Logger = set.Logger.With(zap.String("component", set.ID.String()))
	return f.create(set, cfg, next)
}

// Sinks routes batches to the pipelines of their signal type. Each pipeline
// gets its own copy of the batch.
type Sinks struct {
	byType map[signal.Type]consumer.Fanout
}

// NewSinks returns an empty router.
func NewSinks() *Sinks {
	return &Sinks{byType: make(map[signal.Type]consumer.Fanout)}
}

// Add registers the entry point of one pipeline.
func (s *Sinks) Add(t signal.Type, c consumer.Consumer) {
	s.byType[t] = append(s.byType[t], c)
}

// Has reports whether any pipeline consumes signals of type t.
func (s *Sinks) Has(t signal.Type) bool { return len(s.byType[t]) > 0 }

// Consume hands batch to every pipeline of its type.
func (s *Sinks) Consume(ctx context.Context, batch signal.Batch) error {
	f, ok := s.byType[batch.Type]
	if !ok || len(f) == 0 {
		return fmt.Errorf("%w %s", ErrNoPipeline, batch.Type)
	}
	return f.Consume(ctx, batch)
}

// Deliver hands batch to next and counts the outcome for the receiver.
// Empty batches are not delivered.
func (set Settings) Deliver(ctx context.Context, next *Sinks, transport string, batch signal.Batch) error {
	if batch.Empty() {
		return nil
	}
	err := next.Consume(ctx, batch)
	if set.Telemetry != nil {
		labels := []string{set.ID.String(), transport}
		if err != nil {
			set.Telemetry.ReceiverRefused.WithLabelValues(labels...).Add(float64(batch.Len()))
		} else {
			set.Telemetry.ReceiverAccepted.WithLabelValues(labels...).Add(float64(batch.Len()))
		}
	}
	return err
}

// DropInvalid removes signals that fail validation, e.g. spans without ids,
// counting each as a decode error.
func (set Settings) DropInvalid(transport string, batch signal.Batch) signal.Batch {
	kept := batch.Signals[:0]
	var dropped int
	var first error
	for i := range batch.Signals {
		if err := batch.Signals[i].Validate(); err != nil {
			dropped++
			if first == nil {
				first = err
			}
			continue
		}
		kept = append(kept, batch.Signals[i])
	}
	if dropped > 0 {
		if set.Telemetry != nil {
			set.Telemetry.ReceiverDecodeErrors.WithLabelValues(set.ID.String(), transport).Add(float64(dropped))
		}
		set.Logger.Debug("dropped invalid signals", zap.Int("count", dropped), zap.Error(first))
	}
	batch.Signals = kept
	return batch
}

// DecodeFailed counts a malformed inbound unit and returns it as a DecodeError.
func (set Settings) DecodeFailed(transport string, err error) error {
	if set.Telemetry != nil {
		set.Telemetry.ReceiverDecodeErrors.WithLabelValues(set.ID.String(), transport).Inc()
	}
	return &consumer.DecodeError{Source: set.ID.String() + "/" + transport, Err: err}
}
