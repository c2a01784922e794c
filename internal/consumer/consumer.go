// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package consumer defines the hand-off contract between pipeline stages and
// the error taxonomy stages use to signal what went wrong.
package consumer

import (
	"context"

	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// Consumer accepts batches. Ownership of the batch passes to the consumer:
// callers must not touch it after Consume returns.
type Consumer interface {
	Consume(ctx context.Context, batch signal.Batch) error
}

// Func adapts a function to Consumer.
type Func func(ctx context.Context, batch signal.Batch) error

// Consume calls f.
func (f Func) Consume(ctx context.Context, batch signal.Batch) error { return f(ctx, batch) }

// Nop discards everything.
var Nop Consumer = Func(func(context.Context, signal.Batch) error { return nil })
