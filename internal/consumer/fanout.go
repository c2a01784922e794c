// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"

	"go.uber.org/multierr"

	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// Fanout hands one batch to several consumers. Every consumer except the
// last gets its own deep copy so no two owners share mutable signals.
type Fanout []Consumer

// Consume delivers batch to every consumer and combines their errors.
// A failure in one consumer does not prevent delivery to the others.
func (f Fanout) Consume(ctx context.Context, batch signal.Batch) error {
	switch len(f) {
	case 0:
		return nil
	case 1:
		return f[0].Consume(ctx, batch)
	}
	var errs error
	last := len(f) - 1
	for i, c := range f {
		b := batch
		if i != last {
			b = batch.Clone()
		}
		errs = multierr.Append(errs, c.Consume(ctx, b))
	}
	return errs
}
