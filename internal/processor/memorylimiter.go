// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"

	"github.com/platformbuilds/telegen-gateway/internal/component"
	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/guard"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// MemoryLimiterConfig configures the memory_limiter processor.
type MemoryLimiterConfig struct {
	guard.Config `yaml:",inline"`
}

// Validate implements component.Config.
func (c *MemoryLimiterConfig) Validate() error { return c.Config.Validate() }

// NewMemoryLimiterFactory returns the factory for the "memory_limiter"
// processor. Every pipeline naming the same memory_limiter shares one guard.
// Admission happens when a batch is handed to the pipeline, so the position
// of the processor in the chain does not matter.
func NewMemoryLimiterFactory() Factory {
	return &factory{
		typ:     "memory_limiter",
		signals: allSignals,
		def: func() component.Config {
			return &MemoryLimiterConfig{Config: guard.DefaultConfig()}
		},
		create: func(set Settings, cfg component.Config, next consumer.Consumer) (Processor, error) {
			g, err := set.Guards.Get(set.ID.String(), cfg.(*MemoryLimiterConfig).Config)
			if err != nil {
				return nil, err
			}
			return &memoryLimiter{guard: g, next: next}, nil
		},
	}
}

type memoryLimiter struct {
	guard *guard.Guard
	next  consumer.Consumer
}

var _ Admitter = (*memoryLimiter)(nil)

func (m *memoryLimiter) Start(context.Context, component.Host) error {
	// The monitor outlives the start context; the service stops it through
	// the guard set.
	m.guard.Start(context.Background())
	return nil
}

func (m *memoryLimiter) Shutdown(context.Context) error { return nil }

func (m *memoryLimiter) Consume(ctx context.Context, batch signal.Batch) error {
	return m.next.Consume(ctx, batch)
}

func (m *memoryLimiter) Admit(n int) error { return m.guard.Admit(n) }
func (m *memoryLimiter) Release(n int)     { m.guard.Release(n) }
