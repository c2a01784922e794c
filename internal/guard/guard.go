// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package guard implements the process-wide in-flight signal limiter used by
// memory_limiter processors.
package guard

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pbnjay/memory"
	"go.uber.org/zap"

	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/selftelemetry"
)

// Config holds guard limits.
type Config struct {
	// LimitSignals is the hard limit on in-flight signals.
	LimitSignals int64 `yaml:"limit_signals"`
	// SpikeLimitSignals is subtracted from LimitSignals to get the soft limit.
	SpikeLimitSignals int64 `yaml:"spike_limit_signals"`
	// LimitPercentage, when set, also refuses hand-offs while the Go heap is
	// above this share of total system memory.
	LimitPercentage int           `yaml:"limit_percentage"`
	CheckInterval   time.Duration `yaml:"check_interval"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		LimitSignals:      100000,
		SpikeLimitSignals: 20000,
		CheckInterval:     time.Second,
	}
}

// Validate checks the limits.
func (c Config) Validate() error {
	if c.LimitSignals <= 0 {
		return errors.New("limit_signals must be positive")
	}
	if c.SpikeLimitSignals < 0 || c.SpikeLimitSignals >= c.LimitSignals {
		return errors.New("spike_limit_signals must be in [0, limit_signals)")
	}
	if c.LimitPercentage < 0 || c.LimitPercentage > 100 {
		return errors.New("limit_percentage must be in [0, 100]")
	}
	if c.LimitPercentage > 0 && c.CheckInterval <= 0 {
		return errors.New("check_interval must be positive when limit_percentage is set")
	}
	return nil
}

// State represents the current pressure state.
type State int32

const (
	StateNormal State = iota
	StateSoftLimit
	StateHardLimit
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateSoftLimit:
		return "soft_limit"
	case StateHardLimit:
		return "hard_limit"
	default:
		return "unknown"
	}
}

// Guard counts signals admitted into pipelines and not yet delivered to
// exporters or dropped. It is shared by every pipeline referencing the same
// memory_limiter and is safe for concurrent use.
type Guard struct {
	name string
	cfg  Config
	log  *zap.Logger
	tel  *selftelemetry.Telemetry

	soft, hard int64
	heapLimit  uint64

	inflight atomic.Int64
	heapOver atomic.Bool
	state    atomic.Int32

	// gc is runtime.GC outside of tests.
	gc func()

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a guard. tel may be nil.
func New(name string, cfg Config, log *zap.Logger, tel *selftelemetry.Telemetry) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Guard{
		name:   name,
		cfg:    cfg,
		log:    log.With(zap.String("component", name)),
		tel:    tel,
		soft:   cfg.LimitSignals - cfg.SpikeLimitSignals,
		hard:   cfg.LimitSignals,
		gc:     runtime.GC,
		stopCh: make(chan struct{}),
	}
	if cfg.LimitPercentage > 0 {
		if total := memory.TotalMemory(); total > 0 {
			g.heapLimit = total / 100 * uint64(cfg.LimitPercentage)
		} else {
			g.log.Warn("total system memory unknown, limit_percentage ignored")
		}
	}
	return g, nil
}

// Name returns the memory_limiter component ID owning the guard.
func (g *Guard) Name() string { return g.name }

// Start begins heap monitoring when limit_percentage is configured. Repeated
// calls are no-ops.
func (g *Guard) Start(ctx context.Context) {
	if g.heapLimit == 0 {
		return
	}
	g.startOnce.Do(func() {
		g.wg.Add(1)
		go g.monitor(ctx)
	})
}

// Stop halts heap monitoring.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

// Admit reserves room for n signals. Above the soft limit it refuses with a
// capacity error. If admitting would cross the hard limit the batch is refused,
// counted as dropped and a garbage collection is forced.
func (g *Guard) Admit(n int) error {
	if n <= 0 {
		return nil
	}
	if g.heapOver.Load() {
		g.refused(n, "heap")
		return consumer.CapacityError(g.name + ": heap above limit_percentage")
	}
	for {
		cur := g.inflight.Load()
		if cur+int64(n) > g.hard {
			g.setState(StateHardLimit)
			g.refused(n, "hard")
			g.gc()
			return consumer.CapacityError(g.name + ": hard limit exceeded, batch dropped")
		}
		if cur >= g.soft {
			g.setState(StateSoftLimit)
			g.refused(n, "soft")
			return consumer.CapacityError(g.name + ": soft limit exceeded")
		}
		if g.inflight.CompareAndSwap(cur, cur+int64(n)) {
			g.observe()
			return nil
		}
	}
}

// Release returns room for n signals.
func (g *Guard) Release(n int) {
	if n <= 0 {
		return
	}
	if g.inflight.Add(-int64(n)) < 0 {
		g.inflight.Store(0)
	}
	g.observe()
}

// InFlight returns the number of admitted, unreleased signals.
func (g *Guard) InFlight() int64 { return g.inflight.Load() }

// State returns the current pressure state.
func (g *Guard) State() State { return State(g.state.Load()) }

func (g *Guard) refused(n int, limit string) {
	if g.tel != nil {
		g.tel.GuardRefused.WithLabelValues(g.name, limit).Add(float64(n))
	}
}

func (g *Guard) observe() {
	cur := g.inflight.Load()
	switch {
	case cur >= g.hard:
		g.setState(StateHardLimit)
	case cur >= g.soft:
		g.setState(StateSoftLimit)
	default:
		g.setState(StateNormal)
	}
	if g.tel != nil {
		g.tel.GuardInflight.WithLabelValues(g.name).Set(float64(cur))
	}
}

func (g *Guard) setState(s State) {
	if old := State(g.state.Swap(int32(s))); old != s {
		g.log.Debug("guard state changed", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

func (g *Guard) monitor(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.checkHeap()
		}
	}
}

func (g *Guard) checkHeap() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	over := m.HeapAlloc > g.heapLimit
	if over && !g.heapOver.Load() {
		g.log.Warn("heap above limit, refusing data",
			zap.Uint64("heap_bytes", m.HeapAlloc),
			zap.Uint64("limit_bytes", g.heapLimit))
		g.gc()
	}
	g.heapOver.Store(over)
}
