// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/platformbuilds/telegen-gateway/internal/selftelemetry"
)

// Set holds one guard per memory_limiter component so that pipelines sharing
// a limiter share its counter.
type Set struct {
	log *zap.Logger
	tel *selftelemetry.Telemetry

	mu     sync.Mutex
	guards map[string]*Guard
}

// NewSet returns an empty set.
func NewSet(log *zap.Logger, tel *selftelemetry.Telemetry) *Set {
	return &Set{log: log, tel: tel, guards: make(map[string]*Guard)}
}

// Get returns the guard registered under name, creating it from cfg on first
// use. Later calls ignore cfg.
func (s *Set) Get(name string, cfg Config) (*Guard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.guards[name]; ok {
		return g, nil
	}
	g, err := New(name, cfg, s.log, s.tel)
	if err != nil {
		return nil, fmt.Errorf("guard %s: %w", name, err)
	}
	s.guards[name] = g
	return g, nil
}

// Stop halts every guard's monitor.
func (s *Set) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.guards {
		g.Stop()
	}
}
