// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package selftelemetry

import (
	"sync"
	"time"

	"github.com/platformbuilds/telegen-gateway/internal/component"
)

// ComponentStatus is the last reported health of one component.
type ComponentStatus struct {
	Healthy   bool      `json:"healthy"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Health tracks component health reported through component.Host.
type Health struct {
	mu     sync.RWMutex
	status map[string]ComponentStatus
}

// NewHealth returns an empty health registry.
func NewHealth() *Health {
	return &Health{status: make(map[string]ComponentStatus)}
}

var _ component.Host = (*Health)(nil)

// ReportStatus implements component.Host.
func (h *Health) ReportStatus(id component.ID, err error) {
	h.Report(id.String(), err)
}

// Report records the health of the named component. The Since timestamp
// only moves when health flips.
func (h *Health) Report(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, seen := h.status[name]
	next := ComponentStatus{Healthy: err == nil, Since: time.Now()}
	if err != nil {
		next.LastError = err.Error()
	}
	if seen && prev.Healthy == next.Healthy {
		next.Since = prev.Since
	}
	h.status[name] = next
}

// Healthy reports whether no component is currently unhealthy.
func (h *Health) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.status {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of all reported statuses.
func (h *Health) Snapshot() map[string]ComponentStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]ComponentStatus, len(h.status))
	for k, v := range h.status {
		out[k] = v
	}
	return out
}
