// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package component

import (
	"errors"
	"sync/atomic"
)

// State is the lifecycle phase of a component.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrNotRunning is returned when work is offered to a component that is
	// not in the Running state.
	ErrNotRunning = errors.New("component is not running")
	// ErrAlreadyStarted is returned by Start on a component that left Created.
	ErrAlreadyStarted = errors.New("component already started")
)

// Lifecycle is an atomic Created -> Running -> Draining -> Stopped state machine.
// Transitions only move forward.
type Lifecycle struct {
	state atomic.Int32
}

// Current returns the current state.
func (l *Lifecycle) Current() State { return State(l.state.Load()) }

// Running reports whether the component accepts new work.
func (l *Lifecycle) Running() bool { return l.Current() == StateRunning }

// Start moves Created to Running.
func (l *Lifecycle) Start() error {
	if !l.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	return nil
}

// Drain moves Running (or Created) to Draining. It reports false if the
// component was already draining or stopped.
func (l *Lifecycle) Drain() bool {
	for {
		cur := l.state.Load()
		if cur >= int32(StateDraining) {
			return false
		}
		if l.state.CompareAndSwap(cur, int32(StateDraining)) {
			return true
		}
	}
}

// Stop moves any state to Stopped.
func (l *Lifecycle) Stop() {
	l.state.Store(int32(StateStopped))
}
