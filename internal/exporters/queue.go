// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package exporters

import (
	"errors"
	"sync"

	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

// QueueConfig configures the sending queue.
type QueueConfig struct {
	Enabled      bool `yaml:"enabled"`
	NumConsumers int  `yaml:"num_consumers"`
	QueueSize    int  `yaml:"queue_size"`
}

// DefaultQueueConfig returns the default queue settings.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{Enabled: true, NumConsumers: 4, QueueSize: 1000}
}

// Validate checks the queue settings.
func (c QueueConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.NumConsumers <= 0 {
		return errors.New("num_consumers must be positive")
	}
	if c.QueueSize <= 0 {
		return errors.New("queue_size must be positive")
	}
	return nil
}

// boundedQueue is a ring of batches that drops the oldest entry when full.
// Pop blocks until a batch is available or the queue is closed and empty.
type boundedQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	buf      []signal.Batch
	head, sz int
	closed   bool
	onDrop   func(signal.Batch)
}

func newBoundedQueue(capacity int, onDrop func(signal.Batch)) *boundedQueue {
	if capacity < 1 {
		capacity = 1
	}
	q := &boundedQueue{buf: make([]signal.Batch, capacity), onDrop: onDrop}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends b. It reports false once the queue is closed.
func (q *boundedQueue) Push(b signal.Batch) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	var dropped signal.Batch
	full := q.sz == len(q.buf)
	if full {
		dropped = q.buf[q.head]
		q.head = (q.head + 1) % len(q.buf)
	} else {
		q.sz++
	}
	q.buf[(q.head+q.sz-1)%len(q.buf)] = b
	q.mu.Unlock()
	q.notEmpty.Signal()

	if full && q.onDrop != nil {
		q.onDrop(dropped)
	}
	return true
}

// Pop removes the oldest batch. ok is false when the queue is closed and
// drained.
func (q *boundedQueue) Pop() (b signal.Batch, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.sz == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.sz == 0 {
		return signal.Batch{}, false
	}
	b = q.buf[q.head]
	q.buf[q.head] = signal.Batch{}
	q.head = (q.head + 1) % len(q.buf)
	q.sz--
	return b, true
}

// Close stops Push and wakes every waiting Pop.
func (q *boundedQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// Len returns the number of queued batches.
func (q *boundedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sz
}
