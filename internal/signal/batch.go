// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import "time"

// Batch is an ordered group of signals of one type. Batches are the unit of
// processing and export; once handed to a pipeline the batch is owned by it.
type Batch struct {
	Type    Type
	Signals []Signal
	Arrival time.Time
}

// NewBatch returns an empty batch of the given type stamped with the current time.
func NewBatch(t Type, signals ...Signal) Batch {
	return Batch{Type: t, Signals: signals, Arrival: time.Now()}
}

// Len returns the number of signals in the batch.
func (b Batch) Len() int { return len(b.Signals) }

// Empty reports whether the batch holds no signals.
func (b Batch) Empty() bool { return len(b.Signals) == 0 }

// Size returns the approximate size of the batch in bytes.
func (b Batch) Size() int {
	n := 0
	for i := range b.Signals {
		n += b.Signals[i].Size()
	}
	return n
}

// Clone returns a deep copy so another pipeline can own and mutate it.
func (b Batch) Clone() Batch {
	out := Batch{Type: b.Type, Arrival: b.Arrival}
	if b.Signals != nil {
		out.Signals = make([]Signal, len(b.Signals))
		for i := range b.Signals {
			out.Signals[i] = b.Signals[i].Clone()
		}
	}
	return out
}

// Append adds the signals of other to b, preserving order.
func (b *Batch) Append(other Batch) {
	b.Signals = append(b.Signals, other.Signals...)
}

// Split removes and returns the first n signals. The remainder stays in b.
func (b *Batch) Split(n int) Batch {
	if n >= len(b.Signals) {
		head := *b
		b.Signals = nil
		return head
	}
	head := Batch{Type: b.Type, Arrival: b.Arrival, Signals: make([]Signal, n)}
	copy(head.Signals, b.Signals[:n])
	rest := make([]Signal, len(b.Signals)-n)
	copy(rest, b.Signals[n:])
	b.Signals = rest
	return head
}
