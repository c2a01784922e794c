// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"errors"
	"fmt"
)

// ErrCapacity is returned when a stage sheds load instead of buffering it.
// Receivers translate it into their protocol's overload response.
var ErrCapacity = errors.New("capacity exceeded")

// CapacityError wraps ErrCapacity with the reason the batch was refused.
func CapacityError(reason string) error {
	return fmt.Errorf("%w: %s", ErrCapacity, reason)
}

// IsCapacity reports whether err was caused by backpressure.
func IsCapacity(err error) bool { return errors.Is(err, ErrCapacity) }

// permanent marks errors that retrying cannot fix.
type permanent struct {
	err error
}

// Permanent wraps err so that exporters drop the batch without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

func (p permanent) Error() string { return "permanent error: " + p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// IsPermanent reports whether err, or any error it wraps, is permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return errors.As(err, &permanent{})
}

// DecodeError reports a malformed inbound unit (request, scrape, record).
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecode reports whether err is a DecodeError.
func IsDecode(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// RefusedError reports how many signals of a batch a stage did not accept.
// Stages that drop part of a batch before refusing the rest return it so the
// caller only returns the refused signals to admission control.
type RefusedError struct {
	Signals int
	Err     error
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("refused %d signals: %v", e.Signals, e.Err)
}

func (e *RefusedError) Unwrap() error { return e.Err }

// Refused wraps err with the number of signals that were refused.
func Refused(n int, err error) error {
	if err == nil {
		return nil
	}
	return &RefusedError{Signals: n, Err: err}
}

// RefusedSignals returns the signal count carried by err, or whole when err
// does not say.
func RefusedSignals(err error, whole int) int {
	var re *RefusedError
	if errors.As(err, &re) {
		return re.Signals
	}
	return whole
}
