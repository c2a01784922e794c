// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package exporters

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/platformbuilds/telegen-gateway/internal/consumer"
	"github.com/platformbuilds/telegen-gateway/internal/signal"
)

const stopBackOff = backoff.Stop

// RetryConfig configures retries of retriable export failures.
type RetryConfig struct {
	Enabled             bool          `yaml:"enabled"`
	InitialInterval     time.Duration `yaml:"initial_interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	Multiplier          float64       `yaml:"multiplier"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
	// MaxAttempts bounds the total number of attempts, including the first.
	// Zero means only MaxElapsedTime applies.
	MaxAttempts int `yaml:"max_attempts"`
	// MaxElapsedTime bounds the time spent on one batch. Zero means no bound.
	MaxElapsedTime time.Duration `yaml:"max_elapsed_time"`
}

// DefaultRetryConfig returns the default retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:             true,
		InitialInterval:     5 * time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxAttempts:         5,
		MaxElapsedTime:      5 * time.Minute,
	}
}

// Validate checks the retry settings.
func (c RetryConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.InitialInterval <= 0 {
		return errors.New("initial_interval must be positive")
	}
	if c.MaxInterval < c.InitialInterval {
		return errors.New("max_interval must not be less than initial_interval")
	}
	if c.Multiplier < 1 {
		return errors.New("multiplier must be at least 1")
	}
	if c.RandomizationFactor < 0 || c.RandomizationFactor > 1 {
		return errors.New("randomization_factor must be in [0, 1]")
	}
	if c.MaxAttempts < 0 || c.MaxElapsedTime < 0 {
		return errors.New("max_attempts and max_elapsed_time must not be negative")
	}
	if c.MaxAttempts == 0 && c.MaxElapsedTime == 0 {
		return errors.New("one of max_attempts or max_elapsed_time is required")
	}
	return nil
}

func (c RetryConfig) newBackOff() backoff.BackOff {
	if !c.Enabled {
		return &backoff.StopBackOff{}
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.InitialInterval
	eb.MaxInterval = c.MaxInterval
	eb.Multiplier = c.Multiplier
	eb.RandomizationFactor = c.RandomizationFactor
	eb.MaxElapsedTime = c.MaxElapsedTime
	eb.Reset()
	if c.MaxAttempts > 0 {
		return backoff.WithMaxRetries(eb, uint64(c.MaxAttempts-1))
	}
	return eb
}

// RetryableError carries a server supplied delay before the next attempt.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// NewRetryableErrorWithAfter returns a retriable error that asks for at
// least d before the next attempt.
func NewRetryableErrorWithAfter(err error, d time.Duration) error {
	return &RetryableError{Err: err, RetryAfter: d}
}

// PartialError reports a retriable failure of part of a batch. The rest was
// accepted by the destination and must not be sent again.
type PartialError struct {
	Failed signal.Batch
	Err    error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%d signals failed: %v", e.Failed.Len(), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// NewPartialError returns a retriable error asking to resend only failed.
func NewPartialError(failed signal.Batch, err error) error {
	return &PartialError{Failed: failed, Err: err}
}

// HTTPStatusError classifies an HTTP response status. 2xx is success; 408,
// 429 and 5xx are retriable (honouring Retry-After); other statuses are
// permanent.
func HTTPStatusError(status int, header http.Header, err error) error {
	if status/100 == 2 {
		return nil
	}
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		if d := retryAfter(header); d > 0 {
			return NewRetryableErrorWithAfter(err, d)
		}
		return err
	default:
		return consumer.Permanent(err)
	}
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
