/*
 * Credential Broker
 * Copyright (C) 2025  TIS Records
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package utils contains small shared helpers.
package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Retry provides retry delay scheduling.
type Retry interface {
	// Reset resets retry state.
	Reset()
	// Inc increments the retry attempt.
	Inc()
	// Duration returns the current retry delay, could be 0.
	Duration() time.Duration
	// After returns a channel that fires after the current delay.
	After() <-chan time.Time
}

// ExponentialConfig sets up a retry whose delay grows geometrically.
type ExponentialConfig struct {
	// Base is the delay of the first retry, can't be 0.
	Base time.Duration
	// Multiplier is the per-attempt growth factor, can't be less than 1.
	Multiplier int
	// MaxAttempts caps the retries made by For after the initial call,
	// can't be 0.
	MaxAttempts int
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ExponentialConfig) CheckAndSetDefaults() error {
	if c.Base <= 0 {
		return trace.BadParameter("missing parameter Base")
	}
	if c.Multiplier < 1 {
		return trace.BadParameter("Multiplier must be at least 1")
	}
	if c.MaxAttempts <= 0 {
		return trace.BadParameter("missing parameter MaxAttempts")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewExponential returns a new instance of exponential retry.
func NewExponential(cfg ExponentialConfig) (*Exponential, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Exponential{ExponentialConfig: cfg, closedChan: closedChan}, nil
}

// Exponential schedules retries with geometrically growing delays:
// no delay before the first attempt, then Base, Base*Multiplier and so on.
type Exponential struct {
	ExponentialConfig
	attempt    int
	closedChan chan time.Time
}

// Reset resets the retry to its initial state.
func (r *Exponential) Reset() {
	r.attempt = 0
}

// Inc increments the attempt counter.
func (r *Exponential) Inc() {
	r.attempt++
}

// Duration returns the delay before the next attempt.
func (r *Exponential) Duration() time.Duration {
	if r.attempt == 0 {
		return 0
	}
	d := r.Base
	for i := 1; i < r.attempt; i++ {
		d *= time.Duration(r.Multiplier)
	}
	return d
}

// After returns a channel that fires after Duration. A zero duration
// yields a closed channel so the caller does not block.
func (r *Exponential) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns a user-friendly representation of the retry state.
func (r *Exponential) String() string {
	return fmt.Sprintf("Exponential(attempt=%v, duration=%v)", r.attempt, r.Duration())
}

// For runs retryFn immediately and, while it keeps failing, retries it
// up to MaxAttempts more times, waiting out the schedule before each
// retry: Base, then Base*Multiplier and so on. The last error is
// returned wrapped as a limit error once retries are exhausted.
// Permanent errors stop the loop early.
func (r *Exponential) For(ctx context.Context, retryFn func() error) error {
	for {
		err := retryFn()
		if err == nil {
			return nil
		}
		if _, ok := trace.Unwrap(err).(*permanentRetryError); ok {
			return trace.Wrap(err)
		}
		if r.attempt >= r.MaxAttempts {
			return trace.LimitExceeded("retry attempts exhausted: %v", err)
		}
		r.Inc()
		select {
		case <-r.After():
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
}

// PermanentRetryError returns a new instance of a permanent retry error.
func PermanentRetryError(err error) error {
	return &permanentRetryError{err: err}
}

// permanentRetryError indicates that the retry loop should stop.
type permanentRetryError struct {
	err error
}

// Error returns the original error message.
func (e *permanentRetryError) Error() string {
	return e.err.Error()
}
