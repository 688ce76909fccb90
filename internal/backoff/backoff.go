// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package backoff computes exponential retry delays with jitter and runs
// retry loops around transient failures.
//
// The delay for attempt n is base * 2^n, multiplied by a jitter factor in
// [MinJitter, MaxJitter] and clamped to max. Clamping happens after jitter so
// a delay never exceeds max, and with a fixed jitter factor the sequence is
// non-decreasing in n.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/tomtom215/catalogsync/internal/logging"
)

const (
	// MinJitter is the lower bound of the multiplicative jitter factor.
	MinJitter = 0.85
	// MaxJitter is the upper bound of the multiplicative jitter factor.
	MaxJitter = 1.15

	// maxShift caps the exponent; 2^62 already overflows any sane base.
	maxShift = 62
)

// NextDelay returns the delay before retry number attempt (0-based).
// Non-positive base yields 0; max <= 0 disables the cap.
func NextDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	//nolint:gosec // G404: non-cryptographic jitter for retry timing
	jitter := MinJitter + rand.Float64()*(MaxJitter-MinJitter)
	return NextDelayWithJitter(attempt, base, maxDelay, jitter)
}

// NextDelayWithJitter is NextDelay with an explicit jitter factor. Factors
// outside [MinJitter, MaxJitter] are clamped into range.
func NextDelayWithJitter(attempt int, base, maxDelay time.Duration, jitter float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	jitter = math.Min(MaxJitter, math.Max(MinJitter, jitter))

	limit := math.Inf(1)
	if maxDelay > 0 {
		limit = float64(maxDelay)
	}

	if attempt > maxShift {
		attempt = maxShift
	}
	raw := float64(base) * math.Pow(2, float64(attempt)) * jitter
	if raw > limit || raw > float64(math.MaxInt64) {
		if maxDelay > 0 {
			return maxDelay
		}
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(raw)
}

// Policy bounds a retry loop.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps every individual delay.
	Max time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Hint, when set, returns a minimum delay requested by the failing call
	// (a Retry-After header). The delay is still capped at Max.
	Hint func(err error) time.Duration
}

// Delay returns the wait before retry number attempt after err.
func (p Policy) Delay(attempt int, err error) time.Duration {
	d := NextDelay(attempt, p.Base, p.Max)
	if p.Hint != nil {
		if h := p.Hint(err); h > d {
			d = h
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// DefaultPolicy returns the policy used for ERP page and record fetches.
func DefaultPolicy() Policy {
	return Policy{
		Base:       500 * time.Millisecond,
		Max:        30 * time.Second,
		MaxRetries: 3,
	}
}

// Classifier reports whether err is worth retrying.
type Classifier func(err error) bool

// Always retries every non-nil error.
func Always(error) bool { return true }

// Retry calls fn until it succeeds, classify rejects its error, the retry
// budget is spent, or ctx is done. The last error from fn is returned wrapped.
func Retry(ctx context.Context, p Policy, classify Classifier, fn func(ctx context.Context) error) error {
	if classify == nil {
		classify = Always
	}

	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return fmt.Errorf("%w (last error: %v)", ctxErr, err)
			}
			return ctxErr
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !classify(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return fmt.Errorf("max retry attempts reached (%d): %w", p.MaxRetries+1, err)
		}

		delay := p.Delay(attempt, err)
		logging.Ctx(ctx).Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", p.MaxRetries+1).
			Dur("delay", delay).
			Msg("Retry attempt")

		if sleepErr := Sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("%w (last error: %v)", sleepErr, err)
		}
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
