// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package erp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

var (
	// ErrRetryable marks transient failures: 429, 5xx, transport errors and
	// an open circuit breaker.
	ErrRetryable = errors.New("erp: retryable error")

	// ErrRecordRejected marks permanent per-request failures (other 4xx).
	ErrRecordRejected = errors.New("erp: request rejected")
)

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Path       string
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("erp %s: HTTP %d: %s", e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("erp %s: HTTP %d", e.Path, e.StatusCode)
}

// Is maps the status onto ErrRetryable or ErrRecordRejected.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrRetryable:
		return retryableStatus(e.StatusCode)
	case ErrRecordRejected:
		return !retryableStatus(e.StatusCode)
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// transportError wraps network-level failures so they classify as retryable.
type transportError struct{ err error }

func (e *transportError) Error() string { return "erp transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }
func (e *transportError) Is(target error) bool {
	return target == ErrRetryable
}

// IsRetryable is a backoff.Classifier for ERP calls. Context cancellation is
// never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	return errors.Is(err, ErrRetryable)
}

// RetryAfter returns the Retry-After hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
