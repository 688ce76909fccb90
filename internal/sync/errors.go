// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrJobRunning is returned when a run for the job is already in progress,
	// in this process or (wrapped with lock.ErrAlreadyLocked) in another one.
	ErrJobRunning = errors.New("sync job already running")

	// ErrInvalidJob is returned for job names that fail validation.
	ErrInvalidJob = errors.New("invalid job name")

	// ErrNotRunning is returned by Cancel when this process has no run for the job.
	ErrNotRunning = errors.New("sync job not running")

	// ErrAssetsNotReady is returned when Phase 2 is requested before Phase 1 completed.
	ErrAssetsNotReady = errors.New("asset prefetch has not completed")

	// ErrCancelled is the cancellation cause set by Cancel and Shutdown.
	ErrCancelled = errors.New("sync cancelled")

	// ErrCancelTimeout is returned by Cancel when the run did not stop in time.
	// The run still stops at its next unit boundary.
	ErrCancelTimeout = errors.New("timed out waiting for sync to stop")
)

// FatalError aborts the current phase: the checkpoint store or asset store
// is unreachable, the lock was lost, or the source cannot be enumerated.
// Anything else is a per-unit error that is counted and skipped.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Op: op, Err: err}
}

// IsFatal reports whether err aborts a phase.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
