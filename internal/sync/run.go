// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package sync

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/tomtom215/catalogsync/internal/eventprocessor"
	"github.com/tomtom215/catalogsync/internal/lock"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/state"
)

// run is one execution of a job. It is owned by a single goroutine.
type run struct {
	m       *Manager
	ctx     context.Context
	job     string
	runID   string
	handle  *lock.Handle
	started time.Time
	fresh   bool
	state   *JobState

	lastYield time.Time
}

// progress is the counter set shared by both phases and their checkpoints.
type progress struct {
	processed   int
	total       int
	created     int
	updated     int
	unchanged   int
	errors      int
	failedPages int
}

func progressFrom(cp *state.Checkpoint) progress {
	if cp == nil {
		return progress{}
	}
	return progress{
		processed:   cp.ProcessedCount,
		total:       cp.TotalCount,
		created:     cp.Created,
		updated:     cp.Updated,
		unchanged:   cp.Unchanged,
		errors:      cp.Errors,
		failedPages: cp.FailedPages,
	}
}

func (p progress) checkpoint(job string, phase state.Phase, cursor string) *state.Checkpoint {
	return &state.Checkpoint{
		Job:            job,
		Phase:          phase,
		Cursor:         cursor,
		ProcessedCount: p.processed,
		TotalCount:     p.total,
		Created:        p.created,
		Updated:        p.updated,
		Unchanged:      p.unchanged,
		Errors:         p.errors,
		FailedPages:    p.failedPages,
		UpdatedAt:      time.Now().UTC(),
	}
}

func (r *run) execute(ctx context.Context, plan []state.Phase) error {
	store := r.m.deps.State
	if r.fresh {
		for _, phase := range fullRun {
			if err := store.ClearCheckpoint(ctx, r.job, phase); err != nil {
				return fatal("clear checkpoint", err)
			}
			if err := store.SetPhaseStatus(ctx, r.job, phase, state.StatusNotStarted); err != nil {
				return fatal("reset phase status", err)
			}
		}
	}

	for _, phase := range plan {
		switch phase {
		case state.PhaseAssets:
			if len(plan) > 1 {
				status, err := store.PhaseStatus(ctx, r.job, state.PhaseAssets)
				if err != nil {
					return fatal("load phase status", err)
				}
				if status == state.StatusCompleted {
					logging.Ctx(ctx).Info().Str("job", r.job).Msg("Asset prefetch already completed, resuming at record sync")
					continue
				}
			}
			if err := r.runAssets(ctx); err != nil {
				return err
			}
		case state.PhaseRecords:
			if err := r.runRecords(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// requireAssets enforces the Phase 2 precondition.
func (r *run) requireAssets(ctx context.Context) error {
	status, err := r.m.deps.State.PhaseStatus(ctx, r.job, state.PhaseAssets)
	if err != nil {
		return fatal("load phase status", err)
	}
	if status != state.StatusCompleted {
		return assetsNotReady(r.job, status)
	}
	return nil
}

func assetsNotReady(job string, status state.PhaseStatus) error {
	return fmt.Errorf("%w: job %s asset phase is %s", ErrAssetsNotReady, job, status)
}

// interrupted reports whether err is the result of cancellation rather than
// a failure. A lock lost mid-run cancels the context with a fatal cause and
// counts as a failure.
func (r *run) interrupted(err error) (bool, error) {
	cause := context.Cause(r.ctx)
	if cause != nil && IsFatal(cause) {
		return false, cause
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return true, err
	}
	return false, err
}

// finish writes the terminal job state and publishes job_finished.
func (r *run) finish(err error) (*JobState, error) {
	ctx := context.WithoutCancel(r.ctx)
	duration := time.Since(r.started)

	status := "completed"
	switch {
	case err == nil:
		r.state.Phase = state.JobCompleted
		r.state.LastError = ""
		metrics.SyncLastSuccess.WithLabelValues(r.job).SetToCurrentTime()
	default:
		var cancelled bool
		cancelled, err = r.interrupted(err)
		if cancelled {
			status = "cancelled"
			r.state.Phase = state.JobCancelled
			r.state.LastError = ErrCancelled.Error()
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		} else {
			status = "failed"
			r.state.Phase = state.JobFailed
			r.state.LastError = err.Error()
		}
	}

	if saveErr := r.saveState(ctx); saveErr != nil {
		logging.Ctx(ctx).Error().Err(saveErr).Str("job", r.job).Msg("Failed to save final job state")
	}

	e := r.event(eventprocessor.EventJobFinished, "")
	e.Status = status
	e.Duration = duration
	if err != nil {
		e.Error = err.Error()
	}
	r.m.publish(ctx, e)

	ev := logging.Ctx(ctx).Info()
	if status == "failed" {
		ev = logging.Ctx(ctx).Error().Err(err)
	}
	ev.Str("job", r.job).
		Str("status", status).
		Int("created", r.state.Created).
		Int("updated", r.state.Updated).
		Int("errors", r.state.Errors).
		Dur("duration", duration).
		Msg("Sync run finished")

	snapshot := *r.state
	return &snapshot, err
}

func (r *run) saveState(ctx context.Context) error {
	r.state.UpdatedAt = time.Now().UTC()
	return r.m.deps.State.SaveJobState(ctx, r.state)
}

// enterPhase confirms lock ownership, marks phase running and publishes the
// new job phase.
func (r *run) enterPhase(ctx context.Context, phase state.Phase, p progress) error {
	if err := r.m.deps.Locks.Validate(ctx, r.handle); err != nil {
		return fatal("validate lock", err)
	}
	if err := r.m.deps.State.SetPhaseStatus(ctx, r.job, phase, state.StatusRunning); err != nil {
		return fatal("set phase status", err)
	}
	if phase == state.PhaseAssets {
		r.state.Phase = state.JobAssets
	} else {
		r.state.Phase = state.JobRecords
	}
	r.apply(p)
	if err := r.saveState(ctx); err != nil {
		return fatal("save job state", err)
	}
	r.lastYield = time.Now()
	return nil
}

// apply copies phase counters into the job state.
func (r *run) apply(p progress) {
	r.state.Processed = p.processed
	r.state.Total = p.total
	r.state.Errors = p.errors
	r.state.Created = p.created
	r.state.Updated = p.updated
}

// endPhase records the phase outcome. Completed phases drop their checkpoint;
// interrupted ones keep it for the next run.
func (r *run) endPhase(ctx context.Context, phase state.Phase, p progress, started time.Time, err error) error {
	ctx = context.WithoutCancel(ctx)
	status := state.StatusCompleted
	if err != nil {
		status = state.StatusFailed
		if cancelled, _ := r.interrupted(err); cancelled {
			status = state.StatusCancelled
		}
	}

	if status == state.StatusCompleted {
		if clearErr := r.m.deps.State.ClearCheckpoint(ctx, r.job, phase); clearErr != nil {
			return fatal("clear checkpoint", clearErr)
		}
	}
	if setErr := r.m.deps.State.SetPhaseStatus(ctx, r.job, phase, status); setErr != nil {
		logging.Ctx(ctx).Error().Err(setErr).Str("phase", string(phase)).Msg("Failed to record phase status")
		if err == nil {
			return fatal("set phase status", setErr)
		}
	}

	e := r.event(eventprocessor.EventPhaseCompleted, phase)
	r.fill(e, p)
	e.Status = string(status)
	e.Duration = time.Since(started)
	if err != nil {
		e.Error = err.Error()
	}
	r.m.publish(ctx, e)
	return err
}

// saveCheckpoint persists p at cursor. Failure is fatal for the phase.
func (r *run) saveCheckpoint(ctx context.Context, phase state.Phase, cursor string, p progress) error {
	if err := r.m.deps.State.SaveCheckpoint(context.WithoutCancel(ctx), p.checkpoint(r.job, phase, cursor)); err != nil {
		return fatal("save checkpoint", err)
	}
	metrics.SyncCheckpointsSaved.WithLabelValues(r.job, string(phase)).Inc()
	logging.Ctx(ctx).Debug().
		Str("job", r.job).
		Str("phase", string(phase)).
		Str("cursor", cursor).
		Int("processed", p.processed).
		Msg("Checkpoint saved")
	return nil
}

// yield hands control back between units of work: relieve memory pressure,
// confirm lock ownership, persist and publish progress.
func (r *run) yield(ctx context.Context, phase state.Phase, p progress) error {
	if r.m.deps.Pressure != nil {
		r.m.deps.Pressure.Relieve(ctx)
	}
	if err := r.m.deps.Locks.Validate(ctx, r.handle); err != nil {
		if errors.Is(err, lock.ErrLockLost) {
			return fatal("validate lock", err)
		}
		logging.Ctx(ctx).Warn().Err(err).Str("job", r.job).Msg("Lock validation failed")
	}

	r.apply(p)
	if err := r.saveState(ctx); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("job", r.job).Msg("Failed to save job progress")
	}
	e := r.event(eventprocessor.EventProgress, phase)
	r.fill(e, p)
	r.m.publish(ctx, e)

	r.lastYield = time.Now()
	runtime.Gosched()
	return nil
}

// dueForYield reports whether count units or YieldInterval have passed.
func (r *run) dueForYield(sinceYield int) bool {
	if sinceYield >= r.m.opts.YieldEvery {
		return true
	}
	return r.m.opts.YieldInterval > 0 && time.Since(r.lastYield) >= r.m.opts.YieldInterval
}

func (r *run) event(t eventprocessor.EventType, phase state.Phase) *eventprocessor.SyncEvent {
	e := eventprocessor.NewSyncEvent(t, r.job)
	e.RunID = r.runID
	e.Phase = string(phase)
	e.Processed = r.state.Processed
	e.Total = r.state.Total
	e.Created = r.state.Created
	e.Updated = r.state.Updated
	e.Errors = r.state.Errors
	return e
}

func (r *run) fill(e *eventprocessor.SyncEvent, p progress) {
	e.Processed = p.processed
	e.Total = p.total
	e.Created = p.created
	e.Updated = p.updated
	e.Unchanged = p.unchanged
	e.Errors = p.errors
	e.FailedPages = p.failedPages
}
