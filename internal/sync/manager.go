// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
manager.go - Sync Manager Lifecycle and Orchestration

The Manager owns every sync run executed by this process. A run holds the
named cross-process lock for its job from the first state write until the
last one, and executes up to two phases:

  - Phase 1 (assets): enumerate all source ids and store their assets
  - Phase 2 (records): page through full records and upsert them

Entry points:
  - Start(): launch a run in the background and return its run id
  - Run(): execute a run in the caller's goroutine (CLI "run")
  - RunPhase(): execute one phase; Phase 2 requires Phase 1 completed
  - Cancel(): request cancellation and wait, bounded, for the run to stop
  - Reset(): return a finished or crashed job to idle
  - Status(): job state plus lock and phase status

Resume: a run that starts after a failed, cancelled or crashed run keeps
the phase status and checkpoints of its predecessor. A completed Phase 1
is skipped; a phase with a resumable checkpoint continues from it. A run
that starts after a completed (or never started) job begins from scratch.

Thread Safety:
  - mu: protects runs and serializes Start/Run/Reset per process
  - wg: tracks every run goroutine for Shutdown
*/

//nolint:staticcheck // File documentation, not package doc
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/catalogsync/internal/cache"
	"github.com/tomtom215/catalogsync/internal/eventprocessor"
	"github.com/tomtom215/catalogsync/internal/lock"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/state"
	"github.com/tomtom215/catalogsync/internal/validation"
)

// Manager runs and tracks sync jobs.
type Manager struct {
	deps    Deps
	opts    Options
	digests *cache.LRU[string]

	base context.Context
	stop context.CancelCauseFunc

	mu   sync.Mutex
	runs map[string]*activeRun
	wg   sync.WaitGroup
}

type activeRun struct {
	runID  string
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Status is what a status poller sees for a job.
type Status struct {
	*JobState
	ProgressPercent float64           `json:"progress_percent"`
	Running         bool              `json:"running"`
	Locked          bool              `json:"lock_held"`
	Lock            *lock.Record      `json:"lock,omitempty"`
	AssetsPhase     state.PhaseStatus `json:"assets_phase"`
	RecordsPhase    state.PhaseStatus `json:"records_phase"`
}

// NewManager validates deps and creates a Manager.
func NewManager(deps Deps, opts Options) (*Manager, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.New("sync manager requires a source")
	case deps.State == nil:
		return nil, errors.New("sync manager requires a state store")
	case deps.Locks == nil:
		return nil, errors.New("sync manager requires a lock manager")
	case deps.Assets == nil:
		return nil, errors.New("sync manager requires an asset store")
	case deps.Catalog == nil:
		return nil, errors.New("sync manager requires a catalog store")
	}
	if deps.Mapper == nil {
		deps.Mapper = DefaultMapper
	}

	opts = opts.normalize()
	m := &Manager{
		deps:    deps,
		opts:    opts,
		digests: cache.NewLRU[string]("asset_digests", opts.DigestEntries, opts.DigestTTL),
		runs:    make(map[string]*activeRun),
	}
	m.base, m.stop = context.WithCancelCause(context.Background())
	if deps.Pressure != nil {
		deps.Pressure.Register(m.digests)
	}
	return m, nil
}

// Options returns the effective options.
func (m *Manager) Options() Options { return m.opts }

func lockName(job string) string { return "sync:" + job }

// Start launches a full run in the background and returns its run id.
// It fails with ErrJobRunning when the job is running here or elsewhere.
func (m *Manager) Start(ctx context.Context, job string) (string, error) {
	runCtx := logging.ContextWithCorrelationID(m.base, logging.CorrelationIDFromContext(ctx))
	ar, r, err := m.begin(ctx, runCtx, job, fullRun, true)
	if err != nil {
		return "", err
	}
	go func() {
		_, _ = m.execute(r, ar, fullRun)
	}()
	return ar.runID, nil
}

// Run executes a full run and returns the final job state.
func (m *Manager) Run(ctx context.Context, job string) (*JobState, error) {
	ar, r, err := m.begin(ctx, ctx, job, fullRun, true)
	if err != nil {
		return nil, err
	}
	return m.execute(r, ar, fullRun)
}

// RunPhase executes a single phase. Requesting state.PhaseRecords before
// Phase 1 completed returns ErrAssetsNotReady without touching any state.
func (m *Manager) RunPhase(ctx context.Context, job string, phase state.Phase) (*JobState, error) {
	var plan []state.Phase
	switch phase {
	case state.PhaseAssets:
		plan = []state.Phase{state.PhaseAssets}
	case state.PhaseRecords:
		plan = []state.Phase{state.PhaseRecords}
	default:
		return nil, fmt.Errorf("unknown phase %q", phase)
	}
	ar, r, err := m.begin(ctx, ctx, job, plan, false)
	if err != nil {
		return nil, err
	}
	return m.execute(r, ar, plan)
}

var fullRun = []state.Phase{state.PhaseAssets, state.PhaseRecords}

// begin validates the job, claims it in this process, acquires the lock and
// saves the new run's job state, so status reads after begin returns never
// report the previous run. fresh allows a full run to discard the state of a
// completed predecessor.
func (m *Manager) begin(ctx, parent context.Context, job string, plan []state.Phase, fresh bool) (*activeRun, *run, error) {
	if !validation.ValidJobName(job) {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidJob, job)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := context.Cause(m.base); err != nil {
		return nil, nil, fmt.Errorf("sync manager stopped: %w", err)
	}
	if _, ok := m.runs[job]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrJobRunning, job)
	}

	h, err := m.deps.Locks.Acquire(ctx, lockName(job))
	if err != nil {
		if errors.Is(err, lock.ErrAlreadyLocked) {
			return nil, nil, fmt.Errorf("%w: %w", ErrJobRunning, err)
		}
		return nil, nil, fmt.Errorf("acquire sync lock: %w", err)
	}

	unlock := func() { _ = m.deps.Locks.Release(context.WithoutCancel(ctx), h) }

	prev, err := m.deps.State.LoadJobState(ctx, job)
	if err != nil {
		unlock()
		return nil, nil, fatal("load job state", err)
	}
	fresh = fresh && (prev.Phase == state.JobIdle || prev.Phase == state.JobCompleted)
	first, err := m.firstPhase(ctx, job, plan, fresh)
	if err != nil {
		unlock()
		return nil, nil, err
	}

	ar := &activeRun{runID: uuid.NewString(), done: make(chan struct{})}
	runCtx, cancel := context.WithCancelCause(logging.ContextWithRunID(parent, ar.runID))
	ar.cancel = cancel

	r := &run{
		m:       m,
		ctx:     runCtx,
		job:     job,
		runID:   ar.runID,
		handle:  h,
		started: time.Now(),
		fresh:   fresh,
		state: &JobState{
			Job:       job,
			Phase:     first,
			RunID:     ar.runID,
			StartedAt: time.Now().UTC(),
		},
	}
	if err := r.saveState(ctx); err != nil {
		cancel(nil)
		unlock()
		return nil, nil, fatal("save job state", err)
	}
	if prev.Phase.Active() {
		logging.Warn().
			Str("job", job).
			Str("previous_run_id", prev.RunID).
			Str("previous_phase", string(prev.Phase)).
			Msg("Previous run did not finish, resuming from its checkpoints")
	}

	m.runs[job] = ar
	m.wg.Add(1)
	metrics.SyncRunsActive.Inc()
	return ar, r, nil
}

// firstPhase returns the job phase a run of plan starts in. A plan that
// starts at records requires a completed prefetch.
func (m *Manager) firstPhase(ctx context.Context, job string, plan []state.Phase, fresh bool) (state.JobPhase, error) {
	if fresh {
		return state.JobAssets, nil
	}
	status, err := m.deps.State.PhaseStatus(ctx, job, state.PhaseAssets)
	if err != nil {
		return "", fatal("load phase status", err)
	}
	if plan[0] == state.PhaseAssets && (len(plan) == 1 || status != state.StatusCompleted) {
		return state.JobAssets, nil
	}
	if status != state.StatusCompleted {
		return "", assetsNotReady(job, status)
	}
	return state.JobRecords, nil
}

func (m *Manager) release(r *run) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.deps.Locks.Release(ctx, r.handle); err != nil {
		logging.Error().Err(err).Str("job", r.job).Msg("Failed to release sync lock")
	}
}

func (m *Manager) execute(r *run, ar *activeRun, plan []state.Phase) (*JobState, error) {
	defer m.wg.Done()
	defer metrics.SyncRunsActive.Dec()
	defer close(ar.done)
	defer func() {
		m.mu.Lock()
		delete(m.runs, r.job)
		m.mu.Unlock()
	}()
	defer m.release(r)
	defer ar.cancel(nil)

	ctx := r.ctx
	logging.Ctx(ctx).Info().
		Str("job", r.job).
		Bool("fresh", r.fresh).
		Msg("Sync run started")

	hbCtx, hbStop := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		m.heartbeat(hbCtx, r, ar.cancel)
	}()

	err := r.execute(ctx, plan)
	hbStop()
	<-hbDone

	return r.finish(err)
}

// heartbeat refreshes the lock until ctx is done. Losing the lock cancels the
// run with a fatal cause.
func (m *Manager) heartbeat(ctx context.Context, r *run, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.deps.Locks.Refresh(ctx, r.handle)
			if err == nil {
				continue
			}
			if errors.Is(err, lock.ErrLockLost) {
				logging.Ctx(ctx).Error().Err(err).Str("job", r.job).Msg("Sync lock lost, aborting run")
				cancel(fatal("lock heartbeat", err))
				return
			}
			if ctx.Err() == nil {
				logging.Ctx(ctx).Warn().Err(err).Str("job", r.job).Msg("Sync lock heartbeat failed")
			}
		}
	}
}

// Cancel asks the job's run to stop and waits up to CancelTimeout for the
// current unit of work to finish. Only runs in this process can be cancelled.
func (m *Manager) Cancel(ctx context.Context, job string) error {
	m.mu.Lock()
	ar, ok := m.runs[job]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, job)
	}

	ar.cancel(ErrCancelled)
	logging.Ctx(ctx).Info().Str("job", job).Str("run_id", ar.runID).Msg("Sync cancellation requested")

	timer := time.NewTimer(m.opts.CancelTimeout)
	defer timer.Stop()
	select {
	case <-ar.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", ErrCancelTimeout, job, m.opts.CancelTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset returns a job to idle, discarding checkpoints and phase status. It
// takes the lock for the duration, so a running job cannot be reset.
func (m *Manager) Reset(ctx context.Context, job string) error {
	if !validation.ValidJobName(job) {
		return fmt.Errorf("%w: %q", ErrInvalidJob, job)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[job]; ok {
		return fmt.Errorf("%w: %s", ErrJobRunning, job)
	}

	h, err := m.deps.Locks.Acquire(ctx, lockName(job))
	if err != nil {
		if errors.Is(err, lock.ErrAlreadyLocked) {
			return fmt.Errorf("%w: %w", ErrJobRunning, err)
		}
		return fmt.Errorf("acquire sync lock: %w", err)
	}
	defer func() {
		if err := m.deps.Locks.Release(context.WithoutCancel(ctx), h); err != nil {
			logging.Error().Err(err).Str("job", job).Msg("Failed to release sync lock after reset")
		}
	}()

	if err := m.deps.State.ResetJob(ctx, job); err != nil {
		return fmt.Errorf("reset job %s: %w", job, err)
	}
	logging.Ctx(ctx).Info().Str("job", job).Msg("Sync job reset")
	return nil
}

// Status returns the persisted state of the job together with lock and
// phase information.
func (m *Manager) Status(ctx context.Context, job string) (*Status, error) {
	if !validation.ValidJobName(job) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJob, job)
	}

	st, err := m.deps.State.LoadJobState(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("load job state: %w", err)
	}
	out := &Status{JobState: st, ProgressPercent: st.ProgressPercent()}

	m.mu.Lock()
	_, out.Running = m.runs[job]
	m.mu.Unlock()

	if out.Lock, err = m.deps.Locks.Get(ctx, lockName(job)); err != nil {
		return nil, err
	}
	if out.Locked, err = m.deps.Locks.IsHeld(ctx, lockName(job)); err != nil {
		return nil, err
	}
	if out.AssetsPhase, err = m.deps.State.PhaseStatus(ctx, job, state.PhaseAssets); err != nil {
		return nil, fmt.Errorf("load phase status: %w", err)
	}
	if out.RecordsPhase, err = m.deps.State.PhaseStatus(ctx, job, state.PhaseRecords); err != nil {
		return nil, fmt.Errorf("load phase status: %w", err)
	}
	return out, nil
}

// Running reports whether this process is running job.
func (m *Manager) Running(job string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[job]
	return ok
}

// Serve implements suture.Service. It blocks until ctx is done and then
// stops every run.
func (m *Manager) Serve(ctx context.Context) error {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), m.opts.CancelTimeout)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Sync manager shutdown incomplete")
	}
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logs.
func (m *Manager) String() string { return "sync-manager" }

// Shutdown cancels every run and waits for them to checkpoint and stop.
// No new runs are accepted afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stop(ErrCancelled)
	for _, ar := range m.runs {
		ar.cancel(ErrCancelled)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sync runs: %w", ctx.Err())
	}
}

// publish sends e to the configured publisher. Delivery failures never fail a run.
func (m *Manager) publish(ctx context.Context, e *eventprocessor.SyncEvent) {
	if m.deps.Events == nil {
		return
	}
	if err := m.deps.Events.Publish(context.WithoutCancel(ctx), e); err != nil {
		logging.Ctx(ctx).Debug().Err(err).Str("type", string(e.Type)).Msg("Failed to publish sync event")
	}
}
