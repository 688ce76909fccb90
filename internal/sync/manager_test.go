// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/catalogsync/internal/eventprocessor"
	"github.com/tomtom215/catalogsync/internal/lock"
	"github.com/tomtom215/catalogsync/internal/state"
)

const job = "catalog"

func TestManager_RunCompletesBothPhases(t *testing.T) {
	h := newHarness(t, newFakeSource(60))
	ctx := context.Background()

	st, err := h.mgr.Run(ctx, job)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if st.Phase != state.JobCompleted {
		t.Errorf("phase = %s, want completed", st.Phase)
	}
	if st.Created != 60 || st.Errors != 0 {
		t.Errorf("created = %d errors = %d, want 60 and 0", st.Created, st.Errors)
	}

	if n, _ := h.cat.Count(ctx); n != 60 {
		t.Errorf("catalog count = %d, want 60", n)
	}
	// One image per record plus the shared logo
	if n, _ := h.blobs.Count(ctx); n != 61 {
		t.Errorf("blob count = %d, want 61", n)
	}
	h.assertIndex(t, job)

	for _, phase := range []state.Phase{state.PhaseAssets, state.PhaseRecords} {
		status, _ := h.store.PhaseStatus(ctx, job, phase)
		if status != state.StatusCompleted {
			t.Errorf("%s status = %s, want completed", phase, status)
		}
		if cp, _ := h.store.LoadCheckpoint(ctx, job, phase); cp != nil {
			t.Errorf("%s checkpoint not cleared: %+v", phase, cp)
		}
	}
	if held, _ := h.locks.IsHeld(ctx, lockName(job)); held {
		t.Error("lock still held after run")
	}

	rec, err := h.cat.Get(ctx, "r0007")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(rec.Assets) != 2 || rec.Assets[0].Position != 0 || rec.Assets[1].Ref != h.blobRef(sharedLogo) {
		t.Errorf("record assets = %+v", rec.Assets)
	}

	finished := h.lastFinished(t)
	if finished.Status != "completed" || finished.RunID == "" {
		t.Errorf("job_finished = %+v", finished)
	}
	if len(h.events.OfType(eventprocessor.EventProgress)) == 0 {
		t.Error("no progress events published")
	}
}

func TestManager_ResumesAfterCrash(t *testing.T) {
	src := newFakeSource(250)
	h := newHarness(t, src, func(o *Options) {
		o.CheckpointEvery = 200
		o.YieldEvery = 20
	})

	// Die while fetching record 230: the process never gets to write another
	// checkpoint, so the durable resume point is the one taken at 200.
	errCrash := errors.New("process killed")
	runCtx, kill := context.WithCancel(context.Background())
	defer kill()
	src.setHook(func(_ context.Context, id string, n int) error {
		if id == "r0230" && n == 1 {
			h.store.FailCheckpointSaves(errCrash)
			kill()
			return context.Canceled
		}
		return nil
	})

	if _, err := h.mgr.Run(runCtx, job); !errors.Is(err, ErrCancelled) {
		t.Fatalf("first Run() error = %v, want ErrCancelled", err)
	}
	ctx := context.Background()
	cp, err := h.store.LoadCheckpoint(ctx, job, state.PhaseAssets)
	if err != nil || cp == nil {
		t.Fatalf("LoadCheckpoint() = %v, %v", cp, err)
	}
	if cp.ProcessedCount != 200 || cp.Cursor != "200:r0199" {
		t.Fatalf("checkpoint = %+v, want 200 processed", cp)
	}

	h.store.FailCheckpointSaves(nil)
	src.setHook(nil)
	st, err := h.mgr.Run(ctx, job)
	if err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}
	if st.Phase != state.JobCompleted {
		t.Fatalf("phase = %s, want completed", st.Phase)
	}

	for i, r := range src.records {
		want := 1
		if i >= 200 && i <= 230 {
			want = 2
		}
		if got := src.fetchCount(r.ID); got != want {
			t.Fatalf("record %s fetched %d times, want %d", r.ID, got, want)
		}
	}

	if n, _ := h.cat.Count(ctx); n != 250 {
		t.Errorf("catalog count = %d, want 250", n)
	}
	if n, _ := h.blobs.Count(ctx); n != 251 {
		t.Errorf("blob count = %d, want 251", n)
	}
	if n, _ := h.store.CountAssetEntries(ctx, job); n != 500 {
		t.Errorf("asset entries = %d, want 500", n)
	}
	h.assertIndex(t, job)
}

func TestManager_CancelCheckpointsAndStops(t *testing.T) {
	src := newFakeSource(100)
	h := newHarness(t, src, func(o *Options) { o.YieldEvery = 5 })

	reached := make(chan struct{})
	src.setHook(func(ctx context.Context, id string, n int) error {
		if id == "r0042" && n == 1 {
			close(reached)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	ctx := context.Background()
	runID, err := h.mgr.Start(ctx, job)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if runID == "" {
		t.Error("Start() returned empty run id")
	}
	<-reached

	if _, err := h.mgr.Start(ctx, job); !errors.Is(err, ErrJobRunning) {
		t.Errorf("second Start() error = %v, want ErrJobRunning", err)
	}

	if err := h.mgr.Cancel(ctx, job); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	st, err := h.store.LoadJobState(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase != state.JobCancelled {
		t.Errorf("phase = %s, want cancelled", st.Phase)
	}
	status, _ := h.store.PhaseStatus(ctx, job, state.PhaseAssets)
	if status != state.StatusCancelled {
		t.Errorf("assets status = %s, want cancelled", status)
	}
	cp, _ := h.store.LoadCheckpoint(ctx, job, state.PhaseAssets)
	if cp == nil || cp.ProcessedCount != 42 || cp.Cursor != "42:r0041" {
		t.Errorf("checkpoint = %+v, want 42 processed", cp)
	}
	if n, _ := h.cat.Count(ctx); n != 0 {
		t.Errorf("catalog count = %d, want 0 before Phase 2", n)
	}
	if held, _ := h.locks.IsHeld(ctx, lockName(job)); held {
		t.Error("lock still held after cancel")
	}
	if err := h.mgr.Cancel(ctx, job); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Cancel() on idle job error = %v, want ErrNotRunning", err)
	}

	// Resume finishes the job, reprocessing nothing before the checkpoint
	src.setHook(nil)
	if _, err := h.mgr.Run(ctx, job); err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}
	if got := src.fetchCount("r0010"); got != 1 {
		t.Errorf("r0010 fetched %d times, want 1", got)
	}
	if n, _ := h.cat.Count(ctx); n != 100 {
		t.Errorf("catalog count = %d, want 100", n)
	}
}

func TestManager_LockExcludesOtherProcesses(t *testing.T) {
	src := newFakeSource(10)
	h := newHarness(t, src)
	other := h.newManager(t, testOptions())
	ctx := context.Background()

	reached := make(chan struct{})
	release := make(chan struct{})
	src.setHook(func(ctx context.Context, id string, _ int) error {
		if id == "r0001" {
			close(reached)
			<-release
		}
		return nil
	})

	if _, err := h.mgr.Start(ctx, job); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-reached

	_, err := other.Start(ctx, job)
	if !errors.Is(err, ErrJobRunning) || !errors.Is(err, lock.ErrAlreadyLocked) {
		t.Errorf("other Start() error = %v, want ErrJobRunning wrapping ErrAlreadyLocked", err)
	}
	if err := other.Reset(ctx, job); !errors.Is(err, ErrJobRunning) {
		t.Errorf("other Reset() error = %v, want ErrJobRunning", err)
	}

	status, err := other.Status(ctx, job)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.Locked || status.Running || status.Phase != state.JobAssets {
		t.Errorf("status = %+v, want locked elsewhere in assets phase", status)
	}

	close(release)
	if _, ok := h.events.Wait(ctxTimeout(t), func(e eventprocessor.SyncEvent) bool {
		return e.Type == eventprocessor.EventJobFinished
	}); !ok {
		t.Fatal("run did not finish")
	}
	waitIdle(t, h.mgr)

	if _, err := other.Run(ctx, job); err != nil {
		t.Errorf("Run() after release error = %v", err)
	}
}

func TestManager_RerunIsIdempotent(t *testing.T) {
	src := newFakeSource(40)
	h := newHarness(t, src)
	ctx := context.Background()

	if _, err := h.mgr.Run(ctx, job); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	blobs, _ := h.blobs.Count(ctx)
	entries, _ := h.store.CountAssetEntries(ctx, job)

	if _, err := h.mgr.Run(ctx, job); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	records := h.phaseEvents(state.PhaseRecords)
	last := records[len(records)-1]
	if last.Created != 0 || last.Updated != 0 || last.Unchanged != 40 {
		t.Errorf("second run outcomes created=%d updated=%d unchanged=%d", last.Created, last.Updated, last.Unchanged)
	}
	if n, _ := h.blobs.Count(ctx); n != blobs {
		t.Errorf("blob count = %d after rerun, want %d", n, blobs)
	}
	if n, _ := h.store.CountAssetEntries(ctx, job); n != entries {
		t.Errorf("asset entries = %d after rerun, want %d", n, entries)
	}

	src.mu.Lock()
	src.records[3].Price = 1234.5
	src.assets["r0005"] = [][]byte{[]byte("replacement image")}
	src.mu.Unlock()

	if _, err := h.mgr.Run(ctx, job); err != nil {
		t.Fatalf("third Run() error = %v", err)
	}
	records = h.phaseEvents(state.PhaseRecords)
	last = records[len(records)-1]
	if last.Updated != 2 || last.Unchanged != 38 {
		t.Errorf("third run updated=%d unchanged=%d, want 2 and 38", last.Updated, last.Unchanged)
	}
	rec, _ := h.cat.Get(ctx, "r0005")
	if len(rec.Assets) != 1 {
		t.Errorf("r0005 assets = %+v, want one", rec.Assets)
	}
}

func TestManager_StartReportsNewRunBeforeWork(t *testing.T) {
	src := newFakeSource(10)
	h := newHarness(t, src)
	ctx := ctxTimeout(t)

	if _, err := h.mgr.Run(ctx, job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	release := make(chan struct{})
	src.setHook(func(ctx context.Context, _ string, _ int) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	runID, err := h.mgr.Start(ctx, job)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	st, err := h.mgr.Status(ctx, job)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.JobState.Phase != state.JobAssets || st.JobState.RunID != runID || st.JobState.Processed != 0 {
		t.Errorf("first status after Start = %+v, want assets phase of run %s", st.JobState, runID)
	}
	if !st.Running || !st.Locked {
		t.Errorf("running = %v locked = %v, want both true", st.Running, st.Locked)
	}

	close(release)
	waitIdle(t, h.mgr)
	final, err := h.mgr.Status(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if final.JobState.Phase != state.JobCompleted || final.JobState.RunID != runID {
		t.Errorf("final status = %+v", final.JobState)
	}
}

func TestManager_Reset(t *testing.T) {
	h := newHarness(t, newFakeSource(5))
	ctx := context.Background()

	if _, err := h.mgr.Run(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Reset(ctx, job); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	st, _ := h.store.LoadJobState(ctx, job)
	if st.Phase != state.JobIdle || st.Processed != 0 {
		t.Errorf("state after reset = %+v", st)
	}
	if status, _ := h.store.PhaseStatus(ctx, job, state.PhaseAssets); status != state.StatusNotStarted {
		t.Errorf("assets status = %s, want not_started", status)
	}
	if held, _ := h.locks.IsHeld(ctx, lockName(job)); held {
		t.Error("Reset() left the lock held")
	}

	if err := h.mgr.Reset(ctx, "Bad Name"); !errors.Is(err, ErrInvalidJob) {
		t.Errorf("Reset(invalid) error = %v, want ErrInvalidJob", err)
	}
}

func TestManager_InvalidJobName(t *testing.T) {
	h := newHarness(t, newFakeSource(1))
	ctx := context.Background()
	for _, name := range []string{"", "UPPER", "has space", "-leading"} {
		if _, err := h.mgr.Start(ctx, name); !errors.Is(err, ErrInvalidJob) {
			t.Errorf("Start(%q) error = %v, want ErrInvalidJob", name, err)
		}
		if _, err := h.mgr.Status(ctx, name); !errors.Is(err, ErrInvalidJob) {
			t.Errorf("Status(%q) error = %v, want ErrInvalidJob", name, err)
		}
	}
}

func TestManager_ShutdownRejectsNewRuns(t *testing.T) {
	h := newHarness(t, newFakeSource(1))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.mgr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if _, err := h.mgr.Start(ctx, job); err == nil || !strings.Contains(err.Error(), "stopped") {
		t.Errorf("Start() after Shutdown error = %v", err)
	}
}

func TestNewManager_RequiresDeps(t *testing.T) {
	if _, err := NewManager(Deps{}, DefaultOptions()); err == nil {
		t.Error("NewManager() with no deps should fail")
	}
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitIdle waits for the manager to drop its last run.
func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for m.Running(job) {
		if time.Now().After(deadline) {
			t.Fatal("run still registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
