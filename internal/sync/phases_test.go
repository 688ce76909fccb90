// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package sync

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/tomtom215/catalogsync/internal/assets"
	"github.com/tomtom215/catalogsync/internal/catalog"
	"github.com/tomtom215/catalogsync/internal/erp"
	"github.com/tomtom215/catalogsync/internal/lock"
	"github.com/tomtom215/catalogsync/internal/state"
)

func TestRunPhase_RecordsRequireCompletedAssets(t *testing.T) {
	tests := []struct {
		name   string
		status state.PhaseStatus
	}{
		{"never started", state.StatusNotStarted},
		{"still running", state.StatusRunning},
		{"failed", state.StatusFailed},
		{"cancelled", state.StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, newFakeSource(10))
			ctx := context.Background()
			if err := h.store.SetPhaseStatus(ctx, job, state.PhaseAssets, tt.status); err != nil {
				t.Fatal(err)
			}

			_, err := h.mgr.RunPhase(ctx, job, state.PhaseRecords)
			if !errors.Is(err, ErrAssetsNotReady) {
				t.Fatalf("RunPhase(records) error = %v, want ErrAssetsNotReady", err)
			}
			if n, _ := h.cat.Count(ctx); n != 0 {
				t.Errorf("catalog count = %d, want 0", n)
			}
			if status, _ := h.store.PhaseStatus(ctx, job, state.PhaseRecords); status != state.StatusNotStarted {
				t.Errorf("records status = %s, want not_started", status)
			}
			if held, _ := h.locks.IsHeld(ctx, lockName(job)); held {
				t.Error("lock left held")
			}
			if h.mgr.Running(job) {
				t.Error("run left registered")
			}
		})
	}
}

func TestRunPhase_Sequential(t *testing.T) {
	h := newHarness(t, newFakeSource(30))
	ctx := context.Background()

	if _, err := h.mgr.RunPhase(ctx, job, state.PhaseAssets); err != nil {
		t.Fatalf("RunPhase(assets) error = %v", err)
	}
	if n, _ := h.cat.Count(ctx); n != 0 {
		t.Errorf("catalog count after Phase 1 = %d, want 0", n)
	}
	st, err := h.mgr.RunPhase(ctx, job, state.PhaseRecords)
	if err != nil {
		t.Fatalf("RunPhase(records) error = %v", err)
	}
	if st.Created != 30 {
		t.Errorf("created = %d, want 30", st.Created)
	}
	if _, err := h.mgr.RunPhase(ctx, job, state.Phase("bogus")); err == nil {
		t.Error("RunPhase(bogus) should fail")
	}
}

func TestRecords_FailedPageIsSkipped(t *testing.T) {
	src := newFakeSource(100)
	src.failPages[25] = true
	h := newHarness(t, src, func(o *Options) {
		o.PageSize = 25
		o.PageRetries = 1
	})
	ctx := context.Background()

	st, err := h.mgr.Run(ctx, job)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if st.Phase != state.JobCompleted {
		t.Errorf("phase = %s, want completed", st.Phase)
	}
	if n, _ := h.cat.Count(ctx); n != 75 {
		t.Errorf("catalog count = %d, want 75", n)
	}
	if _, err := h.cat.Get(ctx, "r0030"); err == nil {
		t.Error("record from skipped page was stored")
	}

	events := h.phaseEvents(state.PhaseRecords)
	if len(events) != 1 || events[0].FailedPages != 1 || events[0].Status != "completed" {
		t.Errorf("records phase events = %+v", events)
	}
}

func TestRecords_LastPageFailureEndsPhase(t *testing.T) {
	src := newFakeSource(50)
	src.failPages[25] = true
	h := newHarness(t, src, func(o *Options) {
		o.PageSize = 25
		o.PageRetries = 0
	})
	if _, err := h.mgr.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n, _ := h.cat.Count(context.Background()); n != 25 {
		t.Errorf("catalog count = %d, want 25", n)
	}
}

func TestRecords_FirstPageFailureWithoutTotalIsFatal(t *testing.T) {
	src := newFakeSource(10)
	src.failPages[0] = true
	h := newHarness(t, src, func(o *Options) { o.PageRetries = 0 })

	st, err := h.mgr.Run(context.Background(), job)
	if !IsFatal(err) || !errors.Is(err, errUnknownTotal) {
		t.Fatalf("Run() error = %v, want fatal unknown total", err)
	}
	if st.Phase != state.JobFailed {
		t.Errorf("phase = %s, want failed", st.Phase)
	}
	if status, _ := h.store.PhaseStatus(context.Background(), job, state.PhaseRecords); status != state.StatusFailed {
		t.Errorf("records status = %s, want failed", status)
	}
}

func TestRecords_ResumesFromPageCheckpoint(t *testing.T) {
	src := newFakeSource(100)
	h := newHarness(t, src, func(o *Options) { o.PageSize = 25 })
	ctx := context.Background()

	if _, err := h.mgr.RunPhase(ctx, job, state.PhaseAssets); err != nil {
		t.Fatal(err)
	}
	// A previous Phase 2 got through the first two pages
	if err := h.store.SaveCheckpoint(ctx, &state.Checkpoint{
		Job: job, Phase: state.PhaseRecords, Cursor: "50", ProcessedCount: 50, TotalCount: 100, Created: 50,
	}); err != nil {
		t.Fatal(err)
	}

	st, err := h.mgr.RunPhase(ctx, job, state.PhaseRecords)
	if err != nil {
		t.Fatalf("RunPhase(records) error = %v", err)
	}
	if n, _ := h.cat.Count(ctx); n != 50 {
		t.Errorf("catalog count = %d, want only the 50 remaining records", n)
	}
	if st.Processed != 100 || st.Created != 100 {
		t.Errorf("state processed=%d created=%d, want 100 and 100", st.Processed, st.Created)
	}
}

// cancellingCatalog cancels the run while upserting one record.
type cancellingCatalog struct {
	catalog.Store
	at     string
	cancel func()
}

func (c *cancellingCatalog) Upsert(ctx context.Context, rec *catalog.Record) (catalog.Outcome, error) {
	if rec.ExternalID == c.at {
		c.cancel()
	}
	return c.Store.Upsert(ctx, rec)
}

func TestRecords_CancelFinishesCurrentPage(t *testing.T) {
	src := newFakeSource(80)
	h := newHarness(t, src)
	ctx := ctxTimeout(t)

	cat := &cancellingCatalog{Store: h.cat, at: "r0030"}
	mgr, err := NewManager(Deps{
		Source:  src,
		State:   h.store,
		Locks:   h.locks,
		Assets:  h.blobs,
		Catalog: cat,
	}, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	cat.cancel = func() {
		mgr.mu.Lock()
		ar := mgr.runs[job]
		mgr.mu.Unlock()
		ar.cancel(ErrCancelled)
	}

	st, err := mgr.Run(ctx, job)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
	if st.Phase != state.JobCancelled {
		t.Errorf("phase = %s, want cancelled", st.Phase)
	}
	// page 25..49 completes; the next page is never fetched
	if n, _ := h.cat.Count(ctx); n != 50 {
		t.Errorf("catalog count = %d, want 50", n)
	}
	cp, _ := h.store.LoadCheckpoint(ctx, job, state.PhaseRecords)
	if cp == nil || cp.Cursor != "50" || cp.ProcessedCount != 50 || cp.Created != 50 {
		t.Errorf("checkpoint = %+v, want cursor 50 with 50 created", cp)
	}
}

func TestRecords_UnmappableRecordIsCounted(t *testing.T) {
	src := newFakeSource(10)
	src.records[4].SKU = ""
	h := newHarness(t, src)

	st, err := h.mgr.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if st.Errors != 1 || st.Created != 9 {
		t.Errorf("errors=%d created=%d, want 1 and 9", st.Errors, st.Created)
	}
}

func TestAssets_SourceErrorsAreSkipped(t *testing.T) {
	src := newFakeSource(20)
	src.setHook(func(_ context.Context, id string, _ int) error {
		switch id {
		case "r0003":
			return &erp.StatusError{StatusCode: http.StatusNotFound, Path: "/api/v1/records/r0003/assets"}
		case "r0004":
			return &erp.StatusError{StatusCode: http.StatusBadGateway}
		}
		return nil
	})
	h := newHarness(t, src)
	ctx := context.Background()

	st, err := h.mgr.Run(ctx, job)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// 404 fails once; 502 is retried twice before giving up
	if got := src.fetchCount("r0003"); got != 1 {
		t.Errorf("r0003 fetched %d times, want 1", got)
	}
	if got := src.fetchCount("r0004"); got != 3 {
		t.Errorf("r0004 fetched %d times, want 3", got)
	}
	events := h.phaseEvents(state.PhaseAssets)
	if len(events) != 1 || events[0].Errors != 2 || events[0].Processed != 20 {
		t.Errorf("assets phase events = %+v", events)
	}
	if st.Created != 20 {
		t.Errorf("created = %d, want 20", st.Created)
	}
	rec, err := h.cat.Get(ctx, "r0003")
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Assets) != 0 {
		t.Errorf("r0003 assets = %+v, want none", rec.Assets)
	}
}

func TestAssets_HonorsRetryAfter(t *testing.T) {
	src := newFakeSource(3)
	src.setHook(func(_ context.Context, id string, n int) error {
		if id == "r0001" && n == 1 {
			return &erp.StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: time.Second}
		}
		return nil
	})
	h := newHarness(t, src, func(o *Options) { o.Retry.Max = 5 * time.Second })

	started := time.Now()
	st, err := h.mgr.RunPhase(context.Background(), job, state.PhaseAssets)
	if err != nil {
		t.Fatalf("RunPhase() error = %v", err)
	}
	if elapsed := time.Since(started); elapsed < time.Second {
		t.Errorf("prefetch took %v, want at least the 1s Retry-After", elapsed)
	}
	if got := src.fetchCount("r0001"); got != 2 {
		t.Errorf("r0001 fetched %d times, want 2", got)
	}
	if st.Errors != 0 {
		t.Errorf("errors = %d, want 0", st.Errors)
	}
}

type failingAssets struct {
	assets.Store
	err error
}

func (f failingAssets) Put(context.Context, digest.Digest, []byte, string) (string, error) {
	return "", f.err
}

func TestAssets_StoreFailureIsFatal(t *testing.T) {
	src := newFakeSource(10)
	h := newHarness(t, src)
	mgr, err := NewManager(Deps{
		Source:  src,
		State:   h.store,
		Locks:   h.locks,
		Assets:  failingAssets{Store: h.blobs, err: errors.New("disk full")},
		Catalog: h.cat,
	}, testOptions())
	if err != nil {
		t.Fatal(err)
	}

	st, err := mgr.Run(context.Background(), job)
	if !IsFatal(err) {
		t.Fatalf("Run() error = %v, want fatal", err)
	}
	if st.Phase != state.JobFailed || !strings.Contains(st.LastError, "asset store write") {
		t.Errorf("state = %+v", st)
	}
	if got := src.fetchCount("r0001"); got != 0 {
		t.Errorf("r0001 fetched %d times; run should stop at the first record", got)
	}
	cp, _ := h.store.LoadCheckpoint(context.Background(), job, state.PhaseAssets)
	if cp == nil || cp.ProcessedCount != 0 {
		t.Errorf("checkpoint = %+v, want one at 0", cp)
	}
}

func TestAssets_LostLockFailsRun(t *testing.T) {
	src := newFakeSource(40)
	h := newHarness(t, src, func(o *Options) { o.YieldEvery = 5 })
	src.setHook(func(ctx context.Context, id string, _ int) error {
		if id == "r0002" {
			if _, err := h.db.SQL().ExecContext(ctx, `DELETE FROM sync_locks`); err != nil {
				t.Errorf("delete lock: %v", err)
			}
		}
		return nil
	})

	st, err := h.mgr.Run(context.Background(), job)
	if !errors.Is(err, lock.ErrLockLost) {
		t.Fatalf("Run() error = %v, want ErrLockLost", err)
	}
	if st.Phase != state.JobFailed {
		t.Errorf("phase = %s, want failed", st.Phase)
	}
	if got := src.fetchCount("r0010"); got != 0 {
		t.Errorf("r0010 fetched after the lock was lost")
	}
}

func TestAssets_ValidatesLockBeforeListing(t *testing.T) {
	src := newFakeSource(5)
	h := newHarness(t, src)
	ctx := ctxTimeout(t)
	plan := []state.Phase{state.PhaseAssets}

	ar, r, err := h.mgr.begin(ctx, ctx, job, plan, false)
	if err != nil {
		t.Fatalf("begin() error = %v", err)
	}
	if _, err := h.db.SQL().ExecContext(ctx, `DELETE FROM sync_locks`); err != nil {
		t.Fatal(err)
	}

	st, err := h.mgr.execute(r, ar, plan)
	if !errors.Is(err, lock.ErrLockLost) || !IsFatal(err) {
		t.Fatalf("execute() error = %v, want fatal ErrLockLost", err)
	}
	if st.Phase != state.JobFailed {
		t.Errorf("phase = %s, want failed", st.Phase)
	}
	if got := src.fetchCount("r0000"); got != 0 {
		t.Errorf("r0000 fetched %d times after the lock was lost", got)
	}
	if status, _ := h.store.PhaseStatus(ctx, job, state.PhaseAssets); status == state.StatusRunning {
		t.Error("assets phase marked running without the lock")
	}
}

func TestResumeIndex(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	tests := []struct {
		cursor string
		want   int
	}{
		{"", 0},
		{"0:", 0},
		{"2:b", 2},
		{"4:d", 4},
		{"3:b", 2},
		{"9:c", 3},
		{"2:zz", 0},
		{"x:b", 0},
	}
	for _, tt := range tests {
		t.Run(tt.cursor, func(t *testing.T) {
			if got := resumeIndex(ids, tt.cursor); got != tt.want {
				t.Errorf("resumeIndex(%q) = %d, want %d", tt.cursor, got, tt.want)
			}
		})
	}

	if got := assetCursor(ids, 2); got != "2:b" {
		t.Errorf("assetCursor(2) = %q", got)
	}
	if got := assetCursor(ids, 0); got != "0:" {
		t.Errorf("assetCursor(0) = %q", got)
	}
}

func TestDefaultMapper(t *testing.T) {
	entries := []state.AssetIndexEntry{
		{SourceRecordID: "r1", Position: 1, LocalRef: "sha256:b"},
		{SourceRecordID: "r1", Position: 0, LocalRef: "sha256:a", ContentType: "image/png"},
	}
	rec, err := DefaultMapper(&erp.Record{ID: "r1", SKU: "S1", Name: "One", Price: 2}, entries)
	if err != nil {
		t.Fatalf("DefaultMapper() error = %v", err)
	}
	if rec.ExternalID != "r1" || len(rec.Assets) != 2 || rec.Assets[0].Ref != "sha256:a" || rec.Assets[1].Position != 1 {
		t.Errorf("mapped = %+v", rec)
	}

	for name, src := range map[string]erp.Record{
		"missing id":     {SKU: "S"},
		"missing sku":    {ID: "r"},
		"negative price": {ID: "r", SKU: "S", Price: -1},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := DefaultMapper(&src, nil); !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("error = %v, want ErrInvalidRecord", err)
			}
		})
	}
}

func TestOptionsNormalize(t *testing.T) {
	o := Options{PageSize: 500}.normalize()
	if o.PageSize != MaxPageSize {
		t.Errorf("PageSize = %d, want %d", o.PageSize, MaxPageSize)
	}
	if o.CheckpointEvery != 200 || o.YieldEvery != 20 {
		t.Errorf("defaults not applied: %+v", o)
	}
	if o := (Options{PageSize: -3}).normalize(); o.PageSize != MinPageSize {
		t.Errorf("PageSize = %d, want %d", o.PageSize, MinPageSize)
	}

	zero := Options{}.normalize()
	if zero.PageSize != DefaultOptions().PageSize {
		t.Errorf("zero PageSize = %d, want default %d", zero.PageSize, DefaultOptions().PageSize)
	}
	if zero.Retry.Hint == nil {
		t.Error("Retry.Hint not set, Retry-After would be ignored")
	}
}
