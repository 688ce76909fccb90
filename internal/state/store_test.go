// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// storeFactories runs every conformance test against both implementations.
func storeFactories(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"sqlite": func() Store { return NewSQLiteStore(newTestDB(t)) },
		"memory": func() Store { return NewMemoryStore() },
	}
}

func TestStore_CheckpointLifecycle(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			cp, err := s.LoadCheckpoint(ctx, "catalog", PhaseAssets)
			if err != nil {
				t.Fatalf("LoadCheckpoint() error = %v", err)
			}
			if cp != nil {
				t.Fatalf("LoadCheckpoint() on empty store = %+v, want nil", cp)
			}

			want := &Checkpoint{
				Job: "catalog", Phase: PhaseAssets, Cursor: "200",
				ProcessedCount: 200, TotalCount: 250, Errors: 2,
				UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			}
			if err := s.SaveCheckpoint(ctx, want); err != nil {
				t.Fatalf("SaveCheckpoint() error = %v", err)
			}

			got, err := s.LoadCheckpoint(ctx, "catalog", PhaseAssets)
			if err != nil || got == nil {
				t.Fatalf("LoadCheckpoint() = %v, %v", got, err)
			}
			if got.Cursor != "200" || got.ProcessedCount != 200 || got.TotalCount != 250 || got.Errors != 2 {
				t.Errorf("LoadCheckpoint() = %+v", got)
			}
			if !got.UpdatedAt.Equal(want.UpdatedAt) {
				t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, want.UpdatedAt)
			}
			if !got.Resumable() {
				t.Error("checkpoint with processed < total should be resumable")
			}

			// Overwrite
			want.Cursor = "240"
			want.ProcessedCount = 240
			if err := s.SaveCheckpoint(ctx, want); err != nil {
				t.Fatalf("SaveCheckpoint() overwrite error = %v", err)
			}
			got, _ = s.LoadCheckpoint(ctx, "catalog", PhaseAssets)
			if got.Cursor != "240" {
				t.Errorf("Cursor after overwrite = %q, want 240", got.Cursor)
			}

			// Other phase is independent
			other, _ := s.LoadCheckpoint(ctx, "catalog", PhaseRecords)
			if other != nil {
				t.Errorf("records checkpoint should be empty, got %+v", other)
			}

			if err := s.ClearCheckpoint(ctx, "catalog", PhaseAssets); err != nil {
				t.Fatalf("ClearCheckpoint() error = %v", err)
			}
			if err := s.ClearCheckpoint(ctx, "catalog", PhaseAssets); err != nil {
				t.Fatalf("ClearCheckpoint() twice error = %v", err)
			}
			got, _ = s.LoadCheckpoint(ctx, "catalog", PhaseAssets)
			if got != nil {
				t.Errorf("checkpoint after clear = %+v, want nil", got)
			}
		})
	}
}

func TestStore_PhaseStatus(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			status, err := s.PhaseStatus(ctx, "catalog", PhaseAssets)
			if err != nil {
				t.Fatalf("PhaseStatus() error = %v", err)
			}
			if status != StatusNotStarted {
				t.Errorf("initial status = %q, want %q", status, StatusNotStarted)
			}

			for _, next := range []PhaseStatus{StatusRunning, StatusCompleted} {
				if err := s.SetPhaseStatus(ctx, "catalog", PhaseAssets, next); err != nil {
					t.Fatalf("SetPhaseStatus(%q) error = %v", next, err)
				}
				got, _ := s.PhaseStatus(ctx, "catalog", PhaseAssets)
				if got != next {
					t.Errorf("PhaseStatus() = %q, want %q", got, next)
				}
			}
		})
	}
}

func TestStore_JobState(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			st, err := s.LoadJobState(ctx, "catalog")
			if err != nil {
				t.Fatalf("LoadJobState() error = %v", err)
			}
			if st.Phase != JobIdle {
				t.Errorf("never-run job phase = %q, want idle", st.Phase)
			}

			started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			if err := s.SaveJobState(ctx, &JobState{
				Job: "catalog", Phase: JobRecords, RunID: "r1",
				Processed: 40, Total: 80, Errors: 1, Created: 30, Updated: 9,
				StartedAt: started, LastError: "",
			}); err != nil {
				t.Fatalf("SaveJobState() error = %v", err)
			}

			st, _ = s.LoadJobState(ctx, "catalog")
			if st.Phase != JobRecords || st.RunID != "r1" || st.Processed != 40 || st.Created != 30 {
				t.Errorf("LoadJobState() = %+v", st)
			}
			if !st.StartedAt.Equal(started) {
				t.Errorf("StartedAt = %v, want %v", st.StartedAt, started)
			}
			if pct := st.ProgressPercent(); pct != 50 {
				t.Errorf("ProgressPercent() = %v, want 50", pct)
			}
		})
	}
}

func TestStore_AssetIndex(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			entries := []AssetIndexEntry{
				{Position: 1, ContentHash: "sha256:b", LocalRef: "ref-b", ContentType: "image/png", Size: 20},
				{Position: 0, ContentHash: "sha256:a", LocalRef: "ref-a", ContentType: "image/jpeg", Size: 10},
			}
			if err := s.ReplaceAssetEntries(ctx, "catalog", "rec-1", entries); err != nil {
				t.Fatalf("ReplaceAssetEntries() error = %v", err)
			}
			if err := s.ReplaceAssetEntries(ctx, "catalog", "rec-2", []AssetIndexEntry{
				{Position: 0, ContentHash: "sha256:a", LocalRef: "ref-a"},
			}); err != nil {
				t.Fatalf("ReplaceAssetEntries() error = %v", err)
			}

			got, err := s.AssetsFor(ctx, "catalog", []string{"rec-1", "rec-2", "rec-missing"})
			if err != nil {
				t.Fatalf("AssetsFor() error = %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("AssetsFor() returned %d records, want 2", len(got))
			}
			if len(got["rec-1"]) != 2 || got["rec-1"][0].LocalRef != "ref-a" || got["rec-1"][1].LocalRef != "ref-b" {
				t.Errorf("rec-1 entries not ordered by position: %+v", got["rec-1"])
			}
			if got["rec-1"][0].SourceRecordID != "rec-1" {
				t.Errorf("SourceRecordID = %q, want rec-1", got["rec-1"][0].SourceRecordID)
			}

			// Supersede rec-1 with a single asset
			if err := s.ReplaceAssetEntries(ctx, "catalog", "rec-1", []AssetIndexEntry{
				{Position: 0, ContentHash: "sha256:c", LocalRef: "ref-c"},
			}); err != nil {
				t.Fatalf("ReplaceAssetEntries() supersede error = %v", err)
			}
			n, err := s.CountAssetEntries(ctx, "catalog")
			if err != nil {
				t.Fatalf("CountAssetEntries() error = %v", err)
			}
			if n != 2 {
				t.Errorf("CountAssetEntries() = %d, want 2", n)
			}

			// Jobs are isolated
			other, _ := s.AssetsFor(ctx, "other-job", []string{"rec-1"})
			if len(other) != 0 {
				t.Errorf("other job should see no entries, got %+v", other)
			}
		})
	}
}

func TestStore_AssetIndexRejectsBadPositions(t *testing.T) {
	tests := []struct {
		name    string
		entries []AssetIndexEntry
	}{
		{"gap", []AssetIndexEntry{{Position: 0}, {Position: 2}}},
		{"duplicate", []AssetIndexEntry{{Position: 0}, {Position: 0}}},
		{"negative", []AssetIndexEntry{{Position: -1}}},
	}

	for name, newStore := range storeFactories(t) {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				err := newStore().ReplaceAssetEntries(context.Background(), "catalog", "rec", tt.entries)
				if !errors.Is(err, ErrInvalidPositions) {
					t.Errorf("ReplaceAssetEntries() error = %v, want ErrInvalidPositions", err)
				}
			})
		}
	}
}

func TestStore_AssetsForLargePage(t *testing.T) {
	ctx := context.Background()
	s := NewSQLiteStore(newTestDB(t))

	ids := make([]string, 0, 1200)
	for i := 0; i < 1200; i++ {
		id := fmt.Sprintf("rec-%04d", i)
		ids = append(ids, id)
		if i%3 == 0 {
			if err := s.ReplaceAssetEntries(ctx, "catalog", id, []AssetIndexEntry{
				{Position: 0, ContentHash: "sha256:x", LocalRef: "ref-x"},
			}); err != nil {
				t.Fatalf("ReplaceAssetEntries() error = %v", err)
			}
		}
	}

	got, err := s.AssetsFor(ctx, "catalog", ids)
	if err != nil {
		t.Fatalf("AssetsFor() error = %v", err)
	}
	if len(got) != 400 {
		t.Errorf("AssetsFor() across chunks returned %d records, want 400", len(got))
	}
}

func TestStore_ResetJob(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			_ = s.SaveCheckpoint(ctx, &Checkpoint{Job: "catalog", Phase: PhaseAssets, Cursor: "10", ProcessedCount: 10, TotalCount: 20})
			_ = s.SaveCheckpoint(ctx, &Checkpoint{Job: "catalog", Phase: PhaseRecords, Cursor: "p3"})
			_ = s.SetPhaseStatus(ctx, "catalog", PhaseAssets, StatusCompleted)
			_ = s.SaveJobState(ctx, &JobState{Job: "catalog", Phase: JobFailed, Processed: 5, LastError: "lock lost"})

			if err := s.ResetJob(ctx, "catalog"); err != nil {
				t.Fatalf("ResetJob() error = %v", err)
			}

			for _, p := range []Phase{PhaseAssets, PhaseRecords} {
				if cp, _ := s.LoadCheckpoint(ctx, "catalog", p); cp != nil {
					t.Errorf("%s checkpoint survived reset: %+v", p, cp)
				}
			}
			if status, _ := s.PhaseStatus(ctx, "catalog", PhaseAssets); status != StatusNotStarted {
				t.Errorf("assets status after reset = %q", status)
			}
			st, _ := s.LoadJobState(ctx, "catalog")
			if st.Phase != JobIdle || st.Processed != 0 || st.LastError != "" {
				t.Errorf("job state after reset = %+v", st)
			}
		})
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := NewSQLiteStore(db).SaveCheckpoint(ctx, &Checkpoint{
		Job: "catalog", Phase: PhaseAssets, Cursor: "200", ProcessedCount: 200, TotalCount: 250,
	}); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer db2.Close()

	cp, err := NewSQLiteStore(db2).LoadCheckpoint(ctx, "catalog", PhaseAssets)
	if err != nil || cp == nil {
		t.Fatalf("LoadCheckpoint() after reopen = %v, %v", cp, err)
	}
	if cp.ProcessedCount != 200 {
		t.Errorf("ProcessedCount = %d, want 200", cp.ProcessedCount)
	}
}

func TestMemoryStore_FailCheckpointSaves(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	boom := errors.New("disk gone")
	s.FailCheckpointSaves(boom)

	err := s.SaveCheckpoint(context.Background(), &Checkpoint{Job: "j", Phase: PhaseAssets})
	if !errors.Is(err, boom) {
		t.Errorf("SaveCheckpoint() error = %v, want %v", err, boom)
	}

	s.FailCheckpointSaves(nil)
	if err := s.SaveCheckpoint(context.Background(), &Checkpoint{Job: "j", Phase: PhaseAssets}); err != nil {
		t.Errorf("SaveCheckpoint() after restore error = %v", err)
	}
}

func TestJobPhase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		phase    JobPhase
		active   bool
		terminal bool
	}{
		{JobIdle, false, false},
		{JobAssets, true, false},
		{JobRecords, true, false},
		{JobCompleted, false, true},
		{JobFailed, false, true},
		{JobCancelled, false, true},
	}
	for _, tt := range tests {
		if got := tt.phase.Active(); got != tt.active {
			t.Errorf("%s.Active() = %v, want %v", tt.phase, got, tt.active)
		}
		if got := tt.phase.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.phase, got, tt.terminal)
		}
	}
}
