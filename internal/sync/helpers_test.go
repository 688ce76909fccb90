// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package sync

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/catalogsync/internal/assets"
	"github.com/tomtom215/catalogsync/internal/backoff"
	"github.com/tomtom215/catalogsync/internal/catalog"
	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/erp"
	"github.com/tomtom215/catalogsync/internal/eventprocessor"
	"github.com/tomtom215/catalogsync/internal/lock"
	"github.com/tomtom215/catalogsync/internal/state"
)

// fakeSource serves an in-memory catalog with offset page tokens.
type fakeSource struct {
	mu        sync.Mutex
	records   []erp.Record
	assets    map[string][][]byte
	fetches   map[string]int
	idPage    int
	failPages map[int]bool
	// onFetch runs before FetchAssets returns; a non-nil error is returned instead.
	onFetch func(ctx context.Context, id string, n int) error
}

// sharedLogo is attached to every record as its second asset.
var sharedLogo = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR shared-logo")

func newFakeSource(n int) *fakeSource {
	s := &fakeSource{
		assets:    make(map[string][][]byte),
		fetches:   make(map[string]int),
		idPage:    50,
		failPages: make(map[int]bool),
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("r%04d", i)
		s.records = append(s.records, erp.Record{
			ID:        id,
			SKU:       fmt.Sprintf("SKU-%04d", i),
			Name:      fmt.Sprintf("Product %d", i),
			Price:     float64(i) + 0.99,
			Currency:  "EUR",
			Stock:     i % 7,
			UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		})
		s.assets[id] = [][]byte{
			[]byte("image-for-" + id),
			sharedLogo,
		}
	}
	return s
}

func (s *fakeSource) offset(token string) (int, error) {
	return erp.ParseToken(token)
}

func (s *fakeSource) ListRecordIDs(_ context.Context, token string) (*erp.IDPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, err := s.offset(token)
	if err != nil {
		return nil, err
	}
	page := &erp.IDPage{Total: len(s.records)}
	end := min(off+s.idPage, len(s.records))
	for _, r := range s.records[min(off, end):end] {
		page.IDs = append(page.IDs, r.ID)
	}
	if end < len(s.records) {
		page.NextToken = fmt.Sprint(end)
	}
	return page, nil
}

func (s *fakeSource) ListRecords(_ context.Context, token string, size int) (*erp.RecordPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, err := s.offset(token)
	if err != nil {
		return nil, err
	}
	if s.failPages[off] {
		return nil, &erp.StatusError{StatusCode: http.StatusServiceUnavailable, Path: "/api/v1/records"}
	}
	end := min(off+size, len(s.records))
	page := &erp.RecordPage{Total: len(s.records)}
	page.Records = append(page.Records, s.records[min(off, end):end]...)
	if end < len(s.records) {
		page.NextToken = fmt.Sprint(end)
	}
	return page, nil
}

func (s *fakeSource) FetchAssets(ctx context.Context, id string) ([]erp.Asset, error) {
	s.mu.Lock()
	s.fetches[id]++
	n := s.fetches[id]
	hook := s.onFetch
	blobs := s.assets[id]
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, id, n); err != nil {
			return nil, err
		}
	}
	out := make([]erp.Asset, len(blobs))
	for i, b := range blobs {
		out[i] = erp.Asset{Position: i, URL: fmt.Sprintf("https://erp.example/%s/%d", id, i), Data: b}
	}
	return out, nil
}

func (s *fakeSource) fetchCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[id]
}

func (s *fakeSource) setHook(fn func(ctx context.Context, id string, n int) error) {
	s.mu.Lock()
	s.onFetch = fn
	s.mu.Unlock()
}

// recordingPublisher delivers events synchronously to a Recorder.
type recordingPublisher struct {
	rec *eventprocessor.Recorder
}

func (p recordingPublisher) Publish(ctx context.Context, e *eventprocessor.SyncEvent) error {
	return p.rec.Handle(ctx, e)
}

type harness struct {
	src    *fakeSource
	db     *state.DB
	store  *state.MemoryStore
	locks  *lock.Manager
	blobs  *assets.BadgerStore
	cat    *catalog.DuckDBStore
	events *eventprocessor.Recorder
	mgr    *Manager
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.PageSize = 25
	opts.YieldEvery = 20
	opts.CheckpointEvery = 200
	opts.YieldInterval = 0
	opts.Retry = backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxRetries: 2}
	opts.PageRetries = 2
	opts.CancelTimeout = 10 * time.Second
	return opts
}

func newHarness(t *testing.T, src *fakeSource, tweak ...func(*Options)) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("state.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	locks, err := lock.NewManager(ctx, db.SQL())
	if err != nil {
		t.Fatalf("lock.NewManager() error = %v", err)
	}

	blobs, err := assets.OpenBadger(assets.BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	t.Cleanup(func() { _ = blobs.Close() })

	cat, err := catalog.Open(ctx, &config.CatalogConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("catalog.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = cat.Close() })

	h := &harness{
		src:    src,
		db:     db,
		store:  state.NewMemoryStore(),
		locks:  locks,
		blobs:  blobs,
		cat:    cat,
		events: eventprocessor.NewRecorder(),
	}

	opts := testOptions()
	for _, fn := range tweak {
		fn(&opts)
	}
	h.mgr = h.newManager(t, opts)
	return h
}

// newManager builds a manager over the harness stores, as a second process would.
func (h *harness) newManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	mgr, err := NewManager(Deps{
		Source:  h.src,
		State:   h.store,
		Locks:   h.locks,
		Assets:  h.blobs,
		Catalog: h.cat,
		Events:  recordingPublisher{rec: h.events},
	}, opts)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return mgr
}

func (h *harness) blobRef(data []byte) string {
	return assets.Digest(data).String()
}

func (h *harness) lastFinished(t *testing.T) eventprocessor.SyncEvent {
	t.Helper()
	got := h.events.OfType(eventprocessor.EventJobFinished)
	if len(got) == 0 {
		t.Fatal("no job_finished event")
	}
	return got[len(got)-1]
}

func (h *harness) phaseEvents(phase state.Phase) []eventprocessor.SyncEvent {
	var out []eventprocessor.SyncEvent
	for _, e := range h.events.OfType(eventprocessor.EventPhaseCompleted) {
		if e.Phase == string(phase) {
			out = append(out, e)
		}
	}
	return out
}

// assertIndex checks every record has contiguous asset positions that
// resolve in the blob store.
func (h *harness) assertIndex(t *testing.T, job string) {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, len(h.src.records))
	for i, r := range h.src.records {
		ids[i] = r.ID
	}
	byID, err := h.store.AssetsFor(ctx, job, ids)
	if err != nil {
		t.Fatalf("AssetsFor() error = %v", err)
	}
	for _, id := range ids {
		entries := byID[id]
		if len(entries) != len(h.src.assets[id]) {
			t.Fatalf("record %s has %d index entries, want %d", id, len(entries), len(h.src.assets[id]))
		}
		for i, e := range entries {
			if e.Position != i {
				t.Fatalf("record %s entry %d has position %d", id, i, e.Position)
			}
			if _, ok, err := h.blobs.Has(ctx, assets.Digest(h.src.assets[id][i])); err != nil || !ok {
				t.Fatalf("record %s position %d blob missing (err=%v)", id, i, err)
			}
			if e.LocalRef != assets.Digest(h.src.assets[id][i]).String() {
				t.Fatalf("record %s position %d ref = %s", id, i, e.LocalRef)
			}
		}
	}
}
