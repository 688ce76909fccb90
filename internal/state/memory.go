// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package state

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

type phaseKey struct {
	job   string
	phase Phase
}

type assetKey struct {
	job      string
	recordID string
}

// MemoryStore implements Store in memory. Useful for tests and one-shot runs
// where resumability across restarts is not needed.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[phaseKey]Checkpoint
	statuses    map[phaseKey]PhaseStatus
	jobs        map[string]JobState
	assets      map[assetKey][]AssetIndexEntry
	failSaves   error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[phaseKey]Checkpoint),
		statuses:    make(map[phaseKey]PhaseStatus),
		jobs:        make(map[string]JobState),
		assets:      make(map[assetKey][]AssetIndexEntry),
	}
}

// FailCheckpointSaves makes every later SaveCheckpoint return err, simulating
// an unreachable store. A nil err restores normal behaviour.
func (m *MemoryStore) FailCheckpointSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSaves = err
}

// SaveCheckpoint stores a copy of cp.
func (m *MemoryStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", cp.Job, cp.Phase, m.failSaves)
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	m.checkpoints[phaseKey{cp.Job, cp.Phase}] = *cp
	return nil
}

// LoadCheckpoint returns a copy, or nil, nil.
func (m *MemoryStore) LoadCheckpoint(_ context.Context, job string, phase Phase) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[phaseKey{job, phase}]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// ClearCheckpoint removes the checkpoint.
func (m *MemoryStore) ClearCheckpoint(_ context.Context, job string, phase Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, phaseKey{job, phase})
	return nil
}

// SetPhaseStatus records a phase status.
func (m *MemoryStore) SetPhaseStatus(_ context.Context, job string, phase Phase, status PhaseStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[phaseKey{job, phase}] = status
	return nil
}

// PhaseStatus returns the recorded status or StatusNotStarted.
func (m *MemoryStore) PhaseStatus(_ context.Context, job string, phase Phase) (PhaseStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.statuses[phaseKey{job, phase}]; ok {
		return s, nil
	}
	return StatusNotStarted, nil
}

// SaveJobState stores a copy of st.
func (m *MemoryStore) SaveJobState(_ context.Context, st *JobState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	m.jobs[st.Job] = *st
	return nil
}

// LoadJobState returns a copy or an idle state.
func (m *MemoryStore) LoadJobState(_ context.Context, job string) (*JobState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.jobs[job]; ok {
		return &st, nil
	}
	return &JobState{Job: job, Phase: JobIdle}, nil
}

// ReplaceAssetEntries supersedes a record's entries.
func (m *MemoryStore) ReplaceAssetEntries(_ context.Context, job, recordID string, entries []AssetIndexEntry) error {
	if err := validatePositions(entries); err != nil {
		return fmt.Errorf("asset entries for %s: %w", recordID, err)
	}
	sorted := slices.Clone(entries)
	for i := range sorted {
		sorted[i].SourceRecordID = recordID
	}
	slices.SortFunc(sorted, func(a, b AssetIndexEntry) int { return a.Position - b.Position })

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(sorted) == 0 {
		delete(m.assets, assetKey{job, recordID})
		return nil
	}
	m.assets[assetKey{job, recordID}] = sorted
	return nil
}

// AssetsFor returns copies of the entries for recordIDs.
func (m *MemoryStore) AssetsFor(_ context.Context, job string, recordIDs []string) (map[string][]AssetIndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string][]AssetIndexEntry, len(recordIDs))
	for _, id := range recordIDs {
		if entries, ok := m.assets[assetKey{job, id}]; ok {
			result[id] = slices.Clone(entries)
		}
	}
	return result, nil
}

// CountAssetEntries counts index rows for job.
func (m *MemoryStore) CountAssetEntries(_ context.Context, job string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k, entries := range m.assets {
		if k.job == job {
			n += len(entries)
		}
	}
	return n, nil
}

// ResetJob clears checkpoints and phase status and idles the job.
func (m *MemoryStore) ResetJob(_ context.Context, job string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range []Phase{PhaseAssets, PhaseRecords} {
		delete(m.checkpoints, phaseKey{job, p})
		delete(m.statuses, phaseKey{job, p})
	}
	m.jobs[job] = JobState{Job: job, Phase: JobIdle, UpdatedAt: time.Now().UTC()}
	return nil
}
