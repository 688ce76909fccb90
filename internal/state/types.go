// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package state

import (
	"context"
	"time"
)

// Phase names one of the two sequential stages of a sync run.
type Phase string

const (
	PhaseAssets  Phase = "assets"
	PhaseRecords Phase = "records"
)

// PhaseStatus is the per-phase state machine:
// not_started -> running -> completed | failed | cancelled.
type PhaseStatus string

const (
	StatusNotStarted PhaseStatus = "not_started"
	StatusRunning    PhaseStatus = "running"
	StatusCompleted  PhaseStatus = "completed"
	StatusFailed     PhaseStatus = "failed"
	StatusCancelled  PhaseStatus = "cancelled"
)

// JobPhase is the job-level phase reported to pollers.
type JobPhase string

const (
	JobIdle      JobPhase = "idle"
	JobAssets    JobPhase = "assets"
	JobRecords   JobPhase = "records"
	JobCompleted JobPhase = "completed"
	JobFailed    JobPhase = "failed"
	JobCancelled JobPhase = "cancelled"
)

// Active reports whether a run is in progress in this phase.
func (p JobPhase) Active() bool {
	return p == JobAssets || p == JobRecords
}

// Terminal reports whether the job finished and can be reset to idle.
func (p JobPhase) Terminal() bool {
	return p == JobCompleted || p == JobFailed || p == JobCancelled
}

// Checkpoint records how far a phase got. Cursor is opaque to the store:
// Phase 1 stores the count of fully processed source ids, Phase 2 the next
// page token.
type Checkpoint struct {
	Job            string    `json:"job"`
	Phase          Phase     `json:"phase"`
	Cursor         string    `json:"cursor"`
	ProcessedCount int       `json:"processed_count"`
	TotalCount     int       `json:"total_count"`
	Created        int       `json:"created"`
	Updated        int       `json:"updated"`
	Unchanged      int       `json:"unchanged"`
	Errors         int       `json:"errors"`
	FailedPages    int       `json:"failed_pages"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Resumable reports whether the checkpoint describes unfinished work.
func (c *Checkpoint) Resumable() bool {
	return c != nil && (c.TotalCount == 0 || c.ProcessedCount < c.TotalCount)
}

// AssetIndexEntry maps a source record to one stored asset. Positions for a
// record are contiguous from 0; position 0 is the primary asset.
type AssetIndexEntry struct {
	SourceRecordID string `json:"source_record_id"`
	Position       int    `json:"position"`
	ContentHash    string `json:"content_hash"`
	LocalRef       string `json:"local_ref"`
	ContentType    string `json:"content_type,omitempty"`
	Size           int64  `json:"size"`
}

// JobState is the single current state of a named sync job.
type JobState struct {
	Job       string    `json:"job"`
	Phase     JobPhase  `json:"phase"`
	RunID     string    `json:"run_id,omitempty"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Errors    int       `json:"errors"`
	Created   int       `json:"created"`
	Updated   int       `json:"updated"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LastError string    `json:"last_error,omitempty"`
}

// ProgressPercent returns Processed/Total as a percentage in [0, 100].
func (s *JobState) ProgressPercent() float64 {
	if s.Total <= 0 {
		if s.Phase == JobCompleted {
			return 100
		}
		return 0
	}
	pct := float64(s.Processed) / float64(s.Total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Store persists checkpoints, phase status, job state and the asset index.
// It is the only cross-process shared state besides the sync lock.
type Store interface {
	// SaveCheckpoint upserts the checkpoint for (Job, Phase).
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	// LoadCheckpoint returns nil, nil when no checkpoint exists.
	LoadCheckpoint(ctx context.Context, job string, phase Phase) (*Checkpoint, error)
	// ClearCheckpoint is a no-op when no checkpoint exists.
	ClearCheckpoint(ctx context.Context, job string, phase Phase) error

	SetPhaseStatus(ctx context.Context, job string, phase Phase, status PhaseStatus) error
	// PhaseStatus returns StatusNotStarted when nothing was recorded.
	PhaseStatus(ctx context.Context, job string, phase Phase) (PhaseStatus, error)

	SaveJobState(ctx context.Context, st *JobState) error
	// LoadJobState returns an idle state when the job has never run.
	LoadJobState(ctx context.Context, job string) (*JobState, error)

	// ReplaceAssetEntries atomically supersedes every entry for recordID.
	ReplaceAssetEntries(ctx context.Context, job, recordID string, entries []AssetIndexEntry) error
	// AssetsFor returns entries for ids keyed by source record id, ordered by position.
	AssetsFor(ctx context.Context, job string, recordIDs []string) (map[string][]AssetIndexEntry, error)
	CountAssetEntries(ctx context.Context, job string) (int, error)

	// ResetJob clears checkpoints and phase status and returns the job to idle.
	ResetJob(ctx context.Context, job string) error
}
