// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Registers the "sqlite3" database/sql driver and the embedded SQLite build.
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tomtom215/catalogsync/internal/logging"
)

// DB wraps the SQLite database shared by every catalogsync process on a host.
// Write transactions start with BEGIN IMMEDIATE so compare-and-set sequences
// never interleave across processes.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the state database at path.
//
//	db, err := state.Open("data/state.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	params := url.Values{}
	params.Add("_pragma", "busy_timeout(10000)")
	params.Add("_pragma", "journal_mode(wal)")
	params.Add("_pragma", "synchronous(normal)")
	params.Add("_pragma", "foreign_keys(on)")
	params.Set("_txlock", "immediate")

	conn, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping state database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}
	if err := db.initSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logging.Debug().Str("path", path).Msg("State database opened")
	return db, nil
}

// SQL exposes the connection pool to packages that own their own tables (lock).
func (db *DB) SQL() *sql.DB { return db.conn }

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close checkpoints the WAL and closes the pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint state WAL")
	}
	err := db.conn.Close()
	db.conn = nil
	if err != nil {
		return fmt.Errorf("close state database: %w", err)
	}
	return nil
}

func (db *DB) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS checkpoints (
		job TEXT NOT NULL,
		phase TEXT NOT NULL,
		cursor TEXT NOT NULL DEFAULT '',
		processed_count INTEGER NOT NULL DEFAULT 0,
		total_count INTEGER NOT NULL DEFAULT 0,
		created INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		unchanged INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		failed_pages INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (job, phase)
	);

	CREATE TABLE IF NOT EXISTS phase_status (
		job TEXT NOT NULL,
		phase TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (job, phase)
	);

	CREATE TABLE IF NOT EXISTS job_states (
		job TEXT PRIMARY KEY,
		phase TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		processed INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		created INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS asset_index (
		job TEXT NOT NULL,
		source_record_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		local_ref TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (job, source_record_id, position)
	);

	CREATE INDEX IF NOT EXISTS idx_asset_index_hash ON asset_index(content_hash);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init state schema: %w", err)
	}
	return nil
}

// SQLiteStore implements Store on a state DB.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore returns a Store backed by db.
func NewSQLiteStore(db *DB) *SQLiteStore {
	return &SQLiteStore{db: db.conn}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// SaveCheckpoint upserts the checkpoint for (Job, Phase).
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (job, phase, cursor, processed_count, total_count,
			created, updated, unchanged, errors, failed_pages, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job, phase) DO UPDATE SET
			cursor = excluded.cursor,
			processed_count = excluded.processed_count,
			total_count = excluded.total_count,
			created = excluded.created,
			updated = excluded.updated,
			unchanged = excluded.unchanged,
			errors = excluded.errors,
			failed_pages = excluded.failed_pages,
			updated_at = excluded.updated_at`,
		cp.Job, string(cp.Phase), cp.Cursor, cp.ProcessedCount, cp.TotalCount,
		cp.Created, cp.Updated, cp.Unchanged, cp.Errors, cp.FailedPages, toMillis(cp.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", cp.Job, cp.Phase, err)
	}
	return nil
}

// LoadCheckpoint returns nil, nil when no checkpoint exists.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, job string, phase Phase) (*Checkpoint, error) {
	cp := &Checkpoint{Job: job, Phase: phase}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT cursor, processed_count, total_count, created, updated, unchanged,
			errors, failed_pages, updated_at
		FROM checkpoints WHERE job = ? AND phase = ?`, job, string(phase)).
		Scan(&cp.Cursor, &cp.ProcessedCount, &cp.TotalCount, &cp.Created, &cp.Updated,
			&cp.Unchanged, &cp.Errors, &cp.FailedPages, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s/%s: %w", job, phase, err)
	}
	cp.UpdatedAt = fromMillis(updatedAt)
	return cp, nil
}

// ClearCheckpoint deletes the checkpoint for (job, phase).
func (s *SQLiteStore) ClearCheckpoint(ctx context.Context, job string, phase Phase) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE job = ? AND phase = ?`, job, string(phase)); err != nil {
		return fmt.Errorf("clear checkpoint %s/%s: %w", job, phase, err)
	}
	return nil
}

// SetPhaseStatus records the state machine position of a phase.
func (s *SQLiteStore) SetPhaseStatus(ctx context.Context, job string, phase Phase, status PhaseStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phase_status (job, phase, status, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (job, phase) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		job, string(phase), string(status), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set phase status %s/%s: %w", job, phase, err)
	}
	return nil
}

// PhaseStatus returns StatusNotStarted when nothing was recorded.
func (s *SQLiteStore) PhaseStatus(ctx context.Context, job string, phase Phase) (PhaseStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM phase_status WHERE job = ? AND phase = ?`, job, string(phase)).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusNotStarted, nil
	}
	if err != nil {
		return "", fmt.Errorf("load phase status %s/%s: %w", job, phase, err)
	}
	return PhaseStatus(status), nil
}

// SaveJobState upserts the job state row.
func (s *SQLiteStore) SaveJobState(ctx context.Context, st *JobState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_states (job, phase, run_id, processed, total, errors, created, updated,
			started_at, updated_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job) DO UPDATE SET
			phase = excluded.phase,
			run_id = excluded.run_id,
			processed = excluded.processed,
			total = excluded.total,
			errors = excluded.errors,
			created = excluded.created,
			updated = excluded.updated,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at,
			last_error = excluded.last_error`,
		st.Job, string(st.Phase), st.RunID, st.Processed, st.Total, st.Errors, st.Created, st.Updated,
		toMillis(st.StartedAt), toMillis(st.UpdatedAt), st.LastError)
	if err != nil {
		return fmt.Errorf("save job state %s: %w", st.Job, err)
	}
	return nil
}

// LoadJobState returns an idle state when the job has never run.
func (s *SQLiteStore) LoadJobState(ctx context.Context, job string) (*JobState, error) {
	st := &JobState{Job: job}
	var phase string
	var startedAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT phase, run_id, processed, total, errors, created, updated, started_at, updated_at, last_error
		FROM job_states WHERE job = ?`, job).
		Scan(&phase, &st.RunID, &st.Processed, &st.Total, &st.Errors, &st.Created, &st.Updated,
			&startedAt, &updatedAt, &st.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		st.Phase = JobIdle
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job state %s: %w", job, err)
	}
	st.Phase = JobPhase(phase)
	st.StartedAt = fromMillis(startedAt)
	st.UpdatedAt = fromMillis(updatedAt)
	return st, nil
}

// ReplaceAssetEntries deletes and rewrites a record's entries in one transaction.
func (s *SQLiteStore) ReplaceAssetEntries(ctx context.Context, job, recordID string, entries []AssetIndexEntry) error {
	if err := validatePositions(entries); err != nil {
		return fmt.Errorf("asset entries for %s: %w", recordID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin asset index tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM asset_index WHERE job = ? AND source_record_id = ?`, job, recordID); err != nil {
		return fmt.Errorf("delete asset entries for %s: %w", recordID, err)
	}

	if len(entries) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO asset_index (job, source_record_id, position, content_hash, local_ref, content_type, size)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare asset insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx, job, recordID, e.Position, e.ContentHash,
				e.LocalRef, e.ContentType, e.Size); err != nil {
				return fmt.Errorf("insert asset entry %s#%d: %w", recordID, e.Position, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit asset index tx: %w", err)
	}
	return nil
}

// assetLookupChunk keeps IN (...) lists well under SQLite's variable limit.
const assetLookupChunk = 500

// AssetsFor loads entries for a page of records with one query per chunk.
func (s *SQLiteStore) AssetsFor(ctx context.Context, job string, recordIDs []string) (map[string][]AssetIndexEntry, error) {
	result := make(map[string][]AssetIndexEntry, len(recordIDs))

	for start := 0; start < len(recordIDs); start += assetLookupChunk {
		end := min(start+assetLookupChunk, len(recordIDs))
		chunk := recordIDs[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, job)
		for _, id := range chunk {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		//nolint:gosec // G202: placeholders are generated, values are bound
		query := `SELECT source_record_id, position, content_hash, local_ref, content_type, size
			FROM asset_index WHERE job = ? AND source_record_id IN (` + placeholders + `)
			ORDER BY source_record_id, position`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("query asset index: %w", err)
		}
		for rows.Next() {
			var e AssetIndexEntry
			if err := rows.Scan(&e.SourceRecordID, &e.Position, &e.ContentHash, &e.LocalRef,
				&e.ContentType, &e.Size); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan asset entry: %w", err)
			}
			result[e.SourceRecordID] = append(result[e.SourceRecordID], e)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("iterate asset index: %w", err)
		}
		_ = rows.Close()
	}
	return result, nil
}

// CountAssetEntries returns the number of index rows for job.
func (s *SQLiteStore) CountAssetEntries(ctx context.Context, job string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM asset_index WHERE job = ?`, job).Scan(&n); err != nil {
		return 0, fmt.Errorf("count asset entries: %w", err)
	}
	return n, nil
}

// ResetJob clears checkpoints and phase status and writes an idle job state.
// The asset index is kept; a later Phase 1 supersedes it record by record.
func (s *SQLiteStore) ResetJob(ctx context.Context, job string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM checkpoints WHERE job = ?`,
		`DELETE FROM phase_status WHERE job = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, job); err != nil {
			return fmt.Errorf("reset job %s: %w", job, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO job_states (job, phase, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (job) DO UPDATE SET
			phase = excluded.phase, run_id = '', processed = 0, total = 0, errors = 0,
			created = 0, updated = 0, started_at = 0, updated_at = excluded.updated_at, last_error = ''`,
		job, string(JobIdle), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("reset job state %s: %w", job, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset tx: %w", err)
	}
	return nil
}

func validatePositions(entries []AssetIndexEntry) error {
	seen := make([]bool, len(entries))
	for _, e := range entries {
		if e.Position < 0 || e.Position >= len(entries) {
			return fmt.Errorf("%w: position %d out of range [0,%d)", ErrInvalidPositions, e.Position, len(entries))
		}
		if seen[e.Position] {
			return fmt.Errorf("%w: duplicate position %d", ErrInvalidPositions, e.Position)
		}
		seen[e.Position] = true
	}
	return nil
}

// ErrInvalidPositions is returned when entry positions are not exactly 0..K-1.
var ErrInvalidPositions = errors.New("asset positions must be contiguous from 0")
