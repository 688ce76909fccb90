// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package lock provides a named, cross-process mutual exclusion guard over
// sync runs.
//
// Locks are rows in the shared SQLite state database. Acquisition is a
// compare-and-set inside a BEGIN IMMEDIATE transaction, so two processes on
// the same host can never both observe the name as free. A lock is stale, and
// may be reclaimed by anyone, when its holder PID is not running on this host
// or when it has not been acquired or refreshed within the staleness window.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
)

var (
	// ErrAlreadyLocked is returned by Acquire when a live lock exists.
	ErrAlreadyLocked = errors.New("sync lock already held")

	// ErrLockLost is returned by Validate and Refresh when the handle no longer owns the lock.
	ErrLockLost = errors.New("sync lock lost")
)

// DefaultStaleness is the age after which a lock is reclaimable.
const DefaultStaleness = 30 * time.Minute

// Record is the persisted lock row.
type Record struct {
	Name        string    `json:"name"`
	HolderPID   int       `json:"holder_pid"`
	HolderID    string    `json:"holder_id"`
	Hostname    string    `json:"hostname"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Handle proves ownership of an acquired lock.
type Handle struct {
	Name       string
	HolderID   string
	AcquiredAt time.Time
}

// PIDChecker reports whether pid is running on this host.
type PIDChecker func(ctx context.Context, pid int) (bool, error)

// Manager acquires and releases locks.
type Manager struct {
	db        *sql.DB
	staleness time.Duration
	clock     clockwork.Clock
	pid       int
	hostname  string
	pidAlive  PIDChecker
}

// Option configures a Manager.
type Option func(*Manager)

// WithStaleness overrides DefaultStaleness.
func WithStaleness(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleness = d
		}
	}
}

// WithClock injects a clock.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithIdentity overrides the PID and hostname recorded as holder.
func WithIdentity(pid int, hostname string) Option {
	return func(m *Manager) {
		m.pid = pid
		m.hostname = hostname
	}
}

// WithPIDChecker overrides process liveness detection.
func WithPIDChecker(fn PIDChecker) Option {
	return func(m *Manager) { m.pidAlive = fn }
}

// ProcessAlive checks pid with gopsutil.
func ProcessAlive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	//nolint:gosec // G115: PIDs fit in int32 on every supported platform
	return process.PidExistsWithContext(ctx, int32(pid))
}

// NewManager creates the lock table if needed and returns a Manager.
func NewManager(ctx context.Context, db *sql.DB, opts ...Option) (*Manager, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	m := &Manager{
		db:        db,
		staleness: DefaultStaleness,
		clock:     clockwork.NewRealClock(),
		pid:       os.Getpid(),
		hostname:  hostname,
		pidAlive:  ProcessAlive,
	}
	for _, opt := range opts {
		opt(m)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_locks (
			name TEXT PRIMARY KEY,
			holder_pid INTEGER NOT NULL,
			holder_id TEXT NOT NULL,
			hostname TEXT NOT NULL,
			acquired_at INTEGER NOT NULL,
			heartbeat_at INTEGER NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("create lock table: %w", err)
	}
	return m, nil
}

// Staleness returns the configured staleness window.
func (m *Manager) Staleness() time.Duration { return m.staleness }

// Acquire takes the named lock, reclaiming it first if the current holder is stale.
func (m *Manager) Acquire(ctx context.Context, name string) (*Handle, error) {
	if name == "" {
		return nil, errors.New("lock name is required")
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lock tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanRecord(tx.QueryRowContext(ctx, selectLock, name))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read lock %s: %w", name, err)
	}

	now := m.clock.Now()
	if existing != nil {
		stale, reason := m.stale(ctx, existing, now)
		if !stale {
			metrics.LockAcquisitions.WithLabelValues(name, "contended").Inc()
			return nil, fmt.Errorf("%w: %s held by pid %d on %s since %s",
				ErrAlreadyLocked, name, existing.HolderPID, existing.Hostname,
				existing.AcquiredAt.Format(time.RFC3339))
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sync_locks WHERE name = ? AND holder_id = ?`, name, existing.HolderID); err != nil {
			return nil, fmt.Errorf("reclaim lock %s: %w", name, err)
		}
		logging.Warn().
			Str("lock", name).
			Int("holder_pid", existing.HolderPID).
			Str("holder_host", existing.Hostname).
			Time("acquired_at", existing.AcquiredAt).
			Str("reason", reason).
			Msg("Reclaimed stale sync lock")
		metrics.LockAcquisitions.WithLabelValues(name, "reclaimed").Inc()
	}

	h := &Handle{Name: name, HolderID: uuid.NewString(), AcquiredAt: now}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_locks (name, holder_pid, holder_id, hostname, acquired_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		name, m.pid, h.HolderID, m.hostname, now.UnixMilli(), now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("insert lock %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lock %s: %w", name, err)
	}

	metrics.LockAcquisitions.WithLabelValues(name, "acquired").Inc()
	logging.Debug().Str("lock", name).Str("holder_id", h.HolderID).Msg("Sync lock acquired")
	return h, nil
}

// Release drops the lock if h still owns it. Releasing a nil, already
// released or foreign handle is a no-op.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM sync_locks WHERE name = ? AND holder_id = ?`, h.Name, h.HolderID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", h.Name, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.Debug().Str("lock", h.Name).Str("holder_id", h.HolderID).Msg("Sync lock released")
	}
	return nil
}

// IsHeld reports whether a live, non-stale lock exists. It never mutates state.
func (m *Manager) IsHeld(ctx context.Context, name string) (bool, error) {
	rec, err := m.Get(ctx, name)
	if err != nil || rec == nil {
		return false, err
	}
	stale, _ := m.stale(ctx, rec, m.clock.Now())
	return !stale, nil
}

// Get returns the current lock row, or nil when the name is free.
func (m *Manager) Get(ctx context.Context, name string) (*Record, error) {
	rec, err := scanRecord(m.db.QueryRowContext(ctx, selectLock, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock %s: %w", name, err)
	}
	return rec, nil
}

// Validate returns ErrLockLost unless h still owns its lock.
func (m *Manager) Validate(ctx context.Context, h *Handle) error {
	if h == nil {
		return ErrLockLost
	}
	var holderID string
	err := m.db.QueryRowContext(ctx,
		`SELECT holder_id FROM sync_locks WHERE name = ?`, h.Name).Scan(&holderID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && holderID != h.HolderID) {
		return fmt.Errorf("%w: %s", ErrLockLost, h.Name)
	}
	if err != nil {
		return fmt.Errorf("validate lock %s: %w", h.Name, err)
	}
	return nil
}

// Refresh bumps the heartbeat so a long run is not judged stale by age.
func (m *Manager) Refresh(ctx context.Context, h *Handle) error {
	if h == nil {
		return ErrLockLost
	}
	res, err := m.db.ExecContext(ctx,
		`UPDATE sync_locks SET heartbeat_at = ? WHERE name = ? AND holder_id = ?`,
		m.clock.Now().UnixMilli(), h.Name, h.HolderID)
	if err != nil {
		return fmt.Errorf("refresh lock %s: %w", h.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, h.Name)
	}
	return nil
}

// stale decides whether rec may be reclaimed. Liveness can only be verified
// for holders on this host; remote holders age out.
func (m *Manager) stale(ctx context.Context, rec *Record, now time.Time) (bool, string) {
	lastSeen := rec.AcquiredAt
	if rec.HeartbeatAt.After(lastSeen) {
		lastSeen = rec.HeartbeatAt
	}
	if age := now.Sub(lastSeen); age > m.staleness {
		return true, fmt.Sprintf("age %s exceeds %s", age.Round(time.Second), m.staleness)
	}

	if rec.Hostname == m.hostname {
		alive, err := m.pidAlive(ctx, rec.HolderPID)
		if err != nil {
			logging.Warn().Err(err).Int("pid", rec.HolderPID).Msg("Could not check lock holder process")
			return false, ""
		}
		if !alive {
			return true, "holder process not running"
		}
	}
	return false, ""
}

const selectLock = `SELECT name, holder_pid, holder_id, hostname, acquired_at, heartbeat_at
	FROM sync_locks WHERE name = ?`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var acquired, heartbeat int64
	if err := row.Scan(&rec.Name, &rec.HolderPID, &rec.HolderID, &rec.Hostname, &acquired, &heartbeat); err != nil {
		return nil, err
	}
	rec.AcquiredAt = time.UnixMilli(acquired).UTC()
	rec.HeartbeatAt = time.UnixMilli(heartbeat).UTC()
	return &rec, nil
}
