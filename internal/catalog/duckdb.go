// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
)

const tableRecords = "catalog_records"

// ErrNotFound is returned by Get for unknown external ids.
var ErrNotFound = errors.New("catalog record not found")

// Store persists catalog records.
type Store interface {
	Upsert(ctx context.Context, rec *Record) (Outcome, error)
	Get(ctx context.Context, externalID string) (*Record, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// DuckDBStore keeps records in a DuckDB table keyed by external_id.
type DuckDBStore struct {
	conn *sql.DB
	now  func() time.Time
}

var _ Store = (*DuckDBStore)(nil)

// Open opens the DuckDB file in cfg (":memory:" or "" for in-memory) and
// creates the schema.
func Open(ctx context.Context, cfg *config.CatalogConfig) (*DuckDBStore, error) {
	path := cfg.Path
	if path != "" && path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}

	params := url.Values{}
	params.Set("access_mode", "read_write")
	params.Set("autoinstall_known_extensions", "false")
	params.Set("autoload_known_extensions", "false")
	if cfg.MaxMemory != "" {
		params.Set("max_memory", cfg.MaxMemory)
	}
	if cfg.Threads > 0 {
		params.Set("threads", strconv.Itoa(cfg.Threads))
	}

	conn, err := sql.Open("duckdb", path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &DuckDBStore{conn: conn, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logging.Debug().Str("path", path).Msg("Catalog store opened")
	return s, nil
}

func (s *DuckDBStore) initSchema(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS catalog_records (
			external_id       VARCHAR PRIMARY KEY,
			parent_id         VARCHAR,
			sku               VARCHAR NOT NULL,
			name              VARCHAR NOT NULL,
			description       VARCHAR,
			price             DOUBLE NOT NULL DEFAULT 0,
			currency          VARCHAR,
			stock             INTEGER NOT NULL DEFAULT 0,
			attributes        VARCHAR,
			assets            VARCHAR,
			content_hash      VARCHAR NOT NULL,
			source_updated_at TIMESTAMP,
			synced_at         TIMESTAMP NOT NULL
		)`)
	return err
}

// Upsert inserts or updates rec by external id. A record whose content hash
// matches the stored row is reported Unchanged and not written.
func (s *DuckDBStore) Upsert(ctx context.Context, rec *Record) (outcome Outcome, err error) {
	if rec.ExternalID == "" {
		return "", errors.New("catalog record has no external id")
	}
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert", tableRecords, time.Since(start), err) }()

	hash, err := rec.Hash()
	if err != nil {
		return "", fmt.Errorf("hash record %s: %w", rec.ExternalID, err)
	}
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return "", fmt.Errorf("marshal attributes: %w", err)
	}
	links, err := json.Marshal(rec.Assets)
	if err != nil {
		return "", fmt.Errorf("marshal assets: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT content_hash FROM catalog_records WHERE external_id = ?`, rec.ExternalID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		outcome = Created
	case err != nil:
		return "", fmt.Errorf("read record %s: %w", rec.ExternalID, err)
	case existing == hash:
		rec.ContentHash = hash
		return Unchanged, nil
	default:
		outcome = Updated
	}

	var sourceUpdated sql.NullTime
	if !rec.SourceUpdatedAt.IsZero() {
		sourceUpdated = sql.NullTime{Time: rec.SourceUpdatedAt.UTC(), Valid: true}
	}
	syncedAt := s.now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO catalog_records (
			external_id, parent_id, sku, name, description, price, currency, stock,
			attributes, assets, content_hash, source_updated_at, synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET
			parent_id = excluded.parent_id,
			sku = excluded.sku,
			name = excluded.name,
			description = excluded.description,
			price = excluded.price,
			currency = excluded.currency,
			stock = excluded.stock,
			attributes = excluded.attributes,
			assets = excluded.assets,
			content_hash = excluded.content_hash,
			source_updated_at = excluded.source_updated_at,
			synced_at = excluded.synced_at`,
		rec.ExternalID, rec.ParentID, rec.SKU, rec.Name, rec.Description, rec.Price, rec.Currency, rec.Stock,
		string(attrs), string(links), hash, sourceUpdated, syncedAt,
	)
	if err != nil {
		return "", fmt.Errorf("upsert record %s: %w", rec.ExternalID, err)
	}
	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("commit upsert %s: %w", rec.ExternalID, err)
	}

	rec.ContentHash = hash
	rec.SyncedAt = syncedAt
	return outcome, nil
}

// Get loads one record.
func (s *DuckDBStore) Get(ctx context.Context, externalID string) (*Record, error) {
	var (
		rec           Record
		parent, desc  sql.NullString
		currency      sql.NullString
		attrs, links  sql.NullString
		sourceUpdated sql.NullTime
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT external_id, parent_id, sku, name, description, price, currency, stock,
		       attributes, assets, content_hash, source_updated_at, synced_at
		FROM catalog_records WHERE external_id = ?`, externalID).Scan(
		&rec.ExternalID, &parent, &rec.SKU, &rec.Name, &desc, &rec.Price, &currency, &rec.Stock,
		&attrs, &links, &rec.ContentHash, &sourceUpdated, &rec.SyncedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", externalID, err)
	}

	rec.ParentID = parent.String
	rec.Description = desc.String
	rec.Currency = currency.String
	if sourceUpdated.Valid {
		rec.SourceUpdatedAt = sourceUpdated.Time
	}
	if attrs.Valid && attrs.String != "" && attrs.String != "null" {
		if err := json.Unmarshal([]byte(attrs.String), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of %s: %w", externalID, err)
		}
	}
	if links.Valid && links.String != "" && links.String != "null" {
		if err := json.Unmarshal([]byte(links.String), &rec.Assets); err != nil {
			return nil, fmt.Errorf("decode assets of %s: %w", externalID, err)
		}
	}
	return &rec, nil
}

// Count returns the number of stored records.
func (s *DuckDBStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM catalog_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *DuckDBStore) Close() error {
	return s.conn.Close()
}
