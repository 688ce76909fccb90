// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package assets

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"
	"github.com/opencontainers/go-digest"

	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
)

const (
	prefixBlob = "blob:"
	prefixMeta = "meta:"
)

// BadgerConfig configures the Badger blob store.
type BadgerConfig struct {
	// Path is the database directory. Empty with InMemory set runs without disk.
	Path       string
	InMemory   bool
	SyncWrites bool
	// Compression enables Snappy compression of blobs.
	Compression bool
}

// BadgerStore keeps blobs in an embedded BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens (creating if needed) a Badger blob store.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	if cfg.Compression {
		opts.Compression = options.Snappy
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}
	logging.Debug().Str("path", cfg.Path).Bool("in_memory", cfg.InMemory).Msg("Badger asset store opened")
	return &BadgerStore{db: db}, nil
}

// Backend returns "badger".
func (s *BadgerStore) Backend() string { return "badger" }

// Put stores data under d in one transaction; an existing digest is left untouched.
func (s *BadgerStore) Put(ctx context.Context, d digest.Digest, data []byte, contentType string) (string, error) {
	if err := verify(d, data); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	info := Info{Ref: d.String(), ContentType: Sniff(data, contentType), Size: int64(len(data))}
	meta, err := json.Marshal(&info)
	if err != nil {
		return "", fmt.Errorf("marshal asset info: %w", err)
	}

	created := false
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(prefixMeta + d.String()))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get asset meta: %w", err)
		}
		if err := txn.Set([]byte(prefixBlob+d.String()), data); err != nil {
			return fmt.Errorf("set blob: %w", err)
		}
		if err := txn.Set([]byte(prefixMeta+d.String()), meta); err != nil {
			return fmt.Errorf("set asset meta: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("put asset %s: %w", d, err)
	}
	if created {
		metrics.RecordAssetStored(s.Backend(), info.Size)
	}
	return info.Ref, nil
}

// Has reports whether d is stored.
func (s *BadgerStore) Has(_ context.Context, d digest.Digest) (string, bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(prefixMeta + d.String()))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup asset %s: %w", d, err)
	}
	return d.String(), true, nil
}

// Get returns the blob and its metadata.
func (s *BadgerStore) Get(_ context.Context, ref string) ([]byte, Info, error) {
	d, err := parseRef(ref)
	if err != nil {
		return nil, Info{}, err
	}

	var (
		data []byte
		info Info
	)
	err = s.db.View(func(txn *badger.Txn) error {
		metaItem, err := txn.Get([]byte(prefixMeta + d.String()))
		if err != nil {
			return err
		}
		if err := metaItem.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		}); err != nil {
			return fmt.Errorf("unmarshal asset info: %w", err)
		}
		blobItem, err := txn.Get([]byte(prefixBlob + d.String()))
		if err != nil {
			return err
		}
		data, err = blobItem.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, Info{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, Info{}, fmt.Errorf("get asset %s: %w", ref, err)
	}
	return data, info, nil
}

// Count iterates metadata keys only.
func (s *BadgerStore) Count(_ context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixMeta)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count assets: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close BadgerDB: %w", err)
	}
	return nil
}
