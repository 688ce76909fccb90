// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package sync

import (
	"context"
	"time"

	"github.com/tomtom215/catalogsync/internal/assets"
	"github.com/tomtom215/catalogsync/internal/backoff"
	"github.com/tomtom215/catalogsync/internal/cache"
	"github.com/tomtom215/catalogsync/internal/catalog"
	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/erp"
	"github.com/tomtom215/catalogsync/internal/eventprocessor"
	"github.com/tomtom215/catalogsync/internal/lock"
	"github.com/tomtom215/catalogsync/internal/state"
)

// JobState is the persisted state reported to status pollers.
type JobState = state.JobState

// Page size bounds for Phase 2.
const (
	MinPageSize = 1
	MaxPageSize = 200
)

// Source is the subset of the ERP client the engine reads from.
// Implemented by *erp.Client.
type Source interface {
	ListRecordIDs(ctx context.Context, pageToken string) (*erp.IDPage, error)
	ListRecords(ctx context.Context, pageToken string, pageSize int) (*erp.RecordPage, error)
	FetchAssets(ctx context.Context, recordID string) ([]erp.Asset, error)
}

// EventPublisher receives sync events. Implemented by *eventprocessor.Bus.
type EventPublisher interface {
	Publish(ctx context.Context, e *eventprocessor.SyncEvent) error
}

// Deps are the collaborators of a Manager. Events, Pressure and Mapper are
// optional.
type Deps struct {
	Source   Source
	State    state.Store
	Locks    *lock.Manager
	Assets   assets.Store
	Catalog  catalog.Store
	Events   EventPublisher
	Pressure *cache.PressureManager
	Mapper   Mapper
}

// Options tune a Manager.
type Options struct {
	PageSize        int
	CheckpointEvery int
	YieldEvery      int
	// YieldInterval forces a yield when this much time passed since the last one.
	YieldInterval time.Duration
	Retry         backoff.Policy
	// PageRetries replaces Retry.MaxRetries for Phase 2 pages.
	PageRetries       int
	CancelTimeout     time.Duration
	HeartbeatInterval time.Duration
	DigestEntries     int
	DigestTTL         time.Duration
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		PageSize:          100,
		CheckpointEvery:   200,
		YieldEvery:        20,
		YieldInterval:     2 * time.Second,
		Retry:             backoff.DefaultPolicy(),
		PageRetries:       3,
		CancelTimeout:     30 * time.Second,
		HeartbeatInterval: time.Minute,
		DigestEntries:     10000,
		DigestTTL:         time.Hour,
	}
}

// OptionsFromConfig maps loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PageSize:        cfg.Sync.PageSize,
		CheckpointEvery: cfg.Sync.CheckpointEvery,
		YieldEvery:      cfg.Sync.YieldEvery,
		YieldInterval:   cfg.Sync.YieldInterval,
		Retry: backoff.Policy{
			Base:       cfg.Sync.RetryBaseDelay,
			Max:        cfg.Sync.RetryMaxDelay,
			MaxRetries: cfg.Sync.PageRetries,
		},
		PageRetries:       cfg.Sync.PageRetries,
		CancelTimeout:     cfg.Sync.CancelTimeout,
		HeartbeatInterval: cfg.Lock.HeartbeatInterval,
		DigestEntries:     cfg.Cache.DigestEntries,
		DigestTTL:         cfg.Cache.DigestTTL,
	}
}

// normalize fills zero values with defaults and clamps the page size.
func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.PageSize == 0 {
		o.PageSize = def.PageSize
	}
	if o.PageSize < MinPageSize {
		o.PageSize = MinPageSize
	}
	if o.PageSize > MaxPageSize {
		o.PageSize = MaxPageSize
	}
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = def.CheckpointEvery
	}
	if o.YieldEvery <= 0 {
		o.YieldEvery = def.YieldEvery
	}
	if o.Retry.Base <= 0 {
		o.Retry = def.Retry
	}
	if o.Retry.Hint == nil {
		o.Retry.Hint = erp.RetryAfter
	}
	if o.PageRetries < 0 {
		o.PageRetries = 0
	}
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = def.CancelTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = def.HeartbeatInterval
	}
	if o.DigestEntries <= 0 {
		o.DigestEntries = def.DigestEntries
	}
	if o.DigestTTL <= 0 {
		o.DigestTTL = def.DigestTTL
	}
	return o
}
