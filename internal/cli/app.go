// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/catalogsync/internal/api"
	"github.com/tomtom215/catalogsync/internal/assets"
	"github.com/tomtom215/catalogsync/internal/cache"
	"github.com/tomtom215/catalogsync/internal/catalog"
	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/erp"
	"github.com/tomtom215/catalogsync/internal/eventprocessor"
	"github.com/tomtom215/catalogsync/internal/lock"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/state"
	intsync "github.com/tomtom215/catalogsync/internal/sync"
)

// engine is the wired sync stack shared by serve and run.
type engine struct {
	cfg      *config.Config
	erp      *erp.Client
	stateDB  *state.DB
	locks    *lock.Manager
	assets   assets.Store
	catalog  *catalog.DuckDBStore
	bus      *eventprocessor.Bus
	pressure *cache.PressureManager
	manager  *intsync.Manager

	closers []func() error
}

// openEngine opens every store and builds the sync manager. On error,
// everything opened so far is closed.
func openEngine(ctx context.Context, cfg *config.Config) (e *engine, err error) {
	if err := cfg.RequireERP(); err != nil {
		return nil, err
	}

	e = &engine{cfg: cfg}
	defer func() {
		if err != nil {
			e.Close()
			e = nil
		}
	}()

	if e.erp, err = erp.NewClient(&cfg.ERP); err != nil {
		return nil, fmt.Errorf("create ERP client: %w", err)
	}

	if e.stateDB, err = state.Open(cfg.State.Path); err != nil {
		return nil, err
	}
	e.closers = append(e.closers, e.stateDB.Close)

	if e.locks, err = lock.NewManager(ctx, e.stateDB.SQL(), lock.WithStaleness(cfg.Lock.Staleness)); err != nil {
		return nil, err
	}

	if e.assets, err = openAssets(ctx, &cfg.Assets); err != nil {
		return nil, err
	}
	e.closers = append(e.closers, e.assets.Close)

	if e.catalog, err = catalog.Open(ctx, &cfg.Catalog); err != nil {
		return nil, err
	}
	e.closers = append(e.closers, e.catalog.Close)

	if e.bus, err = eventprocessor.NewBus(eventprocessor.DefaultBusConfig(), nil); err != nil {
		return nil, err
	}
	e.closers = append(e.closers, e.bus.Close)
	e.bus.AddConsumer("metrics", eventprocessor.MetricsHandler)
	e.bus.AddConsumer("log", eventprocessor.LogHandler)

	e.pressure = cache.NewPressureManager(nil)

	e.manager, err = intsync.NewManager(intsync.Deps{
		Source:   e.erp,
		State:    state.NewSQLiteStore(e.stateDB),
		Locks:    e.locks,
		Assets:   e.assets,
		Catalog:  e.catalog,
		Events:   e.bus,
		Pressure: e.pressure,
	}, intsync.OptionsFromConfig(cfg))
	if err != nil {
		return nil, err
	}

	logging.Info().
		Str("erp_url", cfg.ERP.URL).
		Str("state_path", cfg.State.Path).
		Str("catalog_path", cfg.Catalog.Path).
		Str("assets_backend", e.assets.Backend()).
		Msg("Sync engine initialized")
	return e, nil
}

func openAssets(ctx context.Context, cfg *config.AssetsConfig) (assets.Store, error) {
	switch cfg.Backend {
	case "s3":
		return assets.NewS3Store(ctx, cfg.S3)
	case "badger", "":
		return assets.OpenBadger(assets.BadgerConfig{
			Path:        cfg.Path,
			SyncWrites:  cfg.SyncWrites,
			Compression: cfg.Compression,
		})
	default:
		return nil, fmt.Errorf("unknown assets backend %q", cfg.Backend)
	}
}

// healthChecks probe the stores the status API depends on.
func (e *engine) healthChecks() []api.HealthCheck {
	return []api.HealthCheck{
		{Name: "state", Check: func(ctx context.Context) error {
			return e.stateDB.SQL().PingContext(ctx)
		}},
		{Name: "catalog", Check: func(ctx context.Context) error {
			_, err := e.catalog.Count(ctx)
			return err
		}},
		{Name: "erp", Check: func(context.Context) error {
			if s := e.erp.BreakerState(); s == "open" {
				return errors.New("circuit breaker open")
			}
			return nil
		}},
	}
}

// Close closes the stores in reverse open order.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			logging.Error().Err(err).Msg("Error closing sync engine resource")
		}
	}
	e.closers = nil
}
