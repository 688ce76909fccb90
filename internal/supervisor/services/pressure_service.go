// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package services

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tomtom215/catalogsync/internal/cache"
)

// Reliever runs one memory pressure pass. Satisfied by *cache.PressureManager.
type Reliever interface {
	Relieve(ctx context.Context) cache.Relief
}

// PressureService runs memory pressure passes on an interval, so caches
// shrink while no sync run is yielding.
type PressureService struct {
	pressure Reliever
	interval time.Duration
	clock    clockwork.Clock
}

// NewPressureService creates the service. A non-positive interval defaults
// to 30s; a nil clock uses the real clock.
func NewPressureService(pressure Reliever, interval time.Duration, clock clockwork.Clock) *PressureService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PressureService{pressure: pressure, interval: interval, clock: clock}
}

// Serve implements suture.Service.
func (s *PressureService) Serve(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			s.pressure.Relieve(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *PressureService) String() string {
	return "memory-pressure"
}
