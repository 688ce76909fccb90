// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package services

import (
	"context"
	"fmt"

	"github.com/thejerf/suture/v4"
)

// EventRouter is the lifecycle of an event bus router.
// Satisfied by *eventprocessor.Bus.
type EventRouter interface {
	Run(ctx context.Context) error
	Close() error
}

// EventBusService runs the sync event router under supervision.
type EventBusService struct {
	bus EventRouter
}

// NewEventBusService wraps bus.
func NewEventBusService(bus EventRouter) *EventBusService {
	return &EventBusService{bus: bus}
}

// Serve implements suture.Service. A router cannot be restarted once it
// stopped, so a router failure stops supervision of this service instead of
// looping on restarts.
func (s *EventBusService) Serve(ctx context.Context) error {
	err := s.bus.Run(ctx)
	if closeErr := s.bus.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("event bus stopped: %w: %w", suture.ErrDoNotRestart, err)
	}
	return suture.ErrDoNotRestart
}

// String implements fmt.Stringer for supervisor logs.
func (s *EventBusService) String() string {
	return "event-bus"
}
