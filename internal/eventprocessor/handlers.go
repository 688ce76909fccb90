// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package eventprocessor

import (
	"context"
	"sync"

	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
)

// MetricsHandler turns phase events into Prometheus observations.
func MetricsHandler(_ context.Context, e *SyncEvent) error {
	switch e.Type {
	case EventPhaseCompleted:
		metrics.RecordPhase(e.Job, e.Phase, e.Status, e.Duration)
		if e.FailedPages > 0 {
			metrics.SyncPagesFailed.WithLabelValues(e.Job).Add(float64(e.FailedPages))
		}
	case EventJobFinished:
		if e.Status == "completed" {
			metrics.SyncRecordOutcomes.WithLabelValues(e.Job, "created").Add(float64(e.Created))
			metrics.SyncRecordOutcomes.WithLabelValues(e.Job, "updated").Add(float64(e.Updated))
			metrics.SyncRecordOutcomes.WithLabelValues(e.Job, "unchanged").Add(float64(e.Unchanged))
		}
	}
	return nil
}

// LogHandler writes phase and job events to the structured log. Progress
// events log at debug.
func LogHandler(_ context.Context, e *SyncEvent) error {
	logger := logging.WithComponent("sync-events")
	var ev = logger.Info()
	switch {
	case e.Type == EventProgress:
		ev = logger.Debug()
	case e.Status == "failed":
		ev = logger.Warn()
	}
	ev.Str("job", e.Job).
		Str("run_id", e.RunID).
		Str("type", string(e.Type)).
		Str("phase", e.Phase).
		Str("status", e.Status).
		Int("processed", e.Processed).
		Int("total", e.Total).
		Int("errors", e.Errors).
		Dur("duration", e.Duration).
		Str("error", e.Error).
		Msg("Sync event")
	return nil
}

// Recorder collects events in memory; tests and the CLI "run" command use it
// to report what happened.
type Recorder struct {
	mu     sync.Mutex
	events []SyncEvent
	notify chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Handle implements HandlerFunc.
func (r *Recorder) Handle(_ context.Context, e *SyncEvent) error {
	r.mu.Lock()
	r.events = append(r.events, *e)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SyncEvent(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t EventType) []SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SyncEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Wait blocks until an event matching match is recorded or ctx is done.
func (r *Recorder) Wait(ctx context.Context, match func(SyncEvent) bool) (SyncEvent, bool) {
	for {
		r.mu.Lock()
		for _, e := range r.events {
			if match(e) {
				r.mu.Unlock()
				return e, true
			}
		}
		r.mu.Unlock()

		select {
		case <-r.notify:
		case <-ctx.Done():
			return SyncEvent{}, false
		}
	}
}
