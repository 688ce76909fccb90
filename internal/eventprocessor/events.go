// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package eventprocessor

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// SchemaVersion is the current event schema version.
const SchemaVersion = 1

// EventType names the kind of sync event. Each type has its own topic.
type EventType string

const (
	EventProgress       EventType = "progress"
	EventPhaseCompleted EventType = "phase_completed"
	EventJobFinished    EventType = "job_finished"
)

// Topics lists every topic the sync engine publishes to.
var Topics = []string{
	TopicFor(EventProgress),
	TopicFor(EventPhaseCompleted),
	TopicFor(EventJobFinished),
}

// TopicFor returns the topic for an event type.
func TopicFor(t EventType) string {
	return "sync." + string(t)
}

// SyncEvent is published by the sync engine.
type SyncEvent struct {
	SchemaVersion int       `json:"schema_version,omitempty"`
	EventID       string    `json:"event_id"`
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`

	Job   string `json:"job"`
	RunID string `json:"run_id,omitempty"`
	// Phase is "assets" or "records"; empty for job_finished.
	Phase string `json:"phase,omitempty"`
	// Status is the phase or job outcome (completed, failed, cancelled).
	Status string `json:"status,omitempty"`

	Processed   int `json:"processed"`
	Total       int `json:"total"`
	Created     int `json:"created,omitempty"`
	Updated     int `json:"updated,omitempty"`
	Unchanged   int `json:"unchanged,omitempty"`
	Errors      int `json:"errors,omitempty"`
	FailedPages int `json:"failed_pages,omitempty"`

	// Duration is the phase or job wall time.
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// NewSyncEvent returns an event with id, schema version and timestamp set.
func NewSyncEvent(t EventType, job string) *SyncEvent {
	return &SyncEvent{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.New().String(),
		Type:          t,
		Timestamp:     time.Now().UTC(),
		Job:           job,
	}
}

// Topic returns the topic this event is published to.
func (e *SyncEvent) Topic() string {
	return TopicFor(e.Type)
}

// Validate checks required fields.
func (e *SyncEvent) Validate() error {
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if e.Job == "" {
		return errors.New("job is required")
	}
	switch e.Type {
	case EventProgress, EventPhaseCompleted, EventJobFinished:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// SerializeEvent encodes an event for the bus.
func SerializeEvent(e *SyncEvent) ([]byte, error) {
	return json.Marshal(e)
}

// DeserializeEvent decodes and validates an event.
func DeserializeEvent(data []byte) (*SyncEvent, error) {
	var e SyncEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal sync event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync event: %w", err)
	}
	return &e, nil
}
