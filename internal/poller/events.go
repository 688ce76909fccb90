// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package poller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/catalogsync/internal/logging"
)

// MaxListeners caps the handlers registered for one event name.
const MaxListeners = 100

// ErrTooManyListeners is returned by On when an event already has MaxListeners handlers.
var ErrTooManyListeners = errors.New("too many listeners for event")

// Event names emitted by the controller and JobWatcher.
const (
	EventModeChanged = "mode_changed"
	EventPollError   = "poll_error"
	EventStatus      = "status"
	EventStopped     = "stopped"
)

// Event is delivered to handlers.
type Event struct {
	Name    string
	Payload any
	Time    time.Time
}

// Handler consumes an event. Returned errors and panics are logged and do
// not affect other handlers.
type Handler func(e Event) error

// Subscription identifies one registered handler.
type Subscription struct {
	event string
	id    uint64
	bus   *emitter
}

// Unsubscribe removes the handler. Calling it twice is a no-op.
func (s Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.remove(s.event, s.id)
	}
}

type listener struct {
	id uint64
	fn Handler
}

// emitter is a bounded per-event listener registry.
type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]listener
	nextID    uint64
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]listener)}
}

func (b *emitter) on(event string, fn Handler) (Subscription, error) {
	if event == "" {
		return Subscription{}, errors.New("event name is required")
	}
	if fn == nil {
		return Subscription{}, errors.New("handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.listeners[event]) >= MaxListeners {
		return Subscription{}, fmt.Errorf("%w: %s has %d", ErrTooManyListeners, event, MaxListeners)
	}
	b.nextID++
	b.listeners[event] = append(b.listeners[event], listener{id: b.nextID, fn: fn})
	return Subscription{event: event, id: b.nextID, bus: b}, nil
}

func (b *emitter) remove(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := b.listeners[event]
	for i, l := range ls {
		if l.id == id {
			b.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(b.listeners[event]) == 0 {
		delete(b.listeners, event)
	}
}

func (b *emitter) off(event string, subs ...Subscription) {
	if len(subs) == 0 {
		b.mu.Lock()
		delete(b.listeners, event)
		b.mu.Unlock()
		return
	}
	for _, s := range subs {
		if s.event == event {
			b.remove(event, s.id)
		}
	}
}

func (b *emitter) count(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}

// emit calls every handler of e.Name on a snapshot of the registry and
// returns how many failed.
func (b *emitter) emit(e Event) int {
	b.mu.RLock()
	ls := append([]listener(nil), b.listeners[e.Name]...)
	b.mu.RUnlock()

	failed := 0
	for _, l := range ls {
		if err := invokeHandler(l.fn, e); err != nil {
			failed++
			logging.Warn().Err(err).Str("event", e.Name).Msg("Poller event handler failed")
		}
	}
	return failed
}

func invokeHandler(fn Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(e)
}
