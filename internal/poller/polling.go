// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/catalogsync/internal/logging"
)

// PollFunc is invoked on every tick.
type PollFunc func(ctx context.Context) error

// PollError is the payload of EventPollError.
type PollError struct {
	Name string
	Err  error
}

// Handle is a running polling loop.
type Handle struct {
	name   string
	fixed  time.Duration
	fn     PollFunc
	cancel context.CancelFunc
	done   chan struct{}
}

// Name returns the loop name.
func (h *Handle) Name() string { return h.name }

// Done is closed when the loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the loop exits or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// StartPolling runs fn now and then on every interval until StopPolling,
// Reset or ctx cancellation. An interval of 0 follows the adaptive interval;
// a positive interval is clamped to [MinInterval, MaxInterval]. Starting a
// name that is already polling returns the existing handle.
func (c *Controller) StartPolling(ctx context.Context, name string, fn PollFunc, interval time.Duration) (*Handle, error) {
	switch {
	case name == "":
		return nil, errors.New("poll name is required")
	case fn == nil:
		return nil, errors.New("poll callback is required")
	case interval < 0:
		return nil, fmt.Errorf("poll interval must not be negative: %s", interval)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.polls[name]; ok && !h.stopped() {
		return h, nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		name:   name,
		fn:     fn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if interval > 0 {
		h.fixed = c.clamp(interval)
	}
	c.polls[name] = h
	go c.loop(loopCtx, h)

	logging.Debug().Str("poll", name).Dur("interval", h.fixed).Msg("Polling started")
	return h, nil
}

// StopPolling cancels the named loop without waiting for an in-flight tick.
// It reports whether the loop was active.
func (c *Controller) StopPolling(name string) bool {
	c.mu.Lock()
	h, ok := c.polls[name]
	delete(c.polls, name)
	c.mu.Unlock()
	if !ok {
		return false
	}
	active := !h.stopped()
	h.cancel()
	return active
}

// StopAllPolling cancels every loop.
func (c *Controller) StopAllPolling() {
	c.mu.Lock()
	polls := c.polls
	c.polls = make(map[string]*Handle)
	c.mu.Unlock()
	for _, h := range polls {
		h.cancel()
	}
}

// IsPollingActive reports whether the named loop is running.
func (c *Controller) IsPollingActive(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.polls[name]
	return ok && !h.stopped()
}

// AnyPollingActive reports whether any loop is running.
func (c *Controller) AnyPollingActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.polls {
		if !h.stopped() {
			return true
		}
	}
	return false
}

func (c *Controller) loop(ctx context.Context, h *Handle) {
	defer func() {
		close(h.done)
		c.mu.Lock()
		if c.polls[h.name] == h {
			delete(c.polls, h.name)
		}
		c.mu.Unlock()
	}()

	for {
		c.tick(ctx, h)
		if ctx.Err() != nil {
			return
		}
		timer := c.clock.NewTimer(c.nextInterval(h))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

func (c *Controller) nextInterval(h *Handle) time.Duration {
	adaptive := c.Interval()
	if h.fixed == 0 {
		return adaptive
	}
	c.mu.Lock()
	backingOff := c.errors >= c.cfg.ErrorThreshold
	c.mu.Unlock()
	if backingOff {
		return max(h.fixed, adaptive)
	}
	return h.fixed
}

// tick runs one poll. Callback errors and panics are recorded as poll errors.
func (c *Controller) tick(ctx context.Context, h *Handle) {
	start := c.clock.Now()
	err := safeCall(ctx, h.fn)
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return
	}
	latency := c.clock.Since(start)
	c.recordPoll(h.name, latency, err)

	if err != nil {
		next := c.RecordError()
		logging.Warn().Err(err).Str("poll", h.name).Dur("next_interval", next).Msg("Poll failed")
		c.Emit(EventPollError, PollError{Name: h.name, Err: err})
		return
	}
	c.RecordResponseTime(latency)
}

func safeCall(ctx context.Context, fn PollFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll callback panic: %v", r)
		}
	}()
	return fn(ctx)
}
