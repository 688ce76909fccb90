// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package poller

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tomtom215/catalogsync/internal/backoff"
	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/metrics"
)

// Mode is the polling cadence class.
type Mode string

const (
	ModeIdle       Mode = "idle"
	ModeSlow       Mode = "slow"
	ModeActive     Mode = "active"
	ModeFast       Mode = "fast"
	ModeLowPower   Mode = "low-power"
	ModePageHidden Mode = "page-hidden"
)

// Base interval per mode, before clamping to [MinInterval, MaxInterval].
var modeIntervals = map[Mode]time.Duration{
	ModeFast:       time.Second,
	ModeActive:     3 * time.Second,
	ModeSlow:       10 * time.Second,
	ModeIdle:       30 * time.Second,
	ModeLowPower:   60 * time.Second,
	ModePageHidden: 120 * time.Second,
}

// Progress deltas, in percentage points, that select fast and active mode.
const (
	FastDelta     = 5.0
	ActiveDelta   = 0.5
	StagnantLimit = 5

	latencyAlpha   = 0.3
	highLatencyMul = 1.5
	lowLatencyMul  = 0.8
)

// Config bounds the controller.
type Config struct {
	MinInterval      time.Duration
	MaxInterval      time.Duration
	MaxBackoff       time.Duration
	ErrorThreshold   int
	LatencyThreshold time.Duration
	// Debounce coalesces AdjustPolling bursts.
	Debounce time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinInterval:      500 * time.Millisecond,
		MaxInterval:      300 * time.Second,
		MaxBackoff:       300 * time.Second,
		ErrorThreshold:   3,
		LatencyThreshold: time.Second,
		Debounce:         time.Second,
	}
}

// ConfigFrom maps loaded configuration onto Config.
func ConfigFrom(cfg *config.PollerConfig) Config {
	c := DefaultConfig()
	c.MinInterval = cfg.MinInterval
	c.MaxInterval = cfg.MaxInterval
	c.MaxBackoff = cfg.MaxBackoff
	c.ErrorThreshold = cfg.ErrorThreshold
	c.LatencyThreshold = cfg.LatencyThreshold
	return c
}

// State is a snapshot of the adaptive state.
type State struct {
	Mode              Mode          `json:"mode"`
	Interval          time.Duration `json:"interval"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	AverageLatency    time.Duration `json:"average_latency"`
	LastProgress      float64       `json:"last_progress"`
	StagnantCount     int           `json:"stagnant_count"`
	UserActive        bool          `json:"user_active"`
	PageVisible       bool          `json:"page_visible"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithJitter fixes the backoff jitter factor source.
func WithJitter(fn func() float64) Option {
	return func(ctl *Controller) { ctl.jitter = fn }
}

// Controller adapts polling cadence to job progress, response latency, error
// streaks and client activity, and runs named polling loops at that cadence.
type Controller struct {
	cfg    Config
	clock  clockwork.Clock
	jitter func() float64
	events *emitter

	mu sync.Mutex
	// computed is the progress-derived mode; mode adds activity overrides.
	computed     Mode
	mode         Mode
	baseInterval time.Duration
	interval     time.Duration
	errors       int
	latency      time.Duration
	haveLatency  bool
	progress     float64
	haveProgress bool
	stagnant     int
	userActive   bool
	pageVisible  bool

	pending  *adjustArgs
	debounce clockwork.Timer

	polls   map[string]*Handle
	started time.Time
	stats   pollStats
}

type adjustArgs struct {
	progress float64
	active   bool
}

type pollStats struct {
	total        int64
	successful   int64
	failed       int64
	totalLatency time.Duration
}

// New creates a controller in active mode.
func New(cfg Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = max(def.MaxInterval, cfg.MinInterval)
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = cfg.MaxInterval
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.LatencyThreshold <= 0 {
		cfg.LatencyThreshold = def.LatencyThreshold
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}

	c := &Controller{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		events: newEmitter(),
		polls:  make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.mu.Lock()
	c.resetStateLocked()
	c.mu.Unlock()
	return c
}

func (c *Controller) resetStateLocked() {
	c.computed = ModeActive
	c.errors = 0
	c.latency = 0
	c.haveLatency = false
	c.progress = 0
	c.haveProgress = false
	c.stagnant = 0
	c.userActive = true
	c.pageVisible = true
	c.pending = nil
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.started = c.clock.Now()
	c.stats = pollStats{}
	c.applyLocked()
}

// On registers handler for event.
func (c *Controller) On(event string, handler Handler) (Subscription, error) {
	return c.events.on(event, handler)
}

// Off removes the given subscriptions of event, or all of them when none are given.
func (c *Controller) Off(event string, subs ...Subscription) {
	c.events.off(event, subs...)
}

// Emit delivers payload to every handler of event and returns the number of
// handlers that failed.
func (c *Controller) Emit(event string, payload any) int {
	return c.events.emit(Event{Name: event, Payload: payload, Time: c.clock.Now()})
}

// ListenerCount returns the handlers registered for event.
func (c *Controller) ListenerCount(event string) int {
	return c.events.count(event)
}

// AdjustPolling schedules a recompute from the latest progress percentage and
// job activity. Calls within the debounce window collapse into one recompute
// using the last arguments.
func (c *Controller) AdjustPolling(progressPercent float64, isActive bool) {
	c.mu.Lock()
	c.pending = &adjustArgs{progress: progressPercent, active: isActive}
	if c.cfg.Debounce > 0 {
		if c.debounce == nil {
			c.debounce = c.clock.AfterFunc(c.cfg.Debounce, c.Flush)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Flush()
}

// Flush runs a pending debounced recompute immediately.
func (c *Controller) Flush() {
	c.mu.Lock()
	prev := c.mode
	c.flushLocked()
	st := c.stateLocked()
	c.mu.Unlock()
	c.notifyMode(prev, st)
}

func (c *Controller) flushLocked() {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	args := c.pending
	c.pending = nil
	if args == nil {
		return
	}

	switch {
	case !args.active:
		c.computed = ModeIdle
		c.stagnant = 0
	case !c.haveProgress:
		// First observation is the baseline
		if c.computed == ModeIdle {
			c.computed = ModeActive
		}
	default:
		delta := math.Abs(args.progress - c.progress)
		if delta == 0 {
			c.stagnant++
		} else {
			c.stagnant = 0
		}
		switch {
		case delta >= FastDelta:
			c.computed = ModeFast
		case delta >= ActiveDelta:
			c.computed = ModeActive
		case c.stagnant >= StagnantLimit:
			c.computed = ModeSlow
		case c.computed == ModeIdle:
			c.computed = ModeActive
		}
	}
	c.progress = args.progress
	c.haveProgress = true
	c.applyLocked()
}

// applyLocked derives mode and interval from the computed mode, latency and
// activity flags.
func (c *Controller) applyLocked() {
	mode := c.computed
	switch {
	case !c.pageVisible:
		mode = ModePageHidden
	case !c.userActive:
		mode = ModeLowPower
	}
	c.mode = mode

	base := modeIntervals[mode]
	if mode == c.computed && c.haveLatency {
		active := modeIntervals[ModeActive]
		switch {
		case c.latency > c.cfg.LatencyThreshold:
			base = time.Duration(float64(base) * highLatencyMul)
		case c.latency < c.cfg.LatencyThreshold/5 && base > active:
			base = max(time.Duration(float64(base)*lowLatencyMul), active)
		}
	}
	c.baseInterval = c.clamp(base)

	if c.errors >= c.cfg.ErrorThreshold {
		c.interval = c.clamp(max(c.interval, c.baseInterval))
	} else {
		c.interval = c.baseInterval
	}
	metrics.PollInterval.WithLabelValues(string(c.mode)).Set(float64(c.interval.Milliseconds()))
}

func (c *Controller) clamp(d time.Duration) time.Duration {
	return min(max(d, c.cfg.MinInterval), c.cfg.MaxInterval)
}

// RecordResponseTime folds a successful response latency into the moving
// average. A response within the latency threshold ends any error backoff.
func (c *Controller) RecordResponseTime(d time.Duration) {
	c.mu.Lock()
	prev := c.mode
	if c.haveLatency {
		c.latency = time.Duration(latencyAlpha*float64(d) + (1-latencyAlpha)*float64(c.latency))
	} else {
		c.latency = d
		c.haveLatency = true
	}
	if d <= c.cfg.LatencyThreshold {
		c.errors = 0
	}
	c.applyLocked()
	st := c.stateLocked()
	c.mu.Unlock()
	c.notifyMode(prev, st)
}

// RecordError counts a failed poll and returns the resulting interval.
// Below ErrorThreshold consecutive errors the interval is unchanged; from
// there on it grows exponentially from the mode interval, capped at
// MaxBackoff and MaxInterval.
func (c *Controller) RecordError() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors++
	if c.errors < c.cfg.ErrorThreshold {
		return c.interval
	}

	attempt := c.errors - c.cfg.ErrorThreshold + 1
	var next time.Duration
	if c.jitter != nil {
		next = backoff.NextDelayWithJitter(attempt, c.baseInterval, c.cfg.MaxBackoff, c.jitter())
	} else {
		next = backoff.NextDelay(attempt, c.baseInterval, c.cfg.MaxBackoff)
	}
	c.interval = c.clamp(max(next, c.interval))
	metrics.PollInterval.WithLabelValues(string(c.mode)).Set(float64(c.interval.Milliseconds()))
	return c.interval
}

// SetPageVisible forces page-hidden mode while hidden; becoming visible
// restores the computed mode.
func (c *Controller) SetPageVisible(visible bool) {
	c.mu.Lock()
	prev := c.mode
	c.pageVisible = visible
	c.applyLocked()
	st := c.stateLocked()
	c.mu.Unlock()
	c.notifyMode(prev, st)
}

// SetUserActive forces low-power mode while the user is inactive.
func (c *Controller) SetUserActive(active bool) {
	c.mu.Lock()
	prev := c.mode
	c.userActive = active
	c.applyLocked()
	st := c.stateLocked()
	c.mu.Unlock()
	c.notifyMode(prev, st)
}

// Reset stops every polling loop and restores all adaptive state.
func (c *Controller) Reset() {
	c.StopAllPolling()
	c.mu.Lock()
	prev := c.mode
	c.resetStateLocked()
	st := c.stateLocked()
	c.mu.Unlock()
	c.notifyMode(prev, st)
}

// State returns a snapshot of the adaptive state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	return State{
		Mode:              c.mode,
		Interval:          c.interval,
		ConsecutiveErrors: c.errors,
		AverageLatency:    c.latency,
		LastProgress:      c.progress,
		StagnantCount:     c.stagnant,
		UserActive:        c.userActive,
		PageVisible:       c.pageVisible,
	}
}

// Interval returns the current adaptive interval.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

func (c *Controller) notifyMode(prev Mode, st State) {
	if prev != st.Mode {
		c.Emit(EventModeChanged, st)
	}
}

// Metrics summarizes poll outcomes since creation or the last Reset.
type Metrics struct {
	TotalPolls          int64         `json:"total_polls"`
	SuccessfulPolls     int64         `json:"successful_polls"`
	FailedPolls         int64         `json:"failed_polls"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	Uptime              time.Duration `json:"uptime"`
	SuccessRate         float64       `json:"success_rate"`
}

// Metrics returns the counters without modifying them.
func (c *Controller) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := Metrics{
		TotalPolls:      c.stats.total,
		SuccessfulPolls: c.stats.successful,
		FailedPolls:     c.stats.failed,
		Uptime:          c.clock.Since(c.started),
	}
	if c.stats.successful > 0 {
		m.AverageResponseTime = c.stats.totalLatency / time.Duration(c.stats.successful)
	}
	if c.stats.total > 0 {
		m.SuccessRate = float64(c.stats.successful) / float64(c.stats.total) * 100
	}
	return m
}

func (c *Controller) recordPoll(name string, latency time.Duration, err error) {
	c.mu.Lock()
	c.stats.total++
	if err != nil {
		c.stats.failed++
	} else {
		c.stats.successful++
		c.stats.totalLatency += latency
	}
	c.mu.Unlock()

	if err != nil {
		metrics.PollOutcomes.WithLabelValues(name, "error").Inc()
		return
	}
	metrics.PollOutcomes.WithLabelValues(name, "success").Inc()
}
