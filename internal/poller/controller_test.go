// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package poller

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tomtom215/catalogsync/internal/config"
)

func fixedJitter() float64 { return 1.0 }

func newTestController(t *testing.T, mutate ...func(*Config)) (*Controller, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	ctl := New(cfg, WithClock(clock), WithJitter(fixedJitter))
	t.Cleanup(ctl.StopAllPolling)
	return ctl, clock
}

func adjust(ctl *Controller, progress float64, active bool) {
	ctl.AdjustPolling(progress, active)
	ctl.Flush()
}

func TestNew_DefaultsToActive(t *testing.T) {
	ctl, _ := newTestController(t)
	st := ctl.State()
	if st.Mode != ModeActive {
		t.Errorf("Mode = %s, want %s", st.Mode, ModeActive)
	}
	if st.Interval != 3*time.Second {
		t.Errorf("Interval = %v, want 3s", st.Interval)
	}
	if !st.UserActive || !st.PageVisible {
		t.Errorf("activity flags = %v/%v, want true/true", st.UserActive, st.PageVisible)
	}
}

func TestAdjustPolling_UnchangedProgressBecomesSlow(t *testing.T) {
	ctl, _ := newTestController(t)

	for i := 0; i < 100; i++ {
		adjust(ctl, 50, true)
		st := ctl.State()
		// call 1 is the baseline; calls 2..6 are the five unchanged checks
		if i >= StagnantLimit && st.Mode != ModeSlow {
			t.Fatalf("call %d: Mode = %s, want slow", i+1, st.Mode)
		}
		if i < StagnantLimit && st.Mode != ModeActive {
			t.Fatalf("call %d: Mode = %s, want active", i+1, st.Mode)
		}
	}
	if got := ctl.Interval(); got != 10*time.Second {
		t.Errorf("Interval = %v, want 10s", got)
	}
}

func TestAdjustPolling_Modes(t *testing.T) {
	tests := []struct {
		name     string
		steps    [][2]float64 // progress, active(1/0)
		wantMode Mode
		wantIv   time.Duration
	}{
		{"inactive job is idle", [][2]float64{{0, 1}, {10, 0}}, ModeIdle, 30 * time.Second},
		{"large delta is fast", [][2]float64{{0, 1}, {7, 1}}, ModeFast, time.Second},
		{"small delta is active", [][2]float64{{10, 1}, {10.6, 1}}, ModeActive, 3 * time.Second},
		{"tiny delta keeps mode", [][2]float64{{10, 1}, {20, 1}, {20.1, 1}}, ModeFast, time.Second},
		{"decreasing progress counts as change", [][2]float64{{40, 1}, {30, 1}}, ModeFast, time.Second},
		{"idle job becomes active again", [][2]float64{{0, 0}, {0, 1}}, ModeActive, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl, _ := newTestController(t)
			for _, s := range tt.steps {
				adjust(ctl, s[0], s[1] == 1)
			}
			st := ctl.State()
			if st.Mode != tt.wantMode {
				t.Errorf("Mode = %s, want %s", st.Mode, tt.wantMode)
			}
			if st.Interval != tt.wantIv {
				t.Errorf("Interval = %v, want %v", st.Interval, tt.wantIv)
			}
		})
	}
}

func TestAdjustPolling_DebounceUsesLatestArgs(t *testing.T) {
	ctl, clock := newTestController(t)
	adjust(ctl, 0, true)

	ctl.AdjustPolling(1, true)
	ctl.AdjustPolling(2, true)
	ctl.AdjustPolling(60, true)
	if got := ctl.State().LastProgress; got != 0 {
		t.Fatalf("LastProgress before debounce = %v, want 0", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("debounce timer not scheduled: %v", err)
	}
	clock.Advance(time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for ctl.State().LastProgress != 60 {
		if time.Now().After(deadline) {
			t.Fatal("debounced recompute did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st := ctl.State(); st.Mode != ModeFast {
		t.Errorf("Mode = %s, want fast", st.Mode)
	}
}

func TestAdjustPolling_NoDebounce(t *testing.T) {
	ctl, _ := newTestController(t, func(c *Config) { c.Debounce = 0 })
	ctl.AdjustPolling(0, true)
	ctl.AdjustPolling(0, false)
	if st := ctl.State(); st.Mode != ModeIdle {
		t.Errorf("Mode = %s, want idle", st.Mode)
	}
}

func TestRecordError_BacksOffFromThreshold(t *testing.T) {
	ctl, _ := newTestController(t, func(c *Config) { c.MaxBackoff = 20 * time.Second })
	before := ctl.Interval()

	if got := ctl.RecordError(); got != before {
		t.Fatalf("RecordError() = %v, want unchanged %v", got, before)
	}
	if got := ctl.RecordError(); got != before {
		t.Fatalf("RecordError() below threshold = %v, want %v", got, before)
	}

	third := ctl.RecordError()
	if third != ctl.Interval() {
		t.Fatalf("RecordError() = %v, Interval() = %v", third, ctl.Interval())
	}
	if third != 6*time.Second {
		t.Errorf("RecordError() after third error = %v, want 6s", third)
	}
	if third <= before {
		t.Fatalf("Interval after third error = %v, want > %v", third, before)
	}
	if third > 20*time.Second {
		t.Fatalf("Interval after third error = %v, exceeds MaxBackoff", third)
	}

	prev := third
	for i := 0; i < 10; i++ {
		ctl.RecordError()
		got := ctl.Interval()
		if got < prev {
			t.Fatalf("Interval decreased during backoff: %v -> %v", prev, got)
		}
		prev = got
	}
	if prev != 20*time.Second {
		t.Errorf("Interval after long streak = %v, want MaxBackoff 20s", prev)
	}
	if st := ctl.State(); st.ConsecutiveErrors != 13 {
		t.Errorf("ConsecutiveErrors = %d, want 13", st.ConsecutiveErrors)
	}
}

func TestRecordResponseTime(t *testing.T) {
	t.Run("fast response ends backoff", func(t *testing.T) {
		ctl, _ := newTestController(t)
		for i := 0; i < 4; i++ {
			ctl.RecordError()
		}
		if ctl.Interval() <= 3*time.Second {
			t.Fatalf("Interval = %v, want backoff", ctl.Interval())
		}
		ctl.RecordResponseTime(100 * time.Millisecond)
		st := ctl.State()
		if st.ConsecutiveErrors != 0 {
			t.Errorf("ConsecutiveErrors = %d, want 0", st.ConsecutiveErrors)
		}
		if st.Interval != 3*time.Second {
			t.Errorf("Interval = %v, want 3s", st.Interval)
		}
	})

	t.Run("high latency stretches interval", func(t *testing.T) {
		ctl, _ := newTestController(t)
		ctl.RecordResponseTime(2 * time.Second)
		if got := ctl.Interval(); got != 4500*time.Millisecond {
			t.Errorf("Interval = %v, want 4.5s", got)
		}
		if st := ctl.State(); st.AverageLatency != 2*time.Second {
			t.Errorf("AverageLatency = %v, want 2s", st.AverageLatency)
		}
	})

	t.Run("moving average", func(t *testing.T) {
		ctl, _ := newTestController(t)
		ctl.RecordResponseTime(100 * time.Millisecond)
		ctl.RecordResponseTime(200 * time.Millisecond)
		// 0.3*200 + 0.7*100
		got := ctl.State().AverageLatency
		if diff := got - 130*time.Millisecond; diff < -time.Microsecond || diff > time.Microsecond {
			t.Errorf("AverageLatency = %v, want 130ms", got)
		}
	})

	t.Run("low latency shrinks slow interval", func(t *testing.T) {
		ctl, _ := newTestController(t)
		for i := 0; i <= StagnantLimit; i++ {
			adjust(ctl, 10, true)
		}
		ctl.RecordResponseTime(50 * time.Millisecond)
		if got := ctl.Interval(); got != 8*time.Second {
			t.Errorf("Interval = %v, want 8s", got)
		}
	})

	t.Run("low latency never goes below active", func(t *testing.T) {
		ctl, _ := newTestController(t)
		ctl.RecordResponseTime(50 * time.Millisecond)
		if got := ctl.Interval(); got != 3*time.Second {
			t.Errorf("Interval = %v, want 3s", got)
		}
	})
}

func TestActivityOverrides(t *testing.T) {
	ctl, _ := newTestController(t)
	for i := 0; i <= StagnantLimit; i++ {
		adjust(ctl, 10, true)
	}

	var mu sync.Mutex
	var modes []Mode
	if _, err := ctl.On(EventModeChanged, func(e Event) error {
		mu.Lock()
		defer mu.Unlock()
		modes = append(modes, e.Payload.(State).Mode)
		return nil
	}); err != nil {
		t.Fatalf("On() error = %v", err)
	}

	ctl.SetUserActive(false)
	if st := ctl.State(); st.Mode != ModeLowPower || st.Interval != time.Minute {
		t.Errorf("inactive user: %s/%v, want low-power/1m", st.Mode, st.Interval)
	}
	ctl.SetPageVisible(false)
	if st := ctl.State(); st.Mode != ModePageHidden || st.Interval != 2*time.Minute {
		t.Errorf("hidden page: %s/%v, want page-hidden/2m", st.Mode, st.Interval)
	}
	// progress updates keep being tracked while hidden
	adjust(ctl, 40, true)
	if st := ctl.State(); st.Mode != ModePageHidden {
		t.Errorf("hidden page after progress: %s", st.Mode)
	}
	ctl.SetPageVisible(true)
	ctl.SetUserActive(true)
	if st := ctl.State(); st.Mode != ModeFast {
		t.Errorf("restored mode = %s, want fast", st.Mode)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Mode{ModeLowPower, ModePageHidden, ModeLowPower, ModeFast}
	if len(modes) != len(want) {
		t.Fatalf("mode_changed events = %v, want %v", modes, want)
	}
	for i := range want {
		if modes[i] != want[i] {
			t.Errorf("mode_changed[%d] = %s, want %s", i, modes[i], want[i])
		}
	}
}

func TestInterval_StaysWithinBounds(t *testing.T) {
	cfgs := []Config{
		DefaultConfig(),
		{MinInterval: 2 * time.Second, MaxInterval: 15 * time.Second, MaxBackoff: time.Minute, ErrorThreshold: 2, LatencyThreshold: 500 * time.Millisecond},
	}
	for ci, cfg := range cfgs {
		//nolint:gosec // G404: deterministic test sequence
		rng := rand.New(rand.NewSource(int64(ci + 1)))
		clock := clockwork.NewFakeClock()
		ctl := New(cfg, WithClock(clock), WithJitter(func() float64 { return 0.85 + rng.Float64()*0.3 }))
		c := ctl.cfg

		for i := 0; i < 2000; i++ {
			switch rng.Intn(6) {
			case 0:
				adjust(ctl, rng.Float64()*100, rng.Intn(4) != 0)
			case 1:
				ctl.RecordError()
			case 2:
				ctl.RecordResponseTime(time.Duration(rng.Int63n(int64(5 * time.Second))))
			case 3:
				ctl.SetPageVisible(rng.Intn(2) == 0)
			case 4:
				ctl.SetUserActive(rng.Intn(2) == 0)
			case 5:
				adjust(ctl, 50, true)
			}
			if got := ctl.Interval(); got < c.MinInterval || got > c.MaxInterval {
				t.Fatalf("config %d step %d: Interval = %v outside [%v, %v]", ci, i, got, c.MinInterval, c.MaxInterval)
			}
		}
	}
}

func TestReset(t *testing.T) {
	ctl, _ := newTestController(t)
	adjust(ctl, 10, true)
	adjust(ctl, 10, false)
	ctl.SetPageVisible(false)
	for i := 0; i < 5; i++ {
		ctl.RecordError()
	}
	ctl.recordPoll("x", time.Second, nil)

	ctl.Reset()

	st := ctl.State()
	want := State{Mode: ModeActive, Interval: 3 * time.Second, UserActive: true, PageVisible: true}
	if st != want {
		t.Errorf("State after Reset = %+v, want %+v", st, want)
	}
	if m := ctl.Metrics(); m.TotalPolls != 0 {
		t.Errorf("TotalPolls after Reset = %d, want 0", m.TotalPolls)
	}
}

func TestMetrics(t *testing.T) {
	ctl, clock := newTestController(t)
	ctl.recordPoll("status", 100*time.Millisecond, nil)
	ctl.recordPoll("status", 300*time.Millisecond, nil)
	ctl.recordPoll("status", 0, context.DeadlineExceeded)
	ctl.recordPoll("status", time.Second, nil)
	clock.Advance(time.Minute)

	m := ctl.Metrics()
	if m.TotalPolls != 4 || m.SuccessfulPolls != 3 || m.FailedPolls != 1 {
		t.Errorf("counts = %d/%d/%d, want 4/3/1", m.TotalPolls, m.SuccessfulPolls, m.FailedPolls)
	}
	if m.AverageResponseTime != 1400*time.Millisecond/3 {
		t.Errorf("AverageResponseTime = %v", m.AverageResponseTime)
	}
	if m.SuccessRate != 75 {
		t.Errorf("SuccessRate = %v, want 75", m.SuccessRate)
	}
	if m.Uptime != time.Minute {
		t.Errorf("Uptime = %v, want 1m", m.Uptime)
	}
}

func TestConfigFrom(t *testing.T) {
	got := ConfigFrom(&config.PollerConfig{
		MinInterval:      time.Second,
		MaxInterval:      time.Minute,
		ErrorThreshold:   5,
		LatencyThreshold: 2 * time.Second,
		MaxBackoff:       30 * time.Second,
	})
	want := Config{
		MinInterval:      time.Second,
		MaxInterval:      time.Minute,
		MaxBackoff:       30 * time.Second,
		ErrorThreshold:   5,
		LatencyThreshold: 2 * time.Second,
		Debounce:         time.Second,
	}
	if got != want {
		t.Errorf("ConfigFrom() = %+v, want %+v", got, want)
	}
}
