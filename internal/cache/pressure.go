// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package cache

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
)

// Tier classifies system memory pressure.
type Tier int

const (
	TierLight      Tier = iota // < 60%
	TierModerate               // 60-75%
	TierAggressive             // 75-85%
	TierCritical               // >= 85%
)

func (t Tier) String() string {
	switch t {
	case TierLight:
		return "light"
	case TierModerate:
		return "moderate"
	case TierAggressive:
		return "aggressive"
	case TierCritical:
		return "critical"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// TierFor maps a used-memory percentage to a tier.
func TierFor(usedPercent float64) Tier {
	switch {
	case usedPercent >= 85:
		return TierCritical
	case usedPercent >= 75:
		return TierAggressive
	case usedPercent >= 60:
		return TierModerate
	default:
		return TierLight
	}
}

// evictFraction is the share of each cache dropped per tier, after expired
// entries. Critical clears everything.
func (t Tier) evictFraction() float64 {
	switch t {
	case TierModerate:
		return 0.25
	case TierAggressive:
		return 0.5
	case TierCritical:
		return 1
	default:
		return 0
	}
}

// Evictable is a cache the pressure manager can shrink.
type Evictable interface {
	Name() string
	EvictFraction(fraction float64) int
}

// MemoryProbe returns the used system memory percentage.
type MemoryProbe func(ctx context.Context) (float64, error)

// SystemMemory measures used memory with gopsutil.
func SystemMemory(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("read virtual memory: %w", err)
	}
	return vm.UsedPercent, nil
}

// PressureManager runs eviction passes sized to measured memory pressure.
type PressureManager struct {
	mu     sync.Mutex
	probe  MemoryProbe
	caches []Evictable
	gc     func()
}

// NewPressureManager creates a manager; a nil probe uses SystemMemory.
func NewPressureManager(probe MemoryProbe, caches ...Evictable) *PressureManager {
	if probe == nil {
		probe = SystemMemory
	}
	return &PressureManager{probe: probe, caches: caches, gc: runtime.GC}
}

// Register adds caches to future eviction passes.
func (p *PressureManager) Register(caches ...Evictable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.caches = append(p.caches, caches...)
}

// Relief describes one eviction pass.
type Relief struct {
	Tier        Tier
	UsedPercent float64
	Evicted     int
	GCRan       bool
}

// Relieve measures memory and evicts accordingly. Aggressive and critical
// tiers also force a GC; critical returns freed memory to the OS. A failed
// measurement falls back to the light tier.
func (p *PressureManager) Relieve(ctx context.Context) Relief {
	used, err := p.probe(ctx)
	if err != nil {
		logging.Debug().Err(err).Msg("Memory probe failed, assuming light pressure")
		used = 0
	}
	tier := TierFor(used)

	p.mu.Lock()
	caches := append([]Evictable(nil), p.caches...)
	gc := p.gc
	p.mu.Unlock()

	relief := Relief{Tier: tier, UsedPercent: used}
	for _, c := range caches {
		n := c.EvictFraction(tier.evictFraction())
		if n > 0 {
			metrics.CacheEvictions.WithLabelValues(c.Name(), tier.String()).Add(float64(n))
		}
		relief.Evicted += n
	}

	if tier >= TierAggressive {
		gc()
		relief.GCRan = true
		if tier == TierCritical {
			debug.FreeOSMemory()
		}
	}

	metrics.MemoryPressureTier.Set(float64(tier))
	if tier >= TierModerate {
		logging.Info().
			Str("tier", tier.String()).
			Float64("used_percent", used).
			Int("evicted", relief.Evicted).
			Msg("Memory pressure eviction pass")
	}
	return relief
}
