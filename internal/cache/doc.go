// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package cache provides the in-process caches used during long sync phases
// and the memory-pressure manager that shrinks them.
//
// LRU is a generic, size-accounted LRU with TTL. PressureManager measures
// used system memory (gopsutil) and evicts from every registered cache by
// tier:
//
//	light       < 60%   expired entries only
//	moderate   60-75%   plus 25% least recently used
//	aggressive 75-85%   plus 50%, then runtime.GC
//	critical   >= 85%   everything, GC and return memory to the OS
//
// The asset prefetch phase calls Relieve at every yield point.
package cache
