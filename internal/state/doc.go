// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package state persists the resumable progress of sync jobs: per-phase
// checkpoints, phase status, the job state read by pollers, and the asset
// index written by the asset prefetch phase.
//
// SQLiteStore is the production implementation. The database lives on local
// disk and is shared by every catalogsync process on the host (server, CLI,
// watchers), which is why SQLite is used here rather than an embedded store
// that holds an exclusive directory lock. MemoryStore backs tests.
package state
