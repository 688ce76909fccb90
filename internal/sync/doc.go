// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package sync implements the resumable two-phase catalog sync engine.

A run pulls the ERP catalog into local storage in two strictly ordered
phases:

	Phase 1 (assets)   list every record id, download each record's assets,
	                   store unique blobs by content digest and index them
	                   by (record id, position)
	Phase 2 (records)  page through full records, attach indexed assets and
	                   upsert into the catalog by external id

Phase 2 never starts until Phase 1 is completed for the job.

# Durability

Each phase saves a checkpoint: Phase 1 every CheckpointEvery records and on
cancellation, Phase 2 after every page. A run that follows a crashed,
failed or cancelled run resumes from these checkpoints. Both phases are
idempotent, so work repeated after a crash produces no duplicates.

# Exclusion

Runs hold a named lock in the shared SQLite state database for their whole
lifetime and refresh it on HeartbeatInterval. A second Start for the same
job, in any process on the host, fails with ErrJobRunning.

# Errors

Per-unit failures (one record's assets, one record's upsert, one page after
retries) are counted and skipped. FatalError (state or asset store failure,
lost lock, unlistable source) fails the phase and keeps its checkpoint.

# Usage

	mgr, err := sync.NewManager(sync.Deps{
		Source:  erpClient,
		State:   stateStore,
		Locks:   locks,
		Assets:  blobStore,
		Catalog: catalogStore,
		Events:  bus,
	}, sync.OptionsFromConfig(cfg))
	runID, err := mgr.Start(ctx, "catalog")
*/
package sync
