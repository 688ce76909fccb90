// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package catalog is the local record store written by the batch upsert phase.
//
// Records are keyed by the ERP record id (external_id). Upsert uses
// INSERT ... ON CONFLICT (external_id) DO UPDATE and compares a content hash
// first, so replaying a page reports every record as Unchanged and writes
// nothing. Attributes and asset links are stored as JSON text.
package catalog
