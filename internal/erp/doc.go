// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package erp is the HTTP client for the remote ERP catalog API.
//
// Requests are paced with golang.org/x/time/rate and guarded by a
// sony/gobreaker circuit breaker. Responses are decoded with goccy/go-json.
//
// Errors classify into two sentinels:
//
//   - ErrRetryable: HTTP 429, 5xx, transport failures. IsRetryable is the
//     backoff.Classifier used by the sync phases; an open breaker also counts.
//   - ErrRecordRejected: any other 4xx, or an oversized asset. The caller
//     counts the record as failed and moves on.
//
// Pagination tokens are decimal offsets, so NextToken can derive the page
// after one that could not be fetched.
package erp
