// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package logging provides zerolog-based structured logging for catalogsync.
//
// A single global logger is configured once at startup and shared by every
// package. JSON output is the default; console output is available for local
// runs.
//
// # Quick Start
//
//	logging.Init(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	logging.Info().Str("job", "catalog").Msg("Sync started")
//	logging.Error().Err(err).Int("page", 3).Msg("Page failed")
//
// # Context
//
// Ctx(ctx) enriches log lines with the correlation ID and sync run ID stored
// on the context:
//
//	ctx = logging.ContextWithRunID(ctx, runID)
//	logging.Ctx(ctx).Info().Int("processed", n).Msg("Checkpoint saved")
//
// # Adapters
//
// NewSlogLogger returns a *slog.Logger for sutureslog. NewWatermillLogger
// returns a watermill.LoggerAdapter for the in-process event bus. Both write
// through the global zerolog logger.
//
// # Environment
//
// LOG_LEVEL, LOG_FORMAT and LOG_CALLER configure the logger before Init is
// called, so package init code can log.
package logging
