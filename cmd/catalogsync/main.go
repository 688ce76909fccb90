// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package main is the entry point of the catalogsync binary.
//
// catalogsync mirrors an ERP product catalog into a local DuckDB store in two
// resumable phases, asset prefetch then batch upsert, coordinated across
// processes by a lock in a shared SQLite state database.
//
// # Commands
//
//	catalogsync serve            job API, metrics and supervised sync engine
//	catalogsync run [job]        foreground sync, exits when it finishes
//	catalogsync status [job]     one status request against the job API
//	catalogsync cancel [job]     cancel a run in the serving process
//	catalogsync reset [job]      return a finished job to idle
//	catalogsync watch [job]      adaptive status polling until the job ends
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest priority wins):
//   - Environment variables (CATALOGSYNC_ERP_URL, CATALOGSYNC_STATE_PATH, ...)
//   - Config file (config.yaml, --config or CONFIG_PATH)
//   - Built-in defaults
//
// # Exit Codes
//
//	0  success
//	1  the job failed or was cancelled
//	2  the command could not run (configuration, connectivity, conflicts)
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tomtom215/catalogsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
