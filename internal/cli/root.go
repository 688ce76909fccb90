// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package cli implements the catalogsync command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/logging"
)

// RootOptions holds global flags and the loaded configuration.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Format     string // "text" | "json"
	Server     string

	// Config is loaded in PersistentPreRunE.
	Config *config.Config

	// load replaces config.Load in tests.
	load func() (*config.Config, error)
}

var validFormats = []string{"text", "json"}

// NewRootCommand creates the catalogsync command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{load: config.Load})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalogsync",
		Short: "Synchronize an ERP product catalog into a local store",
		Long: `catalogsync mirrors records and their binary assets from a remote ERP
catalog API into a local DuckDB catalog.

A sync runs in two phases: asset prefetch downloads and deduplicates every
record's assets, then batch upsert writes records page by page. Progress is
checkpointed so an interrupted run resumes where it stopped, and a lock in the
shared state database keeps two processes from syncing the same job.

Configuration is read from config.yaml (or --config / CONFIG_PATH) and
CATALOGSYNC_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !isValidFormat(opts.Format) {
				return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, validFormats)}
			}
			return opts.loadConfig()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file path (overrides "+config.ConfigPathEnvVar+")")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level override (trace|debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "job API base URL for remote commands (default poller.server_url)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newCancelCommand(opts))
	cmd.AddCommand(newResetCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig() error {
	if o.ConfigPath != "" {
		if _, err := os.Stat(o.ConfigPath); err != nil {
			return WrapExitError(ExitCommandError, "config file not readable", err)
		}
		if err := os.Setenv(config.ConfigPathEnvVar, o.ConfigPath); err != nil {
			return WrapExitError(ExitCommandError, "set config path", err)
		}
	}

	load := o.load
	if load == nil {
		load = config.Load
	}
	cfg, err := load()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	level := cfg.Logging.Level
	if o.LogLevel != "" {
		level = o.LogLevel
	}
	logging.Init(logging.Config{
		Level:     level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})
	o.Config = cfg
	return nil
}

// serverURL is the job API used by status, cancel, reset and watch.
func (o *RootOptions) serverURL() string {
	if o.Server != "" {
		return o.Server
	}
	return o.Config.Poller.ServerURL
}

func (o *RootOptions) printer(cmd *cobra.Command) printer {
	return printer{format: o.Format, w: cmd.OutOrStdout()}
}

// jobArg returns the job named on the command line or the configured default.
func (o *RootOptions) jobArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return o.Config.Sync.Job
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}
