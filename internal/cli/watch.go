// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/poller"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Start bool
	// Poller overrides the controller configuration (tests).
	Poller *poller.Config
}

func newWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch [job]",
		Short: "Follow a job's progress until it finishes",
		Long: `Poll the job API with an adaptive interval and print each status until
the job completes, fails or is cancelled. Polling speeds up while progress
moves quickly and slows down while it stalls; failed requests back off.

Exit status is 0 when the job completed and 1 when it failed or was cancelled.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts, opts.jobArg(args))
		},
	}
	cmd.Flags().BoolVar(&opts.Start, "start", false, "start the job before watching it")
	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions, job string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.ContextWithNewCorrelationID(ctx)

	pcfg := poller.ConfigFrom(&opts.Config.Poller)
	if opts.Poller != nil {
		pcfg = *opts.Poller
	}
	ctl := poller.New(pcfg)
	watcher, err := poller.NewJobWatcher(ctl, opts.serverURL(), job, opts.Config.Poller.RequestTimeout)
	if err != nil {
		return WrapExitError(ExitCommandError, "watch failed", err)
	}

	if opts.Start {
		c, err := opts.jobClient()
		if err != nil {
			return WrapExitError(ExitCommandError, "start failed", err)
		}
		var started struct {
			RunID string `json:"run_id"`
		}
		if err := c.call(ctx, http.MethodPost, job, "start", &started); err != nil {
			return remoteExit("start", err)
		}
		logging.Info().Str("job", job).Str("run_id", started.RunID).Msg("Sync started")
	}

	out := opts.printer(cmd)
	last := poller.JobStatus{}
	if _, err := ctl.On(poller.EventStatus, func(e poller.Event) error {
		st, ok := e.Payload.(*poller.JobStatus)
		if !ok || *st == last {
			return nil
		}
		last = *st
		return out.status(st)
	}); err != nil {
		return WrapExitError(ExitCommandError, "watch failed", err)
	}
	if _, err := ctl.On(poller.EventModeChanged, func(e poller.Event) error {
		if st, ok := e.Payload.(poller.State); ok {
			logging.Debug().Str("mode", string(st.Mode)).Dur("interval", st.Interval).Msg("Polling mode changed")
		}
		return nil
	}); err != nil {
		return WrapExitError(ExitCommandError, "watch failed", err)
	}

	final, err := watcher.Watch(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return WrapExitError(ExitFailure, "watch interrupted", err)
		}
		return WrapExitError(ExitCommandError, "watch failed", err)
	}
	return terminalError(final)
}
