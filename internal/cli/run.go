// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/poller"
	"github.com/tomtom215/catalogsync/internal/state"
	intsync "github.com/tomtom215/catalogsync/internal/sync"
)

func newRunCommand(opts *RootOptions) *cobra.Command {
	var phase string

	cmd := &cobra.Command{
		Use:   "run [job]",
		Short: "Run a sync in the foreground",
		Long: `Run a sync of job (default sync.job) in this process and exit when it
finishes. An interrupted or failed run resumes from its checkpoints the next
time it is started.

--phase runs a single phase: "assets" re-runs the prefetch, "records" runs
the upsert and requires a completed prefetch.

Example:
  catalogsync run
  catalogsync run catalog --phase records`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(cmd, opts, opts.jobArg(args), phase)
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "run only this phase (assets|records)")
	return cmd
}

func runForeground(cmd *cobra.Command, opts *RootOptions, job, phase string) error {
	if phase != "" && phase != string(state.PhaseAssets) && phase != string(state.PhaseRecords) {
		return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid phase %q: must be assets or records", phase)}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := openEngine(ctx, opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize sync engine", err)
	}
	defer eng.Close()

	busCtx, stopBus := context.WithCancel(context.WithoutCancel(ctx))
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		if err := eng.bus.Run(busCtx); err != nil {
			logging.Warn().Err(err).Msg("Event bus stopped")
		}
	}()
	defer func() {
		stopBus()
		<-busDone
	}()
	select {
	case <-eng.bus.Running():
	case <-ctx.Done():
		return WrapExitError(ExitFailure, "interrupted", ctx.Err())
	}

	ctx = logging.ContextWithNewCorrelationID(ctx)
	var final *intsync.JobState
	if phase == "" {
		final, err = eng.manager.Run(ctx, job)
	} else {
		final, err = eng.manager.RunPhase(ctx, job, state.Phase(phase))
	}

	if final != nil {
		if perr := opts.printer(cmd).status(jobStatusFrom(final)); perr != nil {
			return perr
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, intsync.ErrJobRunning), errors.Is(err, intsync.ErrAssetsNotReady), errors.Is(err, intsync.ErrInvalidJob):
		return WrapExitError(ExitCommandError, "sync not started", err)
	default:
		return WrapExitError(ExitFailure, "sync did not complete", err)
	}
}

// jobStatusFrom renders a local job state the way the status API reports it.
func jobStatusFrom(st *intsync.JobState) *poller.JobStatus {
	return &poller.JobStatus{
		Job:             st.Job,
		Phase:           string(st.Phase),
		Processed:       st.Processed,
		Total:           st.Total,
		Errors:          st.Errors,
		Created:         st.Created,
		Updated:         st.Updated,
		ProgressPercent: st.ProgressPercent(),
		LastError:       st.LastError,
		StartedAt:       st.StartedAt,
		UpdatedAt:       st.UpdatedAt,
	}
}
