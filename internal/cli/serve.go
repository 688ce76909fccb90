// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/catalogsync/internal/api"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/supervisor"
	"github.com/tomtom215/catalogsync/internal/supervisor/services"
)

func newServeCommand(opts *RootOptions) *cobra.Command {
	var startJob bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job API and sync engine under supervision",
		Long: `Start the job API server. Syncs are started, cancelled and reset
through POST /api/v1/jobs/{name}/start|cancel|reset and observed through
GET /api/v1/jobs/{name}. Prometheus metrics are served on /metrics.

On SIGINT or SIGTERM running syncs are cancelled, checkpoint their
progress and release their locks before the process exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, startJob)
		},
	}
	cmd.Flags().BoolVar(&startJob, "start", false, "start a sync of the configured job once the server is up")
	return cmd
}

func runServe(parent context.Context, opts *RootOptions, startJob bool) error {
	cfg := opts.Config
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := openEngine(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize sync engine", err)
	}
	defer eng.Close()

	treeCfg := supervisor.DefaultTreeConfig()
	if floor := cfg.Sync.CancelTimeout + 5*time.Second; treeCfg.ShutdownTimeout < floor {
		treeCfg.ShutdownTimeout = floor
	}
	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), treeCfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create supervisor tree", err)
	}

	handler := api.NewHandler(eng.manager, eng.healthChecks()...)
	router := api.NewRouter(handler, api.ChiMiddlewareConfigFrom(&cfg.Server))
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.SetupChi(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		// cancel waits up to the sync cancel timeout before responding
		WriteTimeout: cfg.Server.Timeout + cfg.Sync.CancelTimeout,
		IdleTimeout:  60 * time.Second,
	}

	tree.AddStorageService(services.NewPressureService(eng.pressure, cfg.Cache.PressureInterval, nil))
	tree.AddPipelineService(services.NewEventBusService(eng.bus))
	tree.AddPipelineService(eng.manager)
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))

	logging.Info().Str("addr", server.Addr).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	if startJob {
		go startWhenReady(ctx, eng, cfg.Sync.Job)
	}

	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown requested, waiting for services to stop")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}
	logging.Info().Msg("Catalogsync stopped")
	return nil
}

// startWhenReady starts job once the event bus is consuming, so the first
// progress events are not dropped.
func startWhenReady(ctx context.Context, eng *engine, job string) {
	select {
	case <-eng.bus.Running():
	case <-ctx.Done():
		return
	}
	runID, err := eng.manager.Start(ctx, job)
	if err != nil {
		logging.Error().Err(err).Str("job", job).Msg("Failed to start sync")
		return
	}
	logging.Info().Str("job", job).Str("run_id", runID).Msg("Sync started")
}
