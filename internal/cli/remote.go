// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/poller"
)

// jobClient calls the job API of a running "catalogsync serve".
type jobClient struct {
	base   *url.URL
	client *http.Client
}

type jobEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// apiError is a non-2xx job API response.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("job API HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

func newJobClient(serverURL string, timeout time.Duration) (*jobClient, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", serverURL)
	}
	return &jobClient{base: u, client: &http.Client{Timeout: timeout}}, nil
}

func (c *jobClient) call(ctx context.Context, method, job, action string, out interface{}) error {
	u := c.base.JoinPath("api", "v1", "jobs", job)
	if action != "" {
		u = u.JoinPath(action)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if id := logging.CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env jobEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		apiErr := &apiError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

// remoteExit maps job API failures onto exit codes. Rejected requests
// (conflict, not running) are command errors; transport failures too.
func remoteExit(action string, err error) error {
	return WrapExitError(ExitCommandError, action+" failed", err)
}

func (o *RootOptions) jobClient() (*jobClient, error) {
	return newJobClient(o.serverURL(), o.Config.Poller.RequestTimeout)
}

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [job]",
		Short: "Show the status of a job",
		Long: `Fetch a job's status from the job API: phase, progress, counters, and
whether the sync lock is held.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.jobClient()
			if err != nil {
				return WrapExitError(ExitCommandError, "status failed", err)
			}
			var st poller.JobStatus
			if err := c.call(cmd.Context(), http.MethodGet, opts.jobArg(args), "", &st); err != nil {
				return remoteExit("status", err)
			}
			return opts.printer(cmd).status(&st)
		},
	}
}

func newCancelCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [job]",
		Short: "Cancel a running sync",
		Long: `Ask the serving process to cancel a running sync. The command returns
once the run has checkpointed its progress and released its lock.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.jobClient()
			if err != nil {
				return WrapExitError(ExitCommandError, "cancel failed", err)
			}
			// the server waits up to its cancel timeout before answering
			c.client.Timeout += opts.Config.Sync.CancelTimeout
			var st poller.JobStatus
			if err := c.call(cmd.Context(), http.MethodPost, opts.jobArg(args), "cancel", &st); err != nil {
				return remoteExit("cancel", err)
			}
			return opts.printer(cmd).status(&st)
		},
	}
}

func newResetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset [job]",
		Short: "Reset a finished job to idle",
		Long: `Clear a job's checkpoints and prefetch marker so the next start begins
from scratch. Fails while the job is running.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.jobClient()
			if err != nil {
				return WrapExitError(ExitCommandError, "reset failed", err)
			}
			var st poller.JobStatus
			if err := c.call(cmd.Context(), http.MethodPost, opts.jobArg(args), "reset", &st); err != nil {
				return remoteExit("reset", err)
			}
			return opts.printer(cmd).status(&st)
		},
	}
}
