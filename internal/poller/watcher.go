// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/logging"
)

// JobStatus is the subset of the job status endpoint the watcher reads.
type JobStatus struct {
	Job             string    `json:"job"`
	Phase           string    `json:"phase"`
	Processed       int       `json:"processed"`
	Total           int       `json:"total"`
	Errors          int       `json:"errors"`
	Created         int       `json:"created"`
	Updated         int       `json:"updated"`
	ProgressPercent float64   `json:"progress_percent"`
	Running         bool      `json:"running"`
	LockHeld        bool      `json:"lock_held"`
	LastError       string    `json:"last_error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Active reports whether a phase is executing.
func (s *JobStatus) Active() bool {
	return s.Phase == "assets" || s.Phase == "records"
}

// Terminal reports whether the job has finished.
func (s *JobStatus) Terminal() bool {
	switch s.Phase {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// Finished reports whether the job is terminal and no run holds it. A
// terminal phase reported while a run is registered or the lock is held
// belongs to the previous run.
func (s *JobStatus) Finished() bool {
	return s.Terminal() && !s.Running && !s.LockHeld
}

type statusEnvelope struct {
	Success bool       `json:"success"`
	Data    *JobStatus `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// JobWatcher polls a job's status endpoint through a Controller until the
// job reaches a terminal phase.
type JobWatcher struct {
	ctl     *Controller
	client  *http.Client
	baseURL *url.URL
	job     string
}

// NewJobWatcher creates a watcher for job on the API at serverURL.
func NewJobWatcher(ctl *Controller, serverURL, job string, timeout time.Duration) (*JobWatcher, error) {
	if ctl == nil {
		return nil, errors.New("watcher requires a controller")
	}
	if job == "" {
		return nil, errors.New("job name is required")
	}
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", serverURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &JobWatcher{
		ctl:     ctl,
		client:  &http.Client{Timeout: timeout},
		baseURL: u,
		job:     job,
	}, nil
}

// Watch polls until the job has finished and returns its final status. Each
// status is emitted as EventStatus; EventStopped follows the terminal status.
// The controller is reset before Watch returns.
func (w *JobWatcher) Watch(ctx context.Context) (*JobStatus, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	final := make(chan *JobStatus, 1)
	name := "job:" + w.job
	h, err := w.ctl.StartPolling(ctx, name, func(ctx context.Context) error {
		st, err := w.fetch(ctx)
		if err != nil {
			return err
		}
		w.ctl.AdjustPolling(st.ProgressPercent, st.Active())
		w.ctl.Emit(EventStatus, st)
		if st.Finished() {
			select {
			case final <- st:
			default:
			}
		}
		return nil
	}, 0)
	if err != nil {
		return nil, err
	}
	defer w.ctl.Reset()

	select {
	case st := <-final:
		w.ctl.StopPolling(name)
		w.ctl.Emit(EventStopped, st)
		logging.Info().Str("job", w.job).Str("phase", st.Phase).Msg("Job reached terminal phase")
		return st, nil
	case <-h.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.New("status polling stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fetch performs a single status request.
func (w *JobWatcher) Fetch(ctx context.Context) (*JobStatus, error) {
	return w.fetch(ctx)
}

func (w *JobWatcher) fetch(ctx context.Context) (*JobStatus, error) {
	u := w.baseURL.JoinPath("api", "v1", "jobs", w.job)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read job status: %w", err)
	}
	var env statusEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode job status (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success || env.Data == nil {
		msg := http.StatusText(resp.StatusCode)
		if env.Error != nil {
			msg = env.Error.Message
		}
		return nil, fmt.Errorf("job status HTTP %d: %s", resp.StatusCode, msg)
	}
	return env.Data, nil
}
