// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/catalogsync/internal/lock"
	"github.com/tomtom215/catalogsync/internal/logging"
	intsync "github.com/tomtom215/catalogsync/internal/sync"
)

// Jobs is the job control surface served over HTTP. *intsync.Manager
// implements it.
type Jobs interface {
	Start(ctx context.Context, job string) (string, error)
	Cancel(ctx context.Context, job string) error
	Reset(ctx context.Context, job string) error
	Status(ctx context.Context, job string) (*intsync.Status, error)
}

// HealthCheck is one named dependency probe for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler serves the job API.
type Handler struct {
	jobs      Jobs
	checks    []HealthCheck
	startTime time.Time
}

// NewHandler creates a handler over jobs.
func NewHandler(jobs Jobs, checks ...HealthCheck) *Handler {
	return &Handler{
		jobs:      jobs,
		checks:    checks,
		startTime: time.Now(),
	}
}

// StartResponse is returned by the start endpoint.
type StartResponse struct {
	Job   string `json:"job"`
	RunID string `json:"run_id"`
}

// JobStatus handles GET /api/v1/jobs/{name}.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "name")
	st, err := h.jobs.Status(r.Context(), job)
	if err != nil {
		h.writeJobError(w, r, job, err)
		return
	}
	WriteSuccess(w, r, st)
}

// StartJob handles POST /api/v1/jobs/{name}/start.
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "name")
	runID, err := h.jobs.Start(r.Context(), job)
	if err != nil {
		h.writeJobError(w, r, job, err)
		return
	}
	logging.Ctx(r.Context()).Info().Str("job", job).Str("run_id", runID).Msg("Sync started via API")
	NewResponseWriter(w, r).Accepted(StartResponse{Job: job, RunID: runID})
}

// CancelJob handles POST /api/v1/jobs/{name}/cancel. It returns once the run
// stopped or the cancel timeout elapsed.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "name")
	if err := h.jobs.Cancel(r.Context(), job); err != nil {
		h.writeJobError(w, r, job, err)
		return
	}
	h.writeStatus(w, r, job)
}

// ResetJob handles POST /api/v1/jobs/{name}/reset.
func (h *Handler) ResetJob(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "name")
	if err := h.jobs.Reset(r.Context(), job); err != nil {
		h.writeJobError(w, r, job, err)
		return
	}
	h.writeStatus(w, r, job)
}

func (h *Handler) writeStatus(w http.ResponseWriter, r *http.Request, job string) {
	st, err := h.jobs.Status(r.Context(), job)
	if err != nil {
		h.writeJobError(w, r, job, err)
		return
	}
	WriteSuccess(w, r, st)
}

// writeJobError maps job control errors onto HTTP status codes.
func (h *Handler) writeJobError(w http.ResponseWriter, r *http.Request, job string, err error) {
	rw := NewResponseWriter(w, r)
	switch {
	case errors.Is(err, intsync.ErrInvalidJob):
		rw.BadRequest(err.Error())
	case errors.Is(err, intsync.ErrJobRunning), errors.Is(err, lock.ErrAlreadyLocked):
		rw.Conflict(err.Error())
	case errors.Is(err, intsync.ErrNotRunning):
		rw.NotFound(err.Error())
	case errors.Is(err, intsync.ErrCancelTimeout):
		rw.Error(http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	case errors.Is(err, intsync.ErrCancelled):
		rw.ServiceUnavailable("sync manager is shutting down")
	default:
		logging.Ctx(r.Context()).Error().Err(err).Str("job", job).Msg("Job request failed")
		rw.InternalError("internal error")
	}
}

// HealthResponse is the /healthz payload.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Uptime float64           `json:"uptime_seconds"`
}

// Health handles GET /healthz. Any failing check yields 503 "degraded".
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status: "healthy",
		Uptime: time.Since(h.startTime).Seconds(),
	}
	if len(h.checks) > 0 {
		resp.Checks = make(map[string]string, len(h.checks))
	}
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[c.Name] = err.Error()
			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	rw := NewResponseWriter(w, r)
	if resp.Status != "healthy" {
		rw.writeJSON(http.StatusServiceUnavailable, APIResponse{Success: false, Data: resp, Meta: rw.meta()})
		return
	}
	rw.Success(resp)
}
