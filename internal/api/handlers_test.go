// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/lock"
	"github.com/tomtom215/catalogsync/internal/state"
	intsync "github.com/tomtom215/catalogsync/internal/sync"
)

// fakeJobs is an in-memory Jobs implementation.
type fakeJobs struct {
	mu        sync.Mutex
	startErr  error
	cancelErr error
	resetErr  error
	statusErr error
	phase     state.JobPhase
	calls     []string
}

func (f *fakeJobs) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeJobs) Start(_ context.Context, job string) (string, error) {
	f.record("start:" + job)
	if f.startErr != nil {
		return "", f.startErr
	}
	return "run-1", nil
}

func (f *fakeJobs) Cancel(_ context.Context, job string) error {
	f.record("cancel:" + job)
	if f.cancelErr == nil {
		f.phase = state.JobCancelled
	}
	return f.cancelErr
}

func (f *fakeJobs) Reset(_ context.Context, job string) error {
	f.record("reset:" + job)
	if f.resetErr == nil {
		f.phase = state.JobIdle
	}
	return f.resetErr
}

func (f *fakeJobs) Status(_ context.Context, job string) (*intsync.Status, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	phase := f.phase
	if phase == "" {
		phase = state.JobRecords
	}
	return &intsync.Status{
		JobState: &state.JobState{
			Job:       job,
			Phase:     phase,
			Processed: 25,
			Total:     100,
		},
		ProgressPercent: 25,
		Running:         phase.Active(),
		Locked:          phase.Active(),
		AssetsPhase:     state.StatusCompleted,
		RecordsPhase:    state.StatusRunning,
	}, nil
}

func newTestServer(t *testing.T, jobs Jobs, mw *ChiMiddlewareConfig, checks ...HealthCheck) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(NewHandler(jobs, checks...), mw).SetupChi())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return resp, body
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func TestJobStatus(t *testing.T) {
	srv := newTestServer(t, &fakeJobs{}, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/jobs/catalog")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["success"] != true {
		t.Fatalf("success = %v", body["success"])
	}
	data := body["data"].(map[string]interface{})
	checks := map[string]interface{}{
		"job":              "catalog",
		"phase":            "records",
		"processed":        float64(25),
		"total":            float64(100),
		"progress_percent": float64(25),
		"running":          true,
		"lock_held":        true,
		"assets_phase":     string(state.StatusCompleted),
	}
	for k, want := range checks {
		if data[k] != want {
			t.Errorf("data[%q] = %v, want %v", k, data[k], want)
		}
	}
	if meta, ok := body["meta"].(map[string]interface{}); !ok || meta["request_id"] == "" {
		t.Errorf("meta.request_id missing: %v", body["meta"])
	}
}

func TestJobEndpoints_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		jobs       *fakeJobs
		method     string
		path       string
		wantStatus int
		wantCode   string
	}{
		{"start accepted", &fakeJobs{}, http.MethodPost, "/start", http.StatusAccepted, ""},
		{"start while running", &fakeJobs{startErr: intsync.ErrJobRunning}, http.MethodPost, "/start", http.StatusConflict, ErrCodeConflict},
		{"start while locked elsewhere", &fakeJobs{startErr: fmt.Errorf("acquire: %w", lock.ErrAlreadyLocked)}, http.MethodPost, "/start", http.StatusConflict, ErrCodeConflict},
		{"start during shutdown", &fakeJobs{startErr: fmt.Errorf("sync manager stopped: %w", intsync.ErrCancelled)}, http.MethodPost, "/start", http.StatusServiceUnavailable, ErrCodeServiceUnavailable},
		{"cancel idle job", &fakeJobs{cancelErr: intsync.ErrNotRunning}, http.MethodPost, "/cancel", http.StatusNotFound, ErrCodeNotFound},
		{"cancel timeout", &fakeJobs{cancelErr: intsync.ErrCancelTimeout}, http.MethodPost, "/cancel", http.StatusGatewayTimeout, ErrCodeTimeout},
		{"cancel ok", &fakeJobs{}, http.MethodPost, "/cancel", http.StatusOK, ""},
		{"reset while running", &fakeJobs{resetErr: intsync.ErrJobRunning}, http.MethodPost, "/reset", http.StatusConflict, ErrCodeConflict},
		{"reset ok", &fakeJobs{}, http.MethodPost, "/reset", http.StatusOK, ""},
		{"status store failure", &fakeJobs{statusErr: errors.New("database is locked")}, http.MethodGet, "/", http.StatusInternalServerError, ErrCodeInternalError},
		{"invalid job name", &fakeJobs{statusErr: intsync.ErrInvalidJob}, http.MethodGet, "/", http.StatusBadRequest, ErrCodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.jobs, nil)
			resp, body := do(t, tt.method, srv.URL+"/api/v1/jobs/catalog"+strings.TrimSuffix(tt.path, "/"))
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, tt.wantStatus, body)
			}
			if got := errorCode(body); got != tt.wantCode {
				t.Errorf("error code = %q, want %q", got, tt.wantCode)
			}
			if tt.wantCode == "" && body["success"] != true {
				t.Errorf("success = %v, want true", body["success"])
			}
		})
	}
}

func TestStartJob_ReturnsRunID(t *testing.T) {
	jobs := &fakeJobs{}
	srv := newTestServer(t, jobs, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/jobs/catalog/start")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	data := body["data"].(map[string]interface{})
	if data["job"] != "catalog" || data["run_id"] != "run-1" {
		t.Errorf("data = %v", data)
	}
	if len(jobs.calls) != 1 || jobs.calls[0] != "start:catalog" {
		t.Errorf("calls = %v", jobs.calls)
	}
}

func TestCancelJob_ReturnsStatus(t *testing.T) {
	srv := newTestServer(t, &fakeJobs{}, nil)

	_, body := do(t, http.MethodPost, srv.URL+"/api/v1/jobs/catalog/cancel")
	data := body["data"].(map[string]interface{})
	if data["phase"] != string(state.JobCancelled) {
		t.Errorf("phase = %v, want cancelled", data["phase"])
	}
	if data["running"] != false {
		t.Errorf("running = %v, want false", data["running"])
	}
}

func TestMethodAndRouteErrors(t *testing.T) {
	srv := newTestServer(t, &fakeJobs{}, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/jobs/catalog/start")
	if resp.StatusCode != http.StatusMethodNotAllowed || errorCode(body) != "METHOD_NOT_ALLOWED" {
		t.Errorf("GET start = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/nope")
	if resp.StatusCode != http.StatusNotFound || errorCode(body) != ErrCodeNotFound {
		t.Errorf("GET /nope = %d %v", resp.StatusCode, body)
	}
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := newTestServer(t, &fakeJobs{}, nil,
			HealthCheck{Name: "state", Check: func(context.Context) error { return nil }},
		)
		resp, body := do(t, http.MethodGet, srv.URL+"/healthz")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		data := body["data"].(map[string]interface{})
		if data["status"] != "healthy" {
			t.Errorf("status = %v", data["status"])
		}
	})

	t.Run("degraded", func(t *testing.T) {
		srv := newTestServer(t, &fakeJobs{}, nil,
			HealthCheck{Name: "state", Check: func(context.Context) error { return nil }},
			HealthCheck{Name: "catalog", Check: func(context.Context) error { return errors.New("connection refused") }},
		)
		resp, body := do(t, http.MethodGet, srv.URL+"/healthz")
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", resp.StatusCode)
		}
		data := body["data"].(map[string]interface{})
		if data["status"] != "degraded" {
			t.Errorf("status = %v", data["status"])
		}
		checks := data["checks"].(map[string]interface{})
		if checks["state"] != "ok" || checks["catalog"] != "connection refused" {
			t.Errorf("checks = %v", checks)
		}
	})
}

func TestRequestIDEcho(t *testing.T) {
	srv := newTestServer(t, &fakeJobs{}, nil)

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/api/v1/jobs/catalog", nil)
	req.Header.Set("X-Request-Id", "req-abc")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Request-Id"); got != "req-abc" {
		t.Errorf("X-Request-Id = %q, want req-abc", got)
	}
	var body APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Meta == nil || body.Meta.RequestID != "req-abc" {
		t.Errorf("meta = %+v, want request_id req-abc", body.Meta)
	}
}

func TestRateLimit(t *testing.T) {
	mw := DefaultChiMiddlewareConfig()
	mw.RateLimitRequests = 2
	mw.RateLimitWindow = time.Minute
	srv := newTestServer(t, &fakeJobs{}, mw)

	for i := 0; i < 2; i++ {
		if resp, _ := do(t, http.MethodGet, srv.URL+"/api/v1/jobs/catalog"); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, resp.StatusCode)
		}
	}
	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/jobs/catalog")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if errorCode(body) != ErrCodeTooManyRequests {
		t.Errorf("code = %q", errorCode(body))
	}

	// health is outside the limited group
	if resp, _ := do(t, http.MethodGet, srv.URL+"/healthz"); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeJobs{}, nil)
	do(t, http.MethodGet, srv.URL+"/api/v1/jobs/catalog")

	resp, err := http.Get(srv.URL + "/metrics") //nolint:noctx // test
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(raw), "api_requests_total") {
		t.Error("api_requests_total not exported")
	}
}

func TestChiMiddlewareConfigDefaults(t *testing.T) {
	c := DefaultChiMiddlewareConfig()
	if c.RateLimitRequests != 100 || c.RateLimitWindow != time.Minute {
		t.Errorf("rate limit = %d/%v", c.RateLimitRequests, c.RateLimitWindow)
	}
	if len(c.CORSAllowedOrigins) != 0 {
		t.Errorf("CORS origins should default to empty, got %v", c.CORSAllowedOrigins)
	}
}
