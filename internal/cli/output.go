// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/poller"
)

// Exit codes returned by the catalogsync binary.
const (
	ExitSuccess = 0
	// ExitFailure means the command ran but the job failed or was cancelled.
	ExitFailure = 1
	// ExitCommandError means the command could not run (config, connectivity).
	ExitCommandError = 2
)

// ExitError carries an exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err. Plain errors map to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// printer renders command results as text or JSON.
type printer struct {
	format string
	w      io.Writer
}

func (p printer) json(v interface{}) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// status prints a job status line, or the full document in JSON mode.
func (p printer) status(st *poller.JobStatus) error {
	if p.format == "json" {
		return p.json(st)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-10s %5.1f%%  %d/%d", st.Job, st.Phase, st.ProgressPercent, st.Processed, st.Total)
	if st.Created > 0 || st.Updated > 0 {
		fmt.Fprintf(&b, "  created=%d updated=%d", st.Created, st.Updated)
	}
	if st.Errors > 0 {
		fmt.Fprintf(&b, "  errors=%d", st.Errors)
	}
	if st.LockHeld {
		b.WriteString("  [locked]")
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, "  last_error=%q", st.LastError)
	}
	if !st.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "  updated %s", st.UpdatedAt.Local().Format(time.TimeOnly))
	}
	_, err := fmt.Fprintln(p.w, b.String())
	return err
}

// message prints a one-line result.
func (p printer) message(msg string, fields map[string]interface{}) error {
	if p.format == "json" {
		out := map[string]interface{}{"message": msg}
		for k, v := range fields {
			out[k] = v
		}
		return p.json(out)
	}
	_, err := fmt.Fprintln(p.w, msg)
	return err
}

// terminalError converts a finished job phase into the command result.
func terminalError(st *poller.JobStatus) error {
	switch st.Phase {
	case "failed":
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("job %s failed: %s", st.Job, st.LastError)}
	case "cancelled":
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("job %s was cancelled", st.Job)}
	}
	return nil
}
