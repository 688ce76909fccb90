// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package poller provides an adaptive polling controller for job status.

The Controller picks a cadence mode from observed progress:

	not active             -> idle   (30s)
	progress delta >= 5    -> fast   (1s)
	progress delta >= 0.5  -> active (3s)
	unchanged 5 times      -> slow   (10s)

A high average response latency stretches the interval by 1.5x; a very low
one shrinks slow intervals by 0.8x down to the active interval. An inactive
user forces low-power mode (60s) and a hidden page forces page-hidden mode
(120s). Every interval is clamped to [MinInterval, MaxInterval].

Consecutive poll errors at or above ErrorThreshold grow the interval
exponentially up to MaxBackoff. A response within the latency threshold
ends the backoff.

AdjustPolling calls are debounced: calls within one second collapse into a
single recompute using the last arguments. Flush runs a pending recompute
immediately.

Usage:

	ctl := poller.New(poller.DefaultConfig())
	w, _ := poller.NewJobWatcher(ctl, "http://127.0.0.1:3858", "nightly", 10*time.Second)
	st, err := w.Watch(ctx)

Handlers registered with On receive mode_changed, poll_error, status and
stopped events. A failing or panicking handler is logged and does not affect
the others.
*/
package poller
