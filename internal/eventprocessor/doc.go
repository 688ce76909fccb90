// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package eventprocessor carries sync events between the engine and its
// observers.
//
// The engine publishes three event types, each on its own topic:
//
//	sync.progress         periodic counters while a phase runs
//	sync.phase_completed  a phase ended (completed, failed or cancelled)
//	sync.job_finished     the whole run ended
//
// Bus wraps a Watermill Go channel pub/sub and router with the Recoverer
// middleware. MetricsHandler and LogHandler are the standard consumers;
// Recorder keeps events in memory.
//
// Usage:
//
//	bus, _ := eventprocessor.NewBus(eventprocessor.DefaultBusConfig(), nil)
//	bus.AddConsumer("metrics", eventprocessor.MetricsHandler)
//	bus.AddConsumer("log", eventprocessor.LogHandler)
//	go bus.Run(ctx)
//	<-bus.Running()
package eventprocessor
