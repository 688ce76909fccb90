// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package supervisor provides process supervision for the catalogsync serve
command using suture v4.

The tree groups long-running services into three layers so a failure in one
does not stop the others:

	RootSupervisor ("catalogsync")
	├── StorageSupervisor ("storage-layer")
	│   └── PressureService        memory pressure eviction passes
	├── PipelineSupervisor ("pipeline-layer")
	│   ├── EventBusService        Watermill router for sync events
	│   └── sync.Manager           sync runs, heartbeats, shutdown
	└── APISupervisor ("api-layer")
	    └── HTTPServerService      job control and status API

Crashed services restart with suture's backoff. The event bus is the
exception: a Watermill router cannot be run twice, so a router failure ends
its supervision with suture.ErrDoNotRestart.

# Usage

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
	    return err
	}
	tree.AddStorageService(services.NewPressureService(pressure, cfg.Cache.PressureInterval, nil))
	tree.AddPipelineService(services.NewEventBusService(bus))
	tree.AddPipelineService(manager)
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))

	return tree.Serve(ctx)

ShutdownTimeout must exceed the sync cancel timeout so an in-flight run can
persist its checkpoint and release its lock before the process exits.
*/
package supervisor
