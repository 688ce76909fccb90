// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package metrics provides Prometheus instrumentation for catalogsync.

Collectors are registered on the default registry with promauto and exposed by
the API server at /metrics.

# Available Metrics

Sync pipeline:
  - sync_phase_duration_seconds{job, phase, status}
  - sync_records_processed_total{job, phase}
  - sync_record_outcomes_total{job, outcome}
  - sync_pages_failed_total{job}
  - sync_checkpoints_saved_total{job, phase}
  - sync_last_success_timestamp{job}
  - sync_runs_active

Assets and locks:
  - assets_stored_total{backend}, asset_bytes_stored_total{backend}
  - asset_dedup_hits_total
  - sync_lock_acquisitions_total{name, result}

ERP client:
  - circuit_breaker_state{name} (0=closed, 1=half-open, 2=open)
  - circuit_breaker_requests_total{name, result}
  - circuit_breaker_state_transitions_total{name, from_state, to_state}

Memory and caches:
  - memory_pressure_tier
  - cache_evictions_total{cache_type, tier}
  - cache_hits_total{cache_type}, cache_misses_total{cache_type}

API and polling:
  - api_requests_total, api_request_duration_seconds, api_active_requests
  - api_rate_limit_hits_total{endpoint}
  - poller_polls_total{name, outcome}, poller_interval_milliseconds{mode}

Example PromQL:

	# Records per minute during Phase 2
	rate(sync_records_processed_total{phase="records"}[1m]) * 60

	# Asset dedup ratio
	rate(asset_dedup_hits_total[5m]) / (rate(asset_dedup_hits_total[5m]) + sum(rate(assets_stored_total[5m])))

# Cardinality

Labels are bounded: job names come from configuration, phases and outcomes
are fixed enumerations.
*/
package metrics
