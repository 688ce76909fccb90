// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Record store (DuckDB) Metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalog_db_query_duration_seconds",
			Help:    "Duration of record store queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_db_query_errors_total",
			Help: "Total number of record store query errors",
		},
		[]string{"operation", "table"},
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of active API requests",
		},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"endpoint"},
	)

	// Sync Pipeline Metrics
	SyncPhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_phase_duration_seconds",
			Help:    "Duration of sync phases in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"job", "phase", "status"},
	)

	SyncRecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_records_processed_total",
			Help: "Total number of source records processed",
		},
		[]string{"job", "phase"},
	)

	SyncRecordOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_record_outcomes_total",
			Help: "Upsert outcomes per record",
		},
		[]string{"job", "outcome"}, // created, updated, unchanged, error
	)

	SyncPagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_pages_failed_total",
			Help: "Pages given up on after exhausting retries",
		},
		[]string{"job"},
	)

	SyncCheckpointsSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_checkpoints_saved_total",
			Help: "Total number of checkpoints persisted",
		},
		[]string{"job", "phase"},
	)

	SyncLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_last_success_timestamp",
			Help: "Unix timestamp of the last completed sync run",
		},
		[]string{"job"},
	)

	SyncRunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_runs_active",
			Help: "Number of sync runs currently executing in this process",
		},
	)

	// Asset Store Metrics
	AssetsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assets_stored_total",
			Help: "Total number of distinct asset blobs written",
		},
		[]string{"backend"},
	)

	AssetBytesStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asset_bytes_stored_total",
			Help: "Total bytes of asset blobs written",
		},
		[]string{"backend"},
	)

	AssetDedupHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "asset_dedup_hits_total",
			Help: "Assets skipped because identical content was already stored",
		},
	)

	// Sync Lock Metrics
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_lock_acquisitions_total",
			Help: "Lock acquisition attempts by result",
		},
		[]string{"name", "result"}, // acquired, contended, reclaimed
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // success, failure, rejected
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Memory / Cache Metrics
	MemoryPressureTier = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memory_pressure_tier",
			Help: "Last measured memory pressure tier (0=light, 1=moderate, 2=aggressive, 3=critical)",
		},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total number of cache evictions",
		},
		[]string{"cache_type", "tier"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// Polling Controller Metrics
	PollOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poller_polls_total",
			Help: "Polls executed by the adaptive controller",
		},
		[]string{"name", "outcome"}, // success, error
	)

	PollInterval = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poller_interval_milliseconds",
			Help: "Current adaptive polling interval",
		},
		[]string{"mode"},
	)
)

// RecordDBQuery records a record store query.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordAPIRequest records an API request metric
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest tracks active API requests
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordPhase records how long a phase ran and how it ended.
func RecordPhase(job, phase, status string, duration time.Duration) {
	SyncPhaseDuration.WithLabelValues(job, phase, status).Observe(duration.Seconds())
	if phase == "records" && status == "completed" {
		SyncLastSuccess.WithLabelValues(job).Set(float64(time.Now().Unix()))
	}
}

// RecordAssetStored records a newly written blob.
func RecordAssetStored(backend string, size int64) {
	AssetsStored.WithLabelValues(backend).Inc()
	AssetBytesStored.WithLabelValues(backend).Add(float64(size))
}

// RecordCircuitBreakerTransition records a state change and updates the state gauge.
func RecordCircuitBreakerTransition(name, from, to string) {
	CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
	CircuitBreakerState.WithLabelValues(name).Set(circuitStateValue(to))
}

func circuitStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
