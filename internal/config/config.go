// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package config

import (
	"time"

	"github.com/tomtom215/catalogsync/internal/assets"
)

// Config holds all application configuration.
//
// Loading order (Koanf v2):
//  1. Defaults from defaultConfig()
//  2. Optional YAML file (CONFIG_PATH, config.yaml, /etc/catalogsync/config.yaml)
//  3. Environment variables (explicit mapping, optional CATALOGSYNC_ prefix)
//
// Config is immutable after Load and safe for concurrent reads.
type Config struct {
	ERP     ERPConfig     `koanf:"erp"`
	Sync    SyncConfig    `koanf:"sync"`
	Lock    LockConfig    `koanf:"lock"`
	State   StateConfig   `koanf:"state"`
	Catalog CatalogConfig `koanf:"catalog"`
	Assets  AssetsConfig  `koanf:"assets"`
	Cache   CacheConfig   `koanf:"cache"`
	Poller  PollerConfig  `koanf:"poller"`
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
}

// ERPConfig configures the remote catalog API client.
type ERPConfig struct {
	URL     string        `koanf:"url" validate:"omitempty,url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`

	// RequestsPerSecond paces outgoing requests; 0 disables pacing.
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gte=0"`
	Burst             int     `koanf:"burst" validate:"min=1"`

	// MaxAssetBytes rejects asset downloads larger than this.
	MaxAssetBytes int64 `koanf:"max_asset_bytes" validate:"min=1"`

	// Circuit breaker
	BreakerMinRequests   uint32        `koanf:"breaker_min_requests" validate:"min=1"`
	BreakerFailureRatio  float64       `koanf:"breaker_failure_ratio" validate:"gt=0,lte=1"`
	BreakerOpenTimeout   time.Duration `koanf:"breaker_open_timeout" validate:"gt=0"`
	BreakerCountInterval time.Duration `koanf:"breaker_count_interval" validate:"gte=0"`
}

// SyncConfig configures the two-phase sync pipeline.
type SyncConfig struct {
	// Job is the default job name used by the CLI.
	Job string `koanf:"job" validate:"required,jobname"`

	PageSize        int           `koanf:"page_size" validate:"min=1,max=200"`
	CheckpointEvery int           `koanf:"checkpoint_every" validate:"min=20,max=200"`
	YieldEvery      int           `koanf:"yield_every" validate:"min=1"`
	YieldInterval   time.Duration `koanf:"yield_interval" validate:"gte=0"`
	PageRetries     int           `koanf:"page_retries" validate:"gte=0,lte=20"`
	RetryBaseDelay  time.Duration `koanf:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay   time.Duration `koanf:"retry_max_delay" validate:"gt=0"`
	// CancelTimeout bounds how long Cancel waits for the current unit to finish.
	CancelTimeout time.Duration `koanf:"cancel_timeout" validate:"gt=0"`
}

// LockConfig configures the sync lock.
type LockConfig struct {
	Staleness         time.Duration `koanf:"staleness" validate:"gt=0"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
}

// StateConfig locates the SQLite database shared by all catalogsync processes.
type StateConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// CatalogConfig configures the DuckDB record store.
type CatalogConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"gte=0"`
}

// AssetsConfig selects and configures the blob backend.
type AssetsConfig struct {
	Backend     string          `koanf:"backend" validate:"oneof=badger s3"`
	Path        string          `koanf:"path"`
	SyncWrites  bool            `koanf:"sync_writes"`
	Compression bool            `koanf:"compression"`
	S3          assets.S3Config `koanf:"s3"`
}

// CacheConfig sizes the in-process caches used during Phase 1.
type CacheConfig struct {
	DigestEntries int           `koanf:"digest_entries" validate:"min=1"`
	DigestTTL     time.Duration `koanf:"digest_ttl" validate:"gt=0"`
	// PressureInterval is how often the serve command measures memory
	// pressure between sync yields.
	PressureInterval time.Duration `koanf:"pressure_interval" validate:"gt=0"`
}

// PollerConfig configures the adaptive status poller used by "watch".
type PollerConfig struct {
	ServerURL        string        `koanf:"server_url" validate:"required,url"`
	MinInterval      time.Duration `koanf:"min_interval" validate:"gt=0"`
	MaxInterval      time.Duration `koanf:"max_interval" validate:"gt=0"`
	ErrorThreshold   int           `koanf:"error_threshold" validate:"min=1"`
	LatencyThreshold time.Duration `koanf:"latency_threshold" validate:"gt=0"`
	MaxBackoff       time.Duration `koanf:"max_backoff" validate:"gt=0"`
	RequestTimeout   time.Duration `koanf:"request_timeout" validate:"gt=0"`
}

// ServerConfig configures the job API.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout           time.Duration `koanf:"timeout" validate:"gt=0"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

// LoggingConfig mirrors logging.Config for file and env based setup.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}
