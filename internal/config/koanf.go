// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/catalogsync/config.yaml",
	"/etc/catalogsync/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix is stripped from environment variables before mapping.
const envPrefix = "catalogsync_"

func defaultConfig() *Config {
	return &Config{
		ERP: ERPConfig{
			Timeout:              30 * time.Second,
			RequestsPerSecond:    10,
			Burst:                5,
			MaxAssetBytes:        50 << 20, // 50MB
			BreakerMinRequests:   10,
			BreakerFailureRatio:  0.6,
			BreakerOpenTimeout:   2 * time.Minute,
			BreakerCountInterval: time.Minute,
		},
		Sync: SyncConfig{
			Job:             "catalog",
			PageSize:        100,
			CheckpointEvery: 200,
			YieldEvery:      20,
			YieldInterval:   10 * time.Second,
			PageRetries:     3,
			RetryBaseDelay:  500 * time.Millisecond,
			RetryMaxDelay:   30 * time.Second,
			CancelTimeout:   30 * time.Second,
		},
		Lock: LockConfig{
			Staleness:         30 * time.Minute,
			HeartbeatInterval: time.Minute,
		},
		State: StateConfig{
			Path: "/data/catalogsync-state.db",
		},
		Catalog: CatalogConfig{
			Path:      "/data/catalog.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = DuckDB default
		},
		Assets: AssetsConfig{
			Backend:    "badger",
			Path:       "/data/assets",
			SyncWrites: true,
		},
		Cache: CacheConfig{
			DigestEntries:    100000,
			DigestTTL:        time.Hour,
			PressureInterval: 30 * time.Second,
		},
		Poller: PollerConfig{
			ServerURL:        "http://127.0.0.1:3858",
			MinInterval:      500 * time.Millisecond,
			MaxInterval:      300 * time.Second,
			ErrorThreshold:   3,
			LatencyThreshold: time.Second,
			MaxBackoff:       300 * time.Second,
			RequestTimeout:   10 * time.Second,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3858,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load reads defaults, the optional config file, and the environment, then validates.
func Load() (*Config, error) {
	return LoadWithKoanf()
}

// LoadWithKoanf implements Load.
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields splits comma-separated env values into slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

var envMappings = map[string]string{
	"erp_url":                    "erp.url",
	"erp_api_key":                "erp.api_key",
	"erp_timeout":                "erp.timeout",
	"erp_requests_per_second":    "erp.requests_per_second",
	"erp_burst":                  "erp.burst",
	"erp_max_asset_bytes":        "erp.max_asset_bytes",
	"erp_breaker_min_requests":   "erp.breaker_min_requests",
	"erp_breaker_failure_ratio":  "erp.breaker_failure_ratio",
	"erp_breaker_open_timeout":   "erp.breaker_open_timeout",
	"erp_breaker_count_interval": "erp.breaker_count_interval",

	"sync_job":              "sync.job",
	"sync_page_size":        "sync.page_size",
	"sync_checkpoint_every": "sync.checkpoint_every",
	"sync_yield_every":      "sync.yield_every",
	"sync_yield_interval":   "sync.yield_interval",
	"sync_page_retries":     "sync.page_retries",
	"sync_retry_base_delay": "sync.retry_base_delay",
	"sync_retry_max_delay":  "sync.retry_max_delay",
	"sync_cancel_timeout":   "sync.cancel_timeout",

	"lock_staleness":          "lock.staleness",
	"lock_heartbeat_interval": "lock.heartbeat_interval",

	"state_db_path": "state.path",

	"duckdb_path":       "catalog.path",
	"duckdb_max_memory": "catalog.max_memory",
	"duckdb_threads":    "catalog.threads",

	"assets_backend":     "assets.backend",
	"assets_path":        "assets.path",
	"assets_sync_writes": "assets.sync_writes",
	"assets_compression": "assets.compression",
	"s3_endpoint":        "assets.s3.endpoint",
	"s3_bucket":          "assets.s3.bucket",
	"s3_prefix":          "assets.s3.prefix",
	"s3_access_key":      "assets.s3.access_key",
	"s3_secret_key":      "assets.s3.secret_key",
	"s3_region":          "assets.s3.region",
	"s3_use_ssl":         "assets.s3.use_ssl",

	"cache_digest_entries": "cache.digest_entries",
	"cache_digest_ttl":     "cache.digest_ttl",

	"poller_server_url":        "poller.server_url",
	"poller_min_interval":      "poller.min_interval",
	"poller_max_interval":      "poller.max_interval",
	"poller_error_threshold":   "poller.error_threshold",
	"poller_latency_threshold": "poller.latency_threshold",
	"poller_max_backoff":       "poller.max_backoff",
	"poller_request_timeout":   "poller.request_timeout",

	"http_host":           "server.host",
	"http_port":           "server.port",
	"http_timeout":        "server.timeout",
	"rate_limit_requests": "server.rate_limit_reqs",
	"rate_limit_window":   "server.rate_limit_window",
	"disable_rate_limit":  "server.rate_limit_disabled",
	"cors_origins":        "server.cors_origins",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps environment variables to config paths. Unmapped
// variables return "" so unrelated environment does not leak into config.
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(strings.ToLower(key), envPrefix)
	return envMappings[key]
}

// WatchConfigFile calls callback whenever the file at path changes. The
// caller must synchronize access to any config it reloads.
func WatchConfigFile(path string, callback func()) error {
	return file.Provider(path).Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}
