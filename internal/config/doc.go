// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package config loads catalogsync configuration with Koanf v2.
//
// Sources are layered: struct defaults, then an optional YAML file, then
// environment variables. Environment names are mapped explicitly (for example
// ERP_URL -> erp.url, SYNC_PAGE_SIZE -> sync.page_size); a CATALOGSYNC_ prefix
// is accepted and stripped. Unknown variables are ignored.
//
// Example config.yaml:
//
//	erp:
//	  url: https://erp.example.com
//	  api_key: secret
//	sync:
//	  page_size: 200
//	  checkpoint_every: 200
//	lock:
//	  staleness: 30m
//	assets:
//	  backend: s3
//	  s3:
//	    endpoint: minio:9000
//	    bucket: catalog-assets
//
// Validation runs field rules via internal/validation and then cross-field
// checks (retry delays, poller bounds, backend requirements).
package config
