// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/tomtom215/catalogsync/internal/validation"
)

// ErrERPNotConfigured is returned by RequireERP when no ERP URL is set.
var ErrERPNotConfigured = errors.New("ERP_URL is required to run a sync")

// Validate checks field rules (struct tags) and then cross-field constraints.
func (c *Config) Validate() error {
	if verr := validation.ValidateStruct(c); verr != nil {
		return verr
	}

	checks := []func() error{
		c.validateRetryDelays,
		c.validatePollerBounds,
		c.validateAssets,
		c.validateERPURL,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// RequireERP reports an error unless the ERP client can be built. Commands
// that only read job state (status, watch) do not call it.
func (c *Config) RequireERP() error {
	if c.ERP.URL == "" {
		return ErrERPNotConfigured
	}
	return nil
}

func (c *Config) validateRetryDelays() error {
	if c.Sync.RetryBaseDelay > c.Sync.RetryMaxDelay {
		return fmt.Errorf("sync.retry_base_delay (%s) must not exceed sync.retry_max_delay (%s)",
			c.Sync.RetryBaseDelay, c.Sync.RetryMaxDelay)
	}
	return nil
}

func (c *Config) validatePollerBounds() error {
	if c.Poller.MinInterval > c.Poller.MaxInterval {
		return fmt.Errorf("poller.min_interval (%s) must not exceed poller.max_interval (%s)",
			c.Poller.MinInterval, c.Poller.MaxInterval)
	}
	if c.Poller.MaxBackoff < c.Poller.MinInterval {
		return fmt.Errorf("poller.max_backoff (%s) must be at least poller.min_interval (%s)",
			c.Poller.MaxBackoff, c.Poller.MinInterval)
	}
	return nil
}

func (c *Config) validateAssets() error {
	switch c.Assets.Backend {
	case "badger":
		if c.Assets.Path == "" {
			return fmt.Errorf("assets.path is required for the badger backend")
		}
	case "s3":
		if c.Assets.S3.Endpoint == "" || c.Assets.S3.Bucket == "" {
			return fmt.Errorf("S3_ENDPOINT and S3_BUCKET are required for the s3 backend")
		}
	}
	return nil
}

func (c *Config) validateERPURL() error {
	if c.ERP.URL == "" {
		return nil
	}
	u, err := url.Parse(c.ERP.URL)
	if err != nil {
		return fmt.Errorf("ERP_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("ERP_URL must use http or https, got %q", u.Scheme)
	}
	return nil
}
