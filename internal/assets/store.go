// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package assets stores asset blobs by content digest.
//
// A blob's reference is its canonical sha256 digest, so writing identical
// content twice yields one stored object and the same reference. Two backends
// are provided: BadgerStore for a single-node deployment and S3Store for any
// S3-compatible object store.
package assets

import (
	"context"
	"errors"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/opencontainers/go-digest"
)

var (
	// ErrNotFound is returned by Get for unknown references.
	ErrNotFound = errors.New("asset not found")

	// ErrDigestMismatch is returned by Put when data does not hash to the given digest.
	ErrDigestMismatch = errors.New("asset digest mismatch")
)

// Info describes a stored blob.
type Info struct {
	Ref         string `json:"ref"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Store is a content-addressed blob store.
type Store interface {
	// Put stores data under d and returns its stable reference. Storing a
	// digest that already exists is a no-op returning the existing reference.
	Put(ctx context.Context, d digest.Digest, data []byte, contentType string) (string, error)
	// Has reports whether d is stored and returns its reference.
	Has(ctx context.Context, d digest.Digest) (string, bool, error)
	// Get returns the blob for ref.
	Get(ctx context.Context, ref string) ([]byte, Info, error)
	// Count returns the number of distinct stored blobs.
	Count(ctx context.Context) (int, error)
	// Backend names the implementation for logs and metrics.
	Backend() string
	Close() error
}

// Digest returns the canonical (sha256) digest of data.
func Digest(data []byte) digest.Digest {
	return digest.FromBytes(data)
}

// Sniff returns declared when set, otherwise the detected MIME type of data.
func Sniff(data []byte, declared string) string {
	if declared != "" {
		return declared
	}
	return mimetype.Detect(data).String()
}

func verify(d digest.Digest, data []byte) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid digest %q: %w", d, err)
	}
	if actual := d.Algorithm().FromBytes(data); actual != d {
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, d, actual)
	}
	return nil
}

func parseRef(ref string) (digest.Digest, error) {
	d, err := digest.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: invalid reference %q", ErrNotFound, ref)
	}
	return d, nil
}
