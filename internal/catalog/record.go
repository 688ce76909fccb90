// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package catalog

import (
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/opencontainers/go-digest"
)

// Outcome is the effect of an upsert.
type Outcome string

const (
	Created   Outcome = "created"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
)

// AssetLink points a record at a stored blob.
type AssetLink struct {
	Position    int    `json:"position"`
	Ref         string `json:"ref"`
	ContentType string `json:"content_type,omitempty"`
}

// Record is a storefront catalog record keyed by the ERP record id.
type Record struct {
	ExternalID      string            `json:"external_id"`
	ParentID        string            `json:"parent_id,omitempty"`
	SKU             string            `json:"sku"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	Price           float64           `json:"price"`
	Currency        string            `json:"currency,omitempty"`
	Stock           int               `json:"stock"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	Assets          []AssetLink       `json:"assets,omitempty"`
	SourceUpdatedAt time.Time         `json:"source_updated_at"`

	// Set by the store
	ContentHash string    `json:"content_hash,omitempty"`
	SyncedAt    time.Time `json:"synced_at"`
}

// hashView is the subset of Record that defines "changed". Store-managed
// fields are excluded.
type hashView struct {
	ExternalID      string      `json:"external_id"`
	ParentID        string      `json:"parent_id"`
	SKU             string      `json:"sku"`
	Name            string      `json:"name"`
	Description     string      `json:"description"`
	Price           float64     `json:"price"`
	Currency        string      `json:"currency"`
	Stock           int         `json:"stock"`
	Attributes      [][2]string `json:"attributes"`
	Assets          []AssetLink `json:"assets"`
	SourceUpdatedAt int64       `json:"source_updated_at"`
}

// Hash returns the content digest of the record's synced fields.
func (r *Record) Hash() (string, error) {
	attrs := make([][2]string, 0, len(r.Attributes))
	for k, v := range r.Attributes {
		attrs = append(attrs, [2]string{k, v})
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i][0] < attrs[j][0] })

	links := append([]AssetLink(nil), r.Assets...)
	sort.Slice(links, func(i, j int) bool { return links[i].Position < links[j].Position })

	var updated int64
	if !r.SourceUpdatedAt.IsZero() {
		updated = r.SourceUpdatedAt.UTC().UnixNano()
	}

	b, err := json.Marshal(hashView{
		ExternalID:      r.ExternalID,
		ParentID:        r.ParentID,
		SKU:             r.SKU,
		Name:            r.Name,
		Description:     r.Description,
		Price:           r.Price,
		Currency:        r.Currency,
		Stock:           r.Stock,
		Attributes:      attrs,
		Assets:          links,
		SourceUpdatedAt: updated,
	})
	if err != nil {
		return "", err
	}
	return digest.FromBytes(b).Encoded(), nil
}
