// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package sync

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tomtom215/catalogsync/internal/catalog"
	"github.com/tomtom215/catalogsync/internal/erp"
	"github.com/tomtom215/catalogsync/internal/state"
)

// ErrInvalidRecord is returned by a Mapper for records that cannot be stored.
var ErrInvalidRecord = errors.New("invalid source record")

// Mapper converts an ERP record plus its indexed assets into a catalog record.
// An error skips the record and counts it as a record error.
type Mapper func(rec *erp.Record, assets []state.AssetIndexEntry) (*catalog.Record, error)

// DefaultMapper copies fields one to one and links assets by position.
func DefaultMapper(rec *erp.Record, entries []state.AssetIndexEntry) (*catalog.Record, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if rec.SKU == "" {
		return nil, fmt.Errorf("%w: record %s has no sku", ErrInvalidRecord, rec.ID)
	}
	if rec.Price < 0 {
		return nil, fmt.Errorf("%w: record %s has negative price", ErrInvalidRecord, rec.ID)
	}

	var links []catalog.AssetLink
	if len(entries) > 0 {
		sorted := append([]state.AssetIndexEntry(nil), entries...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
		links = make([]catalog.AssetLink, len(sorted))
		for i, e := range sorted {
			links[i] = catalog.AssetLink{Position: e.Position, Ref: e.LocalRef, ContentType: e.ContentType}
		}
	}

	return &catalog.Record{
		ExternalID:      rec.ID,
		ParentID:        rec.ParentID,
		SKU:             rec.SKU,
		Name:            rec.Name,
		Description:     rec.Description,
		Price:           rec.Price,
		Currency:        rec.Currency,
		Stock:           rec.Stock,
		Attributes:      rec.Attributes,
		Assets:          links,
		SourceUpdatedAt: rec.UpdatedAt,
	}, nil
}
