// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package erp

import (
	"fmt"
	"strconv"
	"time"
)

// Record is one catalog record as returned by the ERP.
type Record struct {
	ID          string            `json:"id"`
	ParentID    string            `json:"parent_id,omitempty"`
	SKU         string            `json:"sku"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Price       float64           `json:"price"`
	Currency    string            `json:"currency,omitempty"`
	Stock       int               `json:"stock"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// RecordPage is one page of ListRecords.
type RecordPage struct {
	Records []Record `json:"records"`
	// NextToken is empty on the last page.
	NextToken string `json:"next_page_token"`
	Total     int    `json:"total"`
}

// IDPage is one page of ListRecordIDs.
type IDPage struct {
	IDs       []string `json:"ids"`
	NextToken string   `json:"next_page_token"`
	Total     int      `json:"total"`
}

// AssetRef describes an asset attached to a record, in display order.
type AssetRef struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}

type assetList struct {
	Assets []AssetRef `json:"assets"`
}

// Asset is a downloaded asset.
type Asset struct {
	Position    int
	URL         string
	ContentType string
	Data        []byte
}

// NextToken derives the token of the page after token for offset-based
// pagination. It lets a caller skip a page it could not fetch.
func NextToken(token string, pageSize int) (string, error) {
	offset, err := ParseToken(token)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(offset + pageSize), nil
}

// ParseToken returns the offset encoded in token; "" is offset 0.
func ParseToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(token)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid page token %q", token)
	}
	return offset, nil
}
