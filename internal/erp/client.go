// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package erp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/logging"
)

// maxErrorBody limits how much of an error response is kept for messages.
const maxErrorBody = 512

// Client talks to the ERP catalog API. Every request is paced by a token
// bucket and passes through a circuit breaker.
//
// Endpoints:
//
//	GET /api/v1/records/ids?page_token=T          -> IDPage
//	GET /api/v1/records?page_token=T&page_size=N  -> RecordPage
//	GET /api/v1/records/{id}/assets               -> {"assets": [AssetRef...]}
//
// Asset URLs may be absolute or relative to the base URL.
type Client struct {
	baseURL       *url.URL
	apiKey        string
	http          *http.Client
	limiter       *rate.Limiter
	breaker       *breaker
	maxAssetBytes int64
}

// NewClient builds a client from cfg.
func NewClient(cfg *config.ERPConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, config.ErrERPNotConfigured
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse ERP URL: %w", err)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL:       base,
		apiKey:        cfg.APIKey,
		http:          &http.Client{Timeout: cfg.Timeout},
		limiter:       rate.NewLimiter(limit, burst),
		breaker:       newBreaker("erp-api", cfg),
		maxAssetBytes: cfg.MaxAssetBytes,
	}, nil
}

// ListRecordIDs returns one page of record ids. An empty token starts at the beginning.
func (c *Client) ListRecordIDs(ctx context.Context, token string) (*IDPage, error) {
	q := url.Values{}
	if token != "" {
		q.Set("page_token", token)
	}
	var page IDPage
	if err := c.getJSON(ctx, "/api/v1/records/ids", q, &page); err != nil {
		return nil, fmt.Errorf("list record ids: %w", err)
	}
	return &page, nil
}

// ListRecords returns one page of full records.
func (c *Client) ListRecords(ctx context.Context, token string, pageSize int) (*RecordPage, error) {
	q := url.Values{}
	if token != "" {
		q.Set("page_token", token)
	}
	q.Set("page_size", strconv.Itoa(pageSize))
	var page RecordPage
	if err := c.getJSON(ctx, "/api/v1/records", q, &page); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return &page, nil
}

// FetchAssets downloads every asset of record id, in ERP order.
func (c *Client) FetchAssets(ctx context.Context, id string) ([]Asset, error) {
	var list assetList
	if err := c.getJSON(ctx, "/api/v1/records/"+url.PathEscape(id)+"/assets", nil, &list); err != nil {
		return nil, fmt.Errorf("list assets for %s: %w", id, err)
	}

	out := make([]Asset, 0, len(list.Assets))
	for i, ref := range list.Assets {
		data, ct, err := c.download(ctx, ref.URL)
		if err != nil {
			return nil, fmt.Errorf("download asset %d of %s: %w", i, id, err)
		}
		if ref.ContentType != "" {
			ct = ref.ContentType
		}
		out = append(out, Asset{Position: i, URL: ref.URL, ContentType: ct, Data: data})
	}
	return out, nil
}

// BreakerState reports the circuit breaker state ("closed", "half-open", "open").
func (c *Client) BreakerState() string {
	return c.breaker.cb.State().String()
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out interface{}) error {
	u := c.baseURL.JoinPath(path)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	body, _, err := c.get(ctx, u.String(), path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) download(ctx context.Context, raw string) ([]byte, string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("%w: invalid asset URL %q", ErrRecordRejected, raw)
	}
	return c.get(ctx, c.baseURL.ResolveReference(ref).String(), ref.Path)
}

// get performs one paced, breaker-guarded GET and returns the body and content type.
func (c *Client) get(ctx context.Context, fullURL, label string) ([]byte, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	type result struct {
		body        []byte
		contentType string
	}
	res, err := c.breaker.execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, http.NoBody)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &transportError{err: err}
		}
		defer resp.Body.Close()

		logging.Ctx(ctx).Trace().
			Str("path", label).
			Int("status", resp.StatusCode).
			Dur("duration", time.Since(start)).
			Msg("ERP request")

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, &StatusError{
				StatusCode: resp.StatusCode,
				Path:       label,
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
				Body:       strings.TrimSpace(string(snippet)),
			}
		}

		limit := c.maxAssetBytes
		if limit <= 0 {
			limit = 1 << 62
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return nil, &transportError{err: err}
		}
		if int64(len(body)) > limit {
			return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrRecordRejected, label, limit)
		}
		return &result{body: body, contentType: resp.Header.Get("Content-Type")}, nil
	})
	if err != nil {
		return nil, "", err
	}
	r, ok := res.(*result)
	if !ok {
		return nil, "", errors.New("circuit breaker: unexpected result type")
	}
	return r.body, r.contentType, nil
}
