// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package sync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/catalogsync/internal/assets"
	"github.com/tomtom215/catalogsync/internal/backoff"
	"github.com/tomtom215/catalogsync/internal/erp"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/state"
)

// runAssets is Phase 1: enumerate every source id, then fetch, deduplicate
// and store each record's assets, indexing them by position.
//
// Records are processed strictly in enumeration order. The checkpoint cursor
// is "<count>:<last id>" and is written every CheckpointEvery records, so a
// crash repeats at most CheckpointEvery-1 records. Repeating a record is
// harmless: blobs are content addressed and the index entries for a record
// are replaced as a whole.
func (r *run) runAssets(ctx context.Context) error {
	const phase = state.PhaseAssets
	started := time.Now()

	cp, err := r.m.deps.State.LoadCheckpoint(ctx, r.job, phase)
	if err != nil {
		return fatal("load checkpoint", err)
	}
	p := progressFrom(cp)
	if err := r.enterPhase(ctx, phase, p); err != nil {
		return err
	}

	ids, err := r.enumerate(ctx)
	if err != nil {
		return r.endPhase(ctx, phase, p, started, err)
	}
	p.total = len(ids)

	start := 0
	if cp.Resumable() {
		start = resumeIndex(ids, cp.Cursor)
		if start != p.processed {
			logging.Ctx(ctx).Warn().
				Str("job", r.job).
				Int("checkpoint_count", p.processed).
				Int("resume_index", start).
				Msg("Source ids changed since checkpoint, resuming after last processed id")
		}
		p.processed = start
	} else {
		p = progress{total: len(ids)}
	}
	r.apply(p)

	logging.Ctx(ctx).Info().
		Str("job", r.job).
		Int("total", p.total).
		Int("resume_from", start).
		Msg("Asset prefetch started")

	sinceYield := 0
	for i := start; i < len(ids); i++ {
		if ctx.Err() != nil {
			err := context.Cause(ctx)
			if cpErr := r.saveCheckpoint(ctx, phase, assetCursor(ids, i), p); cpErr != nil {
				logging.Ctx(ctx).Error().Err(cpErr).Msg("Failed to checkpoint cancelled asset prefetch")
			}
			return r.endPhase(ctx, phase, p, started, err)
		}

		if err := r.prefetchRecord(ctx, ids[i]); err != nil {
			if ctx.Err() != nil || IsFatal(err) {
				if ctx.Err() != nil {
					err = context.Cause(ctx)
				}
				if cpErr := r.saveCheckpoint(ctx, phase, assetCursor(ids, i), p); cpErr != nil {
					logging.Ctx(ctx).Error().Err(cpErr).Msg("Failed to checkpoint interrupted asset prefetch")
				}
				return r.endPhase(ctx, phase, p, started, err)
			}
			p.errors++
			logging.Ctx(ctx).Warn().Err(err).Str("job", r.job).Str("record_id", ids[i]).Msg("Skipping record assets")
		}
		p.processed = i + 1
		metrics.SyncRecordsProcessed.WithLabelValues(r.job, string(phase)).Inc()

		if p.processed%r.m.opts.CheckpointEvery == 0 {
			if err := r.saveCheckpoint(ctx, phase, assetCursor(ids, p.processed), p); err != nil {
				return r.endPhase(ctx, phase, p, started, err)
			}
		}

		sinceYield++
		if r.dueForYield(sinceYield) {
			sinceYield = 0
			if err := r.yield(ctx, phase, p); err != nil {
				return r.endPhase(ctx, phase, p, started, err)
			}
		}
	}

	r.apply(p)
	if err := r.endPhase(ctx, phase, p, started, nil); err != nil {
		return err
	}
	logging.Ctx(ctx).Info().
		Str("job", r.job).
		Int("records", p.processed).
		Int("errors", p.errors).
		Dur("duration", time.Since(started)).
		Msg("Asset prefetch completed")
	return nil
}

// enumerate lists every source id. Failing to list is fatal: Phase 1 needs
// the full id set to order its work.
func (r *run) enumerate(ctx context.Context) ([]string, error) {
	var ids []string
	seen := make(map[string]struct{})
	token := ""
	for {
		var page *erp.IDPage
		err := backoff.Retry(ctx, r.m.opts.Retry, erp.IsRetryable, func(ctx context.Context) error {
			var err error
			page, err = r.m.deps.Source.ListRecordIDs(ctx, token)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			return nil, fatal("list source ids", err)
		}
		for _, id := range page.IDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		if page.NextToken == "" || len(page.IDs) == 0 {
			return ids, nil
		}
		token = page.NextToken
	}
}

// prefetchRecord stores all assets of one record and replaces its index
// entries. Source errors are per record; store errors are fatal.
func (r *run) prefetchRecord(ctx context.Context, id string) error {
	var fetched []erp.Asset
	err := backoff.Retry(ctx, r.m.opts.Retry, erp.IsRetryable, func(ctx context.Context) error {
		var err error
		fetched, err = r.m.deps.Source.FetchAssets(ctx, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch assets for %s: %w", id, err)
	}

	entries := make([]state.AssetIndexEntry, 0, len(fetched))
	for i, a := range fetched {
		ref, contentType, err := r.storeAsset(ctx, a)
		if err != nil {
			return err
		}
		entries = append(entries, state.AssetIndexEntry{
			SourceRecordID: id,
			Position:       i,
			ContentHash:    assets.Digest(a.Data).String(),
			LocalRef:       ref,
			ContentType:    contentType,
			Size:           int64(len(a.Data)),
		})
	}

	if err := r.m.deps.State.ReplaceAssetEntries(ctx, r.job, id, entries); err != nil {
		return fatal("replace asset entries", err)
	}
	return nil
}

// storeAsset writes one blob unless identical content is already stored.
func (r *run) storeAsset(ctx context.Context, a erp.Asset) (ref, contentType string, err error) {
	d := assets.Digest(a.Data)
	contentType = assets.Sniff(a.Data, a.ContentType)

	if ref, ok := r.m.digests.Get(d.String()); ok {
		metrics.AssetDedupHits.Inc()
		return ref, contentType, nil
	}

	ref, ok, err := r.m.deps.Assets.Has(ctx, d)
	if err != nil {
		return "", "", fatal("asset store lookup", err)
	}
	if ok {
		metrics.AssetDedupHits.Inc()
	} else {
		ref, err = r.m.deps.Assets.Put(ctx, d, a.Data, contentType)
		if err != nil {
			return "", "", fatal("asset store write", err)
		}
	}
	r.m.digests.Add(d.String(), ref, int64(len(ref)))
	return ref, contentType, nil
}

// assetCursor encodes the resume point "next index to process".
func assetCursor(ids []string, next int) string {
	if next <= 0 || next > len(ids) {
		return strconv.Itoa(next) + ":"
	}
	return strconv.Itoa(next) + ":" + ids[next-1]
}

// resumeIndex decodes cursor against the current id list. The count is
// trusted when the id before it still matches; otherwise the last id is
// searched for. An unknown id restarts the phase.
func resumeIndex(ids []string, cursor string) int {
	countStr, lastID, _ := strings.Cut(cursor, ":")
	count, err := strconv.Atoi(countStr)
	if err != nil || count <= 0 {
		return 0
	}
	if lastID == "" {
		return 0
	}
	if count <= len(ids) && ids[count-1] == lastID {
		return count
	}
	for i, id := range ids {
		if id == lastID {
			return i + 1
		}
	}
	return 0
}
