// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package sync

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/catalogsync/internal/backoff"
	"github.com/tomtom215/catalogsync/internal/catalog"
	"github.com/tomtom215/catalogsync/internal/erp"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/state"
)

// errUnknownTotal aborts Phase 2 when the first page fails and there is no
// total to decide where pagination ends.
var errUnknownTotal = errors.New("cannot skip page: source total is unknown")

// runRecords is Phase 2: page through full records, attach the indexed
// assets and upsert each into the catalog.
//
// The checkpoint cursor is the token of the next page to fetch and is saved
// after every page. A page that still fails after PageRetries retries is
// skipped by deriving the following token, and counted.
func (r *run) runRecords(ctx context.Context) error {
	const phase = state.PhaseRecords
	started := time.Now()

	if err := r.requireAssets(ctx); err != nil {
		return err
	}

	cp, err := r.m.deps.State.LoadCheckpoint(ctx, r.job, phase)
	if err != nil {
		return fatal("load checkpoint", err)
	}
	token := ""
	p := progress{}
	if cp.Resumable() {
		token = cp.Cursor
		p = progressFrom(cp)
	}
	if err := r.enterPhase(ctx, phase, p); err != nil {
		return err
	}

	pageSize := r.m.opts.PageSize
	policy := r.m.opts.Retry
	policy.MaxRetries = r.m.opts.PageRetries

	logging.Ctx(ctx).Info().
		Str("job", r.job).
		Int("page_size", pageSize).
		Str("resume_token", token).
		Msg("Record sync started")

	for {
		if ctx.Err() != nil {
			if cpErr := r.saveCheckpoint(ctx, phase, token, p); cpErr != nil {
				logging.Ctx(ctx).Error().Err(cpErr).Msg("Failed to checkpoint cancelled record sync")
			}
			return r.endPhase(ctx, phase, p, started, context.Cause(ctx))
		}
		if err := r.m.deps.Locks.Validate(ctx, r.handle); err != nil {
			return r.endPhase(ctx, phase, p, started, fatal("validate lock", err))
		}

		var page *erp.RecordPage
		err := backoff.Retry(ctx, policy, erp.IsRetryable, func(ctx context.Context) error {
			var err error
			page, err = r.m.deps.Source.ListRecords(ctx, token, pageSize)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			next, done, skipErr := r.skipPage(ctx, token, pageSize, p.total, err)
			if skipErr != nil {
				return r.endPhase(ctx, phase, p, started, skipErr)
			}
			p.failedPages++
			metrics.SyncPagesFailed.WithLabelValues(r.job).Inc()
			if done {
				break
			}
			token = next
			if err := r.saveCheckpoint(ctx, phase, token, p); err != nil {
				return r.endPhase(ctx, phase, p, started, err)
			}
			continue
		}

		// a fetched page is one unit: cancellation is observed before the next page
		if err := r.upsertPage(context.WithoutCancel(ctx), page, &p); err != nil {
			return r.endPhase(ctx, phase, p, started, err)
		}
		if page.Total > 0 {
			p.total = page.Total
		}
		if page.NextToken == "" || len(page.Records) == 0 {
			break
		}
		token = page.NextToken
		if err := r.saveCheckpoint(ctx, phase, token, p); err != nil {
			return r.endPhase(ctx, phase, p, started, err)
		}
		if ctx.Err() != nil {
			continue
		}
		if err := r.yield(ctx, phase, p); err != nil {
			return r.endPhase(ctx, phase, p, started, err)
		}
	}

	if p.total < p.processed {
		p.total = p.processed
	}
	r.apply(p)
	if err := r.endPhase(ctx, phase, p, started, nil); err != nil {
		return err
	}
	logging.Ctx(ctx).Info().
		Str("job", r.job).
		Int("created", p.created).
		Int("updated", p.updated).
		Int("unchanged", p.unchanged).
		Int("errors", p.errors).
		Int("failed_pages", p.failedPages).
		Dur("duration", time.Since(started)).
		Msg("Record sync completed")
	return nil
}

// skipPage derives the token after a page that could not be fetched. done
// is true when the skipped page was the last one.
func (r *run) skipPage(ctx context.Context, token string, pageSize, total int, cause error) (next string, done bool, err error) {
	if total <= 0 {
		return "", false, fatal("list records", errors.Join(errUnknownTotal, cause))
	}
	next, err = erp.NextToken(token, pageSize)
	if err != nil {
		return "", false, fatal("derive next page token", err)
	}
	offset, _ := erp.ParseToken(next)

	logging.Ctx(ctx).Warn().
		Err(cause).
		Str("job", r.job).
		Str("page_token", token).
		Str("next_token", next).
		Msg("Giving up on record page after retries")
	return next, offset >= total, nil
}

// upsertPage maps and stores one page. Per-record failures are counted; a
// failing asset index lookup is fatal. Callers pass a context that is not
// cancelled mid-page.
func (r *run) upsertPage(ctx context.Context, page *erp.RecordPage, p *progress) error {
	ids := make([]string, 0, len(page.Records))
	for i := range page.Records {
		ids = append(ids, page.Records[i].ID)
	}
	assetsByID, err := r.m.deps.State.AssetsFor(ctx, r.job, ids)
	if err != nil {
		return fatal("load asset index", err)
	}

	for i := range page.Records {
		src := &page.Records[i]
		p.processed++
		metrics.SyncRecordsProcessed.WithLabelValues(r.job, string(state.PhaseRecords)).Inc()

		rec, err := r.m.deps.Mapper(src, assetsByID[src.ID])
		if err != nil {
			p.errors++
			metrics.SyncRecordOutcomes.WithLabelValues(r.job, "error").Inc()
			logging.Ctx(ctx).Warn().Err(err).Str("job", r.job).Str("record_id", src.ID).Msg("Skipping unmappable record")
			continue
		}

		outcome, err := r.m.deps.Catalog.Upsert(ctx, rec)
		if err != nil {
			p.errors++
			metrics.SyncRecordOutcomes.WithLabelValues(r.job, "error").Inc()
			logging.Ctx(ctx).Warn().Err(err).Str("job", r.job).Str("record_id", src.ID).Msg("Failed to upsert record")
			continue
		}
		switch outcome {
		case catalog.Created:
			p.created++
		case catalog.Updated:
			p.updated++
		case catalog.Unchanged:
			p.unchanged++
		}
	}
	return nil
}
