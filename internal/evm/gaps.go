package evm

import (
	"context"
	"log"
	"time"
)

// BlockRange is one inclusive [From, To] span of blocks missing from a pool's
// destination table.
type BlockRange struct {
	From uint64
	To   uint64
}

// Coverage is the minute_start extent of the destination table; zero values
// when the table is empty.
type Coverage struct {
	MinTs int64
	MaxTs int64
	Empty bool
}

// Overlap re-ingested at every boundary; the idempotent upsert absorbs it.
const gapOverlap = 60 // seconds

// ComputeGaps translates table coverage plus a days-back window into the block
// ranges that still need ingesting. An empty table yields one full-window gap;
// otherwise up to two: history before coverage and fresh blocks after it.
func ComputeGaps(ctx context.Context, locator *BlockLocator, source HeaderSource, cov Coverage, daysBack int, now time.Time) ([]BlockRange, error) {
	latest, err := source.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}

	wantStart := now.Add(-time.Duration(daysBack) * 24 * time.Hour).Unix()

	if cov.Empty {
		from, err := locator.FindBlockByTimestamp(ctx, wantStart)
		if err != nil {
			return nil, err
		}
		return []BlockRange{{From: from, To: latest}}, nil
	}

	var gaps []BlockRange

	if wantStart < cov.MinTs {
		from, err := locator.FindBlockByTimestamp(ctx, wantStart)
		if err != nil {
			return nil, err
		}
		to, err := locator.FindBlockByTimestamp(ctx, cov.MinTs-gapOverlap)
		if err != nil {
			return nil, err
		}
		if from <= to {
			gaps = append(gaps, BlockRange{From: from, To: to})
		}
	}

	if cov.MaxTs < now.Unix()-gapOverlap {
		from, err := locator.FindBlockByTimestamp(ctx, cov.MaxTs+gapOverlap)
		if err != nil {
			return nil, err
		}
		if from <= latest {
			gaps = append(gaps, BlockRange{From: from, To: latest})
		}
	}

	if len(gaps) == 0 {
		log.Printf("[blockindex] coverage current through %d, nothing to do", cov.MaxTs)
	}
	return gaps, nil
}
