package repository

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/s-Milo-s/dexflow/internal/models"
)

// DeletePriceAnomalies removes rows the merge discipline cannot repair:
// minutes whose avg_price is zero (no base volume ever arrived), then
// minutes whose avg_price jumps more than threshold (0.05 = 5%) versus the
// previous minute. The first minute of a series has no predecessor and is
// kept. Returns the number of deleted rows.
func (r *Repository) DeletePriceAnomalies(ctx context.Context, t PoolTables, threshold float64, volumeFloor *float64) (int64, error) {
	volumeClause := ""
	args := []any{threshold}
	if volumeFloor != nil {
		volumeClause = "AND total_base_volume < $2"
		args = append(args, *volumeFloor)
	}

	sql := fmt.Sprintf(`
		WITH cleaned AS (
			DELETE FROM %[1]s
			WHERE avg_price = 0
			RETURNING minute_start
		),
		price_changes AS (
			SELECT
				minute_start,
				total_base_volume,
				LAG(avg_price) OVER (ORDER BY minute_start) AS prev_avg,
				ABS(avg_price - LAG(avg_price) OVER (ORDER BY minute_start))
					/ NULLIF(LAG(avg_price) OVER (ORDER BY minute_start), 0) AS pct_change
			FROM %[1]s
		),
		to_delete AS (
			SELECT minute_start
			FROM price_changes
			WHERE prev_avg IS NOT NULL
			  AND pct_change > $1
			  %[2]s
		)
		DELETE FROM %[1]s
		WHERE minute_start IN (SELECT minute_start FROM to_delete)
		   OR minute_start IN (SELECT minute_start FROM cleaned)`,
		t.Klines, volumeClause)

	cmd, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("clean anomalies in %s: %w", t.Klines, err)
	}
	return cmd.RowsAffected(), nil
}

const (
	cleanupAttempts = 3
	cleanupDelay    = 2 * time.Second
)

// DeletePriceAnomaliesWithRetry wraps cleanup with the transient-error retry
// the post-ingest stage uses: 3 attempts, 2s apart.
func (r *Repository) DeletePriceAnomaliesWithRetry(ctx context.Context, t PoolTables, threshold float64) int64 {
	for attempt := 1; attempt <= cleanupAttempts; attempt++ {
		deleted, err := r.DeletePriceAnomalies(ctx, t, threshold, nil)
		if err == nil {
			if deleted > 0 {
				log.Printf("[cleanup] removed %d anomalous minutes from %s", deleted, t.Klines)
			}
			return deleted
		}
		log.Printf("[cleanup] attempt %d/%d on %s failed: %v", attempt, cleanupAttempts, t.Klines, err)
		if attempt < cleanupAttempts {
			select {
			case <-ctx.Done():
				return 0
			case <-time.After(cleanupDelay):
			}
		}
	}
	return 0
}

const derivedMetricsBatch = 5000

// ComputeDerivedMetrics fills the analytics columns of a kline table:
//
//	trade_imbalance  = (base - quote) / (base + quote + 1e-9)
//	price_volatility = rolling sample stddev of avg_price over the window
//	price_momentum   = relative change of avg_price versus `window` minutes ago
//
// Metrics are computed once into a session temp table with SQL window
// functions, then joined back in 5000-row batches to keep row locks short.
func (r *Repository) ComputeDerivedMetrics(ctx context.Context, t PoolTables, window int) error {
	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	// Temp tables are session-scoped, so the whole computation must stay on
	// this connection.
	defer conn.Release()

	if _, err := conn.Exec(ctx, `DROP TABLE IF EXISTS _metrics_tmp`); err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf(`
		CREATE TEMP TABLE _metrics_tmp AS
		SELECT
			minute_start,
			(total_base_volume - total_quote_volume) /
				(total_base_volume + total_quote_volume + 1e-9) AS trade_imbalance,
			STDDEV_SAMP(avg_price) OVER (
				ORDER BY minute_start
				ROWS BETWEEN %d PRECEDING AND CURRENT ROW
			) AS price_volatility,
			avg_price / NULLIF(LAG(avg_price, %d) OVER (ORDER BY minute_start), 0) - 1
				AS price_momentum
		FROM %s`, window-1, window, t.Klines)); err != nil {
		return fmt.Errorf("compute metrics for %s: %w", t.Klines, err)
	}

	var total int64
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM _metrics_tmp`).Scan(&total); err != nil {
		return err
	}

	for offset := int64(0); offset < total; offset += derivedMetricsBatch {
		if _, err := conn.Exec(ctx, fmt.Sprintf(`
			UPDATE %s t
			SET trade_imbalance  = s.trade_imbalance,
			    price_volatility = s.price_volatility,
			    price_momentum   = s.price_momentum
			FROM (
				SELECT * FROM _metrics_tmp
				ORDER BY minute_start
				LIMIT $1 OFFSET $2
			) s
			WHERE t.minute_start = s.minute_start`, t.Klines),
			derivedMetricsBatch, offset); err != nil {
			return fmt.Errorf("apply metrics batch at %d: %w", offset, err)
		}
	}

	if _, err := conn.Exec(ctx, `DROP TABLE IF EXISTS _metrics_tmp`); err != nil {
		return err
	}
	log.Printf("[repository] derived metrics refreshed for %s (%d rows)", t.Klines, total)
	return nil
}

// InsertExtractionMetric appends one pipeline-run summary row.
func (r *Repository) InsertExtractionMetric(ctx context.Context, m models.ExtractionMetric) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO extraction_metrics (block_range, log_count, duration_seconds, pool_slug)
		VALUES ($1, $2, $3, $4)`,
		m.BlockRange, m.LogCount, m.DurationSeconds, m.PoolSlug)
	if err != nil {
		return fmt.Errorf("insert extraction metric: %w", err)
	}
	return nil
}

// bucketColumns maps trade-size bucket keys onto their columns, in insert
// order.
var bucketColumns = []struct {
	key    int
	column string
}{
	{-2, "bucket_neg2"},
	{-1, "bucket_neg1"},
	{0, "bucket_0"},
	{1, "bucket_1"},
	{2, "bucket_2"},
	{3, "bucket_3"},
	{4, "bucket_4"},
	{5, "bucket_5"},
	{6, "bucket_6"},
}

// UpsertTradeSizes adds this run's trade-size counts onto the pool's single
// distribution row.
func (r *Repository) UpsertTradeSizes(ctx context.Context, poolSlug string, buckets models.TradeSizeBuckets) error {
	if len(buckets) == 0 {
		return nil
	}

	args := make([]any, 0, len(bucketColumns)+1)
	args = append(args, poolSlug)
	for _, bc := range bucketColumns {
		args = append(args, buckets[bc.key])
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO trade_size_distribution (
			pool_name, bucket_neg2, bucket_neg1, bucket_0, bucket_1,
			bucket_2, bucket_3, bucket_4, bucket_5, bucket_6
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (pool_name) DO UPDATE SET
			bucket_neg2 = trade_size_distribution.bucket_neg2 + EXCLUDED.bucket_neg2,
			bucket_neg1 = trade_size_distribution.bucket_neg1 + EXCLUDED.bucket_neg1,
			bucket_0 = trade_size_distribution.bucket_0 + EXCLUDED.bucket_0,
			bucket_1 = trade_size_distribution.bucket_1 + EXCLUDED.bucket_1,
			bucket_2 = trade_size_distribution.bucket_2 + EXCLUDED.bucket_2,
			bucket_3 = trade_size_distribution.bucket_3 + EXCLUDED.bucket_3,
			bucket_4 = trade_size_distribution.bucket_4 + EXCLUDED.bucket_4,
			bucket_5 = trade_size_distribution.bucket_5 + EXCLUDED.bucket_5,
			bucket_6 = trade_size_distribution.bucket_6 + EXCLUDED.bucket_6`,
		args...)
	if err != nil {
		return fmt.Errorf("upsert trade sizes for %s: %w", poolSlug, err)
	}
	return nil
}
