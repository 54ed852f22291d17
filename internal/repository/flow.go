package repository

import (
	"context"
	"fmt"
	"log"
	"time"
)

// usdPriceColumns are the only symbols priced by the external price_8h_usd
// feed. The volatile flow path interpolates a column name into SQL, so the
// set doubles as a whitelist.
var usdPriceColumns = map[string]bool{
	"eth": true,
	"btc": true,
}

// poolFlowStableSQL aggregates hourly flow when the quote token already is a
// USD equivalent: quote volume is the USD value.
const poolFlowStableSQL = `
	WITH base AS (
		SELECT
			date_trunc('hour', s."timestamp") AS bucket_start,
			s.quote_vol::float8               AS usd,
			s.is_buy
		FROM %[1]s s
		WHERE s."timestamp" >= $2
		  AND s."timestamp" <  $3
	),
	agg AS (
		SELECT
			bucket_start,
			SUM(CASE WHEN is_buy THEN usd END)     AS buys_usd,
			SUM(CASE WHEN NOT is_buy THEN usd END) AS sells_usd,
			SUM(usd)                               AS volume_usd
		FROM base GROUP BY 1
	)
	INSERT INTO pool_flow_hourly (pool_slug, bucket_start, buys_usd, sells_usd, volume_usd, pressure)
	SELECT
		$1, bucket_start, buys_usd, sells_usd, volume_usd,
		CASE WHEN volume_usd = 0 THEN 0
		     ELSE (COALESCE(buys_usd, 0) - COALESCE(sells_usd, 0)) / volume_usd
		END
	FROM agg
	ON CONFLICT (pool_slug, bucket_start) DO UPDATE SET
		buys_usd   = EXCLUDED.buys_usd,
		sells_usd  = EXCLUDED.sells_usd,
		volume_usd = EXCLUDED.volume_usd,
		pressure   = EXCLUDED.pressure`

// poolFlowVolatileSQL prices a non-USD quote through the 8-hour USD price
// feed: each swap joins the price bucket its timestamp falls into. Swaps
// with no priced bucket are dropped.
const poolFlowVolatileSQL = `
	WITH base AS (
		SELECT
			date_trunc('hour', s."timestamp") AS bucket_start,
			date_trunc('hour', s."timestamp")
				- (EXTRACT(hour FROM s."timestamp")::int %% 8) * interval '1 hour' AS price_bucket,
			s.quote_vol,
			s.is_buy
		FROM %[1]s s
		WHERE s."timestamp" >= $2
		  AND s."timestamp" <  $3
	),
	priced AS (
		SELECT
			b.bucket_start,
			b.quote_vol::float8 * p.%[2]s::float8 AS usd,
			b.is_buy
		FROM base b
		JOIN price_8h_usd p ON p.bucket_start = b.price_bucket
		WHERE p.%[2]s IS NOT NULL
	),
	agg AS (
		SELECT
			bucket_start,
			SUM(CASE WHEN is_buy THEN usd END)     AS buys_usd,
			SUM(CASE WHEN NOT is_buy THEN usd END) AS sells_usd,
			SUM(usd)                               AS volume_usd
		FROM priced GROUP BY 1
	)
	INSERT INTO pool_flow_hourly (pool_slug, bucket_start, buys_usd, sells_usd, volume_usd, pressure)
	SELECT
		$1, bucket_start, buys_usd, sells_usd, volume_usd,
		CASE WHEN volume_usd = 0 THEN 0
		     ELSE (COALESCE(buys_usd, 0) - COALESCE(sells_usd, 0)) / volume_usd
		END
	FROM agg
	ON CONFLICT (pool_slug, bucket_start) DO UPDATE SET
		buys_usd   = EXCLUDED.buys_usd,
		sells_usd  = EXCLUDED.sells_usd,
		volume_usd = EXCLUDED.volume_usd,
		pressure   = EXCLUDED.pressure`

// FullHourWindow returns a [start, end) window whose end is the top of the
// previous UTC hour, so every aggregated bucket is a complete 60-minute
// slice.
func FullHourWindow(now time.Time, daysBack int) (time.Time, time.Time) {
	end := now.UTC().Add(-time.Hour).Truncate(time.Hour)
	return end.AddDate(0, 0, -daysBack), end
}

// CrunchPoolFlow rebuilds the hourly buy/sell pressure series for one pool.
// quoteIsUSD selects the direct path; otherwise quoteSymbol must be a column
// of price_8h_usd.
func (r *Repository) CrunchPoolFlow(ctx context.Context, t PoolTables, quoteSymbol string, quoteIsUSD bool, daysBack int, now time.Time) error {
	start, end := FullHourWindow(now, daysBack)

	var sql string
	if quoteIsUSD {
		sql = fmt.Sprintf(poolFlowStableSQL, t.RawSwaps)
	} else {
		if !usdPriceColumns[quoteSymbol] {
			return fmt.Errorf("quote %q has no USD price column", quoteSymbol)
		}
		sql = fmt.Sprintf(poolFlowVolatileSQL, t.RawSwaps, quoteSymbol)
	}

	cmd, err := r.db.Exec(ctx, sql, t.Slug(), start, end)
	if err != nil {
		return fmt.Errorf("pool flow for %s: %w", t.Slug(), err)
	}
	log.Printf("[repository] pool flow refreshed for %s (%d hourly buckets)", t.Slug(), cmd.RowsAffected())
	return nil
}
