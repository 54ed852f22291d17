package repository

import (
	"context"
	"fmt"
	"log"
	"time"
)

// walletMetricsDDL creates the per-pool wallet table on first use.
const walletMetricsDDL = `
	CREATE TABLE IF NOT EXISTS %s (
		wallet        TEXT PRIMARY KEY,
		turnover      DOUBLE PRECISION,
		buy_volume    DOUBLE PRECISION,
		sell_volume   DOUBLE PRECISION,
		trades        INTEGER,
		net_bias      DOUBLE PRECISION,
		avg_trade_usd DOUBLE PRECISION,
		turnover_24h  DOUBLE PRECISION,
		last_trade    TIMESTAMPTZ,
		updated_at    TIMESTAMPTZ DEFAULT NOW()
	)`

// walletMetricsSQL aggregates enriched raw swaps per wallet (the enrichment
// caller, the true EOA) entirely in the database: turnover, directional
// volumes, a net bias in [-1, 1], and a 24h turnover slice. Quote volume is
// treated as USD, so callers gate this on a USD-equivalent quote.
const walletMetricsSQL = `
	WITH signed AS (
		SELECT
			s.caller AS wallet,
			s."timestamp",
			s.quote_vol::float8 * (CASE WHEN s.is_buy THEN 1 ELSE -1 END) AS signed_vol_usd
		FROM %[1]s s
		WHERE s.caller IS NOT NULL
		  AND s."timestamp" >= $1
		  AND s."timestamp" <  $2
	),
	grouped AS (
		SELECT
			wallet,
			SUM(ABS(signed_vol_usd))                                   AS turnover,
			COALESCE(SUM(CASE WHEN signed_vol_usd > 0 THEN signed_vol_usd END), 0)  AS buy_volume,
			COALESCE(SUM(CASE WHEN signed_vol_usd < 0 THEN -signed_vol_usd END), 0) AS sell_volume,
			COUNT(*)                                                   AS trades,
			MAX("timestamp")                                           AS last_trade,
			COALESCE(SUM(
				CASE WHEN "timestamp" >= ($2::timestamptz - interval '24 hours')
				THEN ABS(signed_vol_usd) END
			), 0) AS turnover_24h
		FROM signed
		GROUP BY wallet
	)
	INSERT INTO %[2]s (
		wallet, turnover, buy_volume, sell_volume, trades,
		net_bias, avg_trade_usd, turnover_24h, last_trade, updated_at
	)
	SELECT
		wallet, turnover, buy_volume, sell_volume, trades,
		CASE WHEN turnover = 0 THEN 0 ELSE (buy_volume - sell_volume) / turnover END,
		turnover / GREATEST(trades, 1),
		turnover_24h, last_trade, NOW()
	FROM grouped
	ON CONFLICT (wallet) DO UPDATE SET
		turnover      = EXCLUDED.turnover,
		buy_volume    = EXCLUDED.buy_volume,
		sell_volume   = EXCLUDED.sell_volume,
		trades        = EXCLUDED.trades,
		net_bias      = EXCLUDED.net_bias,
		avg_trade_usd = EXCLUDED.avg_trade_usd,
		turnover_24h  = EXCLUDED.turnover_24h,
		last_trade    = EXCLUDED.last_trade,
		updated_at    = NOW()`

// CrunchWalletMetrics refreshes the per-wallet activity table for one pool
// over a look-back window.
func (r *Repository) CrunchWalletMetrics(ctx context.Context, t PoolTables, daysBack int, now time.Time) error {
	metricsTable := t.WalletMetrics()
	if err := ValidIdent(metricsTable); err != nil {
		return err
	}

	if _, err := r.db.Exec(ctx, fmt.Sprintf(walletMetricsDDL, metricsTable)); err != nil {
		return fmt.Errorf("create %s: %w", metricsTable, err)
	}

	end := now.UTC()
	start := end.AddDate(0, 0, -daysBack)
	cmd, err := r.db.Exec(ctx, fmt.Sprintf(walletMetricsSQL, t.RawSwaps, metricsTable), start, end)
	if err != nil {
		return fmt.Errorf("wallet metrics for %s: %w", t.Slug(), err)
	}
	log.Printf("[repository] wallet metrics refreshed for %s (%d wallets)", t.Slug(), cmd.RowsAffected())
	return nil
}
