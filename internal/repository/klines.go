package repository

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"

	"github.com/s-Milo-s/dexflow/internal/evm"
	"github.com/s-Milo-s/dexflow/internal/models"
)

// PoolTables carries the identifiers of one pool's destination tables, e.g.
// arbitrum_uniswap_v3_arbusdc_1m_klines / _raw_swaps. Identifiers are
// validated at construction; nothing else may interpolate names into SQL.
type PoolTables struct {
	Klines   string
	RawSwaps string
}

// Slug is the pool identity shared by extraction_metrics, pool_flow_hourly
// and trade_size_distribution: the kline table name minus its suffix.
func (t PoolTables) Slug() string {
	return t.Klines[:len(t.Klines)-len("_1m_klines")]
}

func (t PoolTables) WalletMetrics() string {
	return t.Slug() + "_wallet_metrics"
}

// NewPoolTables derives the per-pool table names from cleaned components.
func NewPoolTables(chain, dex, baseSym, quoteSym string) (PoolTables, error) {
	slug := fmt.Sprintf("%s_%s_%s%s", chain, dex, baseSym, quoteSym)
	if err := ValidIdent(slug); err != nil {
		return PoolTables{}, err
	}
	return PoolTables{
		Klines:   slug + "_1m_klines",
		RawSwaps: slug + "_raw_swaps",
	}, nil
}

// EnsurePoolTables lazily creates both destination tables on first ingest.
func (r *Repository) EnsurePoolTables(ctx context.Context, t PoolTables) error {
	if _, err := r.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			minute_start       TIMESTAMPTZ PRIMARY KEY,
			open_price         NUMERIC(38,18),
			open_ts            BIGINT,
			close_price        NUMERIC(38,18),
			close_ts           BIGINT,
			high_price         NUMERIC(38,18),
			low_price          NUMERIC(38,18),
			avg_price          NUMERIC(38,18),
			swap_count         INTEGER,
			total_base_volume  NUMERIC(38,18),
			total_quote_volume NUMERIC(38,18),
			trade_imbalance    NUMERIC(38,18),
			price_volatility   NUMERIC(38,18),
			price_momentum     NUMERIC(38,18)
		)`, t.Klines)); err != nil {
		return fmt.Errorf("create %s: %w", t.Klines, err)
	}

	if _, err := r.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id           BIGSERIAL PRIMARY KEY,
			block_number BIGINT NOT NULL,
			"timestamp"  TIMESTAMPTZ NOT NULL,
			tx_hash      TEXT NOT NULL,
			log_index    INTEGER NOT NULL,
			sender       TEXT NOT NULL,
			recipient    TEXT NOT NULL,
			caller       TEXT,
			router_tag   TEXT,
			base_delta   NUMERIC(38,18) NOT NULL,
			quote_delta  NUMERIC(38,18) NOT NULL,
			base_vol     NUMERIC(38,18) NOT NULL,
			quote_vol    NUMERIC(38,18) NOT NULL,
			price        NUMERIC(38,18) NOT NULL,
			liquidity    NUMERIC(38,0),
			tick         INTEGER,
			is_buy       BOOLEAN NOT NULL,
			UNIQUE (block_number, tx_hash, log_index)
		)`, t.RawSwaps)); err != nil {
		return fmt.Errorf("create %s: %w", t.RawSwaps, err)
	}
	return nil
}

// KlineCoverage reads the minute_start extent of a kline table, as unix
// seconds. Empty is true when the table holds no rows.
func (r *Repository) KlineCoverage(ctx context.Context, t PoolTables) (evm.Coverage, error) {
	var minTs, maxTs *float64
	err := r.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT EXTRACT(EPOCH FROM MIN(minute_start)),
		       EXTRACT(EPOCH FROM MAX(minute_start))
		FROM %s`, t.Klines)).Scan(&minTs, &maxTs)
	if err != nil {
		return evm.Coverage{}, fmt.Errorf("coverage of %s: %w", t.Klines, err)
	}
	if minTs == nil || maxTs == nil {
		return evm.Coverage{Empty: true}, nil
	}
	return evm.Coverage{MinTs: int64(*minTs), MaxTs: int64(*maxTs)}, nil
}

// UpsertMinuteBuckets writes minute candles with the merge rules inside the
// conflict clause, so concurrent writers and arbitrary re-ingestion converge
// to the same row without read-modify-write:
//
//   - open keeps the earlier open_ts, close the later close_ts
//   - high/low take the extremes, counts and volumes add
//   - avg_price is recomputed as total quote volume over total base volume
func (r *Repository) UpsertMinuteBuckets(ctx context.Context, t PoolTables, buckets []models.MinuteBucket) error {
	if len(buckets) == 0 {
		return nil
	}

	sql := fmt.Sprintf(`
		INSERT INTO %s (
			minute_start, open_price, open_ts, close_price, close_ts,
			high_price, low_price, avg_price, swap_count,
			total_base_volume, total_quote_volume
		) VALUES (
			$1, $2::numeric, $3, $4::numeric, $5,
			$6::numeric, $7::numeric, $8::numeric, $9,
			$10::numeric, $11::numeric
		)
		ON CONFLICT (minute_start) DO UPDATE SET
			open_price = CASE
				WHEN %[1]s.open_ts <= EXCLUDED.open_ts THEN %[1]s.open_price
				ELSE EXCLUDED.open_price
			END,
			open_ts = LEAST(%[1]s.open_ts, EXCLUDED.open_ts),
			close_price = CASE
				WHEN %[1]s.close_ts >= EXCLUDED.close_ts THEN %[1]s.close_price
				ELSE EXCLUDED.close_price
			END,
			close_ts = GREATEST(%[1]s.close_ts, EXCLUDED.close_ts),
			high_price = GREATEST(%[1]s.high_price, EXCLUDED.high_price),
			low_price = LEAST(%[1]s.low_price, EXCLUDED.low_price),
			swap_count = %[1]s.swap_count + EXCLUDED.swap_count,
			total_base_volume = %[1]s.total_base_volume + EXCLUDED.total_base_volume,
			total_quote_volume = %[1]s.total_quote_volume + EXCLUDED.total_quote_volume,
			avg_price = COALESCE(
				(%[1]s.total_quote_volume + EXCLUDED.total_quote_volume) /
				NULLIF(%[1]s.total_base_volume + EXCLUDED.total_base_volume, 0),
				0
			)`, t.Klines)

	batch := &pgx.Batch{}
	for _, b := range buckets {
		batch.Queue(sql,
			b.MinuteStart,
			ratArg(b.OpenPrice), b.OpenTs,
			ratArg(b.ClosePrice), b.CloseTs,
			ratArg(b.HighPrice), ratArg(b.LowPrice), ratArg(b.AvgPrice),
			b.SwapCount,
			ratArg(b.TotalBaseVolume), ratArg(b.TotalQuoteVolume),
		)
	}

	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert %d minute buckets into %s: %w", len(buckets), t.Klines, err)
	}
	log.Printf("[repository] upserted %d minute buckets into %s", len(buckets), t.Klines)
	return nil
}
