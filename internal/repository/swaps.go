package repository

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/s-Milo-s/dexflow/internal/models"
)

// InsertRawSwaps bulk-inserts decoded swaps. Rows that collide on
// (block_number, tx_hash, log_index) are silently absorbed, which makes the
// 60-second gap overlap and any re-run a no-op here.
func (r *Repository) InsertRawSwaps(ctx context.Context, t PoolTables, swaps []models.SwapRecord) error {
	if len(swaps) == 0 {
		return nil
	}

	sql := fmt.Sprintf(`
		INSERT INTO %s (
			block_number, "timestamp", tx_hash, log_index,
			sender, recipient, caller, router_tag,
			base_delta, quote_delta, base_vol, quote_vol,
			price, liquidity, tick, is_buy
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9::numeric, $10::numeric, $11::numeric, $12::numeric,
			$13::numeric, $14::numeric, $15, $16
		)
		ON CONFLICT (block_number, tx_hash, log_index) DO NOTHING`, t.RawSwaps)

	batch := &pgx.Batch{}
	for _, s := range swaps {
		var caller, routerTag any
		if s.Caller != "" {
			caller = s.Caller
		}
		if s.RouterTag != "" {
			routerTag = s.RouterTag
		}
		var liquidity any
		if s.Liquidity != nil {
			liquidity = s.Liquidity.String()
		}
		var tick any
		if s.Tick != nil {
			tick = *s.Tick
		}

		batch.Queue(sql,
			s.BlockNumber, time.Unix(s.Timestamp, 0).UTC(), s.TxHash, s.LogIndex,
			s.Sender, s.Recipient, caller, routerTag,
			ratArg(s.BaseDelta), ratArg(s.QuoteDelta), ratArg(s.BaseVol), ratArg(s.QuoteVol),
			ratArg(s.Price), liquidity, tick, s.IsBuy,
		)
	}

	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert %d raw swaps into %s: %w", len(swaps), t.RawSwaps, err)
	}
	log.Printf("[repository] inserted %d raw swaps into %s", len(swaps), t.RawSwaps)
	return nil
}
