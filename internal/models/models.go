package models

import (
	"math/big"
	"time"
)

// Pool is one row of the pools registry table. The registry is populated
// out-of-band; the engine only reads it and bumps last_started.
type Pool struct {
	ID          int64
	Chain       string
	Dex         string
	Pair        string // oriented "BASE/QUOTE", e.g. "ARB/USDC"
	Address     string // 0x checksum, globally unique
	Active      bool
	LastStarted *time.Time // nil until the scheduler first enqueues the pool
}

// SwapRecord is one decoded swap event, normalized to base/quote orientation.
// Deltas are signed from the wallet's perspective (positive = the wallet
// received that token, negative = it spent it); volumes are their absolute
// values. Amounts are scaled by token decimals and kept as big.Rat so
// aggregation stays exact.
type SwapRecord struct {
	BlockNumber uint64
	Timestamp   int64 // seconds since epoch, interpolated
	TxHash      string
	LogIndex    uint

	Sender    string
	Recipient string
	Caller    string // true EOA from eth_getTransactionByHash, "" until enriched
	RouterTag string // "EOA", known-router label, "router/agg", or ""

	BaseDelta  *big.Rat
	QuoteDelta *big.Rat
	BaseVol    *big.Rat
	QuoteVol   *big.Rat

	Price *big.Rat // quote per base
	IsBuy bool     // wallet bought base (it spent quote)

	// V3-family pool context; nil for V2-style pools.
	Liquidity *big.Int
	Tick      *int32
}

// MinuteBucket is one OHLCV candle keyed by minute_start (UTC, truncated).
type MinuteBucket struct {
	MinuteStart time.Time

	OpenPrice  *big.Rat
	OpenTs     int64
	ClosePrice *big.Rat
	CloseTs    int64
	HighPrice  *big.Rat
	LowPrice   *big.Rat
	AvgPrice   *big.Rat // VWAP = total_quote_volume / total_base_volume, nil if base volume is zero

	SwapCount        int64
	TotalBaseVolume  *big.Rat
	TotalQuoteVolume *big.Rat
}

// TradeSizeBuckets maps floor(log10(quote_vol_usd)) clamped to [-2, 6] to a
// swap count. Only populated when the quote token is a USD equivalent.
type TradeSizeBuckets map[int]int64

// ExtractionMetric is one append-only row describing a finished pipeline run.
type ExtractionMetric struct {
	BlockRange      string
	LogCount        int
	DurationSeconds float64
	PoolSlug        string
}
