package pipeline

import (
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/s-Milo-s/dexflow/internal/models"
)

// SwapAggregator folds decoded swaps into minute buckets. The fold is
// order-independent: open/close track the extreme timestamps, high/low the
// extreme prices, volumes and counts are additive. The durable upsert applies
// the same rules server-side, so any partition of a swap set across batches
// converges to the same row.
type SwapAggregator struct {
	buckets map[int64]*models.MinuteBucket // keyed by minute start, unix seconds
}

func NewSwapAggregator() *SwapAggregator {
	return &SwapAggregator{buckets: map[int64]*models.MinuteBucket{}}
}

func minuteStart(ts int64) int64 {
	return ts - ts%60
}

func (a *SwapAggregator) Add(rec models.SwapRecord) {
	minute := minuteStart(rec.Timestamp)

	b, ok := a.buckets[minute]
	if !ok {
		b = &models.MinuteBucket{
			MinuteStart:      time.Unix(minute, 0).UTC(),
			OpenPrice:        rec.Price,
			OpenTs:           rec.Timestamp,
			ClosePrice:       rec.Price,
			CloseTs:          rec.Timestamp,
			HighPrice:        rec.Price,
			LowPrice:         rec.Price,
			TotalBaseVolume:  new(big.Rat),
			TotalQuoteVolume: new(big.Rat),
		}
		a.buckets[minute] = b
	}

	if rec.Timestamp < b.OpenTs {
		b.OpenPrice = rec.Price
		b.OpenTs = rec.Timestamp
	}
	if rec.Timestamp > b.CloseTs {
		b.ClosePrice = rec.Price
		b.CloseTs = rec.Timestamp
	}
	if rec.Price.Cmp(b.HighPrice) > 0 {
		b.HighPrice = rec.Price
	}
	if rec.Price.Cmp(b.LowPrice) < 0 {
		b.LowPrice = rec.Price
	}

	b.TotalBaseVolume.Add(b.TotalBaseVolume, rec.BaseVol)
	b.TotalQuoteVolume.Add(b.TotalQuoteVolume, rec.QuoteVol)
	b.SwapCount++
}

// Buckets finalizes VWAP (Σquote / Σbase, nil when base volume is zero) and
// returns the buckets ordered by minute.
func (a *SwapAggregator) Buckets() []models.MinuteBucket {
	out := make([]models.MinuteBucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		if b.TotalBaseVolume.Sign() != 0 {
			b.AvgPrice = new(big.Rat).Quo(b.TotalQuoteVolume, b.TotalBaseVolume)
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MinuteStart.Before(out[j].MinuteStart)
	})
	return out
}

func (a *SwapAggregator) Reset() {
	a.buckets = map[int64]*models.MinuteBucket{}
}

const (
	tradeSizeMinBucket = -2
	tradeSizeMaxBucket = 6
)

// TradeSizeAggregator counts swaps by order-of-magnitude of their quote
// volume, e.g. a $151 swap lands in bucket 2 (100-999). Buckets are
// floor(log10(quote_vol)) clamped to [-2, 6]. Only meaningful when the quote
// token is a USD equivalent; the orchestrator gates construction on that.
type TradeSizeAggregator struct {
	counts models.TradeSizeBuckets
}

func NewTradeSizeAggregator() *TradeSizeAggregator {
	return &TradeSizeAggregator{counts: models.TradeSizeBuckets{}}
}

func (a *TradeSizeAggregator) Add(rec models.SwapRecord) {
	if rec.QuoteVol == nil || rec.QuoteVol.Sign() <= 0 {
		return
	}
	v, _ := rec.QuoteVol.Float64()
	key := int(math.Floor(math.Log10(v)))
	if key < tradeSizeMinBucket {
		key = tradeSizeMinBucket
	}
	if key > tradeSizeMaxBucket {
		key = tradeSizeMaxBucket
	}
	a.counts[key]++
}

func (a *TradeSizeAggregator) Buckets() models.TradeSizeBuckets {
	return a.counts
}
