package decoder

import (
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/s-Milo-s/dexflow/internal/models"
)

const v3SwapABI = `[{
	"anonymous": false,
	"inputs": [
		{"indexed": true,  "name": "sender",       "type": "address"},
		{"indexed": true,  "name": "recipient",    "type": "address"},
		{"indexed": false, "name": "amount0",      "type": "int256"},
		{"indexed": false, "name": "amount1",      "type": "int256"},
		{"indexed": false, "name": "sqrtPriceX96", "type": "uint160"},
		{"indexed": false, "name": "liquidity",    "type": "uint128"},
		{"indexed": false, "name": "tick",         "type": "int24"}
	],
	"name": "Swap",
	"type": "event"
}]`

var (
	v3ABI       = mustParseABI(v3SwapABI)
	v3SwapTopic = v3ABI.Events["Swap"].ID

	// 2^192, the denominator of (sqrtPriceX96)^2.
	q192 = new(big.Int).Lsh(big.NewInt(1), 192)
)

// DecodeV3Chunk decodes Uniswap-V3-style Swap events. amount0/amount1 are
// signed from the pool's perspective (positive = entered the pool); records
// carry the negated, wallet-perspective deltas so is_buy reads naturally:
// the wallet bought base iff it spent quote (quote delta < 0).
func DecodeV3Chunk(logs []types.Log, blockTimes map[uint64]int64, dec0, dec1 uint8, baseIsToken1 bool) ([]models.SwapRecord, error) {
	d0 := pow10(int(dec0))
	d1 := pow10(int(dec1))
	priceScale := pow10Signed(int(dec0) - int(dec1))

	out := make([]models.SwapRecord, 0, len(logs))
	for _, lg := range logs {
		ts, ok := blockTimes[lg.BlockNumber]
		if !ok {
			return nil, fmt.Errorf("no timestamp for block %d", lg.BlockNumber)
		}
		if len(lg.Topics) < 3 || lg.Topics[0] != v3SwapTopic {
			log.Printf("[decoder] skipping non-swap log %s:%d", lg.TxHash.Hex(), lg.Index)
			continue
		}

		fields, err := v3ABI.Unpack("Swap", lg.Data)
		if err != nil {
			log.Printf("[decoder] skipping undecodable log %s:%d: %v", lg.TxHash.Hex(), lg.Index, err)
			continue
		}

		amount0 := fields[0].(*big.Int)
		amount1 := fields[1].(*big.Int)
		sqrtPriceX96 := fields[2].(*big.Int)
		liquidity := fields[3].(*big.Int)
		tick32 := int32(fields[4].(*big.Int).Int64())

		// price = (sqrtPriceX96 / 2^96)^2 * 10^(dec0-dec1): token1 per
		// token0 in human units.
		sq := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
		price := new(big.Rat).SetFrac(sq, q192)
		price.Mul(price, priceScale)

		t0Delta := new(big.Rat).SetFrac(new(big.Int).Neg(amount0), d0)
		t1Delta := new(big.Rat).SetFrac(new(big.Int).Neg(amount1), d1)

		var baseDelta, quoteDelta *big.Rat
		if baseIsToken1 {
			baseDelta, quoteDelta = t1Delta, t0Delta
		} else {
			baseDelta, quoteDelta = t0Delta, t1Delta
		}

		baseVol := new(big.Rat).Abs(baseDelta)
		quoteVol := new(big.Rat).Abs(quoteDelta)
		if baseVol.Sign() == 0 || quoteVol.Sign() == 0 {
			// Dust swap, nothing traded on one side.
			continue
		}

		out = append(out, models.SwapRecord{
			BlockNumber: lg.BlockNumber,
			Timestamp:   ts,
			TxHash:      lg.TxHash.Hex(),
			LogIndex:    lg.Index,
			Sender:      topicAddress(lg.Topics[1]),
			Recipient:   topicAddress(lg.Topics[2]),
			BaseDelta:   baseDelta,
			QuoteDelta:  quoteDelta,
			BaseVol:     baseVol,
			QuoteVol:    quoteVol,
			Price:       price,
			IsBuy:       quoteDelta.Sign() < 0,
			Liquidity:   liquidity,
			Tick:        &tick32,
		})
	}
	return out, nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// pow10Signed returns 10^n as a rational, handling negative exponents.
func pow10Signed(n int) *big.Rat {
	if n >= 0 {
		return new(big.Rat).SetInt(pow10(n))
	}
	return new(big.Rat).SetFrac(big.NewInt(1), pow10(-n))
}
