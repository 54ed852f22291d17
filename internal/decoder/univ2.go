package decoder

import (
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/s-Milo-s/dexflow/internal/models"
)

const v2SwapABI = `[{
	"anonymous": false,
	"inputs": [
		{"indexed": true,  "name": "sender",     "type": "address"},
		{"indexed": false, "name": "amount0In",  "type": "uint256"},
		{"indexed": false, "name": "amount1In",  "type": "uint256"},
		{"indexed": false, "name": "amount0Out", "type": "uint256"},
		{"indexed": false, "name": "amount1Out", "type": "uint256"},
		{"indexed": true,  "name": "to",         "type": "address"}
	],
	"name": "Swap",
	"type": "event"
}]`

var (
	v2ABI       = mustParseABI(v2SwapABI)
	v2SwapTopic = v2ABI.Events["Swap"].ID
)

// DecodeV2Chunk decodes Uniswap-V2-style Swap events (Aerodrome vAMM and
// other constant-product forks). V2 has no embedded price oracle, so the
// execution price is |quote_in+quote_out| / |base_in+base_out|. Deltas use
// the same wallet-perspective sign convention as the V3 decoder.
func DecodeV2Chunk(logs []types.Log, blockTimes map[uint64]int64, dec0, dec1 uint8, baseIsToken1 bool) ([]models.SwapRecord, error) {
	d0 := pow10(int(dec0))
	d1 := pow10(int(dec1))

	out := make([]models.SwapRecord, 0, len(logs))
	for _, lg := range logs {
		ts, ok := blockTimes[lg.BlockNumber]
		if !ok {
			return nil, fmt.Errorf("no timestamp for block %d", lg.BlockNumber)
		}
		if len(lg.Topics) < 3 || lg.Topics[0] != v2SwapTopic {
			log.Printf("[decoder] skipping non-swap log %s:%d", lg.TxHash.Hex(), lg.Index)
			continue
		}

		fields, err := v2ABI.Unpack("Swap", lg.Data)
		if err != nil {
			log.Printf("[decoder] skipping undecodable log %s:%d: %v", lg.TxHash.Hex(), lg.Index, err)
			continue
		}

		amt0In := new(big.Rat).SetFrac(fields[0].(*big.Int), d0)
		amt1In := new(big.Rat).SetFrac(fields[1].(*big.Int), d1)
		amt0Out := new(big.Rat).SetFrac(fields[2].(*big.Int), d0)
		amt1Out := new(big.Rat).SetFrac(fields[3].(*big.Int), d1)

		var baseIn, baseOut, quoteIn, quoteOut *big.Rat
		if baseIsToken1 {
			baseIn, baseOut = amt1In, amt1Out
			quoteIn, quoteOut = amt0In, amt0Out
		} else {
			baseIn, baseOut = amt0In, amt0Out
			quoteIn, quoteOut = amt1In, amt1Out
		}

		// in = entered the pool = left the wallet, hence out - in.
		baseDelta := new(big.Rat).Sub(baseOut, baseIn)
		quoteDelta := new(big.Rat).Sub(quoteOut, quoteIn)

		baseVol := new(big.Rat).Abs(baseDelta)
		quoteVol := new(big.Rat).Abs(quoteDelta)
		if baseVol.Sign() == 0 || quoteVol.Sign() == 0 {
			// Dust swap, nothing traded on one side.
			continue
		}

		baseTotal := new(big.Rat).Add(baseIn, baseOut)
		quoteTotal := new(big.Rat).Add(quoteIn, quoteOut)
		price := new(big.Rat).Quo(quoteTotal, baseTotal)

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
		})
	}
	return out, nil
}
