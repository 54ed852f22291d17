package pipeline

import (
	"context"
	"log"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/s-Milo-s/dexflow/internal/models"
)

// routerMap labels the swap when the event's sender is a known router or
// aggregator contract. Keys are lower-case addresses.
var routerMap = map[string]string{
	"0xe592427a0aece92de3edee1f18e0157c05861564": "uniswap_v3_router",
	"0x68b3465833fb72a70ecdf485e0e4c7bd8665fc45": "uniswap_router02",
	"0x3fc91a3afd70395cd496c647d5a6cc9d4b2b7fad": "uniswap_universal",
	"0x1111111254eeb25477b68fb85ed929f73a960582": "1inch",
	"0xdef171fe48cf0115b1d80b88dc8eab59176fee57": "paraswap",
	"0x6352a56caadc4f1e25cd6c75970fa768a3304e64": "openocean",
}

const (
	tagEOA    = "EOA"
	tagRouter = "router/agg"
)

// TxSource is the slice of the chain client enrichment needs.
type TxSource interface {
	BatchTransactionSenders(ctx context.Context, hashes []common.Hash) (map[common.Hash]common.Address, error)
}

const enrichBatchSize = 100 // provider hard limit per batched request

// Enricher annotates swap records with the transaction's true EOA sender
// and a router tag, via batched eth_getTransactionByHash. Lookups are rate
// limited across all pools sharing the process.
type Enricher struct {
	source  TxSource
	limiter *rate.Limiter
}

func NewEnricher(source TxSource, rps float64) *Enricher {
	return NewEnricherWithLimiter(source, NewEnrichLimiter(rps))
}

// NewEnricherWithLimiter binds a chain-specific source to a limiter shared
// across pools, so the combined lookup rate stays under the provider cap no
// matter how many pools are ingesting.
func NewEnricherWithLimiter(source TxSource, limiter *rate.Limiter) *Enricher {
	return &Enricher{source: source, limiter: limiter}
}

func NewEnrichLimiter(rps float64) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(rps), enrichBatchSize)
}

// Enrich fills Caller and RouterTag in place. Tag rule: a sender in the
// router map keeps its label; otherwise caller == sender means a direct EOA
// swap; anything else went through an unknown router or aggregator. Records
// whose lookup failed keep an empty caller and get no tag.
func (e *Enricher) Enrich(ctx context.Context, recs []models.SwapRecord) []models.SwapRecord {
	if len(recs) == 0 {
		return recs
	}

	seen := map[common.Hash]struct{}{}
	hashes := make([]common.Hash, 0, len(recs))
	for _, rec := range recs {
		h := common.HexToHash(rec.TxHash)
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		hashes = append(hashes, h)
	}

	senders := map[common.Hash]common.Address{}
	for start := 0; start < len(hashes); start += enrichBatchSize {
		end := start + enrichBatchSize
		if end > len(hashes) {
			end = len(hashes)
		}

		if err := e.limiter.WaitN(ctx, end-start); err != nil {
			log.Printf("[enrich] rate limiter interrupted: %v", err)
			break
		}
		batch, err := e.source.BatchTransactionSenders(ctx, hashes[start:end])
		if err != nil {
			// Enrichment is best-effort; the rows stay usable without
			// caller data.
			log.Printf("[enrich] sender lookup failed for %d hashes: %v", end-start, err)
			continue
		}
		for h, addr := range batch {
			senders[h] = addr
		}
	}

	for i := range recs {
		rec := &recs[i]
		sender := strings.ToLower(rec.Sender)

		caller, ok := senders[common.HexToHash(rec.TxHash)]
		if ok {
			rec.Caller = strings.ToLower(caller.Hex())
		}

		switch {
		case routerMap[sender] != "":
			rec.RouterTag = routerMap[sender]
		case ok && rec.Caller == sender:
			rec.RouterTag = tagEOA
		case ok:
			rec.RouterTag = tagRouter
		}
	}
	return recs
}
