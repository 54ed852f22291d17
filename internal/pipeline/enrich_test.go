package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/s-Milo-s/dexflow/internal/models"
)

type fakeTxSource struct {
	senders map[common.Hash]common.Address
	err     error
	calls   int
}

func (f *fakeTxSource) BatchTransactionSenders(ctx context.Context, hashes []common.Hash) (map[common.Hash]common.Address, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := map[common.Hash]common.Address{}
	for _, h := range hashes {
		if addr, ok := f.senders[h]; ok {
			out[h] = addr
		}
	}
	return out, nil
}

func TestEnrichTagsRecords(t *testing.T) {
	t.Parallel()

	eoa := common.HexToAddress("0x3333333333333333333333333333333333333333")
	routerAddr := "0x1111111254eeb25477b68fb85ed929f73a960582" // 1inch
	contract := common.HexToAddress("0x4444444444444444444444444444444444444444")

	txDirect := common.HexToHash("0xaaaa")
	txRouted := common.HexToHash("0xbbbb")
	txKnown := common.HexToHash("0xcccc")
	txMissing := common.HexToHash("0xdddd")

	source := &fakeTxSource{senders: map[common.Hash]common.Address{
		txDirect: eoa,
		txRouted: eoa,
		txKnown:  eoa,
	}}
	e := NewEnricher(source, 900)

	recs := []models.SwapRecord{
		{TxHash: txDirect.Hex(), Sender: strings.ToLower(eoa.Hex())},    // direct EOA swap
		{TxHash: txRouted.Hex(), Sender: strings.ToLower(contract.Hex())}, // unknown router
		{TxHash: txKnown.Hex(), Sender: routerAddr},                     // known aggregator
		{TxHash: txMissing.Hex(), Sender: strings.ToLower(eoa.Hex())},   // lookup failed
	}

	got := e.Enrich(context.Background(), recs)

	if got[0].RouterTag != "EOA" {
		t.Errorf("direct swap tag = %q, want EOA", got[0].RouterTag)
	}
	if got[0].Caller != strings.ToLower(eoa.Hex()) {
		t.Errorf("caller = %q, want %s", got[0].Caller, strings.ToLower(eoa.Hex()))
	}
	if got[1].RouterTag != "router/agg" {
		t.Errorf("routed swap tag = %q, want router/agg", got[1].RouterTag)
	}
	if got[2].RouterTag != "1inch" {
		t.Errorf("known router tag = %q, want 1inch", got[2].RouterTag)
	}
	if got[3].RouterTag != "" || got[3].Caller != "" {
		t.Errorf("failed lookup should leave row untagged, got tag=%q caller=%q", got[3].RouterTag, got[3].Caller)
	}
}

func TestEnrichDeduplicatesHashes(t *testing.T) {
	t.Parallel()

	tx := common.HexToHash("0xeeee")
	eoa := common.HexToAddress("0x3333333333333333333333333333333333333333")
	source := &fakeTxSource{senders: map[common.Hash]common.Address{tx: eoa}}
	e := NewEnricher(source, 900)

	recs := make([]models.SwapRecord, 5)
	for i := range recs {
		recs[i] = models.SwapRecord{TxHash: tx.Hex(), Sender: strings.ToLower(eoa.Hex())}
	}
	got := e.Enrich(context.Background(), recs)

	if source.calls != 1 {
		t.Errorf("made %d batch calls for one distinct hash, want 1", source.calls)
	}
	for i, r := range got {
		if r.RouterTag != "EOA" {
			t.Errorf("record %d tag = %q, want EOA", i, r.RouterTag)
		}
	}
}

func TestEnrichSurvivesLookupFailure(t *testing.T) {
	t.Parallel()

	source := &fakeTxSource{err: errors.New("provider down")}
	e := NewEnricher(source, 900)

	recs := []models.SwapRecord{{TxHash: common.HexToHash("0xffff").Hex(), Sender: "0xabc"}}
	got := e.Enrich(context.Background(), recs)

	if len(got) != 1 {
		t.Fatalf("records dropped on enrichment failure")
	}
	if got[0].Caller != "" || got[0].RouterTag != "" {
		t.Errorf("failed enrichment should leave row untouched, got %+v", got[0])
	}
}
