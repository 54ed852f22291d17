package decoder

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	testSender    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testRecipient = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(a.Bytes(), 32))
}

// e18 scales a small integer to 18-decimal raw token units.
func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func v3Log(t *testing.T, block uint64, logIndex uint, amount0, amount1, sqrtPriceX96 *big.Int, tick int64) types.Log {
	t.Helper()
	data, err := v3ABI.Events["Swap"].Inputs.NonIndexed().Pack(
		amount0, amount1, sqrtPriceX96, big.NewInt(500_000), big.NewInt(tick),
	)
	if err != nil {
		t.Fatalf("pack v3 swap: %v", err)
	}
	return types.Log{
		BlockNumber: block,
		TxHash:      common.HexToHash("0xabc1"),
		Index:       logIndex,
		Topics:      []common.Hash{v3SwapTopic, addressTopic(testSender), addressTopic(testRecipient)},
		Data:        data,
	}
}

func v2Log(t *testing.T, block uint64, logIndex uint, a0In, a1In, a0Out, a1Out *big.Int) types.Log {
	t.Helper()
	data, err := v2ABI.Events["Swap"].Inputs.NonIndexed().Pack(a0In, a1In, a0Out, a1Out)
	if err != nil {
		t.Fatalf("pack v2 swap: %v", err)
	}
	return types.Log{
		BlockNumber: block,
		TxHash:      common.HexToHash("0xabc2"),
		Index:       logIndex,
		Topics:      []common.Hash{v2SwapTopic, addressTopic(testSender), addressTopic(testRecipient)},
		Data:        data,
	}
}

func ratEq(r *big.Rat, want string) bool {
	w, ok := new(big.Rat).SetString(want)
	return ok && r.Cmp(w) == 0
}

func TestDecodeV3Chunk(t *testing.T) {
	t.Parallel()

	// sqrtPriceX96 = 2 * 2^96 → raw price 4 token1-per-token0; equal
	// decimals keep the scale factor at 1.
	sqrt := new(big.Int).Lsh(big.NewInt(2), 96)

	// Pool pays out 1 token0 (amount0 = -1e18) and takes in 4 token1
	// (amount1 = +4e18).
	lg := v3Log(t, 100, 7, new(big.Int).Neg(e18(1)), e18(4), sqrt, -887)
	times := map[uint64]int64{100: 1_700_000_000}

	recs, err := DecodeV3Chunk([]types.Log{lg}, times, 18, 18, true)
	if err != nil {
		t.Fatalf("DecodeV3Chunk: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}

	r := recs[0]
	if r.BlockNumber != 100 || r.Timestamp != 1_700_000_000 || r.LogIndex != 7 {
		t.Errorf("identity fields wrong: %+v", r)
	}
	if r.Sender != testSender.Hex() || r.Recipient != testRecipient.Hex() {
		t.Errorf("parties wrong: sender=%s recipient=%s", r.Sender, r.Recipient)
	}
	// base_is_token1: token1 is base. amount1 entered the pool, so the
	// wallet spent 4 base and received 1 quote.
	if !ratEq(r.BaseDelta, "-4") || !ratEq(r.QuoteDelta, "1") {
		t.Errorf("deltas = %s / %s, want -4 / 1", r.BaseDelta, r.QuoteDelta)
	}
	if !ratEq(r.BaseVol, "4") || !ratEq(r.QuoteVol, "1") {
		t.Errorf("vols = %s / %s, want 4 / 1", r.BaseVol, r.QuoteVol)
	}
	if !ratEq(r.Price, "4") {
		t.Errorf("price = %s, want 4", r.Price.RatString())
	}
	if r.IsBuy {
		t.Error("wallet sold base (spent token1), IsBuy should be false")
	}
	if r.Tick == nil || *r.Tick != -887 {
		t.Errorf("tick = %v, want -887", r.Tick)
	}
	if r.Liquidity == nil || r.Liquidity.Int64() != 500_000 {
		t.Errorf("liquidity = %v, want 500000", r.Liquidity)
	}
}

func TestDecodeV3Orientation(t *testing.T) {
	t.Parallel()

	sqrt := new(big.Int).Lsh(big.NewInt(2), 96) // raw price 4
	times := map[uint64]int64{100: 1}

	// Pool pays out 1 token0, takes in 4 token1.
	lg := v3Log(t, 100, 0, new(big.Int).Neg(e18(1)), e18(4), sqrt, 0)

	t.Run("base is token0, wallet buys base", func(t *testing.T) {
		recs, err := DecodeV3Chunk([]types.Log{lg}, times, 18, 18, false)
		if err != nil {
			t.Fatal(err)
		}
		r := recs[0]
		if !ratEq(r.BaseDelta, "1") || !ratEq(r.QuoteDelta, "-4") {
			t.Errorf("deltas = %s / %s, want 1 / -4", r.BaseDelta, r.QuoteDelta)
		}
		if !r.IsBuy {
			t.Error("wallet received base and spent quote, IsBuy should be true")
		}
	})

	t.Run("price scales by decimal exponent", func(t *testing.T) {
		// dec0=6, dec1=18 → scale 10^-12; amounts re-packed in native units.
		small := v3Log(t, 100, 0,
			new(big.Int).Neg(big.NewInt(1_000_000)), // 1 token0 at 6 decimals
			e18(4), sqrt, 0)
		recs, err := DecodeV3Chunk([]types.Log{small}, times, 6, 18, false)
		if err != nil {
			t.Fatal(err)
		}
		if !ratEq(recs[0].Price, "4/1000000000000") {
			t.Errorf("price = %s, want 4e-12", recs[0].Price.RatString())
		}
	})
}

func TestDecodeV3SkipsDustAndGarbage(t *testing.T) {
	t.Parallel()

	sqrt := new(big.Int).Lsh(big.NewInt(1), 96)
	times := map[uint64]int64{100: 1}

	dust := v3Log(t, 100, 1, big.NewInt(0), e18(4), sqrt, 0)
	garbage := types.Log{
		BlockNumber: 100,
		TxHash:      common.HexToHash("0xdead"),
		Index:       2,
		Topics:      []common.Hash{v3SwapTopic, addressTopic(testSender), addressTopic(testRecipient)},
		Data:        []byte{0x01, 0x02},
	}
	good := v3Log(t, 100, 3, new(big.Int).Neg(e18(1)), e18(1), sqrt, 0)

	recs, err := DecodeV3Chunk([]types.Log{dust, garbage, good}, times, 18, 18, false)
	if err != nil {
		t.Fatalf("DecodeV3Chunk: %v", err)
	}
	if len(recs) != 1 || recs[0].LogIndex != 3 {
		t.Errorf("got %d records %v, want only log index 3", len(recs), recs)
	}
}

func TestDecodeV3MissingTimestampIsFatal(t *testing.T) {
	t.Parallel()

	sqrt := new(big.Int).Lsh(big.NewInt(1), 96)
	lg := v3Log(t, 999, 0, e18(1), new(big.Int).Neg(e18(1)), sqrt, 0)

	if _, err := DecodeV3Chunk([]types.Log{lg}, map[uint64]int64{}, 18, 18, false); err == nil {
		t.Error("missing block timestamp should fail the chunk")
	}
}

func TestDecodeV2Chunk(t *testing.T) {
	t.Parallel()

	times := map[uint64]int64{200: 1_700_000_060}

	// token0 = base. Wallet sends 400 quote in, receives 100 base out.
	lg := v2Log(t, 200, 5, big.NewInt(0), e18(400), e18(100), big.NewInt(0))

	recs, err := DecodeV2Chunk([]types.Log{lg}, times, 18, 18, false)
	if err != nil {
		t.Fatalf("DecodeV2Chunk: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}

	r := recs[0]
	if !ratEq(r.BaseDelta, "100") || !ratEq(r.QuoteDelta, "-400") {
		t.Errorf("deltas = %s / %s, want 100 / -400", r.BaseDelta, r.QuoteDelta)
	}
	if !ratEq(r.Price, "4") {
		t.Errorf("price = %s, want 4", r.Price.RatString())
	}
	if !r.IsBuy {
		t.Error("wallet spent quote, IsBuy should be true")
	}
	if r.Liquidity != nil || r.Tick != nil {
		t.Error("v2 records carry no pool context")
	}
}

func TestDecodeV2SkipsDust(t *testing.T) {
	t.Parallel()

	times := map[uint64]int64{200: 1}
	dust := v2Log(t, 200, 0, big.NewInt(0), big.NewInt(0), e18(1), big.NewInt(0))

	recs, err := DecodeV2Chunk([]types.Log{dust}, times, 18, 18, false)
	if err != nil {
		t.Fatalf("DecodeV2Chunk: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("dust swap should be dropped, got %v", recs)
	}
}

func TestChunkLogs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n          int
		wantChunks int
	}{
		{0, 0},
		{1, 1},
		{200, 1},
		{201, 2},
		{1600, 8},
		{5000, 8},
	}

	for _, tc := range tests {
		logs := make([]types.Log, tc.n)
		got := ChunkLogs(logs)
		if len(got) != tc.wantChunks {
			t.Errorf("ChunkLogs(%d) = %d chunks, want %d", tc.n, len(got), tc.wantChunks)
			continue
		}
		total := 0
		for _, c := range got {
			total += len(c)
		}
		if total != tc.n {
			t.Errorf("ChunkLogs(%d) covers %d logs", tc.n, total)
		}
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	for _, cd := range []struct{ chain, dex string }{
		{"arbitrum", "uniswap_v3"},
		{"arbitrum", "camelot"},
		{"base", "uniswap_v3"},
		{"base", "pancakeswap"},
		{"base", "aerodrome"},
	} {
		d, err := Lookup(cd.chain, cd.dex)
		if err != nil {
			t.Errorf("Lookup(%s, %s): %v", cd.chain, cd.dex, err)
			continue
		}
		if d.Topic == (common.Hash{}) || d.Decode == nil {
			t.Errorf("Lookup(%s, %s) returned incomplete descriptor", cd.chain, cd.dex)
		}
	}

	if _, err := Lookup("solana", "raydium"); err == nil {
		t.Error("unsupported pair should fail")
	}
	if Supported("arbitrum", "sushiswap") {
		t.Error("Supported should be false for unregistered dex")
	}
}
