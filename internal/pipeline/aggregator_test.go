package pipeline

import (
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/s-Milo-s/dexflow/internal/models"
)

func swap(ts int64, price, baseVol, quoteVol string) models.SwapRecord {
	p, _ := new(big.Rat).SetString(price)
	b, _ := new(big.Rat).SetString(baseVol)
	q, _ := new(big.Rat).SetString(quoteVol)
	return models.SwapRecord{
		Timestamp:  ts,
		Price:      p,
		BaseVol:    b,
		QuoteVol:   q,
		BaseDelta:  new(big.Rat).Neg(b),
		QuoteDelta: q,
	}
}

func TestSwapAggregatorSingleMinute(t *testing.T) {
	t.Parallel()

	// Three swaps inside one minute: prices 100, 105, 102.
	base := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC).Unix()
	swaps := []models.SwapRecord{
		swap(base, "100", "1", "100"),
		swap(base+10, "105", "2", "210"),
		swap(base+30, "102", "1", "102"),
	}

	agg := NewSwapAggregator()
	for _, s := range swaps {
		agg.Add(s)
	}
	buckets := agg.Buckets()
	if len(buckets) != 1 {
		t.Fatalf("got %d buckets, want 1", len(buckets))
	}

	b := buckets[0]
	if !b.MinuteStart.Equal(time.Unix(base, 0).UTC()) {
		t.Errorf("minute_start = %v, want %v", b.MinuteStart, time.Unix(base, 0).UTC())
	}
	checks := []struct {
		name string
		got  *big.Rat
		want string
	}{
		{"open", b.OpenPrice, "100"},
		{"close", b.ClosePrice, "102"},
		{"high", b.HighPrice, "105"},
		{"low", b.LowPrice, "100"},
		{"base volume", b.TotalBaseVolume, "4"},
		{"quote volume", b.TotalQuoteVolume, "412"},
		{"vwap", b.AvgPrice, "103"}, // 412 quote / 4 base
	}
	for _, c := range checks {
		want, _ := new(big.Rat).SetString(c.want)
		if c.got == nil || c.got.Cmp(want) != 0 {
			t.Errorf("%s = %v, want %s", c.name, c.got, c.want)
		}
	}
	if b.SwapCount != 3 {
		t.Errorf("swap_count = %d, want 3", b.SwapCount)
	}
}

func TestSwapAggregatorOrderIndependent(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Unix()
	swaps := make([]models.SwapRecord, 0, 40)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 40; i++ {
		ts := base + int64(rng.Intn(600)) // spread over 10 minutes
		price := 95 + rng.Intn(10)
		swaps = append(swaps, swap(ts, itoa(price), "1", itoa(price)))
	}

	reference := NewSwapAggregator()
	for _, s := range swaps {
		reference.Add(s)
	}
	want := reference.Buckets()

	for trial := 0; trial < 5; trial++ {
		shuffled := append([]models.SwapRecord(nil), swaps...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		agg := NewSwapAggregator()
		for _, s := range shuffled {
			agg.Add(s)
		}
		got := agg.Buckets()

		if len(got) != len(want) {
			t.Fatalf("trial %d: %d buckets, want %d", trial, len(got), len(want))
		}
		for i := range want {
			if !bucketsEqual(got[i], want[i]) {
				t.Errorf("trial %d minute %v diverges:\n got %+v\nwant %+v",
					trial, want[i].MinuteStart, got[i], want[i])
			}
		}
	}
}

func itoa(n int) string {
	return new(big.Rat).SetInt64(int64(n)).RatString()
}

func bucketsEqual(a, b models.MinuteBucket) bool {
	ratEq := func(x, y *big.Rat) bool {
		if x == nil || y == nil {
			return x == y
		}
		return x.Cmp(y) == 0
	}
	return a.MinuteStart.Equal(b.MinuteStart) &&
		a.OpenTs == b.OpenTs && a.CloseTs == b.CloseTs &&
		a.SwapCount == b.SwapCount &&
		ratEq(a.OpenPrice, b.OpenPrice) && ratEq(a.ClosePrice, b.ClosePrice) &&
		ratEq(a.HighPrice, b.HighPrice) && ratEq(a.LowPrice, b.LowPrice) &&
		ratEq(a.AvgPrice, b.AvgPrice) &&
		ratEq(a.TotalBaseVolume, b.TotalBaseVolume) &&
		ratEq(a.TotalQuoteVolume, b.TotalQuoteVolume)
}

func TestSwapAggregatorZeroBaseVolume(t *testing.T) {
	t.Parallel()

	agg := NewSwapAggregator()
	agg.Add(swap(60, "100", "0", "5"))
	b := agg.Buckets()[0]
	if b.AvgPrice != nil {
		t.Errorf("vwap with zero base volume should be nil, got %v", b.AvgPrice)
	}
}

func TestTradeSizeAggregator(t *testing.T) {
	t.Parallel()

	agg := NewTradeSizeAggregator()
	for _, quoteVol := range []string{
		"151",        // bucket 2
		"999",        // bucket 2
		"1000",       // bucket 3
		"1/100",      // 0.01, bucket -2
		"1/10000",    // below range, clamps to -2
		"5000000000", // above range, clamps to 6
		"0",          // skipped
	} {
		agg.Add(swap(0, "1", "1", quoteVol))
	}

	got := agg.Buckets()
	want := models.TradeSizeBuckets{2: 2, 3: 1, -2: 2, 6: 1}
	if len(got) != len(want) {
		t.Fatalf("buckets = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("bucket %d = %d, want %d", k, got[k], v)
		}
	}
}

func TestCleanSymbol(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"USDC", "usdc"},
		{"USD₮0", "usdt0"},
		{"wETH", "weth"},
		{"ARB!", "arb"},
		{"Tokén", "token"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := CleanSymbol(tc.in); got != tc.want {
			t.Errorf("CleanSymbol(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCanonicalSymbolAndUSDQuote(t *testing.T) {
	t.Parallel()

	if got := CanonicalSymbol("WETH"); got != "eth" {
		t.Errorf("CanonicalSymbol(WETH) = %q, want eth", got)
	}
	if got := CanonicalSymbol("cbETH"); got != "eth" {
		t.Errorf("CanonicalSymbol(cbETH) = %q, want eth", got)
	}
	if got := CanonicalSymbol("ARB"); got != "arb" {
		t.Errorf("CanonicalSymbol(ARB) = %q, want arb", got)
	}

	for _, sym := range []string{"USDC", "usdt", "DAI"} {
		if !IsUSDQuote(sym) {
			t.Errorf("IsUSDQuote(%s) should be true", sym)
		}
	}
	if IsUSDQuote("WETH") {
		t.Error("IsUSDQuote(WETH) should be false")
	}
}
