package repository

import (
	"math/big"
	"testing"
	"time"
)

func TestNewPoolTables(t *testing.T) {
	t.Parallel()

	tables, err := NewPoolTables("arbitrum", "uniswap_v3", "arb", "usdc")
	if err != nil {
		t.Fatalf("NewPoolTables: %v", err)
	}
	if tables.Klines != "arbitrum_uniswap_v3_arbusdc_1m_klines" {
		t.Errorf("klines = %s", tables.Klines)
	}
	if tables.RawSwaps != "arbitrum_uniswap_v3_arbusdc_raw_swaps" {
		t.Errorf("raw swaps = %s", tables.RawSwaps)
	}
	if got := tables.Slug(); got != "arbitrum_uniswap_v3_arbusdc" {
		t.Errorf("slug = %s", got)
	}
	if got := tables.WalletMetrics(); got != "arbitrum_uniswap_v3_arbusdc_wallet_metrics" {
		t.Errorf("wallet metrics = %s", got)
	}
}

func TestNewPoolTablesRejectsInjection(t *testing.T) {
	t.Parallel()

	bad := []struct{ chain, dex, base, quote string }{
		{"arbitrum; DROP TABLE pools--", "uniswap_v3", "arb", "usdc"},
		{"arbitrum", "uniswap_v3", "arb'", "usdc"},
		{"", "", "", ""},
		{"arbitrum", "uniswap v3", "arb", "usdc"},
	}
	for _, tc := range bad {
		if _, err := NewPoolTables(tc.chain, tc.dex, tc.base, tc.quote); err == nil {
			t.Errorf("NewPoolTables(%q, %q, %q, %q) should fail", tc.chain, tc.dex, tc.base, tc.quote)
		}
	}
}

func TestValidIdent(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"pools", "arbitrum_uniswap_v3_arbusdc_1m_klines", "a1_B2"} {
		if err := ValidIdent(ok); err != nil {
			t.Errorf("ValidIdent(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", "a-b", "a.b", `a"b`, "a b", "x;y"} {
		if err := ValidIdent(bad); err == nil {
			t.Errorf("ValidIdent(%q) should fail", bad)
		}
	}
}

func TestRatArg(t *testing.T) {
	t.Parallel()

	if got := ratArg(nil); got != nil {
		t.Errorf("ratArg(nil) = %v, want nil", got)
	}
	r, _ := new(big.Rat).SetString("1/3")
	if got := ratArg(r); got != "0.333333333333333333" {
		t.Errorf("ratArg(1/3) = %v", got)
	}
}

func TestFullHourWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 5, 13, 7, 42, 0, time.UTC)
	start, end := FullHourWindow(now, 30)

	wantEnd := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	if !end.Equal(wantEnd) {
		t.Errorf("end = %v, want %v", end, wantEnd)
	}
	if !start.Equal(wantEnd.AddDate(0, 0, -30)) {
		t.Errorf("start = %v, want %v", start, wantEnd.AddDate(0, 0, -30))
	}
}
