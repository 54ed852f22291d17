package pipeline

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// symbolReplacements rewrites currency glyphs some tokens ship in their
// on-chain symbol before ASCII folding would destroy them.
var symbolReplacements = map[string]string{
	"₮": "t",   // Tether
	"Ξ": "eth", // ETH glyph
	"Ƀ": "btc", // Bitcoin glyph
}

// wrapperMap folds wrapped and staked variants onto the underlying asset so
// pair matching and USD pricing see one symbol per asset.
var wrapperMap = map[string]string{
	"weth":  "eth",
	"cbeth": "eth",
	"reth":  "eth",
	"steth": "eth",
	"wbtc":  "btc",
	"tbtc":  "btc",
}

// usdQuoteSet are the quote symbols treated as 1:1 USD equivalents. Trade
// size histograms and the stable pool-flow path only apply to these.
var usdQuoteSet = map[string]bool{
	"usdc": true,
	"usdt": true,
	"dai":  true,
	"busd": true,
	"usdp": true,
	"tusd": true,
}

// CleanSymbol normalizes an on-chain token symbol: glyph replacement, NFKD
// decomposition, ASCII-only, alphanumeric-only, lower-case.
func CleanSymbol(symbol string) string {
	for glyph, repl := range symbolReplacements {
		symbol = strings.ReplaceAll(symbol, glyph, repl)
	}

	decomposed := norm.NFKD.String(symbol)
	var b strings.Builder
	for _, r := range decomposed {
		if r > unicode.MaxASCII {
			continue
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return strings.ToLower(b.String())
}

// CanonicalSymbol cleans a symbol and folds wrapper variants (weth → eth).
func CanonicalSymbol(symbol string) string {
	cleaned := CleanSymbol(symbol)
	if mapped, ok := wrapperMap[cleaned]; ok {
		return mapped
	}
	return cleaned
}

// IsUSDQuote reports whether a cleaned quote symbol is a USD equivalent.
func IsUSDQuote(symbol string) bool {
	return usdQuoteSet[CanonicalSymbol(symbol)]
}
