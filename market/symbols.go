package market

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SYMBOL & PIP RESOLVER - Provider spellings to broker symbols
// ═══════════════════════════════════════════════════════════════════════════════

// Common provider spellings mapped to broker symbols.
var symbolAliases = map[string]string{
	"GOLD":      "XAUUSD",
	"XAU":       "XAUUSD",
	"SILVER":    "XAGUSD",
	"XAG":       "XAGUSD",
	"OIL":       "XTIUSD",
	"USOIL":     "XTIUSD",
	"WTI":       "XTIUSD",
	"BRENT":     "XBRUSD",
	"UKOIL":     "XBRUSD",
	"DOW":       "US30",
	"DJ30":      "US30",
	"DJI":       "US30",
	"NASDAQ":    "NAS100",
	"NAS":       "NAS100",
	"USTEC":     "NAS100",
	"SPX":       "US500",
	"SP500":     "US500",
	"S&P500":    "US500",
	"DAX":       "GER40",
	"DE40":      "GER40",
	"GER30":     "GER40",
	"FTSE":      "UK100",
	"NIKKEI":    "JPN225",
	"JP225":     "JPN225",
	"BITCOIN":   "BTCUSD",
	"BTC":       "BTCUSD",
	"ETHEREUM":  "ETHUSD",
	"ETH":       "ETHUSD",
	"EURO":      "EURUSD",
	"FIBER":     "EURUSD",
	"CABLE":     "GBPUSD",
	"GOPHER":    "USDJPY",
	"LOONIE":    "USDCAD",
	"AUSSIE":    "AUDUSD",
	"KIWI":      "NZDUSD",
	"SWISSY":    "USDCHF",
	"GOLDUSD":   "XAUUSD",
	"XAUUSD.":   "XAUUSD",
	"GBPJPY.":   "GBPJPY",
	"USDJPY.":   "USDJPY",
	"US100":     "NAS100",
	"US30CASH":  "US30",
	"NAS100FT":  "NAS100",
	"GER40CASH": "GER40",
}

// Broker feed suffixes stripped before lookup.
var brokerSuffixes = []string{".PRO", ".ECN", ".RAW", ".STD", ".M", ".C", ".I", "-ECN", "_ECN", "M", "C"}

// Resolve maps a raw provider symbol to the broker symbol. Unknown symbols
// pass through uppercased with suffixes stripped.
func Resolve(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.TrimPrefix(s, "#")

	if mapped, ok := symbolAliases[s]; ok {
		return mapped
	}
	// Suffix stripping only applies past a recognizable 6-char base, so
	// "GBPJPYM" resolves but "XAUUSD" itself is never truncated.
	for _, suf := range brokerSuffixes {
		if strings.HasSuffix(s, suf) && len(s) > len(suf)+5 {
			base := strings.TrimSuffix(s, suf)
			if mapped, ok := symbolAliases[base]; ok {
				return mapped
			}
			return base
		}
	}
	return s
}

var (
	pipFX      = decimal.NewFromFloat(0.0001)
	pipJPY     = decimal.NewFromFloat(0.01)
	pipMetal   = decimal.NewFromFloat(0.01)
	pipIndex   = decimal.NewFromInt(1)
	pipCrypto  = decimal.NewFromInt(1)
	knownIndex = map[string]bool{
		"US30": true, "NAS100": true, "US500": true, "GER40": true,
		"UK100": true, "JPN225": true, "AUS200": true, "FRA40": true,
	}
)

// PipSize returns the pip size for a resolved broker symbol.
func PipSize(symbol string) decimal.Decimal {
	s := strings.ToUpper(symbol)
	switch {
	case knownIndex[s]:
		return pipIndex
	case strings.HasPrefix(s, "XAU"), strings.HasPrefix(s, "XAG"),
		strings.HasPrefix(s, "XTI"), strings.HasPrefix(s, "XBR"):
		return pipMetal
	case strings.HasPrefix(s, "BTC"), strings.HasPrefix(s, "ETH"):
		return pipCrypto
	case strings.HasSuffix(s, "JPY"):
		return pipJPY
	default:
		return pipFX
	}
}

// Default USD pip values per 1.0 lot. Broker symbol info overrides these.
var pipValues = map[string]decimal.Decimal{
	"EURUSD": decimal.NewFromInt(10),
	"GBPUSD": decimal.NewFromInt(10),
	"AUDUSD": decimal.NewFromInt(10),
	"NZDUSD": decimal.NewFromInt(10),
	"USDJPY": decimal.NewFromFloat(6.8),
	"USDCHF": decimal.NewFromFloat(11.2),
	"USDCAD": decimal.NewFromFloat(7.3),
	"GBPJPY": decimal.NewFromFloat(6.8),
	"EURJPY": decimal.NewFromFloat(6.8),
	"XAUUSD": decimal.NewFromInt(10),
	"XAGUSD": decimal.NewFromInt(50),
	"US30":   decimal.NewFromInt(1),
	"NAS100": decimal.NewFromInt(1),
	"US500":  decimal.NewFromInt(1),
	"GER40":  decimal.NewFromInt(1),
	"BTCUSD": decimal.NewFromInt(1),
}

// PipValue returns the USD pip value per 1.0 lot. Falls back to 10 for
// unknown FX pairs, the usual quote-USD figure.
func PipValue(symbol string) decimal.Decimal {
	if v, ok := pipValues[strings.ToUpper(symbol)]; ok {
		return v
	}
	return decimal.NewFromInt(10)
}

// SpreadPips converts a bid/ask pair into pips for the symbol.
func SpreadPips(symbol string, bid, ask decimal.Decimal) decimal.Decimal {
	pip := PipSize(symbol)
	if !pip.IsPositive() {
		return decimal.Zero
	}
	return ask.Sub(bid).Div(pip)
}
