package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/market"
	"github.com/sigpilot/sigpilot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL PARSER - Free-form provider text to a structured Signal
// ═══════════════════════════════════════════════════════════════════════════════
//
// The rule parser handles the common provider formats locally. When an
// external parse service is configured it runs first and this one is the
// fallback. Parsing is total: text with no symbol or direction returns nil,
// never an error for the caller to retry.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Parser turns raw message text into a Signal, or nil when the text is not a
// trading signal.
type Parser interface {
	Parse(text string) *types.Signal
}

var (
	reDirection = regexp.MustCompile(`(?i)\b(buy|sell|long|short)\b`)
	reSymbol    = regexp.MustCompile(`(?i)\b([A-Z]{3}/?[A-Z]{3}|XAUUSD|XAGUSD|GOLD|SILVER|OIL|USOIL|DOW|NASDAQ|NAS100|US30|US500|GER40|DAX|BTCUSD|ETHUSD|BTC|ETH|[A-Z]{6}\.?[A-Z]*)\b`)
	reNumber    = `\d+(?:[.,]\d+)?`
	reEntry     = regexp.MustCompile(`(?i)(?:@|entry|enter|now|price)[\s:@]*(` + reNumber + `)(?:\s*[-–/]\s*(` + reNumber + `))?`)
	reRange     = regexp.MustCompile(`(` + reNumber + `)\s*[-–]\s*(` + reNumber + `)`)
	reSL        = regexp.MustCompile(`(?i)\b(?:sl|stop\s*loss|stoploss|stop)[\s:=]*(` + reNumber + `)`)
	reTP        = regexp.MustCompile(`(?i)\b(?:tp|take\s*profit|target)\s*\d*[\s:=]*(` + reNumber + `)`)
	reVolume    = regexp.MustCompile(`(?i)(` + reNumber + `)\s*(?:lots?\b)|(?:lots?|volume|size)[\s:=]*(` + reNumber + `)`)
	rePriority  = regexp.MustCompile(`(?i)\b(urgent|asap|now now|critical)\b`)
)

// RuleParser is the built-in regex parser.
type RuleParser struct{}

// NewRuleParser creates the built-in parser.
func NewRuleParser() *RuleParser { return &RuleParser{} }

// Parse extracts a Signal from free-form text. Entries given as a range
// "a-b" expand to {a, midpoint, b} so the entry resolver sees the full
// candidate set.
func (p *RuleParser) Parse(text string) *types.Signal {
	dirMatch := reDirection.FindString(text)
	if dirMatch == "" {
		return nil
	}
	direction := types.Buy
	switch strings.ToUpper(dirMatch) {
	case "SELL", "SHORT":
		direction = types.Sell
	}

	symbol := findSymbol(text)
	if symbol == "" {
		return nil
	}

	sig := &types.Signal{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Symbol:    symbol,
		Direction: direction,
		RawText:   text,
		Priority:  types.PriorityMedium,
	}
	if rePriority.MatchString(text) {
		sig.Priority = types.PriorityHigh
	}

	sig.Entries = parseEntries(text)
	if m := reSL.FindStringSubmatch(text); m != nil {
		if d, ok := parseNum(m[1]); ok {
			sig.StopLoss = &d
		}
	}
	for _, m := range reTP.FindAllStringSubmatch(text, -1) {
		if d, ok := parseNum(m[1]); ok {
			sig.TakeProfit = append(sig.TakeProfit, d)
		}
	}
	if m := reVolume.FindStringSubmatch(text); m != nil {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		if d, ok := parseNum(raw); ok && d.IsPositive() {
			sig.Volume = &d
		}
	}

	sig.Confidence = scoreConfidence(sig)
	return sig
}

func findSymbol(text string) string {
	for _, m := range reSymbol.FindAllString(text, -1) {
		up := strings.ToUpper(m)
		// Direction and filler words also match the 3-6 letter shape.
		switch up {
		case "BUY", "SELL", "LONG", "SHORT", "ENTRY", "STOP", "TARGET", "LOTS", "PRICE", "URGENT":
			continue
		}
		resolved := market.Resolve(m)
		if len(resolved) >= 5 {
			return resolved
		}
	}
	return ""
}

func parseEntries(text string) []decimal.Decimal {
	m := reEntry.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	a, ok := parseNum(m[1])
	if !ok {
		return nil
	}
	if m[2] == "" {
		return []decimal.Decimal{a}
	}
	b, ok := parseNum(m[2])
	if !ok {
		return []decimal.Decimal{a}
	}
	mid := a.Add(b).Div(decimal.NewFromInt(2))
	return []decimal.Decimal{a, mid, b}
}

func parseNum(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// scoreConfidence grows with the number of structured fields recovered.
func scoreConfidence(sig *types.Signal) decimal.Decimal {
	score := decimal.NewFromFloat(0.5)
	step := decimal.NewFromFloat(0.1)
	if len(sig.Entries) > 0 {
		score = score.Add(step)
	}
	if sig.StopLoss != nil {
		score = score.Add(step)
	}
	if len(sig.TakeProfit) > 0 {
		score = score.Add(step)
	}
	if sig.Volume != nil {
		score = score.Add(step)
	}
	cap := decimal.NewFromFloat(0.95)
	if score.GreaterThan(cap) {
		return cap
	}
	return score
}

// ContentHash fingerprints the parseable fields of a message for edit
// detection. Whitespace differences do not count as edits.
func ContentHash(text string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// RiskMultiplier maps risk keywords in the text to a sizing multiplier.
func RiskMultiplier(text string) decimal.Decimal {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "max risk"), strings.Contains(lower, "full risk"):
		return decimal.NewFromInt(3)
	case strings.Contains(lower, "aggressive"):
		return decimal.NewFromInt(2)
	case strings.Contains(lower, "conservative"), strings.Contains(lower, "low risk"):
		return decimal.NewFromFloat(0.5)
	default:
		return decimal.NewFromInt(1)
	}
}
