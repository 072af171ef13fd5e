package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/market"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SPREAD GATE - Block or defer execution when the spread is too wide
// ═══════════════════════════════════════════════════════════════════════════════

// SpreadBlockError reports a spread above the symbol threshold. Defer, when
// positive, suggests retrying after that delay instead of dropping.
type SpreadBlockError struct {
	Symbol    string
	Current   decimal.Decimal
	Threshold decimal.Decimal
	Defer     time.Duration
}

func (e *SpreadBlockError) Error() string {
	return fmt.Sprintf("spread %s pips on %s exceeds threshold %s", e.Current, e.Symbol, e.Threshold)
}

// SpreadGate checks spreads against per-symbol thresholds.
type SpreadGate struct {
	cfg    *config.Config
	quotes *market.Cache

	// DeferSymbols get a retry suggestion instead of a hard block.
	DeferSymbols map[string]bool
}

const spreadDeferBackoff = 500 * time.Millisecond

// NewSpreadGate creates the gate.
func NewSpreadGate(cfg *config.Config, quotes *market.Cache) *SpreadGate {
	return &SpreadGate{cfg: cfg, quotes: quotes, DeferSymbols: make(map[string]bool)}
}

// Check fetches a fresh quote and returns a SpreadBlockError when the spread
// exceeds the symbol threshold. Quote unavailability propagates as is.
func (g *SpreadGate) Check(ctx context.Context, symbol string) error {
	q, err := g.quotes.Quote(ctx, symbol)
	if err != nil {
		return err
	}
	threshold := g.cfg.SpreadThreshold(symbol)
	if q.SpreadPips.LessThanOrEqual(threshold) {
		return nil
	}
	blk := &SpreadBlockError{Symbol: symbol, Current: q.SpreadPips, Threshold: threshold}
	if g.DeferSymbols[symbol] {
		blk.Defer = spreadDeferBackoff
	}
	return blk
}
