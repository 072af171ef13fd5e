package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/market"
	"github.com/sigpilot/sigpilot/parser"
	"github.com/sigpilot/sigpilot/risk"
	"github.com/sigpilot/sigpilot/types"
)

var oneHundred = decimal.NewFromInt(100)

// buildIntent turns a reconciled signal into a sized trade intent. The
// returned warnings describe degradations that do not block execution; the
// simulator surfaces them, the live path logs and proceeds.
func (e *Engine) buildIntent(ctx context.Context, sig *types.Signal) (*types.TradeIntent, []string, error) {
	var warnings []string

	q, err := e.quoteFor(ctx, sig.Symbol)
	if err != nil {
		return nil, nil, fmt.Errorf("no quote for %s: %w", sig.Symbol, err)
	}
	side := q.Ask
	if sig.Direction == types.Sell {
		side = q.Bid
	}

	entry, mode := risk.ResolveEntry(sig, side, types.EntryMode(e.cfg.Entry.Mode))
	pip := market.PipSize(sig.Symbol)

	var slPips *decimal.Decimal
	if sig.StopLoss != nil {
		d := entry.Sub(*sig.StopLoss).Abs().Div(pip)
		slPips = &d
	}

	balance := e.margin.Snapshot().Balance
	if balance.IsZero() {
		if acct, err := e.brk.Account(ctx); err == nil {
			balance = acct.Balance
		}
	}

	sizer := e.lotSizer()
	res := sizer.Size(risk.SizeInput{
		Balance:        balance,
		SLDistancePips: slPips,
		PipValue:       market.PipValue(sig.Symbol),
		TextLot:        sig.Volume,
		Multiplier:     parser.RiskMultiplier(sig.RawText),
	})
	volume := res.Volume
	if res.Degraded {
		warnings = append(warnings, "sizing input missing, fell back to fixed parameter")
	}
	if sig.SplitCount > 1 {
		volume = sizer.Clamp(volume.Div(decimal.NewFromInt(int64(sig.SplitCount))))
	}
	if e.stealth.Load() {
		volume = e.random.Apply(sig.Symbol, entry, e.clk.Now(), sig.Direction, volume)
	}

	if sig.StopLoss != nil {
		if sig.Direction == types.Buy && sig.StopLoss.GreaterThanOrEqual(entry) {
			warnings = append(warnings, "stop loss at or above a BUY entry")
		}
		if sig.Direction == types.Sell && sig.StopLoss.LessThanOrEqual(entry) {
			warnings = append(warnings, "stop loss at or below a SELL entry")
		}
	}
	for _, tp := range sig.TakeProfit {
		if sig.Direction == types.Buy && tp.LessThanOrEqual(entry) {
			warnings = append(warnings, fmt.Sprintf("take profit %s below a BUY entry", tp))
		}
		if sig.Direction == types.Sell && tp.GreaterThanOrEqual(entry) {
			warnings = append(warnings, fmt.Sprintf("take profit %s above a SELL entry", tp))
		}
	}

	intent := &types.TradeIntent{
		ID:         uuid.NewString(),
		SignalID:   sig.ID,
		MessageID:  sig.MessageID,
		Provider:   sig.Provider,
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		EntryMode:  mode,
		Entry:      entry,
		Volume:     volume,
		StopLoss:   sig.StopLoss,
		TPPlan:     tpPlan(sig.TakeProfit),
		Reversed:   sig.Reversed,
		MergedFrom: sig.MergedFrom,
		SplitIndex: sig.SplitIndex,
		SplitCount: sig.SplitCount,
		Priority:   sig.Priority,
		State:      types.IntentPending,
	}

	// A three-point entry range fills in slices across the band.
	if len(sig.Entries) >= 3 && mode == types.EntryAverage {
		intent.RangePrices = append([]decimal.Decimal(nil), sig.Entries...)
	}

	if e.cfg.SmartEntry.Enabled && len(intent.RangePrices) == 0 {
		tolerance := e.cfg.SmartEntry.PriceTolerancePips.Mul(pip)
		if entry.Sub(side).Abs().GreaterThan(tolerance) {
			intent.SmartWait = true
			intent.SmartWaitDeadline = e.clk.Now().Add(e.cfg.SmartEntry.DefaultWait)
		}
	}

	return intent, warnings, nil
}

// tpPlan spreads the fill volume evenly across the signal's targets, with
// the rounding remainder on the last level.
func tpPlan(targets []decimal.Decimal) []types.TPLevel {
	n := len(targets)
	if n == 0 {
		return nil
	}
	each := oneHundred.Div(decimal.NewFromInt(int64(n))).Round(2)
	plan := make([]types.TPLevel, n)
	used := decimal.Zero
	for i, price := range targets {
		pct := each
		if i == n-1 {
			pct = oneHundred.Sub(used)
		}
		used = used.Add(pct)
		plan[i] = types.TPLevel{
			Index:   i,
			Price:   price,
			Percent: pct,
			Status:  types.TPPending,
		}
	}
	return plan
}
