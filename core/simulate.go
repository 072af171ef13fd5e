package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/types"
)

// SimulationResult is what a signal would have done, without an order.
type SimulationResult struct {
	Symbol    string
	Direction types.Direction
	Entry     decimal.Decimal
	EntryMode types.EntryMode
	StopLoss  *decimal.Decimal
	TPPlan    []types.TPLevel
	Volume    decimal.Decimal
	SmartWait bool
	Valid     bool
	Warnings  []string
}

// Simulate runs a message through the exact sizing path the live pipeline
// uses and reports the outcome instead of trading it. Rate limits are not
// consumed; spread and margin gates surface as warnings.
func (e *Engine) Simulate(ctx context.Context, provider, text string) (SimulationResult, error) {
	sig := e.parse.Parse(text)
	if sig == nil {
		return SimulationResult{}, fmt.Errorf("no signal recognized")
	}
	sig.Provider = provider
	sig.Timestamp = e.clk.Now()

	intent, warnings, err := e.buildIntent(ctx, sig)
	if err != nil {
		return SimulationResult{}, err
	}

	if gerr := e.gate.Check(ctx, sig.Symbol); gerr != nil {
		warnings = append(warnings, gerr.Error())
	}
	if merr := e.margin.Preflight(ctx, sig.Symbol, intent.Volume, sig.Direction); merr != nil {
		warnings = append(warnings, merr.Error())
	}

	res := SimulationResult{
		Symbol:    intent.Symbol,
		Direction: intent.Direction,
		Entry:     intent.Entry,
		EntryMode: intent.EntryMode,
		StopLoss:  intent.StopLoss,
		TPPlan:    intent.TPPlan,
		Volume:    intent.Volume,
		SmartWait: intent.SmartWait,
		Warnings:  warnings,
		Valid:     len(warnings) == 0,
	}
	e.recordSignal(sig, "SIMULATED", strings.Join(warnings, "; "))
	return res, nil
}

// String renders the result for the operator chat.
func (r SimulationResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "🧪 %s %s @ %s (%s), lot %s", r.Direction, r.Symbol, r.Entry, r.EntryMode, r.Volume)
	if r.StopLoss != nil {
		fmt.Fprintf(&b, ", SL %s", r.StopLoss)
	}
	for _, tp := range r.TPPlan {
		fmt.Fprintf(&b, ", TP%d %s (%s%%)", tp.Index+1, tp.Price, tp.Percent)
	}
	if r.SmartWait {
		b.WriteString(" [smart wait]")
	}
	if !r.Valid {
		b.WriteString("\n⚠️ " + strings.Join(r.Warnings, "\n⚠️ "))
	}
	return b.String()
}
