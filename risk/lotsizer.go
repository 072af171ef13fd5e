package risk

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/internal/config"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LOT SIZER - Position size from mode, balance and stop distance
// ═══════════════════════════════════════════════════════════════════════════════

// SizeInput carries everything a sizing mode can use. Optional values are
// pointers; nil means not supplied by the signal.
type SizeInput struct {
	Balance        decimal.Decimal
	SLDistancePips *decimal.Decimal
	PipValue       decimal.Decimal
	TextLot        *decimal.Decimal // explicit lot parsed from the signal
	Multiplier     decimal.Decimal  // risk keyword multiplier, 1.0 when absent
}

// SizeResult is the computed volume. Degraded means the mode lacked an input
// and a conservative default was substituted.
type SizeResult struct {
	Volume   decimal.Decimal
	Degraded bool
}

// LotSizer computes volumes per the configured mode.
type LotSizer struct {
	cfg config.SizingConfig
}

// NewLotSizer creates a sizer from config.
func NewLotSizer(cfg config.SizingConfig) *LotSizer {
	return &LotSizer{cfg: cfg}
}

var hundred = decimal.NewFromInt(100)

// Size computes the volume for one intent. Never returns an error; a mode
// starved of inputs degrades to the configured fixed parameter clamped to
// min lot.
func (s *LotSizer) Size(in SizeInput) SizeResult {
	mult := in.Multiplier
	if !mult.IsPositive() {
		mult = decimal.NewFromInt(1)
	}

	var vol decimal.Decimal
	degraded := false

	switch s.cfg.Mode {
	case "FIXED_LOT":
		vol = s.cfg.Parameter.Mul(mult)

	case "RISK_PERCENT":
		vol, degraded = s.riskBased(in, mult, s.cfg.Parameter)

	case "BALANCE_PERCENT":
		// Parameter percent of balance treated as cash at risk.
		cash := in.Balance.Mul(s.cfg.Parameter).Div(hundred)
		vol, degraded = s.cashBased(in, mult, cash)

	case "FIXED_CASH":
		vol, degraded = s.cashBased(in, mult, s.cfg.Parameter)

	case "PIP_VALUE_TARGET":
		// Parameter is the wanted per-pip exposure in account currency.
		if in.PipValue.IsPositive() {
			vol = s.cfg.Parameter.Div(in.PipValue).Mul(mult)
		} else {
			vol = s.cfg.MinLot
			degraded = true
		}

	case "TEXT_OVERRIDE":
		if in.TextLot != nil && in.TextLot.IsPositive() {
			vol = in.TextLot.Mul(mult)
		} else {
			vol = s.cfg.Parameter.Mul(mult)
			degraded = true
		}

	default:
		vol = s.cfg.MinLot
		degraded = true
	}

	if degraded {
		log.Warn().Str("mode", s.cfg.Mode).Msg("Lot sizing degraded, missing inputs")
	}
	return SizeResult{Volume: s.Clamp(vol), Degraded: degraded}
}

// riskBased sizes so that an SL hit loses pct percent of balance.
func (s *LotSizer) riskBased(in SizeInput, mult, pct decimal.Decimal) (decimal.Decimal, bool) {
	cash := in.Balance.Mul(pct).Div(hundred).Mul(mult)
	if in.SLDistancePips == nil || !in.SLDistancePips.IsPositive() || !in.PipValue.IsPositive() {
		return s.cfg.MinLot, true
	}
	return cash.Div(in.SLDistancePips.Mul(in.PipValue)), false
}

// cashBased sizes so that an SL hit loses the given cash amount.
func (s *LotSizer) cashBased(in SizeInput, mult, cash decimal.Decimal) (decimal.Decimal, bool) {
	if in.SLDistancePips == nil || !in.SLDistancePips.IsPositive() || !in.PipValue.IsPositive() {
		return s.cfg.MinLot, true
	}
	return cash.Mul(mult).Div(in.SLDistancePips.Mul(in.PipValue)), false
}

// Clamp bounds a volume to [min_lot, max_lot] and rounds to the configured
// precision.
func (s *LotSizer) Clamp(vol decimal.Decimal) decimal.Decimal {
	vol = vol.Round(s.cfg.Precision)
	if vol.LessThan(s.cfg.MinLot) {
		return s.cfg.MinLot
	}
	if vol.GreaterThan(s.cfg.MaxLot) {
		return s.cfg.MaxLot
	}
	return vol
}
