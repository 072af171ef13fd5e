package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/risk"
	"github.com/sigpilot/sigpilot/storage"
	"github.com/sigpilot/sigpilot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OPERATOR SURFACE - The engine side of the Telegram command set
// ═══════════════════════════════════════════════════════════════════════════════

// Pause stops accepting and dispatching new signals. Open positions keep
// being managed.
func (e *Engine) Pause() {
	e.paused.Store(true)
	log.Info().Msg("⏸️ Engine paused")
}

// Resume re-enables signal processing.
func (e *Engine) Resume() {
	e.paused.Store(false)
	log.Info().Msg("▶️ Engine resumed")
}

// Paused reports the pause flag.
func (e *Engine) Paused() bool { return e.paused.Load() }

// SetStealth toggles lot randomization at runtime.
func (e *Engine) SetStealth(on bool) {
	e.stealth.Store(on)
	log.Info().Bool("on", on).Msg("🥷 Stealth toggled")
}

// EnableTarget re-admits a symbol or provider. "ALL" clears every block.
func (e *Engine) EnableTarget(target string) {
	target = strings.ToUpper(target)
	e.mu.Lock()
	if target == "ALL" {
		e.disabled = make(map[string]bool)
	} else {
		delete(e.disabled, target)
	}
	e.mu.Unlock()
	log.Info().Str("target", target).Msg("✅ Target enabled")
}

// DisableTarget blocks a symbol or provider at ingest.
func (e *Engine) DisableTarget(target string) {
	target = strings.ToUpper(target)
	e.mu.Lock()
	e.disabled[target] = true
	e.mu.Unlock()
	log.Info().Str("target", target).Msg("🚫 Target disabled")
}

// SetParam changes a runtime parameter. GLOBAL targets the engine defaults;
// a symbol target sets a per-symbol override.
func (e *Engine) SetParam(target, param, value string) error {
	target = strings.ToUpper(target)
	param = strings.ToUpper(param)

	e.mu.Lock()
	defer e.mu.Unlock()

	if target == "GLOBAL" || target == "ENGINE" {
		switch param {
		case "MAX_LOT":
			d, err := decimal.NewFromString(value)
			if err != nil || !d.IsPositive() {
				return fmt.Errorf("MAX_LOT wants a positive number, got %q", value)
			}
			e.cfg.Sizing.MaxLot = d
		case "MIN_LOT":
			d, err := decimal.NewFromString(value)
			if err != nil || !d.IsPositive() {
				return fmt.Errorf("MIN_LOT wants a positive number, got %q", value)
			}
			e.cfg.Sizing.MinLot = d
		case "SIZING_MODE":
			mode := strings.ToUpper(value)
			switch mode {
			case "FIXED_LOT", "RISK_PERCENT", "BALANCE_PERCENT", "FIXED_CASH", "PIP_VALUE_TARGET", "TEXT_OVERRIDE":
				e.cfg.Sizing.Mode = mode
			default:
				return fmt.Errorf("unknown sizing mode %q", value)
			}
		case "SIZING_PARAMETER":
			d, err := decimal.NewFromString(value)
			if err != nil || !d.IsPositive() {
				return fmt.Errorf("SIZING_PARAMETER wants a positive number, got %q", value)
			}
			e.cfg.Sizing.Parameter = d
		case "ENTRY_MODE":
			mode := strings.ToUpper(value)
			switch types.EntryMode(mode) {
			case types.EntryBest, types.EntryAverage, types.EntrySecond, types.EntryFirst:
				e.cfg.Entry.Mode = mode
			default:
				return fmt.Errorf("unknown entry mode %q", value)
			}
		default:
			return fmt.Errorf("unknown global parameter %q", param)
		}
		// The sizer holds its config by value; swap it after any change.
		e.sizer = risk.NewLotSizer(e.cfg.Sizing)
		return nil
	}

	switch param {
	case "SPREAD_THRESHOLD":
		d, err := decimal.NewFromString(value)
		if err != nil || d.IsNegative() {
			return fmt.Errorf("SPREAD_THRESHOLD wants a non-negative number, got %q", value)
		}
		if e.cfg.Spread.SymbolThresholds == nil {
			e.cfg.Spread.SymbolThresholds = make(map[string]decimal.Decimal)
		}
		e.cfg.Spread.SymbolThresholds[target] = d
	case "HOURLY_LIMIT":
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n < 1 {
			return fmt.Errorf("HOURLY_LIMIT wants a positive integer, got %q", value)
		}
		if e.cfg.Rate.SymbolLimits == nil {
			e.cfg.Rate.SymbolLimits = make(map[string]int)
		}
		e.cfg.Rate.SymbolLimits[target] = n
	default:
		return fmt.Errorf("unknown parameter %q for target %s", param, target)
	}
	return nil
}

// GetParam reads a runtime parameter, or all of them for a target when the
// parameter is empty.
func (e *Engine) GetParam(target, param string) (string, error) {
	target = strings.ToUpper(target)
	param = strings.ToUpper(param)

	e.mu.Lock()
	defer e.mu.Unlock()

	if target == "GLOBAL" || target == "ENGINE" {
		all := map[string]string{
			"MAX_LOT":          e.cfg.Sizing.MaxLot.String(),
			"MIN_LOT":          e.cfg.Sizing.MinLot.String(),
			"SIZING_MODE":      e.cfg.Sizing.Mode,
			"SIZING_PARAMETER": e.cfg.Sizing.Parameter.String(),
			"ENTRY_MODE":       e.cfg.Entry.Mode,
		}
		if param == "" {
			return formatParams(all), nil
		}
		if v, ok := all[param]; ok {
			return v, nil
		}
		return "", fmt.Errorf("unknown global parameter %q", param)
	}

	all := map[string]string{}
	if d, ok := e.cfg.Spread.SymbolThresholds[target]; ok {
		all["SPREAD_THRESHOLD"] = d.String()
	}
	if n, ok := e.cfg.Rate.SymbolLimits[target]; ok {
		all["HOURLY_LIMIT"] = fmt.Sprint(n)
	}
	if param == "" {
		if len(all) == 0 {
			return fmt.Sprintf("no overrides for %s", target), nil
		}
		return formatParams(all), nil
	}
	if v, ok := all[param]; ok {
		return v, nil
	}
	return "", fmt.Errorf("no %s override for %s", param, target)
}

func formatParams(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Small maps; stable output matters more than speed.
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, m[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

// StatusReport renders the engine state, optionally filtered to one symbol
// or provider.
func (e *Engine) StatusReport(filter string) string {
	filter = strings.ToUpper(filter)

	var b strings.Builder
	state := "running"
	if e.paused.Load() {
		state = "paused"
	}
	fmt.Fprintf(&b, "📊 Engine %s", state)
	if e.cfg.DryRun {
		b.WriteString(" (dry run)")
	}
	if e.stealth.Load() {
		b.WriteString(" 🥷")
	}
	b.WriteByte('\n')

	snap := e.margin.Snapshot()
	if !snap.At.IsZero() {
		fmt.Fprintf(&b, "Balance %s, equity %s, margin level %s%% (%s)\n",
			snap.Balance, snap.Equity, snap.MarginLevel, snap.Status)
	}

	sym, prov, global := e.limiter.Usage(filter, filter)
	if filter != "" {
		fmt.Fprintf(&b, "Hourly usage: %s symbol %d, provider %d, global %d\n", filter, sym, prov, global)
	} else {
		fmt.Fprintf(&b, "Hourly usage: global %d\n", global)
	}

	open := 0
	for _, pos := range e.exec.Registry().List() {
		if filter != "" && pos.Symbol != filter {
			continue
		}
		open++
		sl := "-"
		if pos.StopLoss != nil {
			sl = pos.StopLoss.String()
		}
		fmt.Fprintf(&b, "#%d %s %s %s @ %s SL %s", pos.Ticket, pos.Direction, pos.Symbol, pos.VolumeRemaining, pos.EntryPrice, sl)
		if pos.BreakevenLocked {
			b.WriteString(" ⚖️")
		}
		b.WriteByte('\n')
	}
	if open == 0 {
		b.WriteString("No open positions\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Replay re-dispatches the most recent recorded signals for a symbol. n of
// zero means just the last one.
func (e *Engine) Replay(ctx context.Context, symbol string, n int) (string, error) {
	if e.db == nil {
		return "", fmt.Errorf("no history database configured")
	}
	if n < 1 {
		n = 1
	}
	recs, err := e.db.RecentSignals(strings.ToUpper(symbol), n)
	if err != nil {
		return "", fmt.Errorf("replay %s: %w", symbol, err)
	}
	if len(recs) == 0 {
		return "", fmt.Errorf("no recorded signals for %s", symbol)
	}

	replayed := 0
	for _, rec := range recs {
		sig := signalFromRecord(rec)
		if sig == nil {
			continue
		}
		sig.Timestamp = e.clk.Now()
		e.dispatch(ctx, sig)
		replayed++
	}
	return fmt.Sprintf("🔁 Replayed %d signal(s) for %s", replayed, strings.ToUpper(symbol)), nil
}

// signalFromRecord rebuilds a dispatchable signal from its history row.
func signalFromRecord(rec storage.SignalRecord) *types.Signal {
	if rec.Symbol == "" || rec.Direction == "" {
		return nil
	}
	sig := &types.Signal{
		ID:         uuid.NewString(),
		MessageID:  rec.MessageID,
		Provider:   rec.Provider,
		Symbol:     rec.Symbol,
		Direction:  types.Direction(rec.Direction),
		Confidence: rec.Confidence,
		Priority:   types.PriorityMedium,
	}
	if !rec.Entry.IsZero() {
		sig.Entries = []decimal.Decimal{rec.Entry}
	}
	if !rec.StopLoss.IsZero() {
		sl := rec.StopLoss
		sig.StopLoss = &sl
	}
	for _, part := range strings.Split(rec.TakeProfit, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if d, err := decimal.NewFromString(part); err == nil {
			sig.TakeProfit = append(sig.TakeProfit, d)
		}
	}
	return sig
}
