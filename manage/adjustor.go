package manage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/clock"
	"github.com/sigpilot/sigpilot/execution"
	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/market"
	"github.com/sigpilot/sigpilot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TP/SL ADJUSTOR - Spread-regime and volatility driven stop tweaks
// ═══════════════════════════════════════════════════════════════════════════════
//
// Wide spread means the exit side sits further from mid: the stop gets room
// so noise does not knock the position out, and the TP comes in so fills
// still happen. This is the only engine allowed to widen a stop, and it
// never widens past the stop the position opened with, never after the
// break-even lock, and never beyond its per-session pip budget.
//
// ═══════════════════════════════════════════════════════════════════════════════

// AdjustMode selects the adjustor's input signal.
type AdjustMode string

const (
	AdjustSpreadBased     AdjustMode = "SPREAD_BASED"
	AdjustVolatilityBased AdjustMode = "VOLATILITY_BASED"
)

// AdjustRule is one per-symbol adjustment rule.
type AdjustRule struct {
	Symbol         string // empty matches all
	Mode           AdjustMode
	HighSpreadPips decimal.Decimal
	LowSpreadPips  decimal.Decimal
	SLBufferPips   decimal.Decimal
	TPBufferPips   decimal.Decimal
	TightenOnCalm  bool
}

// adjustState is the adjustor's memory for one position.
type adjustState struct {
	originalSL   *decimal.Decimal // stop at registration, the widening floor
	spentPips    decimal.Decimal  // cumulative adjustment this session
	lastAdjusted time.Time
}

// VolatilityFunc supplies a volatility index for a symbol, 1.0 meaning
// normal. Injected; may be nil.
type VolatilityFunc func(symbol string) decimal.Decimal

// Adjustor nudges stops and targets as the spread regime shifts.
type Adjustor struct {
	cfg        config.AdjustConfig
	rules      []AdjustRule
	quotes     *market.Cache
	exec       *execution.Executor
	clk        clock.Clock
	volatility VolatilityFunc

	mu     sync.Mutex
	states map[int64]*adjustState
}

// NewAdjustor creates the engine. An empty rule list falls back to a single
// catch-all rule built from the config defaults.
func NewAdjustor(cfg config.AdjustConfig, rules []AdjustRule, quotes *market.Cache, exec *execution.Executor, clk clock.Clock, volatility VolatilityFunc) *Adjustor {
	if len(rules) == 0 {
		rules = []AdjustRule{{
			Mode:           AdjustMode(cfg.Mode),
			HighSpreadPips: cfg.HighSpreadPips,
			LowSpreadPips:  cfg.LowSpreadPips,
			SLBufferPips:   cfg.SLBufferPips,
			TPBufferPips:   cfg.TPBufferPips,
			TightenOnCalm:  cfg.TightenOnCalm,
		}}
	}
	return &Adjustor{
		cfg:        cfg,
		rules:      rules,
		quotes:     quotes,
		exec:       exec,
		clk:        clk,
		volatility: volatility,
		states:     make(map[int64]*adjustState),
	}
}

// Register puts a position under adjustment.
func (a *Adjustor) Register(pos types.Position) {
	st := &adjustState{}
	if pos.StopLoss != nil {
		v := *pos.StopLoss
		st.originalSL = &v
	}
	a.mu.Lock()
	a.states[pos.Ticket] = st
	a.mu.Unlock()
}

// Unregister drops a ticket.
func (a *Adjustor) Unregister(ticket int64) {
	a.mu.Lock()
	delete(a.states, ticket)
	a.mu.Unlock()
}

// Retrack follows a ticket remap after a partial close.
func (a *Adjustor) Retrack(oldTicket, newTicket int64) {
	a.mu.Lock()
	if st, ok := a.states[oldTicket]; ok {
		delete(a.states, oldTicket)
		a.states[newTicket] = st
	}
	a.mu.Unlock()
}

// rule returns the first rule matching the symbol.
func (a *Adjustor) rule(symbol string) (AdjustRule, bool) {
	for _, r := range a.rules {
		if r.Symbol == "" || r.Symbol == symbol {
			return r, true
		}
	}
	return AdjustRule{}, false
}

// Tick runs one adjustment pass. Wired as a scheduler job at ~1s.
func (a *Adjustor) Tick(ctx context.Context) {
	a.mu.Lock()
	tickets := make([]int64, 0, len(a.states))
	for ticket := range a.states {
		tickets = append(tickets, ticket)
	}
	a.mu.Unlock()

	for _, ticket := range tickets {
		pos, ok := a.exec.Registry().Get(ticket)
		if !ok {
			a.Unregister(ticket)
			continue
		}
		a.step(ctx, pos)
	}
}

func (a *Adjustor) step(ctx context.Context, pos types.Position) {
	a.mu.Lock()
	st, ok := a.states[pos.Ticket]
	a.mu.Unlock()
	if !ok {
		return
	}
	rule, ok := a.rule(pos.Symbol)
	if !ok {
		return
	}
	if a.clk.Since(st.lastAdjusted) < a.cfg.MinInterval {
		return
	}
	if st.spentPips.GreaterThanOrEqual(a.cfg.MaxSessionPips) {
		return
	}

	q, err := a.quotes.Quote(ctx, pos.Symbol)
	if err != nil {
		return
	}
	spread := market.SpreadPips(pos.Symbol, q.Bid, q.Ask)

	slBuf := rule.SLBufferPips
	tpBuf := rule.TPBufferPips
	if rule.Mode == AdjustVolatilityBased && a.volatility != nil {
		scale := a.volatility(pos.Symbol)
		if scale.IsPositive() {
			slBuf = slBuf.Mul(scale)
			tpBuf = tpBuf.Mul(scale)
		}
	}

	// Remaining budget caps both buffers.
	budget := a.cfg.MaxSessionPips.Sub(st.spentPips)
	if slBuf.GreaterThan(budget) {
		slBuf = budget
	}
	if tpBuf.GreaterThan(budget) {
		tpBuf = budget
	}

	switch {
	case spread.GreaterThan(rule.HighSpreadPips):
		a.widen(ctx, pos, st, slBuf, tpBuf, spread)
	case spread.LessThan(rule.LowSpreadPips) && rule.TightenOnCalm:
		a.tighten(ctx, pos, st, slBuf, spread)
	}
}

// widen gives the stop room and pulls the nearest pending TP toward price.
func (a *Adjustor) widen(ctx context.Context, pos types.Position, st *adjustState, slBuf, tpBuf, spread decimal.Decimal) {
	if pos.BreakevenLocked || pos.StopLoss == nil || st.originalSL == nil {
		return
	}
	pip := market.PipSize(pos.Symbol)

	candidate := pos.StopLoss.Sub(slBuf.Mul(pip))
	floor := *st.originalSL
	if pos.Direction == types.Sell {
		candidate = pos.StopLoss.Add(slBuf.Mul(pip))
		if candidate.GreaterThan(floor) {
			candidate = floor
		}
	} else if candidate.LessThan(floor) {
		candidate = floor
	}

	moved := candidate.Sub(*pos.StopLoss).Abs().Div(pip)
	if moved.IsPositive() {
		if err := a.exec.ModifyStopLoss(ctx, pos.Ticket, candidate, "spread_adjust", true); err != nil {
			log.Error().Int64("ticket", pos.Ticket).Err(err).Msg("Spread SL widen failed")
			return
		}
		st.spentPips = st.spentPips.Add(moved)
	}

	a.narrowTP(ctx, pos, st, tpBuf, pip)

	st.lastAdjusted = a.clk.Now()
	log.Info().
		Int64("ticket", pos.Ticket).
		Str("symbol", pos.Symbol).
		Str("spread", spread.String()).
		Msg("📏 Wide spread, loosened stop")
}

// narrowTP pulls the nearest pending level toward price, respecting the
// broker stop distance.
func (a *Adjustor) narrowTP(ctx context.Context, pos types.Position, st *adjustState, tpBuf, pip decimal.Decimal) {
	idx := -1
	for i, tp := range pos.TPPlan {
		if tp.Status == types.TPPending {
			idx = i
			break
		}
	}
	if idx < 0 || !tpBuf.IsPositive() {
		return
	}

	tp := pos.TPPlan[idx]
	candidate := tp.Price.Sub(tpBuf.Mul(pip))
	if pos.Direction == types.Sell {
		candidate = tp.Price.Add(tpBuf.Mul(pip))
	}
	// Keep the target at least min_distance past entry.
	minDist := a.cfg.MinDistancePips.Mul(pip)
	if pos.Direction == types.Buy && candidate.LessThan(pos.EntryPrice.Add(minDist)) {
		return
	}
	if pos.Direction == types.Sell && candidate.GreaterThan(pos.EntryPrice.Sub(minDist)) {
		return
	}
	if err := a.exec.ModifyTakeProfit(ctx, pos.Ticket, idx, candidate, "spread_adjust"); err != nil {
		log.Error().Int64("ticket", pos.Ticket).Err(err).Msg("Spread TP narrow failed")
		return
	}
	st.spentPips = st.spentPips.Add(tpBuf)
}

// tighten moves the stop toward price on a calm spread, never past entry
// unless break-even is already locked.
func (a *Adjustor) tighten(ctx context.Context, pos types.Position, st *adjustState, slBuf, spread decimal.Decimal) {
	if pos.StopLoss == nil || !slBuf.IsPositive() {
		return
	}
	pip := market.PipSize(pos.Symbol)

	candidate := pos.StopLoss.Add(slBuf.Mul(pip))
	if pos.Direction == types.Sell {
		candidate = pos.StopLoss.Sub(slBuf.Mul(pip))
	}
	if !pos.BreakevenLocked {
		if pos.Direction == types.Buy && candidate.GreaterThan(pos.EntryPrice) {
			candidate = pos.EntryPrice
		}
		if pos.Direction == types.Sell && candidate.LessThan(pos.EntryPrice) {
			candidate = pos.EntryPrice
		}
	}

	moved := candidate.Sub(*pos.StopLoss).Abs().Div(pip)
	if !moved.IsPositive() {
		return
	}
	if err := a.exec.ModifyStopLoss(ctx, pos.Ticket, candidate, "spread_adjust", false); err != nil {
		log.Error().Int64("ticket", pos.Ticket).Err(err).Msg("Calm spread SL tighten failed")
		return
	}
	st.spentPips = st.spentPips.Add(moved)
	st.lastAdjusted = a.clk.Now()
	log.Info().
		Int64("ticket", pos.Ticket).
		Str("symbol", pos.Symbol).
		Str("spread", spread.String()).
		Msg("📏 Calm spread, tightened stop")
}
