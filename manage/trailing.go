package manage

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/execution"
	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/market"
	"github.com/sigpilot/sigpilot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRAILING STOP ENGINE - Ratchet the stop behind the favorable extreme
// ═══════════════════════════════════════════════════════════════════════════════

// TrailMethod selects how the candidate stop is derived.
type TrailMethod string

const (
	TrailFixedPips     TrailMethod = "FIXED_PIPS"
	TrailPercent       TrailMethod = "PERCENT"
	TrailBreakEvenPlus TrailMethod = "BREAK_EVEN_PLUS"
	TrailATRMultiple   TrailMethod = "ATR_MULTIPLE"
)

// TrailConfig is the per-position trailing setup.
type TrailConfig struct {
	Method         TrailMethod
	Distance       decimal.Decimal // pips, percent or ATR multiple per method
	ActivationPips decimal.Decimal
	StepPips       decimal.Decimal
	BreakevenLock  bool
}

// trailState is the engine's memory for one position.
type trailState struct {
	cfg       TrailConfig
	extreme   decimal.Decimal // highest favorable (BUY) or lowest (SELL)
	active    bool
	currentSL *decimal.Decimal
}

// ATRFunc supplies an average true range figure in price units for
// ATR_MULTIPLE trailing. May be nil.
type ATRFunc func(symbol string) decimal.Decimal

// Trailing ratchets stops toward profit, never away.
type Trailing struct {
	defaults config.TrailingConfig
	quotes   *market.Cache
	exec     *execution.Executor
	atr      ATRFunc

	mu     sync.Mutex
	states map[int64]*trailState
}

// NewTrailing creates the engine.
func NewTrailing(defaults config.TrailingConfig, quotes *market.Cache, exec *execution.Executor, atr ATRFunc) *Trailing {
	return &Trailing{
		defaults: defaults,
		quotes:   quotes,
		exec:     exec,
		atr:      atr,
		states:   make(map[int64]*trailState),
	}
}

// DefaultConfig builds a TrailConfig from the engine defaults.
func (t *Trailing) DefaultConfig() TrailConfig {
	return TrailConfig{
		Method:         TrailMethod(t.defaults.Method),
		Distance:       t.defaults.Distance,
		ActivationPips: t.defaults.ActivationPips,
		StepPips:       t.defaults.StepPips,
		BreakevenLock:  t.defaults.BreakevenLock,
	}
}

// Register starts trailing a position with the given config.
func (t *Trailing) Register(pos types.Position, cfg TrailConfig) {
	st := &trailState{cfg: cfg, extreme: pos.EntryPrice}
	if pos.StopLoss != nil {
		v := *pos.StopLoss
		st.currentSL = &v
	}
	t.mu.Lock()
	t.states[pos.Ticket] = st
	t.mu.Unlock()
}

// Unregister stops trailing a ticket.
func (t *Trailing) Unregister(ticket int64) {
	t.mu.Lock()
	delete(t.states, ticket)
	t.mu.Unlock()
}

// Retrack follows a ticket remap after a partial close.
func (t *Trailing) Retrack(oldTicket, newTicket int64) {
	t.mu.Lock()
	if st, ok := t.states[oldTicket]; ok {
		delete(t.states, oldTicket)
		t.states[newTicket] = st
	}
	t.mu.Unlock()
}

// Tick advances every trailed position. Wired as a scheduler job.
func (t *Trailing) Tick(ctx context.Context) {
	t.mu.Lock()
	tickets := make([]int64, 0, len(t.states))
	for ticket := range t.states {
		tickets = append(tickets, ticket)
	}
	t.mu.Unlock()

	for _, ticket := range tickets {
		pos, ok := t.exec.Registry().Get(ticket)
		if !ok {
			t.Unregister(ticket)
			continue
		}
		t.step(ctx, pos)
	}
}

func (t *Trailing) step(ctx context.Context, pos types.Position) {
	t.mu.Lock()
	st, ok := t.states[pos.Ticket]
	t.mu.Unlock()
	if !ok {
		return
	}
	// A zero step is the degenerate config: the engine stays inert.
	if !st.cfg.StepPips.IsPositive() {
		return
	}

	q, err := t.quotes.Quote(ctx, pos.Symbol)
	if err != nil {
		return
	}
	pip := market.PipSize(pos.Symbol)
	// Exit side price: where the position would close.
	price := q.Bid
	if pos.Direction == types.Sell {
		price = q.Ask
	}

	profitPips := price.Sub(pos.EntryPrice).Div(pip)
	if pos.Direction == types.Sell {
		profitPips = profitPips.Neg()
	}
	if profitPips.LessThan(st.cfg.ActivationPips) {
		return
	}
	st.active = true

	if pos.Direction == types.Buy {
		if price.GreaterThan(st.extreme) {
			st.extreme = price
		}
	} else if price.LessThan(st.extreme) {
		st.extreme = price
	}

	candidate, ok := t.candidate(pos, st, pip)
	if !ok {
		return
	}

	// Strictly better than the current stop, and by at least a step.
	if st.currentSL != nil {
		improvement := candidate.Sub(*st.currentSL).Div(pip)
		if pos.Direction == types.Sell {
			improvement = improvement.Neg()
		}
		if !improvement.IsPositive() {
			return
		}
		if st.cfg.StepPips.IsPositive() && improvement.LessThan(st.cfg.StepPips) {
			return
		}
	}

	// Breakeven lock: once past entry, never back behind it.
	if st.cfg.BreakevenLock && pos.BreakevenLocked {
		if worsensEntry(pos.Direction, pos.EntryPrice, candidate) {
			return
		}
	}

	if err := t.exec.ModifyStopLoss(ctx, pos.Ticket, candidate, "trailing", false); err != nil {
		log.Error().Int64("ticket", pos.Ticket).Err(err).Msg("Trailing SL move failed")
		return
	}
	v := candidate
	st.currentSL = &v

	if st.cfg.BreakevenLock && !pos.BreakevenLocked && !worsensEntry(pos.Direction, pos.EntryPrice, candidate) {
		t.exec.MarkBreakevenLocked(pos.Ticket)
	}
}

func worsensEntry(dir types.Direction, entry, candidate decimal.Decimal) bool {
	if dir == types.Buy {
		return candidate.LessThan(entry)
	}
	return candidate.GreaterThan(entry)
}

func (t *Trailing) candidate(pos types.Position, st *trailState, pip decimal.Decimal) (decimal.Decimal, bool) {
	switch st.cfg.Method {
	case TrailFixedPips:
		dist := st.cfg.Distance.Mul(pip)
		if pos.Direction == types.Buy {
			return st.extreme.Sub(dist), true
		}
		return st.extreme.Add(dist), true

	case TrailPercent:
		pct := st.cfg.Distance.Div(decimal.NewFromInt(100))
		if pos.Direction == types.Buy {
			return st.extreme.Mul(decimal.NewFromInt(1).Sub(pct)), true
		}
		return st.extreme.Mul(decimal.NewFromInt(1).Add(pct)), true

	case TrailBreakEvenPlus:
		dist := st.cfg.Distance.Mul(pip)
		if pos.Direction == types.Buy {
			return pos.EntryPrice.Add(dist), true
		}
		return pos.EntryPrice.Sub(dist), true

	case TrailATRMultiple:
		if t.atr == nil {
			return decimal.Decimal{}, false
		}
		dist := t.atr(pos.Symbol).Mul(st.cfg.Distance)
		if !dist.IsPositive() {
			return decimal.Decimal{}, false
		}
		if pos.Direction == types.Buy {
			return st.extreme.Sub(dist), true
		}
		return st.extreme.Add(dist), true

	default:
		return decimal.Decimal{}, false
	}
}
