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
// BREAK-EVEN ENGINE - One-shot stop move to entry plus buffer
// ═══════════════════════════════════════════════════════════════════════════════

// BETrigger selects what arms the break-even move.
type BETrigger string

const (
	BEFixedPips  BETrigger = "FIXED_PIPS"  // profit >= threshold pips
	BEPercentage BETrigger = "PERCENTAGE"  // profit >= threshold % of entry
	BETimeBased  BETrigger = "TIME_BASED"  // elapsed >= threshold minutes and profitable
	BERatioBased BETrigger = "RATIO_BASED" // profit / initial risk >= threshold
)

// BEConfig is the per-position break-even setup.
type BEConfig struct {
	Trigger            BETrigger
	Threshold          decimal.Decimal
	BufferPips         decimal.Decimal
	MinProfitPips      decimal.Decimal
	OnlyWhenProfitable bool
}

type beState struct {
	cfg         BEConfig
	initialRisk decimal.Decimal // pips between entry and original SL
	registered  time.Time
}

// BreakEven moves each position's stop to entry exactly once.
type BreakEven struct {
	defaults config.BreakEvenConfig
	quotes   *market.Cache
	exec     *execution.Executor
	clk      clock.Clock

	mu     sync.Mutex
	states map[int64]*beState
}

// NewBreakEven creates the engine.
func NewBreakEven(defaults config.BreakEvenConfig, quotes *market.Cache, exec *execution.Executor, clk clock.Clock) *BreakEven {
	return &BreakEven{
		defaults: defaults,
		quotes:   quotes,
		exec:     exec,
		clk:      clk,
		states:   make(map[int64]*beState),
	}
}

// DefaultConfig builds a BEConfig from the engine defaults.
func (b *BreakEven) DefaultConfig() BEConfig {
	return BEConfig{
		Trigger:            BETrigger(b.defaults.Trigger),
		Threshold:          b.defaults.ThresholdValue,
		BufferPips:         b.defaults.BufferPips,
		MinProfitPips:      b.defaults.MinProfitPips,
		OnlyWhenProfitable: b.defaults.OnlyWhenProfitable,
	}
}

// Register arms break-even for a position.
func (b *BreakEven) Register(pos types.Position, cfg BEConfig) {
	st := &beState{cfg: cfg, registered: b.clk.Now()}
	if pos.StopLoss != nil {
		pip := market.PipSize(pos.Symbol)
		st.initialRisk = pos.EntryPrice.Sub(*pos.StopLoss).Abs().Div(pip)
	}
	b.mu.Lock()
	b.states[pos.Ticket] = st
	b.mu.Unlock()
}

// Unregister disarms a ticket.
func (b *BreakEven) Unregister(ticket int64) {
	b.mu.Lock()
	delete(b.states, ticket)
	b.mu.Unlock()
}

// Retrack follows a ticket remap after a partial close.
func (b *BreakEven) Retrack(oldTicket, newTicket int64) {
	b.mu.Lock()
	if st, ok := b.states[oldTicket]; ok {
		delete(b.states, oldTicket)
		b.states[newTicket] = st
	}
	b.mu.Unlock()
}

// Tick checks every armed position. Wired as a scheduler job.
func (b *BreakEven) Tick(ctx context.Context) {
	b.mu.Lock()
	tickets := make([]int64, 0, len(b.states))
	for ticket := range b.states {
		tickets = append(tickets, ticket)
	}
	b.mu.Unlock()

	for _, ticket := range tickets {
		pos, ok := b.exec.Registry().Get(ticket)
		if !ok {
			b.Unregister(ticket)
			continue
		}
		b.step(ctx, pos)
	}
}

func (b *BreakEven) step(ctx context.Context, pos types.Position) {
	b.mu.Lock()
	st, ok := b.states[pos.Ticket]
	b.mu.Unlock()
	if !ok {
		return
	}

	q, err := b.quotes.Quote(ctx, pos.Symbol)
	if err != nil {
		return
	}
	pip := market.PipSize(pos.Symbol)
	price := q.Bid
	if pos.Direction == types.Sell {
		price = q.Ask
	}
	profitPips := price.Sub(pos.EntryPrice).Div(pip)
	if pos.Direction == types.Sell {
		profitPips = profitPips.Neg()
	}

	if !b.armed(st, pos, pip, profitPips) {
		return
	}
	if st.cfg.OnlyWhenProfitable && !profitPips.GreaterThan(st.cfg.MinProfitPips) {
		return
	}

	buffer := st.cfg.BufferPips.Mul(pip)
	target := pos.EntryPrice.Add(buffer)
	if pos.Direction == types.Sell {
		target = pos.EntryPrice.Sub(buffer)
	}

	// The executor refuses a move that does not improve the stop; either
	// way this engine is done with the position.
	if err := b.exec.ModifyStopLoss(ctx, pos.Ticket, target, "break_even", false); err != nil {
		log.Error().Int64("ticket", pos.Ticket).Err(err).Msg("Break-even move failed")
		return
	}
	b.exec.MarkBreakevenLocked(pos.Ticket)
	b.Unregister(pos.Ticket)
	log.Info().
		Int64("ticket", pos.Ticket).
		Str("sl", target.String()).
		Msg("⚖️ Break-even locked")
}

func (b *BreakEven) armed(st *beState, pos types.Position, pip, profitPips decimal.Decimal) bool {
	switch st.cfg.Trigger {
	case BEFixedPips:
		return profitPips.GreaterThanOrEqual(st.cfg.Threshold)
	case BEPercentage:
		// Threshold percent of the entry price, compared in price units.
		profit := profitPips.Mul(pip)
		required := pos.EntryPrice.Mul(st.cfg.Threshold).Div(decimal.NewFromInt(100))
		return profit.GreaterThanOrEqual(required)
	case BETimeBased:
		elapsed := b.clk.Since(st.registered)
		return elapsed >= time.Duration(st.cfg.Threshold.IntPart())*time.Minute && profitPips.IsPositive()
	case BERatioBased:
		if !st.initialRisk.IsPositive() {
			return false
		}
		return profitPips.Div(st.initialRisk).GreaterThanOrEqual(st.cfg.Threshold)
	default:
		return false
	}
}
