package manage

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/events"
	"github.com/sigpilot/sigpilot/execution"
	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/market"
	"github.com/sigpilot/sigpilot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MULTI-TP MANAGER - Fractional closes as each target prints
// ═══════════════════════════════════════════════════════════════════════════════

// MultiTP watches registered positions and partially closes them level by
// level. It never touches the broker itself; every close and SL shift is a
// request to the executor.
type MultiTP struct {
	cfg    config.MultiTPConfig
	quotes *market.Cache
	exec   *execution.Executor
	bus    *events.Bus

	mu      sync.Mutex
	tracked map[int64]bool // tickets under management
}

// NewMultiTP creates the manager.
func NewMultiTP(cfg config.MultiTPConfig, quotes *market.Cache, exec *execution.Executor, bus *events.Bus) *MultiTP {
	return &MultiTP{
		cfg:     cfg,
		quotes:  quotes,
		exec:    exec,
		bus:     bus,
		tracked: make(map[int64]bool),
	}
}

// Register puts a position under management. Positions with an empty TP plan
// are skipped; their SL is all they have.
func (m *MultiTP) Register(pos types.Position) {
	if len(pos.TPPlan) == 0 {
		return
	}
	m.mu.Lock()
	m.tracked[pos.Ticket] = true
	m.mu.Unlock()
	log.Info().Int64("ticket", pos.Ticket).Int("levels", len(pos.TPPlan)).Msg("🎯 Multi-TP tracking position")
}

// Unregister drops a ticket from management.
func (m *MultiTP) Unregister(ticket int64) {
	m.mu.Lock()
	delete(m.tracked, ticket)
	m.mu.Unlock()
}

// retrack follows a ticket remap after a partial close.
func (m *MultiTP) retrack(oldTicket, newTicket int64) {
	m.mu.Lock()
	delete(m.tracked, oldTicket)
	m.tracked[newTicket] = true
	m.mu.Unlock()
}

// Tick runs one monitor pass. Wired as a scheduler job at ~100ms.
func (m *MultiTP) Tick(ctx context.Context) {
	m.mu.Lock()
	tickets := make([]int64, 0, len(m.tracked))
	for t := range m.tracked {
		tickets = append(tickets, t)
	}
	m.mu.Unlock()

	for _, ticket := range tickets {
		pos, ok := m.exec.Registry().Get(ticket)
		if !ok {
			m.Unregister(ticket)
			continue
		}
		m.check(ctx, pos)
	}
}

func (m *MultiTP) check(ctx context.Context, pos types.Position) {
	q, err := m.quotes.Quote(ctx, pos.Symbol)
	if err != nil {
		return
	}

	for i, tp := range pos.TPPlan {
		if tp.Status != types.TPPending {
			continue
		}
		if !hit(pos.Direction, q, tp.Price) {
			// Levels are ordered outward; nothing past this one can have
			// printed either.
			return
		}
		m.fire(ctx, pos, i)
		return
	}
}

// hit applies the direction-sided trigger: bid for BUY targets, ask for SELL.
func hit(dir types.Direction, q market.Quote, price decimal.Decimal) bool {
	if dir == types.Buy {
		return q.Bid.GreaterThanOrEqual(price)
	}
	return q.Ask.LessThanOrEqual(price)
}

func (m *MultiTP) fire(ctx context.Context, pos types.Position, idx int) {
	tp := pos.TPPlan[idx]
	closeVol := m.closeVolume(pos, idx)
	if !closeVol.IsPositive() {
		return
	}

	newTicket, err := m.exec.PartialClose(ctx, pos.Ticket, closeVol, tp.Price, idx)
	if err != nil {
		log.Error().Int64("ticket", pos.Ticket).Int("level", idx).Err(err).Msg("TP partial close failed")
		return
	}

	log.Info().
		Int64("ticket", pos.Ticket).
		Int("level", idx).
		Str("price", tp.Price.String()).
		Str("closed", closeVol.String()).
		Msg("💰 Take profit hit")
	m.bus.Emit(events.EventTPHit, map[string]any{
		"ticket": pos.Ticket,
		"level":  idx,
		"price":  tp.Price.String(),
		"volume": closeVol.String(),
	})

	if newTicket == 0 {
		m.Unregister(pos.Ticket)
		return
	}
	m.retrack(pos.Ticket, newTicket)
	m.shiftSL(ctx, pos, newTicket, idx)
}

// closeVolume sizes the slice for a level: percent of the original fill,
// clamped by what remains. A remainder under the minimum is folded in unless
// this is the last level.
func (m *MultiTP) closeVolume(pos types.Position, idx int) decimal.Decimal {
	tp := pos.TPPlan[idx]
	vol := pos.VolumeInitial.Mul(tp.Percent).Div(decimal.NewFromInt(100)).Round(2)
	if vol.GreaterThan(pos.VolumeRemaining) {
		vol = pos.VolumeRemaining
	}

	remainder := pos.VolumeRemaining.Sub(vol)
	lastLevel := idx == len(pos.TPPlan)-1
	if lastLevel || (remainder.IsPositive() && remainder.LessThan(m.cfg.MinRemainingVolume)) {
		return pos.VolumeRemaining
	}
	return vol
}

// shiftSL applies the configured post-TP stop move through the executor,
// which enforces that stops only improve.
func (m *MultiTP) shiftSL(ctx context.Context, pos types.Position, ticket int64, hitIdx int) {
	buffer := m.cfg.SLBufferPips.Mul(market.PipSize(pos.Symbol))
	var target decimal.Decimal

	switch m.cfg.SLShiftMode {
	case "BREAK_EVEN":
		if pos.Direction == types.Buy {
			target = pos.EntryPrice.Add(buffer)
		} else {
			target = pos.EntryPrice.Sub(buffer)
		}
	case "NEXT_TP":
		// Trail behind the level that just filled.
		target = pos.TPPlan[hitIdx].Price
		if pos.Direction == types.Buy {
			target = target.Sub(buffer)
		} else {
			target = target.Add(buffer)
		}
	default: // NONE
		return
	}

	if err := m.exec.ModifyStopLoss(ctx, ticket, target, "multi_tp", false); err != nil {
		log.Error().Int64("ticket", ticket).Err(err).Msg("Post-TP SL shift failed")
		return
	}
	if m.cfg.SLShiftMode == "BREAK_EVEN" {
		m.exec.MarkBreakevenLocked(ticket)
	}
}
