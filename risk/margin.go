package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/broker"
	"github.com/sigpilot/sigpilot/clock"
	"github.com/sigpilot/sigpilot/events"
	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARGIN GUARD - Account stress classification and pre-trade blocks
// ═══════════════════════════════════════════════════════════════════════════════

// MarginBlockError reports a preflight refusal.
type MarginBlockError struct {
	Reason string // LOW_FREE_MARGIN, CRITICAL_LEVEL, EMERGENCY
	Status types.MarginStatus
	Free   decimal.Decimal
	Needed decimal.Decimal
}

func (e *MarginBlockError) Error() string {
	return fmt.Sprintf("margin block %s: status=%s free=%s needed=%s", e.Reason, e.Status, e.Free, e.Needed)
}

// EmergencyCloser closes a ticket on behalf of the guard. Implemented by the
// executor; the guard never touches the broker's positions directly.
type EmergencyCloser interface {
	EmergencyClose(ctx context.Context, ticket int64) error
}

// MarginGuard keeps the latest MarginSnapshot and gates new volume.
type MarginGuard struct {
	cfg    *config.Config
	brk    broker.Broker
	clk    clock.Clock
	bus    *events.Bus
	closer EmergencyCloser

	mu         sync.RWMutex
	snapshot   types.MarginSnapshot
	lastAlert  map[types.MarginStatus]time.Time
	emergency  bool // emergency close pass in progress
	haveReport bool
}

// NewMarginGuard creates the guard. The closer may be nil; emergency close is
// then disabled.
func NewMarginGuard(cfg *config.Config, brk broker.Broker, clk clock.Clock, bus *events.Bus, closer EmergencyCloser) *MarginGuard {
	return &MarginGuard{
		cfg:       cfg,
		brk:       brk,
		clk:       clk,
		bus:       bus,
		closer:    closer,
		lastAlert: make(map[types.MarginStatus]time.Time),
	}
}

// SetCloser wires the emergency closer after construction. The executor and
// the guard reference each other, so one side is attached late.
func (g *MarginGuard) SetCloser(c EmergencyCloser) {
	g.mu.Lock()
	g.closer = c
	g.mu.Unlock()
}

// Classify derives the status for a margin level. Zero used margin is SAFE.
func (g *MarginGuard) Classify(level decimal.Decimal, usedMargin decimal.Decimal) types.MarginStatus {
	if !usedMargin.IsPositive() {
		return types.MarginSafe
	}
	m := g.cfg.Margin
	switch {
	case level.GreaterThanOrEqual(m.Safe):
		return types.MarginSafe
	case level.GreaterThanOrEqual(m.Warning):
		return types.MarginWarning
	case level.GreaterThanOrEqual(m.Critical):
		return types.MarginCritical
	default:
		return types.MarginCall
	}
}

// Refresh pulls the account state and re-derives the snapshot. Wired as a
// scheduler job at ~1s.
func (g *MarginGuard) Refresh(ctx context.Context) {
	acc, err := g.brk.Account(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Margin refresh failed")
		return
	}

	snap := types.MarginSnapshot{
		Balance:     acc.Balance,
		Equity:      acc.Equity,
		UsedMargin:  acc.Margin,
		FreeMargin:  acc.FreeMargin,
		MarginLevel: acc.MarginLevel,
		At:          g.clk.Now(),
	}
	snap.Status = g.Classify(snap.MarginLevel, snap.UsedMargin)

	g.mu.Lock()
	prev := g.snapshot.Status
	had := g.haveReport
	g.snapshot = snap
	g.haveReport = true
	g.mu.Unlock()

	if had && prev != snap.Status {
		g.alert(prev, snap)
	}
	if snap.UsedMargin.IsPositive() && snap.MarginLevel.LessThan(g.cfg.Margin.EmergencyClose) {
		g.emergencyClose(ctx)
	}
}

// Snapshot returns the latest reading.
func (g *MarginGuard) Snapshot() types.MarginSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshot
}

// Preflight checks whether new volume on the symbol fits the account.
func (g *MarginGuard) Preflight(ctx context.Context, symbol string, volume decimal.Decimal, _ types.Direction) error {
	g.mu.RLock()
	snap := g.snapshot
	have := g.haveReport
	g.mu.RUnlock()
	if !have {
		g.Refresh(ctx)
		snap = g.Snapshot()
	}

	if snap.UsedMargin.IsPositive() && snap.MarginLevel.LessThan(g.cfg.Margin.EmergencyClose) {
		return &MarginBlockError{Reason: "EMERGENCY", Status: snap.Status, Free: snap.FreeMargin}
	}
	if snap.Status == types.MarginCritical || snap.Status == types.MarginCall {
		return &MarginBlockError{Reason: "CRITICAL_LEVEL", Status: snap.Status, Free: snap.FreeMargin}
	}

	info, err := g.brk.SymbolInfo(ctx, symbol)
	if err != nil {
		log.Warn().Str("symbol", symbol).Err(err).Msg("Symbol info unavailable, skipping margin sizing check")
		return nil
	}
	needed := volume.Mul(info.MarginPerLot)
	if mult, ok := g.cfg.Margin.RiskMultipliers[symbol]; ok {
		needed = needed.Mul(mult)
	}
	if needed.IsPositive() && needed.GreaterThan(snap.FreeMargin) {
		return &MarginBlockError{Reason: "LOW_FREE_MARGIN", Status: snap.Status, Free: snap.FreeMargin, Needed: needed}
	}
	return nil
}

// alert emits one transition event per status within the cooldown.
func (g *MarginGuard) alert(prev types.MarginStatus, snap types.MarginSnapshot) {
	g.mu.Lock()
	last := g.lastAlert[snap.Status]
	now := g.clk.Now()
	if now.Sub(last) < g.cfg.Margin.AlertCooldown {
		g.mu.Unlock()
		return
	}
	g.lastAlert[snap.Status] = now
	g.mu.Unlock()

	log.Warn().
		Str("from", string(prev)).
		Str("to", string(snap.Status)).
		Str("margin_level", snap.MarginLevel.StringFixed(1)).
		Msg("⚠️ Margin status changed")
	g.bus.Emit(events.EventMarginAlert, map[string]any{
		"from":         string(prev),
		"to":           string(snap.Status),
		"margin_level": snap.MarginLevel.String(),
		"free_margin":  snap.FreeMargin.String(),
	})
}

// emergencyClose sheds the worst losers until the level recovers past the
// critical threshold.
func (g *MarginGuard) emergencyClose(ctx context.Context) {
	g.mu.Lock()
	if g.closer == nil || g.emergency {
		g.mu.Unlock()
		return
	}
	g.emergency = true
	closer := g.closer
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.emergency = false
		g.mu.Unlock()
	}()

	positions, err := g.brk.Positions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Emergency close: cannot list positions")
		return
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Profit.LessThan(positions[j].Profit)
	})

	for _, pos := range positions {
		if !pos.Profit.IsNegative() {
			break
		}
		log.Error().
			Int64("ticket", pos.Ticket).
			Str("profit", pos.Profit.StringFixed(2)).
			Msg("🚨 Emergency close")
		if err := closer.EmergencyClose(ctx, pos.Ticket); err != nil {
			log.Error().Int64("ticket", pos.Ticket).Err(err).Msg("Emergency close failed")
			continue
		}
		g.Refresh(ctx)
		snap := g.Snapshot()
		if snap.MarginLevel.GreaterThanOrEqual(g.cfg.Margin.Critical) || !snap.UsedMargin.IsPositive() {
			return
		}
	}
}
