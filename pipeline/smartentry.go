package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sigpilot/sigpilot/clock"
	"github.com/sigpilot/sigpilot/events"
	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/market"
	"github.com/sigpilot/sigpilot/risk"
	"github.com/sigpilot/sigpilot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SMART ENTRY SCHEDULER - Wait for a pullback before executing
// ═══════════════════════════════════════════════════════════════════════════════

// WaitStatus of one smart-entry intent.
type WaitStatus string

const (
	WaitWaiting   WaitStatus = "WAITING"
	WaitExecuted  WaitStatus = "EXECUTED"
	WaitTimeout   WaitStatus = "TIMEOUT"
	WaitCancelled WaitStatus = "CANCELLED"
)

type waiter struct {
	intent *types.TradeIntent
	status WaitStatus
}

// SmartEntry parks intents until price pulls back to the target.
type SmartEntry struct {
	cfg     config.SmartEntryConfig
	clk     clock.Clock
	quotes  *market.Cache
	gate    *risk.SpreadGate
	bus     *events.Bus
	execute func(*types.TradeIntent)

	mu      sync.Mutex
	waiters map[string]*waiter // intent ID -> waiter
}

// NewSmartEntry creates the scheduler. execute receives intents whose wait
// resolved in favor of execution.
func NewSmartEntry(cfg config.SmartEntryConfig, clk clock.Clock, quotes *market.Cache, gate *risk.SpreadGate, bus *events.Bus, execute func(*types.TradeIntent)) *SmartEntry {
	return &SmartEntry{
		cfg:     cfg,
		clk:     clk,
		quotes:  quotes,
		gate:    gate,
		bus:     bus,
		execute: execute,
		waiters: make(map[string]*waiter),
	}
}

// Submit parks an intent. Fails when the waiter cap is reached.
func (s *SmartEntry) Submit(intent *types.TradeIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	for _, w := range s.waiters {
		if w.status == WaitWaiting {
			active++
		}
	}
	if active >= s.cfg.MaxConcurrent {
		return fmt.Errorf("smart entry: %d waiters active, cap %d", active, s.cfg.MaxConcurrent)
	}

	if intent.SmartWaitDeadline.IsZero() {
		intent.SmartWaitDeadline = s.clk.Now().Add(s.cfg.DefaultWait)
	}
	s.waiters[intent.ID] = &waiter{intent: intent, status: WaitWaiting}
	s.emit(intent, WaitWaiting)
	log.Info().
		Str("intent", intent.ID).
		Str("symbol", intent.Symbol).
		Str("target", intent.Entry.String()).
		Msg("⏳ Smart entry waiting")
	return nil
}

// Cancel aborts a waiting intent.
func (s *SmartEntry) Cancel(intentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.waiters[intentID]
	if !ok || w.status != WaitWaiting {
		return false
	}
	w.status = WaitCancelled
	delete(s.waiters, intentID)
	s.emit(w.intent, WaitCancelled)
	return true
}

// Active returns the number of waiting intents.
func (s *SmartEntry) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.waiters {
		if w.status == WaitWaiting {
			n++
		}
	}
	return n
}

// Poll advances every waiter. Wired as a scheduler job at a few hundred ms.
func (s *SmartEntry) Poll(ctx context.Context) {
	s.mu.Lock()
	pending := make([]*waiter, 0, len(s.waiters))
	for _, w := range s.waiters {
		if w.status == WaitWaiting {
			pending = append(pending, w)
		}
	}
	s.mu.Unlock()

	now := s.clk.Now()
	for _, w := range pending {
		s.step(ctx, w, now)
	}
}

func (s *SmartEntry) step(ctx context.Context, w *waiter, now time.Time) {
	intent := w.intent

	if !now.Before(intent.SmartWaitDeadline) {
		s.resolve(w, WaitTimeout)
		if s.cfg.FallbackToImmediate {
			log.Info().Str("intent", intent.ID).Msg("Smart entry deadline, falling back to market")
			s.execute(intent)
		} else {
			log.Info().Str("intent", intent.ID).Msg("Smart entry deadline, cancelled")
		}
		return
	}

	if !s.favorable(ctx, intent) {
		return
	}
	if err := s.gate.Check(ctx, intent.Symbol); err != nil {
		return
	}
	s.resolve(w, WaitExecuted)
	s.execute(intent)
}

func (s *SmartEntry) favorable(ctx context.Context, intent *types.TradeIntent) bool {
	q, err := s.quotes.Quote(ctx, intent.Symbol)
	if err != nil {
		return false
	}
	tolerance := s.cfg.PriceTolerancePips.Mul(market.PipSize(intent.Symbol))
	if intent.Direction == types.Buy {
		return q.Ask.LessThanOrEqual(intent.Entry.Add(tolerance))
	}
	return q.Bid.GreaterThanOrEqual(intent.Entry.Sub(tolerance))
}

func (s *SmartEntry) resolve(w *waiter, status WaitStatus) {
	s.mu.Lock()
	w.status = status
	delete(s.waiters, w.intent.ID)
	s.mu.Unlock()
	s.emit(w.intent, status)
}

func (s *SmartEntry) emit(intent *types.TradeIntent, status WaitStatus) {
	s.bus.Emit(events.EventSmartWait, map[string]any{
		"intent_id": intent.ID,
		"symbol":    intent.Symbol,
		"status":    string(status),
	})
}
