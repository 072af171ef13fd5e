package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/events"
	"github.com/sigpilot/sigpilot/manage"
	"github.com/sigpilot/sigpilot/pipeline"
	"github.com/sigpilot/sigpilot/types"
)

// Ingest parses one provider message and feeds it into the pipeline. The
// signal lands in the merge bucket for its symbol; ProcessBuckets carries
// it the rest of the way on the next drain tick.
func (e *Engine) Ingest(ctx context.Context, messageID int64, provider, text string) error {
	if e.paused.Load() {
		return fmt.Errorf("engine paused, message %d dropped", messageID)
	}

	sig := e.parse.Parse(text)
	if sig == nil {
		log.Debug().Int64("message_id", messageID).Str("provider", provider).Msg("No signal in message")
		return fmt.Errorf("message %d: no signal recognized", messageID)
	}
	sig.MessageID = messageID
	sig.Provider = provider
	sig.Timestamp = e.clk.Now()

	if e.isDisabled(sig.Symbol) || e.isDisabled(provider) {
		e.recordSignal(sig, "BLOCKED", "target disabled")
		e.bus.EmitSignalBlocked(sig.ID, sig.Symbol, "target disabled")
		return fmt.Errorf("target disabled for %s/%s", sig.Symbol, provider)
	}

	if err := e.limiter.Check(sig.Symbol, provider); err != nil {
		e.recordSignal(sig, "BLOCKED", err.Error())
		e.bus.EmitSignalBlocked(sig.ID, sig.Symbol, err.Error())
		return err
	}
	e.limiter.Record(sig.Symbol, provider)

	if !e.multi.Offer(sig) {
		e.recordSignal(sig, "BLOCKED", "signal buffer full")
		return fmt.Errorf("signal buffer full for %s", sig.Symbol)
	}

	e.bus.Emit(events.EventSignalIngested, map[string]any{
		"signal_id": sig.ID,
		"symbol":    sig.Symbol,
		"provider":  provider,
	})
	log.Info().
		Str("symbol", sig.Symbol).
		Str("direction", string(sig.Direction)).
		Str("provider", provider).
		Msg("📨 Signal ingested")
	return nil
}

// OnEditedMessage routes a message edit to the edit watcher.
func (e *Engine) OnEditedMessage(ctx context.Context, messageID int64, newText string) manage.EditResult {
	if !e.cfg.Edit.Enabled {
		return manage.EditResult{MessageID: messageID, Skipped: true}
	}
	return e.edits.OnEdit(ctx, messageID, newText)
}

// ProcessBuckets releases due delayed signals and drains the merge buckets.
// Runs on the merge interval.
func (e *Engine) ProcessBuckets(ctx context.Context) {
	now := e.clk.Now()

	e.mu.Lock()
	var due []*types.Signal
	keep := e.delayed[:0]
	for _, d := range e.delayed {
		if d.due.After(now) {
			keep = append(keep, d)
		} else {
			due = append(due, d.sig)
		}
	}
	e.delayed = keep
	// Parses kept for the edit watcher expire with the edit window; a signal
	// that never filled has no edits to apply.
	if window := e.cfg.Edit.MaxEditWindow; window > 0 {
		for id, p := range e.pending {
			if now.Sub(p.sig.Timestamp) > window {
				delete(e.pending, id)
			}
		}
	}
	e.mu.Unlock()

	// Delayed signals were already routed once; they go straight to dispatch.
	for _, sig := range due {
		e.dispatch(ctx, sig)
	}
	for _, sig := range e.multi.Drain() {
		e.handleSignal(ctx, sig)
	}
}

// handleSignal runs the routing stack for one reconciled signal.
func (e *Engine) handleSignal(ctx context.Context, sig *types.Signal) {
	if e.paused.Load() {
		e.recordSignal(sig, "BLOCKED", "engine paused")
		return
	}

	dec := e.router.Route(sig, e.routeContext(ctx, sig))
	switch dec.Action {
	case pipeline.BlockSignal:
		reason := "routing rule " + dec.RuleID
		e.recordSignal(sig, "BLOCKED", reason)
		e.bus.EmitSignalBlocked(sig.ID, sig.Symbol, reason)
		log.Info().Str("symbol", sig.Symbol).Str("rule", dec.RuleID).Msg("🚫 Signal blocked by routing")

	case pipeline.DelaySignal:
		due := e.clk.Now().Add(time.Duration(dec.Param) * time.Minute)
		e.mu.Lock()
		e.delayed = append(e.delayed, delayedSignal{due: due, sig: sig})
		e.mu.Unlock()
		log.Info().Str("symbol", sig.Symbol).Int("minutes", dec.Param).Msg("⏲️ Signal delayed")

	case pipeline.SplitSignal:
		n := dec.Param
		if n < 2 {
			n = 2
		}
		for i := 0; i < n; i++ {
			part := splitClone(sig, i, n)
			e.dispatch(ctx, part)
		}
		log.Info().Str("symbol", sig.Symbol).Int("parts", n).Msg("✂️ Signal split")

	case pipeline.RouteToReverse:
		out := e.reverser.Apply(sig)
		if out == nil {
			e.recordSignal(sig, "BLOCKED", "reverse rule ignored signal")
			return
		}
		e.dispatch(ctx, out)

	case pipeline.EscalatePriority:
		if sig.Priority < types.PriorityCritical {
			sig.Priority++
		}
		e.dispatch(ctx, sig)

	default:
		e.dispatch(ctx, sig)
	}
}

// dispatch sizes the signal into an intent and hands it to smart entry or
// the executor queue.
func (e *Engine) dispatch(ctx context.Context, sig *types.Signal) {
	intent, _, err := e.buildIntent(ctx, sig)
	if err != nil {
		e.recordSignal(sig, "BLOCKED", err.Error())
		e.bus.EmitSignalBlocked(sig.ID, sig.Symbol, err.Error())
		log.Warn().Str("symbol", sig.Symbol).Err(err).Msg("Intent build failed")
		return
	}

	e.mu.Lock()
	e.pending[sig.ID] = pendingSignal{sig: *sig, raw: sig.RawText}
	e.mu.Unlock()

	outcome := "EXECUTED"
	switch {
	case sig.Reversed:
		outcome = "REVERSED"
	case len(sig.MergedFrom) > 0:
		outcome = "MERGED"
	}
	e.recordSignal(sig, outcome, "")

	if intent.SmartWait {
		if err := e.smart.Submit(intent); err == nil {
			return
		} else if !e.cfg.SmartEntry.FallbackToImmediate {
			log.Warn().Str("intent", intent.ID).Err(err).Msg("Smart entry refused intent, dropping")
			return
		}
		intent.SmartWait = false
	}
	if err := e.exec.Submit(intent); err != nil {
		log.Error().Str("intent", intent.ID).Err(err).Msg("Executor rejected intent")
	}
}

// routeContext snapshots what the routing rules may test.
func (e *Engine) routeContext(ctx context.Context, sig *types.Signal) pipeline.RouteContext {
	rctx := pipeline.RouteContext{
		Volatility:  e.vol.Pips(sig.Symbol),
		Confidence:  sig.Confidence,
		SymbolClass: pipeline.SymbolClass(sig.Symbol),
		Provider:    sig.Provider,
		Session:     sessionFor(e.clk.Now()),
		MarginLevel: e.margin.Snapshot().MarginLevel,
		Volume:      e.cfg.Sizing.MinLot,
	}
	if sig.Volume != nil {
		rctx.Volume = *sig.Volume
	}
	if q, err := e.quoteFor(ctx, sig.Symbol); err == nil {
		rctx.SpreadPips = q.SpreadPips
	}
	return rctx
}

// sessionFor maps a UTC hour to a trading session label.
func sessionFor(t time.Time) string {
	switch h := t.UTC().Hour(); {
	case h < 7:
		return "ASIA"
	case h < 12:
		return "LONDON"
	case h < 21:
		return "NEWYORK"
	default:
		return "OFF"
	}
}

// splitClone produces one part of a split signal. The parts keep the parent
// signal's ID so history and edit tracking can group them.
func splitClone(sig *types.Signal, index, count int) *types.Signal {
	out := *sig
	out.ID = uuid.NewString()
	out.ParentID = sig.ID
	out.SplitIndex = index
	out.SplitCount = count
	out.Entries = append([]decimal.Decimal(nil), sig.Entries...)
	out.TakeProfit = append([]decimal.Decimal(nil), sig.TakeProfit...)
	out.MergedFrom = append([]string(nil), sig.MergedFrom...)
	if sig.StopLoss != nil {
		sl := *sig.StopLoss
		out.StopLoss = &sl
	}
	if sig.Volume != nil {
		v := *sig.Volume
		out.Volume = &v
	}
	return &out
}
