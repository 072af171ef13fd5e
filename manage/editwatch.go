package manage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/clock"
	"github.com/sigpilot/sigpilot/events"
	"github.com/sigpilot/sigpilot/execution"
	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/market"
	"github.com/sigpilot/sigpilot/parser"
	"github.com/sigpilot/sigpilot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EDIT WATCHER - React when a provider edits an already-executed message
// ═══════════════════════════════════════════════════════════════════════════════

// ChangeType names one field an edit may touch.
type ChangeType string

const (
	ChangeSL        ChangeType = "SL"
	ChangeTP        ChangeType = "TP"
	ChangeVolume    ChangeType = "VOLUME"
	ChangeEntry     ChangeType = "ENTRY"
	ChangeDirection ChangeType = "DIRECTION"
)

// EditParser is the parsing collaborator. Both the rule parser and the
// service client satisfy it.
type EditParser interface {
	Parse(text string) *types.Signal
}

// EditResult summarizes one processed edit.
type EditResult struct {
	MessageID int64
	Skipped   bool // hash unchanged
	Rejected  bool // outside the edit window
	Changes   []ChangeType
	Applied   int
	Failed    int
	Alert     string
}

// EditStats are lifetime modification counters.
type EditStats struct {
	EditsSeen     int
	EditsSkipped  int
	EditsRejected int
	ModsApplied   int
	ModsFailed    int
}

// watchEntry tracks the versions parsed from one message.
type watchEntry struct {
	versions  []types.SignalVersion
	firstFill time.Time
}

// EditWatcher maps message IDs to open tickets and reacts to signal edits
// within the configured window.
type EditWatcher struct {
	cfg    config.EditConfig
	parse  EditParser
	exec   *execution.Executor
	bus    *events.Bus
	clk    clock.Clock
	quotes QuoteSource

	mu      sync.Mutex
	watched map[int64]*watchEntry
	stats   EditStats
}

// QuoteSource supplies the close price for volume-reduction edits.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (market.Quote, error)
}

// NewEditWatcher creates the watcher.
func NewEditWatcher(cfg config.EditConfig, parse EditParser, exec *execution.Executor, bus *events.Bus, clk clock.Clock, quotes QuoteSource) *EditWatcher {
	return &EditWatcher{
		cfg:     cfg,
		parse:   parse,
		exec:    exec,
		bus:     bus,
		clk:     clk,
		quotes:  quotes,
		watched: make(map[int64]*watchEntry),
	}
}

// Track records the original parse of a message once its first fill lands.
func (w *EditWatcher) Track(messageID int64, sig types.Signal, rawText string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[messageID]; ok {
		return
	}
	w.watched[messageID] = &watchEntry{
		versions: []types.SignalVersion{{
			ContentHash: parser.ContentHash(rawText),
			Signal:      sig,
			Timestamp:   w.clk.Now(),
		}},
		firstFill: w.clk.Now(),
	}
}

// Untrack drops a message, typically when all its positions closed.
func (w *EditWatcher) Untrack(messageID int64) {
	w.mu.Lock()
	delete(w.watched, messageID)
	w.mu.Unlock()
}

// Stats returns a copy of the lifetime counters.
func (w *EditWatcher) Stats() EditStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Versions returns the recorded parses for a message, oldest first.
func (w *EditWatcher) Versions(messageID int64) []types.SignalVersion {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.watched[messageID]
	if !ok {
		return nil
	}
	return append([]types.SignalVersion(nil), e.versions...)
}

// OnEdit processes an edited message. Same content hash is an idempotent
// no-op; edits past the window are rejected without touching positions.
func (w *EditWatcher) OnEdit(ctx context.Context, messageID int64, newText string) EditResult {
	res := EditResult{MessageID: messageID}

	w.mu.Lock()
	entry, ok := w.watched[messageID]
	if !ok {
		w.mu.Unlock()
		return res
	}
	w.stats.EditsSeen++

	hash := parser.ContentHash(newText)
	latest := entry.versions[len(entry.versions)-1]
	if hash == latest.ContentHash {
		w.stats.EditsSkipped++
		w.mu.Unlock()
		res.Skipped = true
		return res
	}

	if w.clk.Since(entry.firstFill) > w.cfg.MaxEditWindow {
		w.stats.EditsRejected++
		w.mu.Unlock()
		res.Rejected = true
		log.Warn().Int64("message_id", messageID).Msg("✏️ Edit outside the window, ignored")
		w.bus.Emit(events.EventSignalEdited, map[string]any{
			"message_id": messageID,
			"rejected":   true,
		})
		return res
	}
	old := latest.Signal
	w.mu.Unlock()

	sig := w.parse.Parse(newText)
	if sig == nil {
		log.Warn().Int64("message_id", messageID).Msg("✏️ Edit no longer parses as a signal, ignored")
		return res
	}
	sig.MessageID = messageID

	res.Changes = diffSignals(old, *sig)
	if len(res.Changes) == 0 {
		res.Skipped = true
		w.recordVersion(messageID, hash, *sig)
		return res
	}

	tickets := w.exec.Registry().TicketsForMessage(messageID)
	for _, change := range res.Changes {
		if change == ChangeDirection {
			// Never flips an open position; the operator decides.
			res.Alert = "direction changed in edit, positions untouched"
			log.Warn().Int64("message_id", messageID).Msg("⚠️ Edit flips direction, alert only")
			continue
		}
		if !w.allowed(change) {
			continue
		}
		for _, ticket := range tickets {
			if err := w.apply(ctx, ticket, change, old, *sig); err != nil {
				res.Failed++
				w.mu.Lock()
				w.stats.ModsFailed++
				w.mu.Unlock()
				log.Error().Int64("ticket", ticket).Str("change", string(change)).Err(err).Msg("Edit modification failed")
				continue
			}
			res.Applied++
			w.mu.Lock()
			w.stats.ModsApplied++
			w.mu.Unlock()
		}
	}

	w.recordVersion(messageID, hash, *sig)
	log.Info().
		Int64("message_id", messageID).
		Int("changes", len(res.Changes)).
		Int("applied", res.Applied).
		Msg("✏️ Signal edit processed")
	w.bus.Emit(events.EventSignalEdited, map[string]any{
		"message_id": messageID,
		"changes":    len(res.Changes),
		"applied":    res.Applied,
	})
	return res
}

func (w *EditWatcher) recordVersion(messageID int64, hash string, sig types.Signal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.watched[messageID]
	if !ok {
		return
	}
	entry.versions = append(entry.versions, types.SignalVersion{
		ContentHash: hash,
		Signal:      sig,
		Timestamp:   w.clk.Now(),
	})
	if max := w.cfg.MaxVersions; max > 0 && len(entry.versions) > max {
		entry.versions = entry.versions[len(entry.versions)-max:]
	}
}

func (w *EditWatcher) allowed(change ChangeType) bool {
	for _, c := range w.cfg.AllowedChanges {
		if strings.EqualFold(c, string(change)) {
			return true
		}
	}
	return false
}

// apply pushes one change type to one ticket through the executor.
func (w *EditWatcher) apply(ctx context.Context, ticket int64, change ChangeType, old, edited types.Signal) error {
	pos, ok := w.exec.Registry().Get(ticket)
	if !ok {
		return nil
	}
	switch change {
	case ChangeSL:
		if edited.StopLoss == nil {
			return nil
		}
		// Provider edits may loosen the stop; the widening path still
		// refuses anything past break-even lock inside the executor.
		return w.exec.ModifyStopLoss(ctx, ticket, *edited.StopLoss, "signal_edit", true)

	case ChangeTP:
		for i, price := range edited.TakeProfit {
			if i >= len(pos.TPPlan) {
				break
			}
			if pos.TPPlan[i].Status != types.TPPending || pos.TPPlan[i].Price.Equal(price) {
				continue
			}
			if err := w.exec.ModifyTakeProfit(ctx, ticket, i, price, "signal_edit"); err != nil {
				return err
			}
		}
		return nil

	case ChangeVolume:
		// Only reductions are honored; an increase would be a new trade.
		if edited.Volume == nil || old.Volume == nil {
			return nil
		}
		if edited.Volume.GreaterThanOrEqual(*old.Volume) || !old.Volume.IsPositive() {
			return nil
		}
		frac := old.Volume.Sub(*edited.Volume).Div(*old.Volume)
		closeVol := pos.VolumeRemaining.Mul(frac).Round(2)
		if !closeVol.IsPositive() {
			return nil
		}
		q, err := w.quotes.Quote(ctx, pos.Symbol)
		if err != nil {
			return err
		}
		price := q.Bid
		if pos.Direction == types.Sell {
			price = q.Ask
		}
		_, err = w.exec.PartialClose(ctx, ticket, closeVol, price, -1)
		return err

	case ChangeEntry:
		// Entry moves do not apply to a filled position.
		return nil
	}
	return nil
}

// diffSignals lists the structured fields that differ between two parses.
func diffSignals(old, edited types.Signal) []ChangeType {
	var out []ChangeType
	if old.Direction != edited.Direction {
		out = append(out, ChangeDirection)
	}
	if !decimalSlicesEqual(old.Entries, edited.Entries) {
		out = append(out, ChangeEntry)
	}
	if !decimalPtrEqual(old.StopLoss, edited.StopLoss) {
		out = append(out, ChangeSL)
	}
	if !decimalSlicesEqual(old.TakeProfit, edited.TakeProfit) {
		out = append(out, ChangeTP)
	}
	if !decimalPtrEqual(old.Volume, edited.Volume) {
		out = append(out, ChangeVolume)
	}
	return out
}

func decimalPtrEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func decimalSlicesEqual(a, b []decimal.Decimal) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
