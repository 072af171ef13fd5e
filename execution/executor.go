package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/sigpilot/sigpilot/broker"
	"github.com/sigpilot/sigpilot/clock"
	"github.com/sigpilot/sigpilot/events"
	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/risk"
	"github.com/sigpilot/sigpilot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE EXECUTOR - Worker pool, at-most-once placement, position ownership
// ═══════════════════════════════════════════════════════════════════════════════
//
// Intents drain through a bounded worker pool. A worker claims an intent by
// flipping PENDING to EXECUTING; anything else is a stale duplicate and is
// skipped. All broker mutations on open positions go through this type, one
// ticket at a time.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	maxPlaceAttempts = 3
	retryBackoffBase = 200 * time.Millisecond
	rangePacing      = 100 * time.Millisecond
	queueCapacity    = 128
)

// FillHook observes successful fills so lifecycle engines can register the
// position.
type FillHook func(pos types.Position, intent *types.TradeIntent)

// RemapHook observes the ticket renumbering a partial close causes, so
// trackers keyed by ticket can follow the remainder.
type RemapHook func(oldTicket, newTicket int64)

// Executor places intents and owns every open position.
type Executor struct {
	cfg      *config.Config
	brk      broker.Broker
	clk      clock.Clock
	bus      *events.Bus
	gate     *risk.SpreadGate
	margin   *risk.MarginGuard
	registry *Registry
	onFill   FillHook
	onRemap  RemapHook

	queue  chan *types.TradeIntent
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	states  map[string]types.IntentState
	tickets map[int64]*sync.Mutex
}

// NewExecutor creates the executor. onFill may be nil.
func NewExecutor(cfg *config.Config, brk broker.Broker, clk clock.Clock, bus *events.Bus, gate *risk.SpreadGate, margin *risk.MarginGuard, registry *Registry, onFill FillHook) *Executor {
	return &Executor{
		cfg:      cfg,
		brk:      brk,
		clk:      clk,
		bus:      bus,
		gate:     gate,
		margin:   margin,
		registry: registry,
		onFill:   onFill,
		queue:    make(chan *types.TradeIntent, queueCapacity),
		states:   make(map[string]types.IntentState),
		tickets:  make(map[int64]*sync.Mutex),
	}
}

// SetFillHook wires the post-fill callback after construction.
func (e *Executor) SetFillHook(hook FillHook) {
	e.onFill = hook
}

// SetRemapHook wires the ticket-remap callback after construction.
func (e *Executor) SetRemapHook(hook RemapHook) {
	e.onRemap = hook
}

// Registry exposes the position registry for observers.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Start launches the worker pool.
func (e *Executor) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel
	e.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < e.cfg.ExecutorWorkers; i++ {
		worker := i
		e.group.Go(func() error {
			e.runWorker(ctx, worker)
			return nil
		})
	}
	log.Info().Int("workers", e.cfg.ExecutorWorkers).Msg("🏗️ Executor pool started")
}

// Stop drains the pool.
func (e *Executor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.group != nil {
		_ = e.group.Wait()
	}
}

// Submit enqueues an intent. Fails when the queue is full so the caller can
// surface backpressure instead of blocking the pipeline.
func (e *Executor) Submit(intent *types.TradeIntent) error {
	e.mu.Lock()
	if _, dup := e.states[intent.ID]; dup {
		e.mu.Unlock()
		log.Warn().Str("intent", intent.ID).Msg("Duplicate intent ignored")
		return nil
	}
	e.states[intent.ID] = types.IntentPending
	e.mu.Unlock()

	select {
	case e.queue <- intent:
		e.bus.Emit(events.EventIntentCreated, map[string]any{
			"intent_id": intent.ID,
			"symbol":    intent.Symbol,
		})
		return nil
	default:
		e.mu.Lock()
		delete(e.states, intent.ID)
		e.mu.Unlock()
		e.bus.Emit(events.EventOverflow, map[string]any{"intent_id": intent.ID})
		return fmt.Errorf("executor queue full, intent %s rejected", intent.ID)
	}
}

// ExecuteNow runs an intent synchronously, bypassing the queue. Used by the
// smart-entry scheduler whose own polling already spaced the work out.
func (e *Executor) ExecuteNow(ctx context.Context, intent *types.TradeIntent) {
	e.mu.Lock()
	if _, seen := e.states[intent.ID]; !seen {
		e.states[intent.ID] = types.IntentPending
	}
	e.mu.Unlock()
	e.process(ctx, intent)
}

func (e *Executor) runWorker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case intent := <-e.queue:
			e.process(ctx, intent)
		}
	}
}

// claim flips PENDING to EXECUTING exactly once per intent.
func (e *Executor) claim(intentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.states[intentID] != types.IntentPending {
		return false
	}
	e.states[intentID] = types.IntentExecuting
	return true
}

func (e *Executor) setState(intentID string, s types.IntentState) {
	e.mu.Lock()
	e.states[intentID] = s
	e.mu.Unlock()
}

// IntentState reports the executor-side state of an intent.
func (e *Executor) IntentState(intentID string) types.IntentState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[intentID]; ok {
		return s
	}
	return ""
}

func (e *Executor) process(ctx context.Context, intent *types.TradeIntent) {
	if !e.claim(intent.ID) {
		log.Warn().Str("intent", intent.ID).Msg("Intent already taken, skipping")
		return
	}
	intent.State = types.IntentExecuting

	// Queue age can make the original checks stale.
	if err := e.gate.Check(ctx, intent.Symbol); err != nil {
		e.fail(intent, err)
		return
	}
	if err := e.margin.Preflight(ctx, intent.Symbol, intent.Volume, intent.Direction); err != nil {
		e.fail(intent, err)
		return
	}

	targets := intent.RangePrices
	if len(targets) == 0 {
		targets = []decimal.Decimal{intent.Entry}
	}
	volumes := splitVolume(intent.Volume, len(targets), e.cfg.Sizing.MinLot)
	if len(volumes) < len(targets) {
		// The volume cannot fund a minimum lot at every price; place fewer,
		// larger parts rather than exceed what the sizer approved.
		log.Warn().
			Str("intent", intent.ID).
			Int("prices", len(targets)).
			Int("parts", len(volumes)).
			Msg("Range narrowed to keep total volume")
		targets = targets[:len(volumes)]
	}

	placed := 0
	for i, target := range targets {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(rangePacing):
			}
		}
		result, err := e.placeWithRetry(ctx, intent, target, volumes[i])
		if err != nil {
			log.Error().
				Str("intent", intent.ID).
				Str("symbol", intent.Symbol).
				Err(err).
				Msg("❌ Order failed")
			e.bus.Emit(events.EventOrderFailed, map[string]any{
				"intent_id": intent.ID,
				"symbol":    intent.Symbol,
				"error":     err.Error(),
			})
			continue
		}
		placed++
		e.registerFill(intent, result)
	}

	switch {
	case placed == len(targets):
		intent.State = types.IntentFilled
	case placed > 0:
		intent.State = types.IntentPartial
	default:
		intent.State = types.IntentFailed
	}
	e.setState(intent.ID, intent.State)
}

func (e *Executor) fail(intent *types.TradeIntent, err error) {
	intent.State = types.IntentFailed
	e.setState(intent.ID, types.IntentFailed)
	log.Warn().Str("intent", intent.ID).Err(err).Msg("Intent blocked at preflight")
	e.bus.EmitSignalBlocked(intent.SignalID, intent.Symbol, err.Error())
}

// placeWithRetry retries transient failures with exponential backoff. A
// timeout triggers a reconcile pass first so a fill that did land is never
// doubled.
func (e *Executor) placeWithRetry(ctx context.Context, intent *types.TradeIntent, entry, volume decimal.Decimal) (broker.OrderResult, error) {
	req := broker.OrderRequest{
		Action:        broker.ActionFor(intent.Direction),
		Symbol:        intent.Symbol,
		Volume:        volume,
		StopLoss:      intent.StopLoss,
		DeviationPips: e.cfg.MultiTP.MaxSlippagePips,
		Magic:         e.cfg.Magic,
		Comment:       intent.ID,
	}
	if len(intent.TPPlan) > 0 {
		// The broker-side TP is the last plan level; earlier levels close
		// partially before it can trigger.
		last := intent.TPPlan[len(intent.TPPlan)-1].Price
		req.TakeProfit = &last
	}

	var lastErr error
	for attempt := 0; attempt < maxPlaceAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return broker.OrderResult{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := e.brk.PlaceOrder(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !broker.IsTransient(err) {
			return broker.OrderResult{}, err
		}
		// A timed-out request may still have filled terminal-side.
		if found, ok := e.findFill(ctx, intent.ID); ok {
			log.Warn().Str("intent", intent.ID).Int64("ticket", found.Ticket).
				Msg("Timed-out order actually filled, reconciled")
			return broker.OrderResult{Ticket: found.Ticket, Price: found.PriceOpen, Volume: found.Volume}, nil
		}
		log.Warn().
			Str("intent", intent.ID).
			Int("attempt", attempt+1).
			Err(err).
			Msg("Transient broker error, retrying")
	}
	return broker.OrderResult{}, fmt.Errorf("placement exhausted %d attempts: %w", maxPlaceAttempts, lastErr)
}

func (e *Executor) findFill(ctx context.Context, intentID string) (broker.PositionInfo, bool) {
	positions, err := e.brk.Positions(ctx)
	if err != nil {
		return broker.PositionInfo{}, false
	}
	for _, pos := range positions {
		if pos.Comment == intentID {
			if _, known := e.registry.Get(pos.Ticket); !known {
				return pos, true
			}
		}
	}
	return broker.PositionInfo{}, false
}

func (e *Executor) registerFill(intent *types.TradeIntent, result broker.OrderResult) {
	pos := types.Position{
		Ticket:          result.Ticket,
		IntentID:        intent.ID,
		SignalID:        intent.SignalID,
		MessageID:       intent.MessageID,
		Symbol:          intent.Symbol,
		Direction:       intent.Direction,
		EntryPrice:      result.Price,
		VolumeInitial:   result.Volume,
		VolumeRemaining: result.Volume,
		TPPlan:          append([]types.TPLevel(nil), intent.TPPlan...),
		OpenTime:        e.clk.Now(),
		State:           types.PositionOpen,
	}
	if intent.StopLoss != nil {
		v := *intent.StopLoss
		pos.StopLoss = &v
	}
	e.registry.Register(&pos)

	log.Info().
		Int64("ticket", pos.Ticket).
		Str("symbol", pos.Symbol).
		Str("direction", string(pos.Direction)).
		Str("volume", pos.VolumeInitial.String()).
		Str("price", pos.EntryPrice.String()).
		Msg("✅ Position opened")
	e.bus.EmitPositionOpened(pos.Ticket, intent.ID, pos.Symbol)

	if e.onFill != nil {
		e.onFill(clonePositionValue(pos), intent)
	}
}

func clonePositionValue(pos types.Position) types.Position {
	out := pos
	out.TPPlan = append([]types.TPLevel(nil), pos.TPPlan...)
	if pos.StopLoss != nil {
		v := *pos.StopLoss
		out.StopLoss = &v
	}
	return out
}

// splitVolume divides a volume into at most n parts rounded to the min-lot
// step, the remainder on the last part. The parts always sum to total: when
// total cannot fund n minimum lots, fewer parts come back and the caller
// drops the surplus targets.
func splitVolume(total decimal.Decimal, n int, minLot decimal.Decimal) []decimal.Decimal {
	if minLot.IsPositive() {
		if funded := int(total.Div(minLot).IntPart()); funded < n {
			n = funded
		}
	}
	if n <= 1 {
		return []decimal.Decimal{total}
	}
	part := total.Div(decimal.NewFromInt(int64(n))).RoundDown(minLot.Exponent() * -1)
	out := make([]decimal.Decimal, n)
	used := decimal.Zero
	for i := 0; i < n-1; i++ {
		out[i] = part
		used = used.Add(part)
	}
	out[n-1] = total.Sub(used)
	return out
}

// ───────────────────────────────────────────────────────────────────────────────
// Position mutations
// ───────────────────────────────────────────────────────────────────────────────

func (e *Executor) ticketLock(ticket int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.tickets[ticket]
	if !ok {
		l = &sync.Mutex{}
		e.tickets[ticket] = l
	}
	return l
}

// ModifyStopLoss moves a position's stop. Unless allowWiden is set, a
// request that would worsen the stop is an idempotent no-op: lifecycle
// engines only ever improve it.
func (e *Executor) ModifyStopLoss(ctx context.Context, ticket int64, newSL decimal.Decimal, source string, allowWiden bool) error {
	l := e.ticketLock(ticket)
	l.Lock()
	defer l.Unlock()

	pos, ok := e.registry.Get(ticket)
	if !ok {
		log.Warn().Int64("ticket", ticket).Str("source", source).Msg("SL change on unknown ticket, ignored")
		return nil
	}
	oldSL := "none"
	if pos.StopLoss != nil {
		if pos.StopLoss.Equal(newSL) {
			return nil
		}
		if worsens(pos.Direction, *pos.StopLoss, newSL) {
			// Widening stops at the break-even lock no matter who asks.
			if !allowWiden || pos.BreakevenLocked {
				log.Debug().
					Int64("ticket", ticket).
					Str("source", source).
					Str("current", pos.StopLoss.String()).
					Str("requested", newSL.String()).
					Msg("SL change would worsen the stop, ignored")
				return nil
			}
		}
		oldSL = pos.StopLoss.String()
	}

	if err := e.brk.ModifyPosition(ctx, ticket, &newSL, nil); err != nil {
		return fmt.Errorf("modify sl ticket %d: %w", ticket, err)
	}
	e.registry.update(ticket, func(p *types.Position) {
		v := newSL
		p.StopLoss = &v
	})
	log.Info().
		Int64("ticket", ticket).
		Str("source", source).
		Str("old_sl", oldSL).
		Str("new_sl", newSL.String()).
		Msg("🛡️ Stop loss moved")
	e.bus.EmitSLMoved(ticket, oldSL, newSL.String(), source)
	return nil
}

// worsens reports whether candidate is a worse stop than current.
func worsens(dir types.Direction, current, candidate decimal.Decimal) bool {
	if dir == types.Buy {
		return candidate.LessThan(current)
	}
	return candidate.GreaterThan(current)
}

// ModifyTakeProfit reprices one pending TP level. When the level is the
// plan's last, the broker-side TP moves with it; interior levels are local
// to the monitor. HIT levels are immutable.
func (e *Executor) ModifyTakeProfit(ctx context.Context, ticket int64, index int, newPrice decimal.Decimal, source string) error {
	l := e.ticketLock(ticket)
	l.Lock()
	defer l.Unlock()

	pos, ok := e.registry.Get(ticket)
	if !ok {
		log.Warn().Int64("ticket", ticket).Str("source", source).Msg("TP change on unknown ticket, ignored")
		return nil
	}
	if index < 0 || index >= len(pos.TPPlan) {
		return fmt.Errorf("tp level %d out of range for ticket %d", index, ticket)
	}
	lvl := pos.TPPlan[index]
	if lvl.Status != types.TPPending {
		return nil
	}
	if lvl.Price.Equal(newPrice) {
		return nil
	}

	if index == len(pos.TPPlan)-1 {
		if err := e.brk.ModifyPosition(ctx, ticket, nil, &newPrice); err != nil {
			return fmt.Errorf("modify tp ticket %d: %w", ticket, err)
		}
	}
	e.registry.update(ticket, func(p *types.Position) {
		p.TPPlan[index].Price = newPrice
	})
	log.Info().
		Int64("ticket", ticket).
		Int("level", index).
		Str("source", source).
		Str("old_tp", lvl.Price.String()).
		Str("new_tp", newPrice.String()).
		Msg("🎯 Take profit moved")
	return nil
}

// MarkBreakevenLocked flags a position as break-even locked.
func (e *Executor) MarkBreakevenLocked(ticket int64) {
	e.registry.update(ticket, func(p *types.Position) { p.BreakevenLocked = true })
}

// PartialClose closes volume against a TP level. tpIndex marks that level
// HIT; pass a negative index for a plain partial close. Returns the new
// broker ticket for the remainder (0 when fully closed).
func (e *Executor) PartialClose(ctx context.Context, ticket int64, volume, price decimal.Decimal, tpIndex int) (int64, error) {
	l := e.ticketLock(ticket)
	l.Lock()
	defer l.Unlock()

	pos, ok := e.registry.Get(ticket)
	if !ok {
		return 0, fmt.Errorf("partial close on unknown ticket %d", ticket)
	}
	if volume.GreaterThan(pos.VolumeRemaining) {
		volume = pos.VolumeRemaining
	}

	newTicket, err := e.brk.PartialClose(ctx, ticket, volume, price, e.cfg.MultiTP.MaxSlippagePips)
	if err != nil {
		return 0, fmt.Errorf("partial close ticket %d: %w", ticket, err)
	}

	fullyClosed := volume.Equal(pos.VolumeRemaining)
	e.registry.update(ticket, func(p *types.Position) {
		p.VolumeRemaining = p.VolumeRemaining.Sub(volume)
		if tpIndex >= 0 && tpIndex < len(p.TPPlan) {
			p.TPPlan[tpIndex].Status = types.TPHit
			p.TPPlan[tpIndex].ClosedVolume = volume
			p.TPPlan[tpIndex].ClosePrice = price
		}
	})

	if fullyClosed {
		e.registry.close(ticket)
		e.bus.Emit(events.EventPositionClosed, map[string]any{
			"ticket": ticket,
			"symbol": pos.Symbol,
		})
	} else if newTicket != 0 && newTicket != ticket {
		e.registry.remap(ticket, newTicket)
		if e.onRemap != nil {
			e.onRemap(ticket, newTicket)
		}
	}
	return newTicket, nil
}

// Close flattens a position at market.
func (e *Executor) Close(ctx context.Context, ticket int64) error {
	l := e.ticketLock(ticket)
	l.Lock()
	defer l.Unlock()

	pos, ok := e.registry.Get(ticket)
	if !ok {
		log.Warn().Int64("ticket", ticket).Msg("Close on unknown ticket, ignored")
		return nil
	}
	if err := e.brk.ClosePosition(ctx, ticket); err != nil {
		return fmt.Errorf("close ticket %d: %w", ticket, err)
	}
	e.registry.close(ticket)
	e.bus.Emit(events.EventPositionClosed, map[string]any{
		"ticket": ticket,
		"symbol": pos.Symbol,
	})
	return nil
}

// EmergencyClose satisfies the margin guard's closer interface.
func (e *Executor) EmergencyClose(ctx context.Context, ticket int64) error {
	return e.Close(ctx, ticket)
}

// Reconcile aligns the registry with the broker at startup: positions the
// broker still holds are re-adopted, registry entries the broker no longer
// knows are closed out.
func (e *Executor) Reconcile(ctx context.Context) error {
	remote, err := e.brk.Positions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	known := make(map[int64]bool)
	for _, pos := range remote {
		known[pos.Ticket] = true
		if _, ok := e.registry.Get(pos.Ticket); ok {
			continue
		}
		adopted := types.Position{
			Ticket:          pos.Ticket,
			IntentID:        pos.Comment,
			Symbol:          pos.Symbol,
			Direction:       pos.Direction,
			EntryPrice:      pos.PriceOpen,
			VolumeInitial:   pos.Volume,
			VolumeRemaining: pos.Volume,
			StopLoss:        pos.StopLoss,
			OpenTime:        pos.OpenTime,
			State:           types.PositionOpen,
		}
		e.registry.Register(&adopted)
		log.Info().Int64("ticket", pos.Ticket).Str("symbol", pos.Symbol).Msg("Adopted broker position")
	}
	for _, pos := range e.registry.List() {
		if !known[pos.Ticket] {
			log.Info().Int64("ticket", pos.Ticket).Msg("Broker no longer holds position, closing locally")
			e.registry.close(pos.Ticket)
		}
	}
	return nil
}
