package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sigpilot/sigpilot/broker"
	"github.com/sigpilot/sigpilot/clock"
	"github.com/sigpilot/sigpilot/events"
	"github.com/sigpilot/sigpilot/execution"
	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/manage"
	"github.com/sigpilot/sigpilot/market"
	"github.com/sigpilot/sigpilot/parser"
	"github.com/sigpilot/sigpilot/pipeline"
	"github.com/sigpilot/sigpilot/risk"
	"github.com/sigpilot/sigpilot/storage"
	"github.com/sigpilot/sigpilot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Signal intake to broker execution, one owner for the wiring
// ═══════════════════════════════════════════════════════════════════════════════
//
// The engine owns the whole path: ingest, rate limits, merge buckets,
// reverse and routing rules, sizing, stealth, smart entry, the executor
// pool, and the lifecycle engines that manage filled positions. Components
// stay independent; only the engine knows the order they run in.
//
// ═══════════════════════════════════════════════════════════════════════════════

type pendingSignal struct {
	sig types.Signal
	raw string
}

type delayedSignal struct {
	due time.Time
	sig *types.Signal
}

// Engine is the control plane.
type Engine struct {
	cfg    *config.Config
	clk    clock.Clock
	bus    *events.Bus
	brk    broker.Broker
	quotes *market.Cache
	parse  parser.Parser
	vol    *Volatility

	limiter *risk.RateLimiter
	gate    *risk.SpreadGate
	margin  *risk.MarginGuard
	random  *risk.Randomizer

	multi    *pipeline.MultiSignalHandler
	reverser *pipeline.Reverser
	router   *pipeline.Router
	smart    *pipeline.SmartEntry

	exec      *execution.Executor
	multiTP   *manage.MultiTP
	trailing  *manage.Trailing
	breakEven *manage.BreakEven
	adjustor  *manage.Adjustor
	edits     *manage.EditWatcher

	sched *events.Scheduler
	db    *storage.Database
	store *storage.Store

	paused  atomic.Bool
	stealth atomic.Bool

	mu       sync.Mutex
	sizer    *risk.LotSizer
	disabled map[string]bool
	watched  map[string]bool
	delayed  []delayedSignal
	pending  map[string]pendingSignal // signal ID -> parse kept for the edit watcher

	runCtx context.Context
}

// New wires the engine. The broker and clock are injected so the paper
// broker and a manual clock drive the same wiring in tests and dry runs.
// db and store may be nil; history and snapshots are then skipped.
func New(cfg *config.Config, brk broker.Broker, clk clock.Clock, bus *events.Bus, db *storage.Database, store *storage.Store) *Engine {
	e := &Engine{
		cfg:      cfg,
		clk:      clk,
		bus:      bus,
		brk:      brk,
		db:       db,
		store:    store,
		sched:    events.NewScheduler(),
		disabled: make(map[string]bool),
		watched:  make(map[string]bool),
		pending:  make(map[string]pendingSignal),
	}

	e.quotes = market.NewCache(brk, clk, cfg.QuoteTTL)
	e.vol = NewVolatility(clk, 5*time.Minute)

	var p parser.Parser = parser.NewRuleParser()
	if cfg.ParserURL != "" {
		p = parser.NewServiceParser(cfg.ParserURL, cfg.ParserTimeout, p)
	}
	e.parse = p

	e.limiter = risk.NewRateLimiter(cfg.Rate, clk)
	e.gate = risk.NewSpreadGate(cfg, e.quotes)
	e.margin = risk.NewMarginGuard(cfg, brk, clk, bus, nil)
	e.sizer = risk.NewLotSizer(cfg.Sizing)
	e.random = risk.NewRandomizer(cfg.Randomizer, cfg.Sizing.MinLot, cfg.Sizing.MaxLot)
	e.stealth.Store(cfg.Randomizer.Enabled)

	e.multi = pipeline.NewMultiSignalHandler(cfg.Merge, cfg.SignalBufferSize, clk, bus)
	e.reverser = pipeline.NewReverser(nil, e.vol.Pips)
	e.router = pipeline.NewRouter(nil, pipeline.ProcessNormal)

	registry := execution.NewRegistry()
	e.exec = execution.NewExecutor(cfg, brk, clk, bus, e.gate, e.margin, registry, e.onFill)
	e.margin.SetCloser(e.exec)

	e.smart = pipeline.NewSmartEntry(cfg.SmartEntry, clk, e.quotes, e.gate, bus, func(intent *types.TradeIntent) {
		ctx := e.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		e.exec.ExecuteNow(ctx, intent)
	})

	e.multiTP = manage.NewMultiTP(cfg.MultiTP, e.quotes, e.exec, bus)
	e.trailing = manage.NewTrailing(cfg.Trailing, e.quotes, e.exec, e.vol.Range)
	e.breakEven = manage.NewBreakEven(cfg.BreakEven, e.quotes, e.exec, clk)
	e.adjustor = manage.NewAdjustor(cfg.Adjust, nil, e.quotes, e.exec, clk, e.vol.Pips)
	e.edits = manage.NewEditWatcher(cfg.Edit, p, e.exec, bus, clk, e.quotes)

	// A TP partial close renumbers the ticket; the lifecycle engines follow
	// the remainder. Multi-TP retracks itself off the close it requested.
	e.exec.SetRemapHook(func(oldTicket, newTicket int64) {
		e.trailing.Retrack(oldTicket, newTicket)
		e.breakEven.Retrack(oldTicket, newTicket)
		e.adjustor.Retrack(oldTicket, newTicket)
	})

	e.watchPersistence()
	return e
}

// Registry exposes the live position set, read only by convention.
func (e *Engine) Registry() *execution.Registry { return e.exec.Registry() }

// Executor exposes the execution layer for the operator surface.
func (e *Engine) Executor() *execution.Executor { return e.exec }

// Quotes exposes the quote cache.
func (e *Engine) Quotes() *market.Cache { return e.quotes }

// SetRouteRules replaces the routing rule set.
func (e *Engine) SetRouteRules(rules []pipeline.RouteRule) { e.router.SetRules(rules) }

// SetReverseRules replaces the reverse rule set.
func (e *Engine) SetReverseRules(rules []pipeline.ReverseRule) { e.reverser.SetRules(rules) }

// Start restores snapshots, reconciles against the broker and launches the
// worker pool and monitor jobs.
func (e *Engine) Start(ctx context.Context) error {
	e.runCtx = ctx

	e.restoreState()
	e.exec.Start(ctx)
	if err := e.exec.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("Startup reconcile failed, continuing with local state")
	}
	e.margin.Refresh(ctx)

	e.registerJobs(ctx)
	e.sched.Start()
	log.Info().Bool("dry_run", e.cfg.DryRun).Msg("🚀 Engine started")
	return nil
}

// Stop drains workers, stops the monitors and snapshots state.
func (e *Engine) Stop() {
	e.sched.Stop()
	e.exec.Stop()
	e.saveState()
	log.Info().Msg("Engine stopped")
}

func (e *Engine) registerJobs(ctx context.Context) {
	reg := func(name string, interval time.Duration, fn func()) {
		if interval <= 0 {
			return
		}
		e.sched.Register(name, interval, fn)
	}

	reg("quote_refresh", e.cfg.QuoteTTL, func() { e.quotes.Refresh(ctx) })
	reg("bucket_drain", e.cfg.MergeInterval, func() { e.ProcessBuckets(ctx) })
	reg("multi_tp", e.cfg.MonitorInterval, func() { e.multiTP.Tick(ctx) })
	reg("margin", e.cfg.MarginInterval, func() { e.margin.Refresh(ctx) })
	reg("rate_sweep", time.Hour, e.limiter.Sweep)
	if e.cfg.SmartEntry.Enabled {
		reg("smart_entry", e.cfg.MonitorInterval, func() { e.smart.Poll(ctx) })
	}
	if e.cfg.Trailing.Enabled {
		reg("trailing", e.cfg.Trailing.Interval, func() { e.trailing.Tick(ctx) })
	}
	if e.cfg.BreakEven.Enabled {
		reg("break_even", e.cfg.BreakEven.Interval, func() { e.breakEven.Tick(ctx) })
	}
	if e.cfg.Adjust.Enabled {
		reg("spread_adjust", e.cfg.Adjust.Interval, func() { e.adjustor.Tick(ctx) })
	}
	if e.store != nil {
		reg("state_snapshot", 30*time.Second, e.saveState)
	}
}

// onFill is the executor's fill hook: every confirmed position enters the
// lifecycle engines here and nowhere else.
func (e *Engine) onFill(pos types.Position, intent *types.TradeIntent) {
	if len(pos.TPPlan) > 0 {
		e.multiTP.Register(pos)
	}
	if e.cfg.Trailing.Enabled {
		e.trailing.Register(pos, e.trailing.DefaultConfig())
	}
	if e.cfg.BreakEven.Enabled {
		e.breakEven.Register(pos, e.breakEven.DefaultConfig())
	}
	if e.cfg.Adjust.Enabled {
		e.adjustor.Register(pos)
	}

	e.mu.Lock()
	pend, ok := e.pending[intent.SignalID]
	if ok {
		delete(e.pending, intent.SignalID)
	}
	e.mu.Unlock()
	if ok && e.cfg.Edit.Enabled && pos.MessageID != 0 {
		e.edits.Track(pos.MessageID, pend.sig, pend.raw)
	}

	if e.db != nil {
		rec := &storage.OrderRecord{
			IntentID:  intent.ID,
			SignalID:  intent.SignalID,
			Ticket:    pos.Ticket,
			Symbol:    pos.Symbol,
			Direction: string(pos.Direction),
			Volume:    pos.VolumeInitial,
			Price:     pos.EntryPrice,
			Status:    "FILLED",
		}
		if err := e.db.SaveOrder(rec); err != nil {
			log.Error().Err(err).Int64("ticket", pos.Ticket).Msg("Order history write failed")
		}
	}
}

// watchPersistence mirrors lifecycle events into the history database.
func (e *Engine) watchPersistence() {
	if e.db == nil {
		return
	}
	e.bus.Subscribe(func(ev events.Event) {
		ticket := asInt64(ev.Data["ticket"])
		rec, err := e.db.OrderByTicket(ticket)
		if err != nil || rec == nil {
			return
		}
		rec.Status = "CLOSED"
		if pos, ok := e.exec.Registry().Get(ticket); ok {
			rec.Profit = pos.Profit
		}
		if err := e.db.UpdateOrder(rec); err != nil {
			log.Error().Err(err).Int64("ticket", ticket).Msg("Order close write failed")
		}
	}, events.EventPositionClosed)

	e.bus.Subscribe(func(ev events.Event) {
		mod := &storage.ModificationRecord{
			Ticket:   asInt64(ev.Data["ticket"]),
			Source:   asString(ev.Data["source"]),
			Field:    "SL",
			OldValue: asString(ev.Data["old_sl"]),
			NewValue: asString(ev.Data["new_sl"]),
			Success:  true,
		}
		if err := e.db.SaveModification(mod); err != nil {
			log.Error().Err(err).Msg("Modification history write failed")
		}
	}, events.EventSLMoved)

	e.bus.Subscribe(func(ev events.Event) {
		mod := &storage.ModificationRecord{
			Ticket:   asInt64(ev.Data["ticket"]),
			Source:   "multi_tp",
			Field:    "TP",
			NewValue: asString(ev.Data["price"]),
			Success:  true,
		}
		if err := e.db.SaveModification(mod); err != nil {
			log.Error().Err(err).Msg("Modification history write failed")
		}
	}, events.EventTPHit)
}

// quoteFor fetches a quote and keeps the volatility estimator fed for every
// symbol the engine touches.
func (e *Engine) quoteFor(ctx context.Context, symbol string) (market.Quote, error) {
	e.mu.Lock()
	if !e.watched[symbol] {
		e.watched[symbol] = true
		e.quotes.Subscribe(symbol, e.vol.Observe)
	}
	e.mu.Unlock()
	return e.quotes.Quote(ctx, symbol)
}

func (e *Engine) lotSizer() *risk.LotSizer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sizer
}

func (e *Engine) isDisabled(target string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disabled["ALL"] || e.disabled[strings.ToUpper(target)]
}

// recordSignal writes one signal outcome to history.
func (e *Engine) recordSignal(sig *types.Signal, outcome, reason string) {
	if e.db == nil {
		return
	}
	rec := &storage.SignalRecord{
		ID:         sig.ID,
		ParentID:   sig.ParentID,
		MessageID:  sig.MessageID,
		Provider:   sig.Provider,
		Symbol:     sig.Symbol,
		Direction:  string(sig.Direction),
		Confidence: sig.Confidence,
		Priority:   sig.Priority.String(),
		Outcome:    outcome,
		Reason:     reason,
	}
	if len(sig.Entries) > 0 {
		rec.Entry = sig.Entries[0]
	}
	if sig.StopLoss != nil {
		rec.StopLoss = *sig.StopLoss
	}
	if len(sig.TakeProfit) > 0 {
		parts := make([]string, len(sig.TakeProfit))
		for i, tp := range sig.TakeProfit {
			parts[i] = tp.String()
		}
		rec.TakeProfit = strings.Join(parts, ",")
	}
	if err := e.db.SaveSignal(rec); err != nil {
		log.Error().Err(err).Str("signal", sig.ID).Msg("Signal history write failed")
	}
}

// State snapshots. Open positions carry their TP plans, which the broker
// does not know about; the snapshot is what survives a restart.

type engineState struct {
	Positions []types.Position `json:"positions"`
}

func (e *Engine) saveState() {
	if e.store == nil {
		return
	}
	st := engineState{Positions: e.exec.Registry().List()}
	if err := e.store.Save("positions", st); err != nil {
		log.Error().Err(err).Msg("Position snapshot failed")
	}
}

func (e *Engine) restoreState() {
	if e.store == nil {
		return
	}
	var st engineState
	ok, err := e.store.Load("positions", &st)
	if err != nil {
		log.Error().Err(err).Msg("Position snapshot read failed")
		return
	}
	if !ok {
		return
	}
	for i := range st.Positions {
		pos := st.Positions[i]
		if pos.State != types.PositionOpen {
			continue
		}
		e.exec.Registry().Register(&pos)
		if len(pos.TPPlan) > 0 {
			e.multiTP.Register(pos)
		}
		if e.cfg.Trailing.Enabled {
			e.trailing.Register(pos, e.trailing.DefaultConfig())
		}
		if e.cfg.BreakEven.Enabled {
			e.breakEven.Register(pos, e.breakEven.DefaultConfig())
		}
		if e.cfg.Adjust.Enabled {
			e.adjustor.Register(pos)
		}
	}
	log.Info().Int("positions", len(st.Positions)).Msg("💾 Position snapshot restored")
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
