package core

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigpilot/sigpilot/broker"
	"github.com/sigpilot/sigpilot/clock"
	"github.com/sigpilot/sigpilot/events"
	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/pipeline"
	"github.com/sigpilot/sigpilot/types"
)

func ptrDec(d decimal.Decimal) *decimal.Decimal { return &d }

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func engineConfig() *config.Config {
	return &config.Config{
		DryRun:           true,
		ExecutorWorkers:  2,
		QuoteTTL:         200 * time.Millisecond,
		MonitorInterval:  100 * time.Millisecond,
		MarginInterval:   time.Second,
		MergeInterval:    200 * time.Millisecond,
		SignalBufferSize: 5,
		Merge: config.MergeConfig{
			TolerancePips:       dec("10"),
			ConflictMethod:      "HIGHEST_PRIORITY",
			ConfidenceThreshold: dec("0.4"),
		},
		Rate: config.RateConfig{
			SymbolHourly:   100,
			SymbolDaily:    400,
			ProviderHourly: 100,
			ProviderDaily:  400,
			GlobalHourly:   500,
			GlobalDaily:    2000,
		},
		Margin: config.MarginConfig{
			Safe:           dec("300"),
			Warning:        dec("200"),
			Critical:       dec("150"),
			MarginCall:     dec("100"),
			EmergencyClose: dec("80"),
			AlertCooldown:  5 * time.Minute,
		},
		Spread: config.SpreadConfig{DefaultThresholdPips: dec("50")},
		Sizing: config.SizingConfig{
			Mode:      "FIXED_LOT",
			Parameter: dec("0.10"),
			MinLot:    dec("0.01"),
			MaxLot:    dec("5"),
			Precision: 2,
		},
		Entry: config.EntryConfig{Mode: "BEST"},
		MultiTP: config.MultiTPConfig{
			Interval:           100 * time.Millisecond,
			SLShiftMode:        "BREAK_EVEN",
			SLBufferPips:       dec("2"),
			MinRemainingVolume: dec("0.01"),
			MaxSlippagePips:    3,
		},
		Edit: config.EditConfig{
			Enabled:        true,
			MaxEditWindow:  time.Hour,
			AllowedChanges: []string{"SL", "TP"},
			MaxVersions:    10,
		},
	}
}

type engineFixture struct {
	t     *testing.T
	ctx   context.Context
	clk   *clock.Manual
	paper *broker.Paper
	bus   *events.Bus
	cfg   *config.Config
	eng   *Engine
}

func newEngineFixture(t *testing.T, balance string, cfg *config.Config) *engineFixture {
	t.Helper()
	if cfg == nil {
		cfg = engineConfig()
	}
	clk := clock.NewManual(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	paper := broker.NewPaper(clk, dec(balance))
	bus := events.NewBus()
	eng := New(cfg, paper, clk, bus, nil, nil)
	eng.Executor().Start(context.Background())
	t.Cleanup(func() {
		eng.Executor().Stop()
		bus.Close()
	})
	return &engineFixture{t: t, ctx: context.Background(), clk: clk, paper: paper, bus: bus, cfg: cfg, eng: eng}
}

// setQuote pushes a fresh price and steps past the cache TTL so the next
// read refetches.
func (f *engineFixture) setQuote(symbol, bid, ask string) {
	f.paper.SetQuote(symbol, dec(bid), dec(ask))
	f.clk.Advance(time.Second)
}

func (f *engineFixture) waitPositions(n int) []types.Position {
	f.t.Helper()
	var out []types.Position
	require.Eventually(f.t, func() bool {
		out = f.eng.Registry().List()
		return len(out) == n
	}, 2*time.Second, 5*time.Millisecond)
	return out
}

func TestSignalFlowsToFill(t *testing.T) {
	f := newEngineFixture(t, "10000", nil)
	f.setQuote("EURUSD", "1.1000", "1.1001")

	err := f.eng.Ingest(f.ctx, 501, "goldsignals", "BUY EURUSD @ 1.1000 SL 1.0950 TP 1.1050 TP 1.1100")
	require.NoError(t, err)
	f.eng.ProcessBuckets(f.ctx)

	positions := f.waitPositions(1)
	pos := positions[0]
	assert.Equal(t, "EURUSD", pos.Symbol)
	assert.Equal(t, types.Buy, pos.Direction)
	assert.True(t, pos.VolumeInitial.Equal(dec("0.10")), "fixed lot sizing, got %s", pos.VolumeInitial)
	require.NotNil(t, pos.StopLoss)
	assert.True(t, pos.StopLoss.Equal(dec("1.0950")))
	require.Len(t, pos.TPPlan, 2)
	assert.True(t, pos.TPPlan[0].Percent.Equal(dec("50")))
	assert.True(t, pos.TPPlan[1].Percent.Equal(dec("50")))
	assert.Equal(t, int64(501), pos.MessageID)
}

func TestUnparseableMessageIsRejected(t *testing.T) {
	f := newEngineFixture(t, "10000", nil)
	err := f.eng.Ingest(f.ctx, 502, "goldsignals", "good morning everyone ☀️")
	assert.Error(t, err)
	assert.Empty(t, f.eng.Registry().List())
}

func TestPauseBlocksNewSignals(t *testing.T) {
	f := newEngineFixture(t, "10000", nil)
	f.setQuote("EURUSD", "1.1000", "1.1001")

	f.eng.Pause()
	err := f.eng.Ingest(f.ctx, 503, "goldsignals", "BUY EURUSD @ 1.1000 SL 1.0950 TP 1.1050")
	assert.Error(t, err)
	assert.True(t, f.eng.Paused())

	f.eng.Resume()
	require.NoError(t, f.eng.Ingest(f.ctx, 504, "goldsignals", "BUY EURUSD @ 1.1000 SL 1.0950 TP 1.1050"))
	f.eng.ProcessBuckets(f.ctx)
	f.waitPositions(1)
}

func TestDisabledTargetBlocksIngest(t *testing.T) {
	f := newEngineFixture(t, "10000", nil)
	f.setQuote("EURUSD", "1.1000", "1.1001")

	f.eng.DisableTarget("shadyfx")
	err := f.eng.Ingest(f.ctx, 505, "shadyfx", "BUY EURUSD @ 1.1000 SL 1.0950 TP 1.1050")
	assert.Error(t, err)

	// Other providers keep flowing.
	require.NoError(t, f.eng.Ingest(f.ctx, 506, "goldsignals", "BUY EURUSD @ 1.1000 SL 1.0950 TP 1.1050"))

	f.eng.EnableTarget("ALL")
	require.NoError(t, f.eng.Ingest(f.ctx, 507, "shadyfx", "SELL GBPUSD @ 1.3000 SL 1.3050 TP 1.2950"))
}

func TestRouterBlockRule(t *testing.T) {
	f := newEngineFixture(t, "10000", nil)
	f.setQuote("BTCUSD", "50000", "50010")

	f.eng.SetRouteRules([]pipeline.RouteRule{{
		ID:         "no-crypto",
		Priority:   10,
		Combine:    pipeline.CombineAnd,
		Conditions: []pipeline.Condition{{Field: pipeline.FieldSymbolClass, Op: pipeline.OpEq, Str: "CRYPTO"}},
		Action:     pipeline.BlockSignal,
		Enabled:    true,
	}})

	require.NoError(t, f.eng.Ingest(f.ctx, 508, "goldsignals", "BUY BTCUSD @ 50000 SL 49000 TP 52000"))
	f.eng.ProcessBuckets(f.ctx)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.eng.Registry().List(), "crypto signal must not trade")
}

func TestRouterDelayRule(t *testing.T) {
	f := newEngineFixture(t, "10000", nil)
	f.setQuote("EURUSD", "1.1000", "1.1001")

	f.eng.SetRouteRules([]pipeline.RouteRule{{
		ID:         "cool-off-slowfeed",
		Priority:   10,
		Combine:    pipeline.CombineAnd,
		Conditions: []pipeline.Condition{{Field: pipeline.FieldProvider, Op: pipeline.OpEq, Str: "slowfeed"}},
		Action:     pipeline.DelaySignal,
		Param:      5,
		Enabled:    true,
	}})

	require.NoError(t, f.eng.Ingest(f.ctx, 509, "slowfeed", "BUY EURUSD @ 1.1000 SL 1.0950 TP 1.1050"))
	f.eng.ProcessBuckets(f.ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.eng.Registry().List(), "delayed signal must wait")

	f.clk.Advance(5*time.Minute + time.Second)
	f.eng.ProcessBuckets(f.ctx)
	f.waitPositions(1)
}

func TestRouterSplitRule(t *testing.T) {
	f := newEngineFixture(t, "10000", nil)
	f.setQuote("EURUSD", "1.1000", "1.1001")

	f.eng.SetRouteRules([]pipeline.RouteRule{{
		ID:         "split-wholesale",
		Priority:   10,
		Combine:    pipeline.CombineAnd,
		Conditions: []pipeline.Condition{{Field: pipeline.FieldProvider, Op: pipeline.OpEq, Str: "wholesale"}},
		Action:     pipeline.SplitSignal,
		Param:      2,
		Enabled:    true,
	}})

	require.NoError(t, f.eng.Ingest(f.ctx, 510, "wholesale", "BUY EURUSD @ 1.1000 SL 1.0950 TP 1.1050"))
	f.eng.ProcessBuckets(f.ctx)

	positions := f.waitPositions(2)
	total := decimal.Zero
	for _, pos := range positions {
		total = total.Add(pos.VolumeInitial)
	}
	assert.True(t, total.Equal(dec("0.10")), "split parts sum to the sized lot, got %s", total)
}

func TestMarginEmergencyShedsLosers(t *testing.T) {
	f := newEngineFixture(t, "10000", nil)
	f.setQuote("EURUSD", "1.1000", "1.1001")
	f.setQuote("GBPUSD", "1.3000", "1.3001")
	f.paper.SetSymbolInfo("EURUSD", broker.SymbolInfo{MarginPerLot: dec("10")})
	f.paper.SetSymbolInfo("GBPUSD", broker.SymbolInfo{MarginPerLot: dec("10")})

	require.NoError(t, f.eng.Ingest(f.ctx, 511, "goldsignals", "BUY EURUSD @ 1.1000 SL 1.0900 TP 1.1100"))
	require.NoError(t, f.eng.Ingest(f.ctx, 512, "goldsignals", "BUY GBPUSD @ 1.3000 SL 1.2900 TP 1.3100"))
	f.eng.ProcessBuckets(f.ctx)
	f.waitPositions(2)

	var loser int64
	for _, pos := range f.eng.Registry().List() {
		if pos.Symbol == "EURUSD" {
			loser = pos.Ticket
		}
	}
	require.NotZero(t, loser)

	// Margin requirements balloon and EURUSD moves against us: the level
	// falls through the emergency floor and only the loser is shed.
	f.paper.SetSymbolInfo("EURUSD", broker.SymbolInfo{MarginPerLot: dec("100000")})
	f.paper.SetSymbolInfo("GBPUSD", broker.SymbolInfo{MarginPerLot: dec("100000")})
	f.setQuote("EURUSD", "1.0900", "1.0901")
	f.setQuote("GBPUSD", "1.3100", "1.3101")

	f.eng.margin.Refresh(f.ctx)

	open := f.eng.Registry().List()
	require.Len(t, open, 1, "one position shed")
	assert.NotEqual(t, loser, open[0].Ticket, "the loser is the one closed")
	assert.Equal(t, "GBPUSD", open[0].Symbol, "the winner survives")
}

func TestSimulateMatchesLiveSizing(t *testing.T) {
	f := newEngineFixture(t, "10000", nil)
	f.setQuote("EURUSD", "1.1000", "1.1001")
	text := "BUY EURUSD @ 1.1000 SL 1.0950 TP 1.1050 TP 1.1100"

	sim, err := f.eng.Simulate(f.ctx, "goldsignals", text)
	require.NoError(t, err)
	assert.True(t, sim.Valid, "warnings: %v", sim.Warnings)
	assert.Equal(t, "EURUSD", sim.Symbol)
	assert.True(t, sim.Entry.Equal(dec("1.1000")))
	require.NotNil(t, sim.StopLoss)
	require.Len(t, sim.TPPlan, 2)

	assert.Empty(t, f.eng.Registry().List(), "simulation places nothing")

	require.NoError(t, f.eng.Ingest(f.ctx, 513, "goldsignals", text))
	f.eng.ProcessBuckets(f.ctx)
	positions := f.waitPositions(1)
	assert.True(t, positions[0].VolumeInitial.Equal(sim.Volume), "simulated lot %s, live lot %s", sim.Volume, positions[0].VolumeInitial)
	assert.True(t, positions[0].StopLoss.Equal(*sim.StopLoss))
}

func TestSimulateFlagsInvalidLevels(t *testing.T) {
	f := newEngineFixture(t, "10000", nil)
	f.setQuote("EURUSD", "1.1000", "1.1001")

	sim, err := f.eng.Simulate(f.ctx, "goldsignals", "BUY EURUSD @ 1.1000 SL 1.1050 TP 1.0900")
	require.NoError(t, err)
	assert.False(t, sim.Valid)
	assert.NotEmpty(t, sim.Warnings)
}

func TestSetAndGetParams(t *testing.T) {
	f := newEngineFixture(t, "10000", nil)
	f.setQuote("EURUSD", "1.1000", "1.1001")

	require.NoError(t, f.eng.SetParam("GLOBAL", "SIZING_PARAMETER", "0.25"))
	v, err := f.eng.GetParam("GLOBAL", "SIZING_PARAMETER")
	require.NoError(t, err)
	assert.Equal(t, "0.25", v)

	sim, err := f.eng.Simulate(f.ctx, "goldsignals", "BUY EURUSD @ 1.1000 SL 1.0950 TP 1.1050")
	require.NoError(t, err)
	assert.True(t, sim.Volume.Equal(dec("0.25")), "new parameter drives sizing, got %s", sim.Volume)

	require.NoError(t, f.eng.SetParam("EURUSD", "SPREAD_THRESHOLD", "1.5"))
	v, err = f.eng.GetParam("EURUSD", "SPREAD_THRESHOLD")
	require.NoError(t, err)
	assert.Equal(t, "1.5", v)

	assert.Error(t, f.eng.SetParam("GLOBAL", "NO_SUCH", "1"))
	assert.Error(t, f.eng.SetParam("GLOBAL", "MAX_LOT", "banana"))
	_, err = f.eng.GetParam("GBPUSD", "SPREAD_THRESHOLD")
	assert.Error(t, err, "no override recorded for GBPUSD")
}

func TestStatusReport(t *testing.T) {
	f := newEngineFixture(t, "10000", nil)
	f.setQuote("EURUSD", "1.1000", "1.1001")

	report := f.eng.StatusReport("")
	assert.Contains(t, report, "running")
	assert.Contains(t, report, "No open positions")

	require.NoError(t, f.eng.Ingest(f.ctx, 514, "goldsignals", "BUY EURUSD @ 1.1000 SL 1.0950 TP 1.1050"))
	f.eng.ProcessBuckets(f.ctx)
	f.waitPositions(1)

	report = f.eng.StatusReport("EURUSD")
	assert.Contains(t, report, "EURUSD")
	assert.Contains(t, report, "BUY")

	f.eng.Pause()
	assert.Contains(t, f.eng.StatusReport(""), "paused")
}

func TestEditedMessageMovesStop(t *testing.T) {
	f := newEngineFixture(t, "10000", nil)
	f.setQuote("EURUSD", "1.1000", "1.1001")

	require.NoError(t, f.eng.Ingest(f.ctx, 515, "goldsignals", "BUY EURUSD @ 1.1000 SL 1.0950 TP 1.1050"))
	f.eng.ProcessBuckets(f.ctx)
	positions := f.waitPositions(1)

	res := f.eng.OnEditedMessage(f.ctx, 515, "BUY EURUSD @ 1.1000 SL 1.0960 TP 1.1050")
	assert.False(t, res.Skipped)
	assert.False(t, res.Rejected)
	require.Positive(t, res.Applied)

	pos, ok := f.eng.Registry().Get(positions[0].Ticket)
	require.True(t, ok)
	require.NotNil(t, pos.StopLoss)
	assert.True(t, pos.StopLoss.Equal(dec("1.0960")), "edited SL applied, got %s", pos.StopLoss)
}

func TestStealthTogglePerturbsLots(t *testing.T) {
	cfg := engineConfig()
	cfg.Randomizer = config.RandomizerConfig{
		Enabled:          false,
		VarianceRange:    dec("0.15"),
		Precision:        2,
		AvoidRepeats:     true,
		MaxRepeatHistory: 10,
		MaxRedraws:       5,
	}
	f := newEngineFixture(t, "10000", cfg)
	f.setQuote("EURUSD", "1.1000", "1.1001")
	text := "BUY EURUSD @ 1.1000 SL 1.0950 TP 1.1050"

	sim, err := f.eng.Simulate(f.ctx, "goldsignals", text)
	require.NoError(t, err)
	assert.True(t, sim.Volume.Equal(dec("0.10")), "stealth off keeps the configured lot")

	f.eng.SetStealth(true)
	perturbed := false
	for i := 0; i < 5; i++ {
		f.clk.Advance(time.Millisecond)
		sim, err = f.eng.Simulate(f.ctx, "goldsignals", text)
		require.NoError(t, err)
		assert.True(t, sim.Volume.GreaterThanOrEqual(dec("0.01")))
		assert.True(t, sim.Volume.LessThanOrEqual(dec("5")))
		if !sim.Volume.Equal(dec("0.10")) {
			perturbed = true
		}
	}
	assert.True(t, perturbed, "stealth on perturbs the lot")
}

func TestTrailingSurvivesTPPartialClose(t *testing.T) {
	cfg := engineConfig()
	cfg.Trailing = config.TrailingConfig{
		Enabled:        true,
		Method:         "FIXED_PIPS",
		Distance:       dec("10"),
		ActivationPips: dec("5"),
		StepPips:       dec("5"),
		BreakevenLock:  true,
		Interval:       100 * time.Millisecond,
	}
	f := newEngineFixture(t, "10000", cfg)
	f.setQuote("EURUSD", "1.1000", "1.1001")

	err := f.eng.Ingest(f.ctx, 601, "goldsignals", "BUY EURUSD @ 1.1000 SL 1.0950 TP 1.1010 TP 1.1030")
	require.NoError(t, err)
	f.eng.ProcessBuckets(f.ctx)
	oldTicket := f.waitPositions(1)[0].Ticket

	// TP1 prints: half the volume closes and the broker renumbers the rest.
	f.setQuote("EURUSD", "1.1010", "1.1011")
	f.eng.multiTP.Tick(f.ctx)
	open := f.eng.Registry().List()
	require.Len(t, open, 1)
	newTicket := open[0].Ticket
	require.NotEqual(t, oldTicket, newTicket, "partial close renumbers the ticket")
	assert.True(t, open[0].VolumeRemaining.Equal(dec("0.05")))

	// The trailing engine must keep managing the remainder under its new
	// ticket, not drop it.
	f.setQuote("EURUSD", "1.1030", "1.1031")
	f.eng.trailing.Tick(f.ctx)
	got, ok := f.eng.Registry().Get(newTicket)
	require.True(t, ok)
	require.NotNil(t, got.StopLoss)
	assert.True(t, got.StopLoss.Equal(dec("1.1020")), "stop trails on after the remap, got %s", got.StopLoss)
}

func TestSplitPartsCarryParentSignal(t *testing.T) {
	sig := &types.Signal{
		ID:       "parent-1",
		Symbol:   "EURUSD",
		Entries:  []decimal.Decimal{dec("1.1000")},
		StopLoss: ptrDec(dec("1.0950")),
	}
	a := splitClone(sig, 0, 2)
	b := splitClone(sig, 1, 2)

	assert.Equal(t, "parent-1", a.ParentID)
	assert.Equal(t, "parent-1", b.ParentID)
	assert.NotEqual(t, a.ID, b.ID, "parts get their own identity")
	assert.Equal(t, 0, a.SplitIndex)
	assert.Equal(t, 1, b.SplitIndex)
}
