package manage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sigpilot/sigpilot/broker"
	"github.com/sigpilot/sigpilot/clock"
	"github.com/sigpilot/sigpilot/events"
	"github.com/sigpilot/sigpilot/execution"
	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/market"
	"github.com/sigpilot/sigpilot/risk"
	"github.com/sigpilot/sigpilot/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

// fixture wires a paper broker, quote cache and executor the way the engine
// does, with a manual clock driving everything.
type fixture struct {
	clk   *clock.Manual
	paper *broker.Paper
	cache *market.Cache
	exec  *execution.Executor
	bus   *events.Bus
	cfg   *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clk: clock.NewManual(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))}
	f.paper = broker.NewPaper(f.clk, dec("10000"))

	f.cfg = &config.Config{
		ExecutorWorkers: 2,
		Magic:           770042,
		Sizing:          config.SizingConfig{MinLot: dec("0.01"), MaxLot: dec("10"), Precision: 2},
		// Generous threshold: these tests exercise lifecycle, not gating.
		Spread: config.SpreadConfig{DefaultThresholdPips: dec("50")},
		Margin: config.MarginConfig{
			Safe: dec("300"), Warning: dec("200"), Critical: dec("150"),
			MarginCall: dec("100"), EmergencyClose: dec("80"),
			AlertCooldown: time.Minute,
		},
		MultiTP: config.MultiTPConfig{
			SLShiftMode:        "BREAK_EVEN",
			SLBufferPips:       dec("2"),
			MinRemainingVolume: dec("0.01"),
			MaxSlippagePips:    3,
		},
	}

	f.bus = events.NewBus()
	f.cache = market.NewCache(f.paper, f.clk, 200*time.Millisecond)
	gate := risk.NewSpreadGate(f.cfg, f.cache)
	margin := risk.NewMarginGuard(f.cfg, f.paper, f.clk, f.bus, nil)
	f.exec = execution.NewExecutor(f.cfg, f.paper, f.clk, f.bus, gate, margin, execution.NewRegistry(), nil)
	return f
}

// setQuote pushes a quote and steps the clock past the cache TTL so the next
// read sees it.
func (f *fixture) setQuote(symbol string, bid, ask decimal.Decimal) {
	f.paper.SetQuote(symbol, bid, ask)
	f.clk.Advance(time.Second)
}

// open fills an intent and returns the resulting position.
func (f *fixture) open(t *testing.T, intent *types.TradeIntent) types.Position {
	t.Helper()
	f.exec.ExecuteNow(context.Background(), intent)
	require.Equal(t, types.IntentFilled, intent.State, "intent must fill")
	tickets := f.exec.Registry().TicketsForSignal(intent.SignalID)
	require.Len(t, tickets, 1)
	pos, ok := f.exec.Registry().Get(tickets[0])
	require.True(t, ok)
	return pos
}

func eurusdBuy(id string, volume string, sl string, tps []types.TPLevel) *types.TradeIntent {
	return &types.TradeIntent{
		ID:        id,
		SignalID:  "sig-" + id,
		MessageID: 4200,
		Symbol:    "EURUSD",
		Direction: types.Buy,
		Entry:     dec("1.1000"),
		Volume:    dec(volume),
		StopLoss:  ptr(dec(sl)),
		TPPlan:    tps,
		State:     types.IntentPending,
	}
}

func tpLevel(idx int, price, percent string) types.TPLevel {
	return types.TPLevel{Index: idx, Price: dec(price), Percent: dec(percent), Status: types.TPPending}
}
