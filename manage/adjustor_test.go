package manage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/types"
)

func adjustCfg() config.AdjustConfig {
	return config.AdjustConfig{
		Enabled:         true,
		Mode:            "SPREAD_BASED",
		HighSpreadPips:  dec("4"),
		LowSpreadPips:   dec("2"),
		SLBufferPips:    dec("2"),
		TPBufferPips:    dec("2"),
		TightenOnCalm:   true,
		MaxSessionPips:  dec("10"),
		MinInterval:     30 * time.Second,
		MinDistancePips: dec("1"),
		Interval:        time.Second,
	}
}

func TestAdjustorWidensOnWideSpread(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", []types.TPLevel{
		tpLevel(0, "1.1050", "100"),
	}))
	a := NewAdjustor(adjustCfg(), nil, f.cache, f.exec, f.clk, nil)
	a.Register(pos)
	ctx := context.Background()

	// Trailing already brought the stop in; the widening floor stays at the
	// stop the position opened with.
	require.NoError(t, f.exec.ModifyStopLoss(ctx, pos.Ticket, dec("1.0980"), "trailing", false))

	// 8 pip spread is past the high threshold.
	f.setQuote("EURUSD", dec("1.1000"), dec("1.1008"))
	a.Tick(ctx)

	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.0978")), "SL widened by 2 pips, got %s", got.StopLoss)
	assert.True(t, got.TPPlan[0].Price.Equal(dec("1.1048")), "TP narrowed by 2 pips, got %s", got.TPPlan[0].Price)
}

func TestAdjustorNeverWidensPastOriginalStop(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", nil))
	a := NewAdjustor(adjustCfg(), nil, f.cache, f.exec, f.clk, nil)
	a.Register(pos)

	// The stop already sits at its registration level: no room to widen.
	f.setQuote("EURUSD", dec("1.1000"), dec("1.1008"))
	a.Tick(context.Background())

	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.0950")), "floor holds, got %s", got.StopLoss)
}

func TestAdjustorRespectsMinInterval(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", nil))
	a := NewAdjustor(adjustCfg(), nil, f.cache, f.exec, f.clk, nil)
	a.Register(pos)
	ctx := context.Background()
	require.NoError(t, f.exec.ModifyStopLoss(ctx, pos.Ticket, dec("1.0990"), "trailing", false))

	f.setQuote("EURUSD", dec("1.1000"), dec("1.1008"))
	a.Tick(ctx)
	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.0988")))

	// One second later: inside the 30s interval, nothing moves.
	f.setQuote("EURUSD", dec("1.1000"), dec("1.1010"))
	a.Tick(ctx)
	got, _ = f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.0988")), "min interval holds, got %s", got.StopLoss)

	f.clk.Advance(31 * time.Second)
	a.Tick(ctx)
	got, _ = f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.0986")), "adjusts again after the interval, got %s", got.StopLoss)
}

func TestAdjustorStopsAtSessionBudget(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", nil))
	cfg := adjustCfg()
	cfg.MaxSessionPips = dec("2")
	cfg.MinInterval = 0
	a := NewAdjustor(cfg, nil, f.cache, f.exec, f.clk, nil)
	a.Register(pos)
	ctx := context.Background()
	require.NoError(t, f.exec.ModifyStopLoss(ctx, pos.Ticket, dec("1.0990"), "trailing", false))

	f.setQuote("EURUSD", dec("1.1000"), dec("1.1008"))
	a.Tick(ctx) // spends the 2 pip budget
	a.Tick(ctx)
	a.Tick(ctx)

	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.0988")), "budget spent after one move, got %s", got.StopLoss)
}

func TestAdjustorNeverWidensAfterBreakevenLock(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", []types.TPLevel{
		tpLevel(0, "1.1050", "100"),
	}))
	a := NewAdjustor(adjustCfg(), nil, f.cache, f.exec, f.clk, nil)
	a.Register(pos)
	ctx := context.Background()

	require.NoError(t, f.exec.ModifyStopLoss(ctx, pos.Ticket, dec("1.1002"), "break_even", false))
	f.exec.MarkBreakevenLocked(pos.Ticket)

	f.setQuote("EURUSD", dec("1.1010"), dec("1.1018"))
	a.Tick(ctx)

	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.1002")), "locked stop holds, got %s", got.StopLoss)
	assert.True(t, got.TPPlan[0].Price.Equal(dec("1.1050")), "TP untouched, got %s", got.TPPlan[0].Price)
}

func TestAdjustorTightensOnCalmSpread(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", nil))
	a := NewAdjustor(adjustCfg(), nil, f.cache, f.exec, f.clk, nil)
	a.Register(pos)

	// 1 pip spread is under the low threshold.
	f.setQuote("EURUSD", dec("1.1000"), dec("1.1001"))
	a.Tick(context.Background())

	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.0952")), "SL tightened by 2 pips, got %s", got.StopLoss)
}

func TestAdjustorTightenClampsAtEntry(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", nil))
	cfg := adjustCfg()
	cfg.SLBufferPips = dec("5")
	cfg.MinInterval = 0
	a := NewAdjustor(cfg, nil, f.cache, f.exec, f.clk, nil)
	a.Register(pos)
	ctx := context.Background()
	require.NoError(t, f.exec.ModifyStopLoss(ctx, pos.Ticket, dec("1.0998"), "trailing", false))

	f.setQuote("EURUSD", dec("1.1000"), dec("1.1001"))
	a.Tick(ctx)

	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.1000")), "tighten clamps at entry, got %s", got.StopLoss)
}

func TestAdjustorVolatilityScaling(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", nil))
	rules := []AdjustRule{{
		Mode:           AdjustVolatilityBased,
		HighSpreadPips: dec("4"),
		LowSpreadPips:  dec("2"),
		SLBufferPips:   dec("2"),
		TPBufferPips:   dec("2"),
	}}
	vol := func(string) decimal.Decimal { return dec("2") }
	a := NewAdjustor(adjustCfg(), rules, f.cache, f.exec, f.clk, vol)
	a.Register(pos)
	ctx := context.Background()
	require.NoError(t, f.exec.ModifyStopLoss(ctx, pos.Ticket, dec("1.0990"), "trailing", false))

	f.setQuote("EURUSD", dec("1.1000"), dec("1.1008"))
	a.Tick(ctx)

	got, _ := f.exec.Registry().Get(pos.Ticket)
	// 2 pip buffer scaled by the 2x volatility index.
	assert.True(t, got.StopLoss.Equal(dec("1.0986")), "scaled widen, got %s", got.StopLoss)
}
