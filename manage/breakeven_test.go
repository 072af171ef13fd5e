package manage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func beFixed(threshold, buffer string) BEConfig {
	return BEConfig{
		Trigger:            BEFixedPips,
		Threshold:          dec(threshold),
		BufferPips:         dec(buffer),
		OnlyWhenProfitable: true,
	}
}

func TestBreakEvenFiresOnceAtThreshold(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", nil))
	be := NewBreakEven(f.cfg.BreakEven, f.cache, f.exec, f.clk)
	be.Register(pos, beFixed("10", "2"))
	ctx := context.Background()

	// 8 pips profit is under the threshold.
	f.setQuote("EURUSD", dec("1.1008"), dec("1.1010"))
	be.Tick(ctx)
	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.0950")), "below threshold, got %s", got.StopLoss)

	// 10 pips: SL jumps to entry plus buffer and the engine disarms.
	f.setQuote("EURUSD", dec("1.1010"), dec("1.1012"))
	be.Tick(ctx)
	got, _ = f.exec.Registry().Get(pos.Ticket)
	require.NotNil(t, got.StopLoss)
	assert.True(t, got.StopLoss.Equal(dec("1.1002")), "entry plus 2 pips, got %s", got.StopLoss)
	assert.True(t, got.BreakevenLocked)

	// Disarmed: a later surge does not touch the stop again.
	f.setQuote("EURUSD", dec("1.1100"), dec("1.1102"))
	be.Tick(ctx)
	got, _ = f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.1002")))
}

func TestBreakEvenPercentageOfEntry(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", nil))
	be := NewBreakEven(f.cfg.BreakEven, f.cache, f.exec, f.clk)
	// 0.5% of a 1.1000 entry is 0.0055, i.e. 55 pips of profit.
	be.Register(pos, BEConfig{Trigger: BEPercentage, Threshold: dec("0.5"), BufferPips: dec("1")})
	ctx := context.Background()

	// 40 pips would satisfy a pip-count reading of the threshold but is
	// well under half a percent of entry.
	f.setQuote("EURUSD", dec("1.1040"), dec("1.1042"))
	be.Tick(ctx)
	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.0950")), "under 0.5%% of entry, got %s", got.StopLoss)

	f.setQuote("EURUSD", dec("1.1055"), dec("1.1057"))
	be.Tick(ctx)
	got, _ = f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.1001")), "0.5%% of entry reached, got %s", got.StopLoss)
}

func TestBreakEvenTimeBased(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", nil))
	be := NewBreakEven(f.cfg.BreakEven, f.cache, f.exec, f.clk)
	be.Register(pos, BEConfig{
		Trigger:    BETimeBased,
		Threshold:  dec("5"), // minutes
		BufferPips: dec("1"),
	})
	ctx := context.Background()

	// In profit but only seconds in: not yet.
	f.setQuote("EURUSD", dec("1.1005"), dec("1.1007"))
	be.Tick(ctx)
	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.0950")))

	f.clk.Advance(6 * time.Minute)
	be.Tick(ctx)
	got, _ = f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.1001")), "fires after the hold time, got %s", got.StopLoss)
}

func TestBreakEvenTimeBasedNeedsProfit(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", nil))
	be := NewBreakEven(f.cfg.BreakEven, f.cache, f.exec, f.clk)
	be.Register(pos, BEConfig{Trigger: BETimeBased, Threshold: dec("5"), BufferPips: dec("1")})

	// Under water past the hold time: stays armed, stop untouched.
	f.setQuote("EURUSD", dec("1.0980"), dec("1.0982"))
	f.clk.Advance(10 * time.Minute)
	be.Tick(context.Background())
	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.0950")))
}

func TestBreakEvenRatioBased(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	// 50 pips of initial risk, ratio 1: needs 50 pips of profit.
	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", nil))
	be := NewBreakEven(f.cfg.BreakEven, f.cache, f.exec, f.clk)
	be.Register(pos, BEConfig{Trigger: BERatioBased, Threshold: dec("1"), BufferPips: dec("1")})
	ctx := context.Background()

	f.setQuote("EURUSD", dec("1.1040"), dec("1.1042"))
	be.Tick(ctx)
	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.0950")), "40 pips is under 1R")

	f.setQuote("EURUSD", dec("1.1050"), dec("1.1052"))
	be.Tick(ctx)
	got, _ = f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.1001")), "1R reached, got %s", got.StopLoss)
}

func TestBreakEvenDropsClosedTickets(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", nil))
	be := NewBreakEven(f.cfg.BreakEven, f.cache, f.exec, f.clk)
	be.Register(pos, beFixed("10", "2"))

	require.NoError(t, f.exec.Close(context.Background(), pos.Ticket))
	be.Tick(context.Background())
	// Nothing to assert beyond not panicking; the ticket is gone.
	assert.Empty(t, f.exec.Registry().List())
}
