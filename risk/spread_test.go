package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigpilot/sigpilot/broker"
	"github.com/sigpilot/sigpilot/clock"
	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/market"
)

func spreadSetup(t *testing.T) (*SpreadGate, *broker.Paper) {
	t.Helper()
	clk := clock.NewManual(time.Now())
	paper := broker.NewPaper(clk, dec("10000"))
	cache := market.NewCache(paper, clk, 200*time.Millisecond)
	cfg := &config.Config{
		Spread: config.SpreadConfig{
			DefaultThresholdPips: dec("3"),
			SymbolThresholds:     map[string]decimal.Decimal{"XAUUSD": dec("30")},
		},
	}
	return NewSpreadGate(cfg, cache), paper
}

func TestSpreadGateAllows(t *testing.T) {
	gate, paper := spreadSetup(t)
	paper.SetQuote("EURUSD", dec("1.1000"), dec("1.1002"))
	assert.NoError(t, gate.Check(context.Background(), "EURUSD"))
}

func TestSpreadGateBlocks(t *testing.T) {
	gate, paper := spreadSetup(t)
	paper.SetQuote("EURUSD", dec("1.1000"), dec("1.1005"))

	err := gate.Check(context.Background(), "EURUSD")
	require.Error(t, err)
	blk, ok := err.(*SpreadBlockError)
	require.True(t, ok)
	assert.True(t, blk.Current.Equal(dec("5")))
	assert.True(t, blk.Threshold.Equal(dec("3")))
	assert.Zero(t, blk.Defer)
}

func TestSpreadGatePerSymbolThreshold(t *testing.T) {
	gate, paper := spreadSetup(t)
	paper.SetQuote("XAUUSD", dec("1950.00"), dec("1950.25"))
	// 25 pips, under the 30 pip metal threshold.
	assert.NoError(t, gate.Check(context.Background(), "XAUUSD"))
}

func TestSpreadGateDeferSuggestion(t *testing.T) {
	gate, paper := spreadSetup(t)
	gate.DeferSymbols["EURUSD"] = true
	paper.SetQuote("EURUSD", dec("1.1000"), dec("1.1010"))

	err := gate.Check(context.Background(), "EURUSD")
	require.Error(t, err)
	blk := err.(*SpreadBlockError)
	assert.Positive(t, blk.Defer)
}

func TestSpreadGateUnavailableQuote(t *testing.T) {
	gate, _ := spreadSetup(t)
	err := gate.Check(context.Background(), "USDJPY")
	assert.ErrorIs(t, err, market.ErrUnavailable)
}
