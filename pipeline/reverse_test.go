package pipeline

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigpilot/sigpilot/types"
)

func baseSignal() *types.Signal {
	return &types.Signal{
		ID:         "s1",
		Provider:   "alpha",
		Symbol:     "EURUSD",
		Direction:  types.Buy,
		Entries:    []decimal.Decimal{dec("1.1000")},
		StopLoss:   ptr(dec("1.0950")),
		TakeProfit: []decimal.Decimal{dec("1.1050"), dec("1.1100")},
	}
}

func TestFullReverse(t *testing.T) {
	r := NewReverser([]ReverseRule{
		{ID: "r1", Condition: CondAlways, Action: FullReverse, Enabled: true},
	}, nil)

	out := r.Apply(baseSignal())
	require.NotNil(t, out)
	assert.Equal(t, types.Sell, out.Direction)
	assert.True(t, out.Reversed)
	// SL becomes the original TP1, TP becomes the original SL.
	require.NotNil(t, out.StopLoss)
	assert.True(t, out.StopLoss.Equal(dec("1.1050")))
	require.Len(t, out.TakeProfit, 1)
	assert.True(t, out.TakeProfit[0].Equal(dec("1.0950")))
	// Entry unchanged.
	assert.True(t, out.Entries[0].Equal(dec("1.1000")))
}

func TestFullReverseDoesNotMutateInput(t *testing.T) {
	r := NewReverser([]ReverseRule{
		{ID: "r1", Condition: CondAlways, Action: FullReverse, Enabled: true},
	}, nil)

	in := baseSignal()
	_ = r.Apply(in)
	assert.Equal(t, types.Buy, in.Direction)
	assert.True(t, in.StopLoss.Equal(dec("1.0950")))
}

func TestDirectionOnly(t *testing.T) {
	r := NewReverser([]ReverseRule{
		{ID: "r1", Condition: CondAlways, Action: DirectionOnly, Enabled: true},
	}, nil)

	out := r.Apply(baseSignal())
	require.NotNil(t, out)
	assert.Equal(t, types.Sell, out.Direction)
	assert.True(t, out.StopLoss.Equal(dec("1.0950")))
	assert.True(t, out.TakeProfit[0].Equal(dec("1.1050")))
}

func TestIgnoreSignal(t *testing.T) {
	r := NewReverser([]ReverseRule{
		{ID: "r1", Condition: CondAlways, Action: IgnoreSignal, Enabled: true},
	}, nil)
	assert.Nil(t, r.Apply(baseSignal()))
}

func TestFirstMatchingRuleWins(t *testing.T) {
	r := NewReverser([]ReverseRule{
		{ID: "disabled", Condition: CondAlways, Action: IgnoreSignal, Enabled: false},
		{ID: "gbp-only", Condition: CondSymbol, Symbols: []string{"GBPUSD"}, Action: IgnoreSignal, Enabled: true},
		{ID: "fallthrough", Condition: CondAlways, Action: DirectionOnly, Enabled: true},
	}, nil)

	out := r.Apply(baseSignal())
	require.NotNil(t, out)
	assert.Equal(t, types.Sell, out.Direction)

	hist := r.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "fallthrough", hist[0].RuleID)
}

func TestHighVolatilityCondition(t *testing.T) {
	vol := decimal.NewFromInt(5)
	r := NewReverser([]ReverseRule{
		{
			ID: "hv", Condition: CondHighVolatility,
			VolatilityThreshold: dec("10"),
			Action:              IgnoreSignal, Enabled: true,
		},
	}, func(string) decimal.Decimal { return vol })

	// Calm market: rule does not fire.
	assert.NotNil(t, r.Apply(baseSignal()))

	vol = decimal.NewFromInt(20)
	assert.Nil(t, r.Apply(baseSignal()))
}

func TestModifyParams(t *testing.T) {
	half := dec("0.5")
	r := NewReverser([]ReverseRule{
		{ID: "shrink", Condition: CondAlways, Action: ModifyParams, VolumeFactor: &half, Enabled: true},
	}, nil)

	in := baseSignal()
	in.Volume = ptr(dec("0.20"))
	out := r.Apply(in)
	require.NotNil(t, out)
	assert.Equal(t, types.Buy, out.Direction)
	assert.True(t, out.Volume.Equal(dec("0.10")))
}

func TestNoRulesPassthrough(t *testing.T) {
	r := NewReverser(nil, nil)
	in := baseSignal()
	assert.Same(t, in, r.Apply(in))
}
