package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigpilot/sigpilot/types"
)

func routeSig() *types.Signal {
	return &types.Signal{ID: "s1", Symbol: "EURUSD", Direction: types.Buy}
}

func TestRouterDefaultAction(t *testing.T) {
	r := NewRouter(nil, ProcessNormal)
	d := r.Route(routeSig(), RouteContext{})
	assert.Equal(t, ProcessNormal, d.Action)
	assert.Empty(t, d.RuleID)
}

func TestRouterPriorityOrder(t *testing.T) {
	r := NewRouter([]RouteRule{
		{ID: "low", Priority: 1, Action: BlockSignal, Enabled: true},
		{ID: "high", Priority: 10, Action: EscalatePriority, Enabled: true},
	}, ProcessNormal)

	d := r.Route(routeSig(), RouteContext{})
	assert.Equal(t, "high", d.RuleID)
	assert.Equal(t, EscalatePriority, d.Action)
}

func TestRouterAndConditions(t *testing.T) {
	r := NewRouter([]RouteRule{
		{
			ID: "lowconf-metal", Priority: 5, Combine: CombineAnd, Enabled: true,
			Conditions: []Condition{
				{Field: FieldConfidence, Op: OpLt, Num: dec("0.6")},
				{Field: FieldSymbolClass, Op: OpEq, Str: "METAL"},
			},
			Action: BlockSignal,
		},
	}, ProcessNormal)

	d := r.Route(routeSig(), RouteContext{Confidence: dec("0.5"), SymbolClass: "METAL"})
	assert.Equal(t, BlockSignal, d.Action)
	assert.Len(t, d.ConditionsMet, 2)

	d = r.Route(routeSig(), RouteContext{Confidence: dec("0.5"), SymbolClass: "FX"})
	assert.Equal(t, ProcessNormal, d.Action)
}

func TestRouterOrConditions(t *testing.T) {
	r := NewRouter([]RouteRule{
		{
			ID: "either", Priority: 5, Combine: CombineOr, Enabled: true,
			Conditions: []Condition{
				{Field: FieldSpread, Op: OpGt, Num: dec("5")},
				{Field: FieldMarginLevel, Op: OpLt, Num: dec("200")},
			},
			Action: DelaySignal, Param: 10,
		},
	}, ProcessNormal)

	d := r.Route(routeSig(), RouteContext{SpreadPips: dec("8"), MarginLevel: dec("500")})
	assert.Equal(t, DelaySignal, d.Action)
	assert.Equal(t, 10, d.Param)

	d = r.Route(routeSig(), RouteContext{SpreadPips: dec("1"), MarginLevel: dec("500")})
	assert.Equal(t, ProcessNormal, d.Action)
}

func TestRouterInOperator(t *testing.T) {
	r := NewRouter([]RouteRule{
		{
			ID: "trusted", Priority: 5, Enabled: true,
			Conditions: []Condition{
				{Field: FieldProvider, Op: OpIn, Strs: []string{"vip", "premium"}},
			},
			Action: EscalatePriority,
		},
	}, ProcessNormal)

	d := r.Route(routeSig(), RouteContext{Provider: "vip"})
	assert.Equal(t, EscalatePriority, d.Action)

	d = r.Route(routeSig(), RouteContext{Provider: "trial"})
	assert.Equal(t, ProcessNormal, d.Action)
}

func TestRouterSplitAction(t *testing.T) {
	r := NewRouter([]RouteRule{
		{
			ID: "split-big", Priority: 5, Enabled: true,
			Conditions: []Condition{{Field: FieldVolume, Op: OpGte, Num: dec("1")}},
			Action:     SplitSignal, Param: 3,
		},
	}, ProcessNormal)

	d := r.Route(routeSig(), RouteContext{Volume: dec("1.5")})
	require.Equal(t, SplitSignal, d.Action)
	assert.Equal(t, 3, d.Param)
}

func TestRouterDisabledRuleSkipped(t *testing.T) {
	r := NewRouter([]RouteRule{
		{ID: "off", Priority: 5, Action: BlockSignal, Enabled: false},
	}, ProcessNormal)
	d := r.Route(routeSig(), RouteContext{})
	assert.Equal(t, ProcessNormal, d.Action)
}

func TestSymbolClass(t *testing.T) {
	assert.Equal(t, "METAL", SymbolClass("XAUUSD"))
	assert.Equal(t, "CRYPTO", SymbolClass("BTCUSD"))
	assert.Equal(t, "INDEX", SymbolClass("NAS100"))
	assert.Equal(t, "FX", SymbolClass("EURUSD"))
}
