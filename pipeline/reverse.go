package pipeline

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REVERSE STRATEGY - Trade against the signal when a rule says so
// ═══════════════════════════════════════════════════════════════════════════════

// ReverseAction is what a matched rule does to the signal.
type ReverseAction string

const (
	FullReverse   ReverseAction = "FULL_REVERSE"   // swap direction, SL<->TP1
	DirectionOnly ReverseAction = "DIRECTION_ONLY" // swap direction, keep prices
	IgnoreSignal  ReverseAction = "IGNORE_SIGNAL"
	ModifyParams  ReverseAction = "MODIFY_PARAMS"
)

// ReverseCondition gates a rule.
type ReverseCondition string

const (
	CondAlways         ReverseCondition = "ALWAYS"
	CondHighVolatility ReverseCondition = "HIGH_VOLATILITY"
	CondProvider       ReverseCondition = "PROVIDER_SPECIFIC"
	CondSymbol         ReverseCondition = "SYMBOL_SPECIFIC"
)

// ReverseRule is one entry of the priority-ordered rule list.
type ReverseRule struct {
	ID                  string
	Condition           ReverseCondition
	VolatilityThreshold decimal.Decimal // for HIGH_VOLATILITY
	Action              ReverseAction
	Symbols             []string // empty matches all
	Providers           []string
	VolumeFactor        *decimal.Decimal // MODIFY_PARAMS tweak
	Enabled             bool
}

// VolatilityFunc supplies a current volatility figure for a symbol. Injected
// so rule evaluation stays pure.
type VolatilityFunc func(symbol string) decimal.Decimal

// Reverser applies the first matching rule to each signal.
type Reverser struct {
	mu         sync.RWMutex
	rules      []ReverseRule
	volatility VolatilityFunc
	history    []ReverseRecord
	maxHistory int
}

// ReverseRecord remembers one applied reversal for statistics.
type ReverseRecord struct {
	SignalID string
	RuleID   string
	Action   ReverseAction
}

// NewReverser creates a reverser. volatility may be nil, which disables
// HIGH_VOLATILITY rules.
func NewReverser(rules []ReverseRule, volatility VolatilityFunc) *Reverser {
	return &Reverser{rules: rules, volatility: volatility, maxHistory: 200}
}

// SetRules replaces the rule list at runtime.
func (r *Reverser) SetRules(rules []ReverseRule) {
	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
}

// Apply runs the signal through the rule list. Returns nil when a rule says
// to drop it. The input is not mutated.
func (r *Reverser) Apply(sig *types.Signal) *types.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rule := range r.rules {
		if !rule.Enabled || !r.matchesLocked(rule, sig) {
			continue
		}
		log.Info().
			Str("rule", rule.ID).
			Str("action", string(rule.Action)).
			Str("symbol", sig.Symbol).
			Msg("🔄 Reverse rule matched")
		r.history = append(r.history, ReverseRecord{SignalID: sig.ID, RuleID: rule.ID, Action: rule.Action})
		if len(r.history) > r.maxHistory {
			r.history = r.history[len(r.history)-r.maxHistory:]
		}
		return applyAction(rule, sig)
	}
	return sig
}

// History returns a copy of the applied reversal records.
func (r *Reverser) History() []ReverseRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ReverseRecord, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Reverser) matchesLocked(rule ReverseRule, sig *types.Signal) bool {
	if len(rule.Symbols) > 0 && !contains(rule.Symbols, sig.Symbol) {
		return false
	}
	if len(rule.Providers) > 0 && !contains(rule.Providers, sig.Provider) {
		return false
	}
	switch rule.Condition {
	case CondAlways:
		return true
	case CondHighVolatility:
		if r.volatility == nil {
			return false
		}
		return r.volatility(sig.Symbol).GreaterThan(rule.VolatilityThreshold)
	case CondProvider:
		return len(rule.Providers) > 0
	case CondSymbol:
		return len(rule.Symbols) > 0
	default:
		return false
	}
}

func applyAction(rule ReverseRule, sig *types.Signal) *types.Signal {
	switch rule.Action {
	case IgnoreSignal:
		return nil

	case FullReverse:
		out := cloneSignal(sig)
		out.Direction = sig.Direction.Opposite()
		out.Reversed = true
		// The original TP1 becomes the stop, the original stop the target.
		if len(sig.TakeProfit) > 0 {
			tp1 := sig.TakeProfit[0]
			out.StopLoss = &tp1
		} else {
			out.StopLoss = nil
		}
		if sig.StopLoss != nil {
			out.TakeProfit = []decimal.Decimal{*sig.StopLoss}
		} else {
			out.TakeProfit = nil
		}
		return out

	case DirectionOnly:
		out := cloneSignal(sig)
		out.Direction = sig.Direction.Opposite()
		out.Reversed = true
		return out

	case ModifyParams:
		out := cloneSignal(sig)
		if rule.VolumeFactor != nil && out.Volume != nil {
			v := out.Volume.Mul(*rule.VolumeFactor)
			out.Volume = &v
		}
		return out

	default:
		return sig
	}
}

func cloneSignal(sig *types.Signal) *types.Signal {
	out := *sig
	out.Entries = append([]decimal.Decimal(nil), sig.Entries...)
	out.TakeProfit = append([]decimal.Decimal(nil), sig.TakeProfit...)
	out.MergedFrom = append([]string(nil), sig.MergedFrom...)
	if sig.StopLoss != nil {
		v := *sig.StopLoss
		out.StopLoss = &v
	}
	if sig.Volume != nil {
		v := *sig.Volume
		out.Volume = &v
	}
	return &out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
