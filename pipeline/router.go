package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONDITION ROUTER - Rule-driven dispatch before execution
// ═══════════════════════════════════════════════════════════════════════════════

// RouteAction is the outcome a matched rule assigns.
type RouteAction string

const (
	ProcessNormal    RouteAction = "PROCESS_NORMAL"
	RouteToReverse   RouteAction = "ROUTE_TO_REVERSE"
	BlockSignal      RouteAction = "BLOCK_SIGNAL"
	DelaySignal      RouteAction = "DELAY_SIGNAL"      // Param = minutes
	SplitSignal      RouteAction = "SPLIT_SIGNAL"      // Param = part count
	EscalatePriority RouteAction = "ESCALATE_PRIORITY"
)

// Field names a value the router can test.
type Field string

const (
	FieldVolatility  Field = "volatility"
	FieldConfidence  Field = "confidence"
	FieldSymbolClass Field = "symbol_class"
	FieldProvider    Field = "provider"
	FieldSession     Field = "session"
	FieldSpread      Field = "spread"
	FieldMarginLevel Field = "margin_level"
	FieldVolume      Field = "volume"
)

// Op is a predicate operator.
type Op string

const (
	OpEq    Op = "="
	OpNeq   Op = "!="
	OpLt    Op = "<"
	OpLte   Op = "<="
	OpGt    Op = ">"
	OpGte   Op = ">="
	OpIn    Op = "in"
	OpNotIn Op = "not_in"
)

// Condition is one typed predicate. Numeric fields use Num, string fields
// use Str or Strs for set membership.
type Condition struct {
	Field Field
	Op    Op
	Num   decimal.Decimal
	Str   string
	Strs  []string
}

// Combine joins a rule's conditions.
type Combine string

const (
	CombineAnd Combine = "AND"
	CombineOr  Combine = "OR"
)

// RouteRule is one entry of the priority-ordered rule list.
type RouteRule struct {
	ID         string
	Priority   int // higher evaluates first
	Combine    Combine
	Conditions []Condition
	Action     RouteAction
	Param      int // minutes for DELAY_SIGNAL, parts for SPLIT_SIGNAL
	Enabled    bool
}

// RouteContext is the evaluation snapshot for one signal.
type RouteContext struct {
	Volatility  decimal.Decimal
	Confidence  decimal.Decimal
	SymbolClass string // FX, METAL, INDEX, CRYPTO
	Provider    string
	Session     string // ASIA, LONDON, NEWYORK, OFF
	SpreadPips  decimal.Decimal
	MarginLevel decimal.Decimal
	Volume      decimal.Decimal
}

// RoutingDecision records which rule fired and what it demanded.
type RoutingDecision struct {
	SignalID      string
	RuleID        string // empty when the default action applied
	Action        RouteAction
	Param         int
	ConditionsMet []string
}

// Router evaluates rules highest priority first; the first match decides.
type Router struct {
	mu            sync.RWMutex
	rules         []RouteRule
	defaultAction RouteAction
}

// NewRouter creates a router with the given rules and default action.
func NewRouter(rules []RouteRule, defaultAction RouteAction) *Router {
	if defaultAction == "" {
		defaultAction = ProcessNormal
	}
	r := &Router{defaultAction: defaultAction}
	r.SetRules(rules)
	return r
}

// SetRules replaces the rule list, kept sorted by descending priority.
func (r *Router) SetRules(rules []RouteRule) {
	sorted := make([]RouteRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	r.mu.Lock()
	r.rules = sorted
	r.mu.Unlock()
}

// Route decides the action for a signal under the given context.
func (r *Router) Route(sig *types.Signal, ctx RouteContext) RoutingDecision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.rules {
		if !rule.Enabled {
			continue
		}
		met, ok := evalRule(rule, ctx)
		if !ok {
			continue
		}
		log.Debug().
			Str("signal", sig.ID).
			Str("rule", rule.ID).
			Str("action", string(rule.Action)).
			Msg("Router rule matched")
		return RoutingDecision{
			SignalID:      sig.ID,
			RuleID:        rule.ID,
			Action:        rule.Action,
			Param:         rule.Param,
			ConditionsMet: met,
		}
	}
	return RoutingDecision{SignalID: sig.ID, Action: r.defaultAction}
}

func evalRule(rule RouteRule, ctx RouteContext) (met []string, ok bool) {
	if len(rule.Conditions) == 0 {
		return nil, true
	}
	for _, c := range rule.Conditions {
		if evalCondition(c, ctx) {
			met = append(met, condLabel(c))
		} else if rule.Combine != CombineOr {
			return nil, false
		}
	}
	if rule.Combine == CombineOr {
		return met, len(met) > 0
	}
	return met, true
}

func condLabel(c Condition) string {
	return fmt.Sprintf("%s %s", c.Field, c.Op)
}

func evalCondition(c Condition, ctx RouteContext) bool {
	switch c.Field {
	case FieldVolatility:
		return compareNum(ctx.Volatility, c)
	case FieldConfidence:
		return compareNum(ctx.Confidence, c)
	case FieldSpread:
		return compareNum(ctx.SpreadPips, c)
	case FieldMarginLevel:
		return compareNum(ctx.MarginLevel, c)
	case FieldVolume:
		return compareNum(ctx.Volume, c)
	case FieldSymbolClass:
		return compareStr(ctx.SymbolClass, c)
	case FieldProvider:
		return compareStr(ctx.Provider, c)
	case FieldSession:
		return compareStr(ctx.Session, c)
	default:
		return false
	}
}

func compareNum(v decimal.Decimal, c Condition) bool {
	switch c.Op {
	case OpEq:
		return v.Equal(c.Num)
	case OpNeq:
		return !v.Equal(c.Num)
	case OpLt:
		return v.LessThan(c.Num)
	case OpLte:
		return v.LessThanOrEqual(c.Num)
	case OpGt:
		return v.GreaterThan(c.Num)
	case OpGte:
		return v.GreaterThanOrEqual(c.Num)
	default:
		return false
	}
}

func compareStr(v string, c Condition) bool {
	switch c.Op {
	case OpEq:
		return strings.EqualFold(v, c.Str)
	case OpNeq:
		return !strings.EqualFold(v, c.Str)
	case OpIn:
		return containsFold(c.Strs, v)
	case OpNotIn:
		return !containsFold(c.Strs, v)
	default:
		return false
	}
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// SymbolClass buckets a broker symbol for routing conditions.
func SymbolClass(symbol string) string {
	s := strings.ToUpper(symbol)
	switch {
	case strings.HasPrefix(s, "XAU"), strings.HasPrefix(s, "XAG"),
		strings.HasPrefix(s, "XTI"), strings.HasPrefix(s, "XBR"):
		return "METAL"
	case strings.HasPrefix(s, "BTC"), strings.HasPrefix(s, "ETH"):
		return "CRYPTO"
	case strings.HasSuffix(s, "100") || strings.HasSuffix(s, "30") ||
		strings.HasSuffix(s, "40") || strings.HasSuffix(s, "500") ||
		strings.HasSuffix(s, "225"):
		return "INDEX"
	default:
		return "FX"
	}
}
