package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Signal, TradeIntent, Position and friends
// ═══════════════════════════════════════════════════════════════════════════════
//
// Everything downstream of the parser speaks these types. Prices, pips and
// volumes are decimal.Decimal end to end; optional numbers are pointers.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Direction of a trade.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Opposite returns the reversed direction.
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// Priority of a signal. Ordering matters for conflict resolution.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// Weight returns the scoring weight used by the multi-signal handler.
func (p Priority) Weight() decimal.Decimal {
	switch p {
	case PriorityCritical:
		return decimal.NewFromFloat(2.0)
	case PriorityHigh:
		return decimal.NewFromFloat(1.5)
	case PriorityMedium:
		return decimal.NewFromFloat(1.0)
	default:
		return decimal.NewFromFloat(0.7)
	}
}

// Signal is a parsed trading signal. Immutable after ingest except for
// version appends tracked by the edit watcher.
type Signal struct {
	ID         string
	MessageID  int64
	Provider   string
	Timestamp  time.Time
	Symbol     string
	Direction  Direction
	Entries    []decimal.Decimal // candidate entries, length >= 1
	StopLoss   *decimal.Decimal
	TakeProfit []decimal.Decimal
	Volume     *decimal.Decimal // explicit lot from the text, if any
	Confidence decimal.Decimal  // 0..1
	Priority   Priority
	RawText    string

	// Set by the pipeline, not the parser.
	MergedFrom []string
	Reversed   bool
	ParentID   string // originating signal for split parts
	SplitIndex int
	SplitCount int
}

// SignalVersion is one parse of a message, kept per message_id to detect edits.
type SignalVersion struct {
	ContentHash string
	Signal      Signal
	Timestamp   time.Time
}

// EntryMode selects one entry out of the signal's candidates.
type EntryMode string

const (
	EntryBest    EntryMode = "BEST"
	EntryAverage EntryMode = "AVERAGE"
	EntrySecond  EntryMode = "SECOND"
	EntryFirst   EntryMode = "FIRST"
)

// IntentState is the executor's at-most-once state machine.
type IntentState string

const (
	IntentPending   IntentState = "PENDING"
	IntentExecuting IntentState = "EXECUTING"
	IntentFilled    IntentState = "FILLED"
	IntentPartial   IntentState = "PARTIAL"
	IntentFailed    IntentState = "FAILED"
)

// TradeIntent is a signal after the policy stack, before the broker.
type TradeIntent struct {
	ID        string
	SignalID  string
	MessageID int64
	Provider  string
	Symbol    string
	Direction Direction

	EntryMode   EntryMode
	Entry       decimal.Decimal
	RangePrices []decimal.Decimal // set for range-split entries
	Volume      decimal.Decimal
	StopLoss    *decimal.Decimal
	TPPlan      []TPLevel

	SmartWait         bool
	SmartWaitDeadline time.Time

	Reversed   bool
	MergedFrom []string
	SplitIndex int
	SplitCount int
	Priority   Priority

	State IntentState
}

// TPStatus of a single take-profit level.
type TPStatus string

const (
	TPPending   TPStatus = "PENDING"
	TPHit       TPStatus = "HIT"
	TPCancelled TPStatus = "CANCELLED"
)

// TPLevel is one fractional take-profit target.
type TPLevel struct {
	Index        int
	Price        decimal.Decimal
	Percent      decimal.Decimal // of the original fill volume
	Status       TPStatus
	ClosedVolume decimal.Decimal
	ClosePrice   decimal.Decimal
}

// PositionState lifecycle.
type PositionState string

const (
	PositionOpen    PositionState = "OPEN"
	PositionClosing PositionState = "CLOSING"
	PositionClosed  PositionState = "CLOSED"
)

// Position is a filled trade owned by the executor. Engines observe it and
// request mutations through the executor; nothing else writes broker state.
type Position struct {
	Ticket          int64
	IntentID        string
	SignalID        string
	MessageID       int64
	Symbol          string
	Direction       Direction
	EntryPrice      decimal.Decimal
	VolumeInitial   decimal.Decimal
	VolumeRemaining decimal.Decimal
	StopLoss        *decimal.Decimal
	TPPlan          []TPLevel
	OpenTime        time.Time
	State           PositionState
	BreakevenLocked bool
	Profit          decimal.Decimal // last observed unrealized PnL
}

// RemainingTPs returns the levels still pending, in plan order.
func (p *Position) RemainingTPs() []TPLevel {
	out := make([]TPLevel, 0, len(p.TPPlan))
	for _, tp := range p.TPPlan {
		if tp.Status == TPPending {
			out = append(out, tp)
		}
	}
	return out
}

// MarginStatus classifies account stress. Derived from the margin level,
// never stored as source of truth.
type MarginStatus string

const (
	MarginSafe     MarginStatus = "SAFE"
	MarginWarning  MarginStatus = "WARNING"
	MarginCritical MarginStatus = "CRITICAL"
	MarginCall     MarginStatus = "MARGIN_CALL"
)

// MarginSnapshot is one account health reading.
type MarginSnapshot struct {
	Balance     decimal.Decimal
	Equity      decimal.Decimal
	UsedMargin  decimal.Decimal
	FreeMargin  decimal.Decimal
	MarginLevel decimal.Decimal // percent; zero when no margin is used
	Status      MarginStatus
	At          time.Time
}

// Quote is one bid/ask reading for a symbol.
type Quote struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	At     time.Time
}

// Mid returns the midpoint price.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}
