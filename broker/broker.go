package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BROKER BRIDGE - Consumed async RPC surface of the trading terminal
// ═══════════════════════════════════════════════════════════════════════════════
//
// The core never talks to the terminal directly; it consumes this interface.
// Two implementations ship: the websocket bridge client (live) and the paper
// broker (dry-run, simulator, tests).
//
// ═══════════════════════════════════════════════════════════════════════════════

// OrderAction is the broker-side order type.
type OrderAction string

const (
	ActionBuy       OrderAction = "buy"
	ActionSell      OrderAction = "sell"
	ActionBuyLimit  OrderAction = "buy_limit"
	ActionSellLimit OrderAction = "sell_limit"
)

// ActionFor maps a direction to the market order action.
func ActionFor(d types.Direction) OrderAction {
	if d == types.Buy {
		return ActionBuy
	}
	return ActionSell
}

// OrderRequest is a placement request.
type OrderRequest struct {
	Action        OrderAction      `json:"action"`
	Symbol        string           `json:"symbol"`
	Volume        decimal.Decimal  `json:"volume"`
	Price         *decimal.Decimal `json:"price,omitempty"` // required for limit orders
	StopLoss      *decimal.Decimal `json:"sl,omitempty"`
	TakeProfit    *decimal.Decimal `json:"tp,omitempty"`
	DeviationPips int              `json:"deviation_pips"`
	Magic         int64            `json:"magic"`
	Comment       string           `json:"comment,omitempty"`
}

// OrderResult is a placement acknowledgement.
type OrderResult struct {
	Ticket int64           `json:"ticket"`
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// PositionInfo is the broker's view of an open position.
type PositionInfo struct {
	Ticket     int64            `json:"ticket"`
	Symbol     string           `json:"symbol"`
	Direction  types.Direction  `json:"type"`
	Volume     decimal.Decimal  `json:"volume"`
	PriceOpen  decimal.Decimal  `json:"price_open"`
	StopLoss   *decimal.Decimal `json:"sl,omitempty"`
	TakeProfit *decimal.Decimal `json:"tp,omitempty"`
	Profit     decimal.Decimal  `json:"profit"`
	OpenTime   time.Time        `json:"open_time"`
	Comment    string           `json:"comment,omitempty"`
}

// AccountInfo is the account summary.
type AccountInfo struct {
	Balance     decimal.Decimal `json:"balance"`
	Equity      decimal.Decimal `json:"equity"`
	Margin      decimal.Decimal `json:"margin"`
	FreeMargin  decimal.Decimal `json:"free_margin"`
	MarginLevel decimal.Decimal `json:"margin_level"`
	Credit      decimal.Decimal `json:"credit"`
}

// SymbolInfo carries the broker's trading parameters for a symbol.
type SymbolInfo struct {
	PipValue       *decimal.Decimal `json:"pip_value,omitempty"` // per 1.0 lot, account currency
	MinLot         decimal.Decimal  `json:"min_lot"`
	MaxLot         decimal.Decimal  `json:"max_lot"`
	LotStep        decimal.Decimal  `json:"lot_step"`
	Digits         int              `json:"digits"`
	StopsLevelPips decimal.Decimal  `json:"stops_level_pips"`
	MarginPerLot   decimal.Decimal  `json:"margin_per_lot"`
}

// Broker is the async RPC surface the core consumes.
type Broker interface {
	Quote(ctx context.Context, symbol string) (types.Quote, error)
	Account(ctx context.Context) (AccountInfo, error)
	Positions(ctx context.Context) ([]PositionInfo, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	ModifyPosition(ctx context.Context, ticket int64, sl, tp *decimal.Decimal) error
	PartialClose(ctx context.Context, ticket int64, volume, price decimal.Decimal, deviationPips int) (newTicket int64, err error)
	ClosePosition(ctx context.Context, ticket int64) error
	SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ERROR TAXONOMY
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// Transient: retried with backoff by the executor.
	ErrTimeout      = errors.New("broker: request timed out")
	ErrRequote      = errors.New("broker: requote")
	ErrDisconnected = errors.New("broker: bridge disconnected")

	// Hard: never retried.
	ErrInvalidVolume  = errors.New("broker: invalid volume")
	ErrInvalidStops   = errors.New("broker: invalid stops")
	ErrNotEnoughMoney = errors.New("broker: not enough money")
	ErrUnknownSymbol  = errors.New("broker: unknown symbol")
	ErrUnknownTicket  = errors.New("broker: unknown ticket")
	ErrPermission     = errors.New("broker: trading not permitted")
)

// IsTransient reports whether an error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRequote) ||
		errors.Is(err, ErrDisconnected) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsMarginRelated reports whether an error should feed margin telemetry.
func IsMarginRelated(err error) bool {
	return errors.Is(err, ErrNotEnoughMoney)
}
