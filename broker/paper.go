package broker

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/clock"
	"github.com/sigpilot/sigpilot/types"
)

// Paper is an in-memory broker used for DRY_RUN mode, the what-if simulator
// and tests. Fills are immediate at the current quote plus configured
// slippage. Quotes are pushed in by the owner, nothing is fetched.
type Paper struct {
	mu         sync.Mutex
	clk        clock.Clock
	quotes     map[string]types.Quote
	symbols    map[string]SymbolInfo
	positions  map[int64]*PositionInfo
	balance    decimal.Decimal
	realized   decimal.Decimal
	nextTicket int64

	// SlippagePips is added against the taker on market fills.
	SlippagePips decimal.Decimal
	// PipSize used to convert SlippagePips, per symbol; 0.0001 when unset.
	PipSizes map[string]decimal.Decimal

	// failNext, when set, is returned by the next PlaceOrder call once.
	failNext error
}

// NewPaper creates a paper broker with the given starting balance.
func NewPaper(clk clock.Clock, balance decimal.Decimal) *Paper {
	return &Paper{
		clk:        clk,
		quotes:     make(map[string]types.Quote),
		symbols:    make(map[string]SymbolInfo),
		positions:  make(map[int64]*PositionInfo),
		balance:    balance,
		nextTicket: 1000,
		PipSizes:   make(map[string]decimal.Decimal),
	}
}

// SetQuote pushes the current bid/ask for a symbol.
func (p *Paper) SetQuote(symbol string, bid, ask decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = types.Quote{Symbol: symbol, Bid: bid, Ask: ask, At: p.clk.Now()}
}

// SetSymbolInfo overrides the trading parameters returned for a symbol.
func (p *Paper) SetSymbolInfo(symbol string, info SymbolInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.symbols[symbol] = info
}

// FailNextOrder makes the next PlaceOrder return err once.
func (p *Paper) FailNextOrder(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

func (p *Paper) Quote(_ context.Context, symbol string) (types.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.quotes[symbol]
	if !ok {
		return types.Quote{}, ErrUnknownSymbol
	}
	return q, nil
}

func (p *Paper) Account(_ context.Context) (AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	equity := p.balance.Add(p.realized)
	var used decimal.Decimal
	for _, pos := range p.positions {
		equity = equity.Add(p.unrealizedLocked(pos))
		used = used.Add(p.marginForLocked(pos.Symbol, pos.Volume))
	}

	acc := AccountInfo{
		Balance:    p.balance.Add(p.realized),
		Equity:     equity,
		Margin:     used,
		FreeMargin: equity.Sub(used),
	}
	if used.IsPositive() {
		acc.MarginLevel = equity.Div(used).Mul(decimal.NewFromInt(100))
	}
	return acc, nil
}

func (p *Paper) Positions(_ context.Context) ([]PositionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PositionInfo, 0, len(p.positions))
	for _, pos := range p.positions {
		cp := *pos
		cp.Profit = p.unrealizedLocked(pos)
		out = append(out, cp)
	}
	return out, nil
}

func (p *Paper) PlaceOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return OrderResult{}, err
	}
	if !req.Volume.IsPositive() {
		return OrderResult{}, ErrInvalidVolume
	}
	q, ok := p.quotes[req.Symbol]
	if !ok {
		return OrderResult{}, ErrUnknownSymbol
	}

	dir := types.Buy
	fill := q.Ask
	if req.Action == ActionSell || req.Action == ActionSellLimit {
		dir = types.Sell
		fill = q.Bid
	}
	if req.Price != nil && (req.Action == ActionBuyLimit || req.Action == ActionSellLimit) {
		fill = *req.Price
	}
	slip := p.SlippagePips.Mul(p.pipLocked(req.Symbol))
	if dir == types.Buy {
		fill = fill.Add(slip)
	} else {
		fill = fill.Sub(slip)
	}

	p.nextTicket++
	ticket := p.nextTicket
	p.positions[ticket] = &PositionInfo{
		Ticket:     ticket,
		Symbol:     req.Symbol,
		Direction:  dir,
		Volume:     req.Volume,
		PriceOpen:  fill,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenTime:   p.clk.Now(),
		Comment:    req.Comment,
	}
	return OrderResult{Ticket: ticket, Price: fill, Volume: req.Volume}, nil
}

func (p *Paper) ModifyPosition(_ context.Context, ticket int64, sl, tp *decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[ticket]
	if !ok {
		return ErrUnknownTicket
	}
	if sl != nil {
		v := *sl
		pos.StopLoss = &v
	}
	if tp != nil {
		v := *tp
		pos.TakeProfit = &v
	}
	return nil
}

func (p *Paper) PartialClose(_ context.Context, ticket int64, volume, price decimal.Decimal, _ int) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[ticket]
	if !ok {
		return 0, ErrUnknownTicket
	}
	if !volume.IsPositive() || volume.GreaterThan(pos.Volume) {
		return 0, ErrInvalidVolume
	}

	p.realized = p.realized.Add(p.pnlLocked(pos, price, volume))

	if volume.Equal(pos.Volume) {
		delete(p.positions, ticket)
		return 0, nil
	}

	// MT5 partial close replaces the position under a fresh ticket.
	delete(p.positions, ticket)
	p.nextTicket++
	rest := *pos
	rest.Ticket = p.nextTicket
	rest.Volume = pos.Volume.Sub(volume)
	p.positions[rest.Ticket] = &rest
	return rest.Ticket, nil
}

func (p *Paper) ClosePosition(_ context.Context, ticket int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[ticket]
	if !ok {
		return ErrUnknownTicket
	}
	q, ok := p.quotes[pos.Symbol]
	if !ok {
		return ErrUnknownSymbol
	}
	price := q.Bid
	if pos.Direction == types.Sell {
		price = q.Ask
	}
	p.realized = p.realized.Add(p.pnlLocked(pos, price, pos.Volume))
	delete(p.positions, ticket)
	return nil
}

func (p *Paper) SymbolInfo(_ context.Context, symbol string) (SymbolInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.symbols[symbol]; ok {
		return info, nil
	}
	return SymbolInfo{
		MinLot:  decimal.NewFromFloat(0.01),
		MaxLot:  decimal.NewFromInt(100),
		LotStep: decimal.NewFromFloat(0.01),
		Digits:  5,
	}, nil
}

func (p *Paper) pipLocked(symbol string) decimal.Decimal {
	if ps, ok := p.PipSizes[symbol]; ok {
		return ps
	}
	return decimal.NewFromFloat(0.0001)
}

// pnlLocked prices a closed slice without contract-size scaling; good enough
// for dry-run telemetry and tests.
func (p *Paper) pnlLocked(pos *PositionInfo, price, volume decimal.Decimal) decimal.Decimal {
	diff := price.Sub(pos.PriceOpen)
	if pos.Direction == types.Sell {
		diff = diff.Neg()
	}
	return diff.Mul(volume)
}

func (p *Paper) unrealizedLocked(pos *PositionInfo) decimal.Decimal {
	q, ok := p.quotes[pos.Symbol]
	if !ok {
		return decimal.Zero
	}
	price := q.Bid
	if pos.Direction == types.Sell {
		price = q.Ask
	}
	return p.pnlLocked(pos, price, pos.Volume)
}

func (p *Paper) marginForLocked(symbol string, volume decimal.Decimal) decimal.Decimal {
	if info, ok := p.symbols[symbol]; ok && info.MarginPerLot.IsPositive() {
		return info.MarginPerLot.Mul(volume)
	}
	return decimal.Zero
}
