package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BRIDGE CLIENT - Websocket JSON-RPC to the terminal-side bridge
// ═══════════════════════════════════════════════════════════════════════════════
//
// Request/response correlation by numeric id. One writer (calls, pings) and
// one reader goroutine per connection; on read failure all in-flight calls
// fail with ErrDisconnected and the client reconnects with backoff.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	bridgeCallTimeout  = 10 * time.Second
	bridgePingInterval = 20 * time.Second
	reconnectDelayMin  = 1 * time.Second
	reconnectDelayMax  = 30 * time.Second
)

type rpcRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Bridge is the live Broker implementation.
type Bridge struct {
	url     string
	magic   int64
	nextID  atomic.Uint64
	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan rpcResponse
	stopCh  chan struct{}
	stopped bool
}

// NewBridge creates a bridge client for the given ws:// url. Connect must be
// called before use.
func NewBridge(url string, magic int64) *Bridge {
	return &Bridge{
		url:     url,
		magic:   magic,
		pending: make(map[uint64]chan rpcResponse),
		stopCh:  make(chan struct{}),
	}
}

// Connect dials the bridge and starts the read and ping loops.
func (b *Bridge) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(b.url, nil)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", b.url, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	go b.readLoop(conn)
	go b.pingLoop(conn)

	log.Info().Str("url", b.url).Msg("🔌 Broker bridge connected")
	return nil
}

// Close shuts the client down. In-flight calls fail with ErrDisconnected.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.stopCh)
	conn := b.conn
	b.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.onDisconnect(conn, err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Warn().Err(err).Msg("Bridge sent unparseable frame")
			continue
		}
		b.mu.Lock()
		ch, ok := b.pending[resp.ID]
		if ok {
			delete(b.pending, resp.ID)
		}
		b.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (b *Bridge) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(bridgePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			b.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// onDisconnect fails in-flight calls and reconnects unless Close was called.
func (b *Bridge) onDisconnect(conn *websocket.Conn, cause error) {
	conn.Close()

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	for id, ch := range b.pending {
		delete(b.pending, id)
		ch <- rpcResponse{ID: id, Error: &rpcError{Message: ErrDisconnected.Error()}}
	}
	stopped := b.stopped
	b.mu.Unlock()

	if stopped {
		return
	}
	log.Warn().Err(cause).Msg("Bridge connection lost, reconnecting")

	delay := reconnectDelayMin
	for {
		select {
		case <-b.stopCh:
			return
		case <-time.After(delay):
		}
		if err := b.Connect(); err == nil {
			return
		} else {
			log.Warn().Err(err).Dur("retry_in", delay).Msg("Bridge reconnect failed")
		}
		delay *= 2
		if delay > reconnectDelayMax {
			delay = reconnectDelayMax
		}
	}
}

// call performs one correlated request/response round trip.
func (b *Bridge) call(ctx context.Context, method string, params any, result any) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	id := b.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()

	b.writeMu.Lock()
	err = conn.WriteJSON(rpcRequest{ID: id, Method: method, Params: raw})
	b.writeMu.Unlock()
	if err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bridgeCallTimeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTimeout, method)
	case resp := <-ch:
		if resp.Error != nil {
			return mapBridgeError(resp.Error)
		}
		if result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// mapBridgeError folds terminal return codes into the local taxonomy so the
// executor's retry policy stays in one place.
func mapBridgeError(e *rpcError) error {
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(msg, "requote"):
		return fmt.Errorf("%w: %s", ErrRequote, e.Message)
	case strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %s", ErrTimeout, e.Message)
	case strings.Contains(msg, "disconnect"), strings.Contains(msg, "no connection"):
		return fmt.Errorf("%w: %s", ErrDisconnected, e.Message)
	case strings.Contains(msg, "invalid volume"):
		return fmt.Errorf("%w: %s", ErrInvalidVolume, e.Message)
	case strings.Contains(msg, "invalid stops"):
		return fmt.Errorf("%w: %s", ErrInvalidStops, e.Message)
	case strings.Contains(msg, "not enough money"), strings.Contains(msg, "no money"):
		return fmt.Errorf("%w: %s", ErrNotEnoughMoney, e.Message)
	case strings.Contains(msg, "unknown symbol"), strings.Contains(msg, "symbol not found"):
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, e.Message)
	case strings.Contains(msg, "position not found"), strings.Contains(msg, "unknown ticket"):
		return fmt.Errorf("%w: %s", ErrUnknownTicket, e.Message)
	case strings.Contains(msg, "trade disabled"), strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%w: %s", ErrPermission, e.Message)
	default:
		return fmt.Errorf("broker: %s (code %d)", e.Message, e.Code)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// BROKER INTERFACE
// ═══════════════════════════════════════════════════════════════════════════════

func (b *Bridge) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	var out struct {
		Bid  decimal.Decimal `json:"bid"`
		Ask  decimal.Decimal `json:"ask"`
		Time int64           `json:"time"`
	}
	if err := b.call(ctx, "quote", map[string]string{"symbol": symbol}, &out); err != nil {
		return types.Quote{}, err
	}
	return types.Quote{Symbol: symbol, Bid: out.Bid, Ask: out.Ask, At: time.Unix(out.Time, 0)}, nil
}

func (b *Bridge) Account(ctx context.Context) (AccountInfo, error) {
	var out AccountInfo
	err := b.call(ctx, "account", nil, &out)
	return out, err
}

func (b *Bridge) Positions(ctx context.Context) ([]PositionInfo, error) {
	var out []PositionInfo
	// Magic filters out positions we do not own.
	err := b.call(ctx, "positions", map[string]int64{"magic": b.magic}, &out)
	return out, err
}

func (b *Bridge) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if req.Magic == 0 {
		req.Magic = b.magic
	}
	var out OrderResult
	err := b.call(ctx, "order.place", req, &out)
	return out, err
}

func (b *Bridge) ModifyPosition(ctx context.Context, ticket int64, sl, tp *decimal.Decimal) error {
	params := map[string]any{"ticket": ticket}
	if sl != nil {
		params["sl"] = *sl
	}
	if tp != nil {
		params["tp"] = *tp
	}
	return b.call(ctx, "position.modify", params, nil)
}

func (b *Bridge) PartialClose(ctx context.Context, ticket int64, volume, price decimal.Decimal, deviationPips int) (int64, error) {
	var out struct {
		NewTicket int64 `json:"new_ticket"`
	}
	err := b.call(ctx, "position.close_partial", map[string]any{
		"ticket":    ticket,
		"volume":    volume,
		"price":     price,
		"deviation": deviationPips,
	}, &out)
	return out.NewTicket, err
}

func (b *Bridge) ClosePosition(ctx context.Context, ticket int64) error {
	return b.call(ctx, "position.close", map[string]int64{"ticket": ticket}, nil)
}

func (b *Bridge) SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	var out SymbolInfo
	err := b.call(ctx, "symbol.info", map[string]string{"symbol": symbol}, &out)
	return out, err
}
