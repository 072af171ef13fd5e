package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/broker"
	"github.com/sigpilot/sigpilot/clock"
	"github.com/sigpilot/sigpilot/types"
)

// ErrUnavailable means no fresh quote could be produced.
var ErrUnavailable = errors.New("market: quote unavailable")

// Quote extends the raw bid/ask with the derived spread.
type Quote struct {
	types.Quote
	SpreadPips decimal.Decimal
}

// Cache fronts the broker quote RPC with a short TTL. Stale entries are
// refetched, never extrapolated.
type Cache struct {
	brk broker.Broker
	clk clock.Clock
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]Quote
	subs    map[string][]func(Quote)
}

// NewCache creates a quote cache with the given TTL.
func NewCache(brk broker.Broker, clk clock.Clock, ttl time.Duration) *Cache {
	return &Cache{
		brk:     brk,
		clk:     clk,
		ttl:     ttl,
		entries: make(map[string]Quote),
		subs:    make(map[string][]func(Quote)),
	}
}

// Quote returns a fresh quote for the symbol, hitting the broker when the
// cached entry is older than the TTL.
func (c *Cache) Quote(ctx context.Context, symbol string) (Quote, error) {
	c.mu.RLock()
	q, ok := c.entries[symbol]
	c.mu.RUnlock()
	if ok && c.clk.Since(q.At) <= c.ttl {
		return q, nil
	}

	raw, err := c.brk.Quote(ctx, symbol)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}
	raw.At = c.clk.Now()
	q = Quote{Quote: raw, SpreadPips: SpreadPips(symbol, raw.Bid, raw.Ask)}

	c.mu.Lock()
	c.entries[symbol] = q
	subs := c.subs[symbol]
	c.mu.Unlock()

	for _, fn := range subs {
		fn(q)
	}
	return q, nil
}

// Subscribe registers a callback invoked on every refresh of the symbol.
// Callbacks run on the caller's goroutine of the refreshing Quote call.
func (c *Cache) Subscribe(symbol string, fn func(Quote)) {
	c.mu.Lock()
	c.subs[symbol] = append(c.subs[symbol], fn)
	c.mu.Unlock()
}

// Refresh re-fetches every symbol currently cached. Wired as a scheduler job
// so engines mostly hit warm entries.
func (c *Cache) Refresh(ctx context.Context) {
	c.mu.RLock()
	symbols := make([]string, 0, len(c.entries))
	for s := range c.entries {
		symbols = append(symbols, s)
	}
	c.mu.RUnlock()

	for _, s := range symbols {
		if _, err := c.Quote(ctx, s); err != nil {
			log.Debug().Str("symbol", s).Err(err).Msg("Quote refresh failed")
		}
	}
}
