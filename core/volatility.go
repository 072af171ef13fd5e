package core

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/clock"
	"github.com/sigpilot/sigpilot/market"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VOLATILITY ESTIMATOR - Rolling mid-price range per symbol
// ═══════════════════════════════════════════════════════════════════════════════
//
// The router, reverser, adjustor and trailing engine all want a volatility
// figure but none of them should own market data. This estimator watches
// quotes as the engine touches them and reports the high-low range of the
// window, in pips or in price units.
//
// ═══════════════════════════════════════════════════════════════════════════════

type volSample struct {
	mid decimal.Decimal
	at  time.Time
}

// Volatility tracks recent mid prices and reports the window range.
type Volatility struct {
	clk    clock.Clock
	window time.Duration

	mu      sync.Mutex
	samples map[string][]volSample
}

// NewVolatility creates an estimator over the given lookback window.
func NewVolatility(clk clock.Clock, window time.Duration) *Volatility {
	return &Volatility{
		clk:     clk,
		window:  window,
		samples: make(map[string][]volSample),
	}
}

// Observe records one quote.
func (v *Volatility) Observe(q market.Quote) {
	now := v.clk.Now()
	cutoff := now.Add(-v.window)

	v.mu.Lock()
	defer v.mu.Unlock()
	s := append(v.samples[q.Symbol], volSample{mid: q.Mid(), at: now})
	for len(s) > 0 && s[0].at.Before(cutoff) {
		s = s[1:]
	}
	v.samples[q.Symbol] = s
}

// Pips returns the high-low range of the window in pips. Zero until at
// least two samples exist.
func (v *Volatility) Pips(symbol string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := v.samples[symbol]
	if len(s) < 2 {
		return decimal.Zero
	}
	lo, hi := s[0].mid, s[0].mid
	for _, smp := range s[1:] {
		if smp.mid.LessThan(lo) {
			lo = smp.mid
		}
		if smp.mid.GreaterThan(hi) {
			hi = smp.mid
		}
	}
	return hi.Sub(lo).Div(market.PipSize(symbol))
}

// Range returns the window range in price units. Used as the ATR feed for
// the trailing engine.
func (v *Volatility) Range(symbol string) decimal.Decimal {
	return v.Pips(symbol).Mul(market.PipSize(symbol))
}
