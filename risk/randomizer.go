package risk

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LOT RANDOMIZER - Deterministic jitter so fills do not fingerprint the bot
// ═══════════════════════════════════════════════════════════════════════════════

// Randomizer perturbs volumes inside a variance band. The draw is seeded
// from the intent identity, so replays produce identical volumes.
type Randomizer struct {
	cfg    config.RandomizerConfig
	minLot decimal.Decimal
	maxLot decimal.Decimal

	mu     sync.Mutex
	recent map[string][]string // symbol -> last K volume strings
}

// NewRandomizer creates the randomizer with the sizer's lot bounds.
func NewRandomizer(cfg config.RandomizerConfig, minLot, maxLot decimal.Decimal) *Randomizer {
	return &Randomizer{
		cfg:    cfg,
		minLot: minLot,
		maxLot: maxLot,
		recent: make(map[string][]string),
	}
}

// Apply jitters the volume for an intent. Disabled or degenerate variance
// passes the volume through untouched.
func (r *Randomizer) Apply(symbol string, entry decimal.Decimal, at time.Time, dir types.Direction, volume decimal.Decimal) decimal.Decimal {
	if !r.cfg.Enabled || !r.cfg.VarianceRange.IsPositive() {
		return volume
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	variance, _ := r.cfg.VarianceRange.Float64()
	out := volume
	for attempt := 0; ; attempt++ {
		seed := seedFor(symbol, entry, at, dir, attempt)
		rng := rand.New(rand.NewSource(seed))
		delta := decimal.NewFromFloat((rng.Float64()*2 - 1) * variance)

		out = r.clamp(volume.Add(delta))
		if attempt >= r.cfg.MaxRedraws || !r.cfg.AvoidRepeats || !r.seenLocked(symbol, out) {
			break
		}
	}

	r.rememberLocked(symbol, out)
	return out
}

func seedFor(symbol string, entry decimal.Decimal, at time.Time, dir types.Direction, salt int) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%s|%d", symbol, entry.String(), at.UnixMilli(), dir, salt)
	return int64(h.Sum64())
}

func (r *Randomizer) clamp(v decimal.Decimal) decimal.Decimal {
	v = v.Round(r.cfg.Precision)
	if v.LessThan(r.minLot) {
		return r.minLot
	}
	if v.GreaterThan(r.maxLot) {
		return r.maxLot
	}
	return v
}

func (r *Randomizer) seenLocked(symbol string, v decimal.Decimal) bool {
	for _, s := range r.recent[symbol] {
		if s == v.String() {
			return true
		}
	}
	return false
}

func (r *Randomizer) rememberLocked(symbol string, v decimal.Decimal) {
	hist := append(r.recent[symbol], v.String())
	if max := r.cfg.MaxRepeatHistory; max > 0 && len(hist) > max {
		hist = hist[len(hist)-max:]
	}
	r.recent[symbol] = hist
}
