package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sigpilot/sigpilot/clock"
	"github.com/sigpilot/sigpilot/internal/config"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER - Sliding windows per symbol, provider and globally
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each scope keeps a deque of accept timestamps. Expired entries fall off
// lazily on check and eagerly on the periodic sweep. Check and Record are
// separate so a signal blocked downstream never consumes quota.
//
// ═══════════════════════════════════════════════════════════════════════════════

// RateBlockError names the scope that refused and when it frees up.
type RateBlockError struct {
	Scope     string // SYMBOL_HOURLY, SYMBOL_DAILY, PROVIDER_HOURLY, ..., COOLDOWN
	Key       string
	Current   int
	Limit     int
	NextReset time.Time
}

func (e *RateBlockError) Error() string {
	return fmt.Sprintf("rate limit %s on %s: %d/%d, resets %s",
		e.Scope, e.Key, e.Current, e.Limit, e.NextReset.Format(time.RFC3339))
}

type window struct {
	stamps []time.Time
}

// prune drops entries older than the cutoff and returns the live count.
func (w *window) prune(cutoff time.Time) int {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
	return len(w.stamps)
}

// RateLimiter enforces the per-scope caps.
type RateLimiter struct {
	cfg config.RateConfig
	clk clock.Clock

	mu         sync.Mutex
	symbols    map[string]*window
	providers  map[string]*window
	global     window
	lastSymbol map[string]time.Time

	overrideUntil time.Time
	overrideUsed  int
	overrideDay   int // yearday of last activation
}

// NewRateLimiter creates the limiter.
func NewRateLimiter(cfg config.RateConfig, clk clock.Clock) *RateLimiter {
	return &RateLimiter{
		cfg:        cfg,
		clk:        clk,
		symbols:    make(map[string]*window),
		providers:  make(map[string]*window),
		lastSymbol: make(map[string]time.Time),
	}
}

// Check reports whether a signal on (symbol, provider) may pass right now.
// It does not consume quota; call Record once the signal is accepted.
func (r *RateLimiter) Check(symbol, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()
	if now.Before(r.overrideUntil) {
		return nil
	}

	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	symHourly := r.cfg.SymbolHourly
	if v, ok := r.cfg.SymbolLimits[symbol]; ok {
		symHourly = v
	}
	provHourly := r.cfg.ProviderHourly
	if v, ok := r.cfg.ProviderLimits[provider]; ok {
		provHourly = v
	}

	if err := checkWindow("SYMBOL", symbol, r.symbols[symbol], hourAgo, dayAgo, symHourly, r.cfg.SymbolDaily); err != nil {
		return err
	}
	if err := checkWindow("PROVIDER", provider, r.providers[provider], hourAgo, dayAgo, provHourly, r.cfg.ProviderDaily); err != nil {
		return err
	}
	if err := checkWindow("GLOBAL", "*", &r.global, hourAgo, dayAgo, r.cfg.GlobalHourly, r.cfg.GlobalDaily); err != nil {
		return err
	}

	if r.cfg.Cooldown > 0 {
		if last, ok := r.lastSymbol[symbol]; ok && now.Sub(last) < r.cfg.Cooldown {
			return &RateBlockError{
				Scope:     "COOLDOWN",
				Key:       symbol,
				NextReset: last.Add(r.cfg.Cooldown),
			}
		}
	}
	return nil
}

func checkWindow(scope, key string, w *window, hourAgo, dayAgo time.Time, hourly, daily int) error {
	if w == nil {
		return nil
	}
	dayCount := w.prune(dayAgo)
	if daily > 0 && dayCount >= daily {
		return &RateBlockError{
			Scope: scope + "_DAILY", Key: key,
			Current: dayCount, Limit: daily,
			NextReset: w.stamps[0].Add(24 * time.Hour),
		}
	}
	hourCount := 0
	for i := len(w.stamps) - 1; i >= 0 && w.stamps[i].After(hourAgo); i-- {
		hourCount++
	}
	if hourly > 0 && hourCount >= hourly {
		oldest := w.stamps[len(w.stamps)-hourCount]
		return &RateBlockError{
			Scope: scope + "_HOURLY", Key: key,
			Current: hourCount, Limit: hourly,
			NextReset: oldest.Add(time.Hour),
		}
	}
	return nil
}

// Record consumes quota in all three scopes for an accepted signal.
func (r *RateLimiter) Record(symbol, provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()
	sw := r.symbols[symbol]
	if sw == nil {
		sw = &window{}
		r.symbols[symbol] = sw
	}
	pw := r.providers[provider]
	if pw == nil {
		pw = &window{}
		r.providers[provider] = pw
	}
	sw.stamps = append(sw.stamps, now)
	pw.stamps = append(pw.stamps, now)
	r.global.stamps = append(r.global.stamps, now)
	r.lastSymbol[symbol] = now
}

// ActivateOverride bypasses all caps for d. Limited to the configured number
// of activations per day.
func (r *RateLimiter) ActivateOverride(d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()
	if now.YearDay() != r.overrideDay {
		r.overrideDay = now.YearDay()
		r.overrideUsed = 0
	}
	if r.overrideUsed >= r.cfg.EmergencyOverrideLimit {
		return fmt.Errorf("emergency override exhausted: %d activations today", r.overrideUsed)
	}
	r.overrideUsed++
	r.overrideUntil = now.Add(d)
	log.Warn().Dur("duration", d).Int("used_today", r.overrideUsed).Msg("Rate limit override active")
	return nil
}

// Sweep drops all expired timestamps. Wired as a scheduler job.
func (r *RateLimiter) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	dayAgo := r.clk.Now().Add(-24 * time.Hour)
	for k, w := range r.symbols {
		if w.prune(dayAgo) == 0 {
			delete(r.symbols, k)
		}
	}
	for k, w := range r.providers {
		if w.prune(dayAgo) == 0 {
			delete(r.providers, k)
		}
	}
	r.global.prune(dayAgo)
}

// Usage returns current hourly counts per scope for status reporting.
func (r *RateLimiter) Usage(symbol, provider string) (sym, prov, global int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hourAgo := r.clk.Now().Add(-time.Hour)
	count := func(w *window) int {
		if w == nil {
			return 0
		}
		n := 0
		for i := len(w.stamps) - 1; i >= 0 && w.stamps[i].After(hourAgo); i-- {
			n++
		}
		return n
	}
	return count(r.symbols[symbol]), count(r.providers[provider]), count(&r.global)
}
