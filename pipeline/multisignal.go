package pipeline

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/clock"
	"github.com/sigpilot/sigpilot/events"
	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/market"
	"github.com/sigpilot/sigpilot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MULTI-SIGNAL HANDLER - Merge compatible signals, resolve conflicts
// ═══════════════════════════════════════════════════════════════════════════════
//
// Signals park in a per-symbol FIFO and a periodic pass drains each bucket:
// same-direction signals inside the merge tolerance collapse into one
// synthetic signal, opposing directions fight it out per the configured
// resolution method. Splits carry split markers and never re-merge.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ProviderProfile tracks per-provider intake statistics. Weight is fixed
// configuration, not learned.
type ProviderProfile struct {
	SignalCount   int
	AvgConfidence decimal.Decimal
	Weight        decimal.Decimal
}

// MultiSignalHandler buffers and reconciles concurrent signals per symbol.
type MultiSignalHandler struct {
	cfg config.MergeConfig
	max int
	clk clock.Clock
	bus *events.Bus

	mu        sync.Mutex
	buckets   map[string][]*types.Signal
	providers map[string]*ProviderProfile
}

// NewMultiSignalHandler creates the handler. max bounds each symbol bucket.
func NewMultiSignalHandler(cfg config.MergeConfig, max int, clk clock.Clock, bus *events.Bus) *MultiSignalHandler {
	if max <= 0 {
		max = 5
	}
	return &MultiSignalHandler{
		cfg:       cfg,
		max:       max,
		clk:       clk,
		bus:       bus,
		buckets:   make(map[string][]*types.Signal),
		providers: make(map[string]*ProviderProfile),
	}
}

// ProviderWeight returns the configured weight for a provider, 1.0 by default.
func (h *MultiSignalHandler) ProviderWeight(provider string) decimal.Decimal {
	if w, ok := h.cfg.ProviderWeights[provider]; ok {
		return w
	}
	return decimal.NewFromInt(1)
}

// Score ranks a signal: confidence x provider weight x priority weight.
func (h *MultiSignalHandler) Score(sig *types.Signal) decimal.Decimal {
	return sig.Confidence.Mul(h.ProviderWeight(sig.Provider)).Mul(sig.Priority.Weight())
}

// Offer admits a signal into its symbol bucket. Low-confidence signals are
// rejected at intake; a full bucket evicts the oldest entry.
func (h *MultiSignalHandler) Offer(sig *types.Signal) bool {
	if sig.Confidence.LessThan(h.cfg.ConfidenceThreshold) {
		h.bus.EmitSignalBlocked(sig.ID, sig.Symbol, "LOW_CONFIDENCE")
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.updateProfileLocked(sig)
	bucket := h.buckets[sig.Symbol]
	if len(bucket) >= h.max {
		log.Warn().Str("symbol", sig.Symbol).Msg("Signal bucket full, dropping oldest")
		bucket = bucket[1:]
	}
	h.buckets[sig.Symbol] = append(bucket, sig)
	return true
}

func (h *MultiSignalHandler) updateProfileLocked(sig *types.Signal) {
	p := h.providers[sig.Provider]
	if p == nil {
		p = &ProviderProfile{Weight: h.ProviderWeight(sig.Provider)}
		h.providers[sig.Provider] = p
	}
	total := p.AvgConfidence.Mul(decimal.NewFromInt(int64(p.SignalCount))).Add(sig.Confidence)
	p.SignalCount++
	p.AvgConfidence = total.Div(decimal.NewFromInt(int64(p.SignalCount)))
}

// Profile returns a copy of the provider profile, if known.
func (h *MultiSignalHandler) Profile(provider string) (ProviderProfile, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.providers[provider]
	if !ok {
		return ProviderProfile{}, false
	}
	return *p, true
}

// Drain processes every bucket and returns the surviving signals, at most
// one per symbol bucket pass. Wired as a scheduler job at ~200ms.
func (h *MultiSignalHandler) Drain() []*types.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*types.Signal
	for symbol, bucket := range h.buckets {
		if len(bucket) == 0 {
			continue
		}
		delete(h.buckets, symbol)
		if sig := h.reconcile(bucket); sig != nil {
			out = append(out, sig)
		}
	}
	return out
}

// reconcile collapses one symbol bucket into a single signal or nothing.
func (h *MultiSignalHandler) reconcile(bucket []*types.Signal) *types.Signal {
	if len(bucket) == 1 {
		return bucket[0]
	}

	buys, sells := splitByDirection(bucket)
	if len(buys) > 0 && len(sells) > 0 {
		winner := h.resolveConflict(bucket)
		if winner == nil {
			log.Info().Str("symbol", bucket[0].Symbol).Msg("Directional conflict cancelled all signals")
			h.bus.EmitSignalBlocked("", bucket[0].Symbol, "DIRECTIONAL_CONFLICT_CANCELLED")
			return nil
		}
		for _, s := range bucket {
			if s != winner {
				h.bus.EmitSignalBlocked(s.ID, s.Symbol, "CONFLICT_LOSER")
			}
		}
		return winner
	}

	side := buys
	if len(side) == 0 {
		side = sells
	}
	return h.mergeCompatible(side)
}

func splitByDirection(bucket []*types.Signal) (buys, sells []*types.Signal) {
	for _, s := range bucket {
		if s.Direction == types.Buy {
			buys = append(buys, s)
		} else {
			sells = append(sells, s)
		}
	}
	return
}

// resolveConflict picks the winner among opposing signals.
func (h *MultiSignalHandler) resolveConflict(bucket []*types.Signal) *types.Signal {
	switch h.cfg.ConflictMethod {
	case "CANCEL_ALL":
		return nil
	case "HIGHEST_CONFIDENCE":
		return maxBy(bucket, func(a, b *types.Signal) bool {
			if !a.Confidence.Equal(b.Confidence) {
				return a.Confidence.GreaterThan(b.Confidence)
			}
			return a.ID < b.ID
		})
	case "NEWEST_WINS":
		return maxBy(bucket, func(a, b *types.Signal) bool {
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.After(b.Timestamp)
			}
			return a.ID < b.ID
		})
	case "OLDEST_WINS":
		return maxBy(bucket, func(a, b *types.Signal) bool {
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.Before(b.Timestamp)
			}
			return a.ID < b.ID
		})
	default: // HIGHEST_PRIORITY: lexicographic (priority, provider weight, confidence)
		return maxBy(bucket, func(a, b *types.Signal) bool {
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			wa, wb := h.ProviderWeight(a.Provider), h.ProviderWeight(b.Provider)
			if !wa.Equal(wb) {
				return wa.GreaterThan(wb)
			}
			if !a.Confidence.Equal(b.Confidence) {
				return a.Confidence.GreaterThan(b.Confidence)
			}
			return a.ID < b.ID
		})
	}
}

func maxBy(bucket []*types.Signal, better func(a, b *types.Signal) bool) *types.Signal {
	best := bucket[0]
	for _, s := range bucket[1:] {
		if better(s, best) {
			best = s
		}
	}
	return best
}

// mergeCompatible folds same-direction signals into merge groups and returns
// the merged result of the largest group (first on ties by signal order).
func (h *MultiSignalHandler) mergeCompatible(side []*types.Signal) *types.Signal {
	groups := h.groupByCompatibility(side)
	best := groups[0]
	for _, g := range groups[1:] {
		if len(g) > len(best) {
			best = g
		}
	}
	if len(best) == 1 {
		return best[0]
	}
	return h.merge(best)
}

// compatKey separates split siblings so router splits never re-merge.
func compatKey(s *types.Signal) int { return s.SplitIndex }

func (h *MultiSignalHandler) groupByCompatibility(side []*types.Signal) [][]*types.Signal {
	tolerance := h.cfg.TolerancePips.Mul(market.PipSize(side[0].Symbol))
	var groups [][]*types.Signal

next:
	for _, s := range side {
		for i, g := range groups {
			if compatKey(s) != compatKey(g[0]) {
				continue
			}
			if entriesWithin(s, g[0], tolerance) {
				groups[i] = append(groups[i], s)
				continue next
			}
		}
		groups = append(groups, []*types.Signal{s})
	}
	return groups
}

func entriesWithin(a, b *types.Signal, tolerance decimal.Decimal) bool {
	ea, okA := primaryEntry(a)
	eb, okB := primaryEntry(b)
	if !okA || !okB {
		// Market orders with no price merge with anything on their side.
		return true
	}
	return ea.Sub(eb).Abs().LessThanOrEqual(tolerance)
}

func primaryEntry(s *types.Signal) (decimal.Decimal, bool) {
	if len(s.Entries) == 0 {
		return decimal.Decimal{}, false
	}
	return s.Entries[0], true
}

// merge builds the synthetic signal: weighted-mean entry, most conservative
// SL, union of TPs sorted outward, max priority and confidence.
func (h *MultiSignalHandler) merge(in []*types.Signal) *types.Signal {
	// Canonical order first so the synthetic signal is the same whichever
	// order the originals arrived in.
	group := make([]*types.Signal, len(in))
	copy(group, in)
	sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
	base := group[0]
	merged := &types.Signal{
		ID:         uuid.NewString(),
		MessageID:  base.MessageID,
		Provider:   joinProviders(group),
		Timestamp:  h.clk.Now(),
		Symbol:     base.Symbol,
		Direction:  base.Direction,
		Priority:   base.Priority,
		Confidence: base.Confidence,
		SplitIndex: base.SplitIndex,
		SplitCount: base.SplitCount,
		RawText:    base.RawText,
	}

	weightSum := decimal.Zero
	entrySum := decimal.Zero
	haveEntry := false
	tpSet := make(map[string]decimal.Decimal)

	for _, s := range group {
		merged.MergedFrom = append(merged.MergedFrom, s.ID)
		if s.Priority > merged.Priority {
			merged.Priority = s.Priority
		}
		if s.Confidence.GreaterThan(merged.Confidence) {
			merged.Confidence = s.Confidence
		}
		if e, ok := primaryEntry(s); ok {
			w := h.ProviderWeight(s.Provider)
			entrySum = entrySum.Add(e.Mul(w))
			weightSum = weightSum.Add(w)
			haveEntry = true
		}
		if s.StopLoss != nil {
			merged.StopLoss = tighterSL(merged.StopLoss, *s.StopLoss, base.Direction)
		}
		for _, tp := range s.TakeProfit {
			tpSet[tp.String()] = tp
		}
		if s.Volume != nil && merged.Volume == nil {
			v := *s.Volume
			merged.Volume = &v
		}
	}
	sort.Strings(merged.MergedFrom)

	if haveEntry && weightSum.IsPositive() {
		merged.Entries = []decimal.Decimal{entrySum.Div(weightSum)}
	}
	for _, tp := range tpSet {
		merged.TakeProfit = append(merged.TakeProfit, tp)
	}
	sortOutward(merged.TakeProfit, merged.Direction)

	h.bus.Emit(events.EventSignalMerged, map[string]any{
		"symbol":      merged.Symbol,
		"merged_from": strings.Join(merged.MergedFrom, ","),
	})
	return merged
}

// tighterSL keeps the stop closest to the market side of entry: the higher
// SL for BUY, the lower for SELL.
func tighterSL(current *decimal.Decimal, candidate decimal.Decimal, dir types.Direction) *decimal.Decimal {
	if current == nil {
		return &candidate
	}
	if dir == types.Buy {
		if candidate.GreaterThan(*current) {
			return &candidate
		}
	} else if candidate.LessThan(*current) {
		return &candidate
	}
	return current
}

// sortOutward orders TPs away from entry: ascending for BUY, descending for
// SELL.
func sortOutward(tps []decimal.Decimal, dir types.Direction) {
	sort.Slice(tps, func(i, j int) bool {
		if dir == types.Buy {
			return tps[i].LessThan(tps[j])
		}
		return tps[i].GreaterThan(tps[j])
	})
}

func joinProviders(group []*types.Signal) string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range group {
		if !seen[s.Provider] {
			seen[s.Provider] = true
			names = append(names, s.Provider)
		}
	}
	sort.Strings(names)
	return strings.Join(names, "+")
}
