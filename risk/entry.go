package risk

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRY RESOLVER - One entry price out of the signal's candidates
// ═══════════════════════════════════════════════════════════════════════════════

// ResolveEntry picks a single entry from the candidates. With no candidates
// the current price is the entry (market order). Keywords in the signal text
// override the configured mode.
func ResolveEntry(sig *types.Signal, current decimal.Decimal, mode types.EntryMode) (decimal.Decimal, types.EntryMode) {
	mode = overrideMode(sig.RawText, mode)

	entries := sig.Entries
	if len(entries) == 0 {
		return current, mode
	}
	if len(entries) == 1 {
		return entries[0], mode
	}

	switch mode {
	case types.EntryAverage:
		sum := decimal.Zero
		for _, e := range entries {
			sum = sum.Add(e)
		}
		return sum.Div(decimal.NewFromInt(int64(len(entries)))), mode

	case types.EntrySecond:
		sorted := make([]decimal.Decimal, len(entries))
		copy(sorted, entries)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
		if sig.Direction == types.Buy {
			return sorted[1], mode
		}
		return sorted[len(sorted)-2], mode

	case types.EntryFirst:
		return entries[0], mode

	default: // BEST: closest to the current price
		best := entries[0]
		bestDist := entries[0].Sub(current).Abs()
		for _, e := range entries[1:] {
			if d := e.Sub(current).Abs(); d.LessThan(bestDist) {
				best, bestDist = e, d
			}
		}
		return best, types.EntryBest
	}
}

func overrideMode(text string, mode types.EntryMode) types.EntryMode {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "average"):
		return types.EntryAverage
	case strings.Contains(lower, "second"):
		return types.EntrySecond
	case strings.Contains(lower, "best"):
		return types.EntryBest
	default:
		return mode
	}
}
