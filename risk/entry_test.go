package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sigpilot/sigpilot/types"
)

func sig(dir types.Direction, text string, entries ...string) *types.Signal {
	s := &types.Signal{Direction: dir, RawText: text}
	for _, e := range entries {
		s.Entries = append(s.Entries, dec(e))
	}
	return s
}

func TestEntryBest(t *testing.T) {
	s := sig(types.Buy, "", "1.1000", "1.1050", "1.1100")
	entry, mode := ResolveEntry(s, dec("1.1060"), types.EntryBest)
	assert.Equal(t, types.EntryBest, mode)
	assert.True(t, entry.Equal(dec("1.1050")))
}

func TestEntryAverage(t *testing.T) {
	s := sig(types.Buy, "", "1.1000", "1.1100")
	entry, _ := ResolveEntry(s, dec("1.1000"), types.EntryAverage)
	assert.True(t, entry.Equal(dec("1.1050")))
}

func TestEntrySecond(t *testing.T) {
	buy := sig(types.Buy, "", "1.1100", "1.1000", "1.1050")
	entry, _ := ResolveEntry(buy, dec("1.1000"), types.EntrySecond)
	assert.True(t, entry.Equal(dec("1.1050")), "second smallest for BUY")

	sell := sig(types.Sell, "", "1.1100", "1.1000", "1.1050")
	entry, _ = ResolveEntry(sell, dec("1.1000"), types.EntrySecond)
	assert.True(t, entry.Equal(dec("1.1050")), "second largest for SELL")
}

func TestEntrySecondSingleCandidate(t *testing.T) {
	s := sig(types.Buy, "", "1.1000")
	entry, _ := ResolveEntry(s, dec("1.2000"), types.EntrySecond)
	assert.True(t, entry.Equal(dec("1.1000")))
}

func TestEntryFirst(t *testing.T) {
	s := sig(types.Sell, "", "1.1100", "1.1000")
	entry, _ := ResolveEntry(s, dec("1.1000"), types.EntryFirst)
	assert.True(t, entry.Equal(dec("1.1100")))
}

func TestEntryKeywordOverride(t *testing.T) {
	s := sig(types.Buy, "BUY EURUSD average of 1.1000-1.1100", "1.1000", "1.1100")
	entry, mode := ResolveEntry(s, dec("1.1000"), types.EntryBest)
	assert.Equal(t, types.EntryAverage, mode)
	assert.True(t, entry.Equal(dec("1.1050")))
}

func TestEntryMarketOrderUsesCurrentPrice(t *testing.T) {
	s := sig(types.Buy, "")
	entry, _ := ResolveEntry(s, dec("1.2345"), types.EntryBest)
	assert.True(t, entry.Equal(dec("1.2345")))
}
