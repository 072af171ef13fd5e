package manage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/types"
)

// stubParser maps raw text to canned parses.
type stubParser map[string]*types.Signal

func (s stubParser) Parse(text string) *types.Signal {
	sig, ok := s[text]
	if !ok {
		return nil
	}
	cp := *sig
	return &cp
}

func editCfg() config.EditConfig {
	return config.EditConfig{
		Enabled:        true,
		MaxEditWindow:  time.Hour,
		AllowedChanges: []string{"SL", "TP", "VOLUME"},
		MaxVersions:    10,
	}
}

// signalFor builds the original parse matching an opened position.
func signalFor(pos types.Position) types.Signal {
	sig := types.Signal{
		ID:        "s1",
		MessageID: pos.MessageID,
		Provider:  "alpha",
		Symbol:    pos.Symbol,
		Direction: pos.Direction,
		Entries:   []decimal.Decimal{dec("1.1000")},
		StopLoss:  ptr(dec("1.0950")),
		Volume:    ptr(dec("0.10")),
	}
	for _, tp := range pos.TPPlan {
		sig.TakeProfit = append(sig.TakeProfit, tp.Price)
	}
	return sig
}

func TestEditSameContentIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", []types.TPLevel{
		tpLevel(0, "1.1050", "50"), tpLevel(1, "1.1100", "50"),
	}))
	orig := signalFor(pos)
	w := NewEditWatcher(editCfg(), stubParser{}, f.exec, f.bus, f.clk, f.cache)
	w.Track(4200, orig, "BUY EURUSD SL 1.0950 TP 1.1050 1.1100")

	res := w.OnEdit(context.Background(), 4200, "BUY EURUSD SL 1.0950 TP 1.1050 1.1100")
	assert.True(t, res.Skipped)
	assert.Zero(t, res.Applied)

	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.0950")))
	assert.Equal(t, 1, w.Stats().EditsSkipped)
}

func TestEditAppliesStopChange(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", []types.TPLevel{
		tpLevel(0, "1.1050", "50"), tpLevel(1, "1.1100", "50"),
	}))
	orig := signalFor(pos)
	edited := orig
	edited.StopLoss = ptr(dec("1.0960"))

	w := NewEditWatcher(editCfg(), stubParser{"v2": &edited}, f.exec, f.bus, f.clk, f.cache)
	w.Track(4200, orig, "v1")

	res := w.OnEdit(context.Background(), 4200, "v2")
	assert.False(t, res.Rejected)
	assert.Equal(t, 1, res.Applied)

	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.0960")), "edited SL applied, got %s", got.StopLoss)
	require.Len(t, w.Versions(4200), 2)
}

func TestEditAppliesTargetReprice(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", []types.TPLevel{
		tpLevel(0, "1.1050", "50"), tpLevel(1, "1.1100", "50"),
	}))
	orig := signalFor(pos)
	edited := orig
	edited.TakeProfit = []decimal.Decimal{dec("1.1040"), dec("1.1100")}

	w := NewEditWatcher(editCfg(), stubParser{"v2": &edited}, f.exec, f.bus, f.clk, f.cache)
	w.Track(4200, orig, "v1")

	res := w.OnEdit(context.Background(), 4200, "v2")
	assert.Equal(t, 1, res.Applied)

	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.TPPlan[0].Price.Equal(dec("1.1040")), "level 0 repriced, got %s", got.TPPlan[0].Price)
	assert.True(t, got.TPPlan[1].Price.Equal(dec("1.1100")))
}

func TestEditOutsideWindowIsRejected(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", []types.TPLevel{
		tpLevel(0, "1.1050", "100"),
	}))
	orig := signalFor(pos)
	edited := orig
	edited.StopLoss = ptr(dec("1.0900"))

	w := NewEditWatcher(editCfg(), stubParser{"v2": &edited}, f.exec, f.bus, f.clk, f.cache)
	w.Track(4200, orig, "v1")

	// Three hours later is well past the one hour window.
	f.clk.Advance(3 * time.Hour)
	res := w.OnEdit(context.Background(), 4200, "v2")
	assert.True(t, res.Rejected)
	assert.Zero(t, res.Applied)

	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.0950")), "rejected edit leaves the stop, got %s", got.StopLoss)
	assert.Equal(t, 1, w.Stats().EditsRejected)
}

func TestEditDirectionChangeAlertsOnly(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", nil))
	orig := signalFor(pos)
	edited := orig
	edited.Direction = types.Sell

	w := NewEditWatcher(editCfg(), stubParser{"v2": &edited}, f.exec, f.bus, f.clk, f.cache)
	w.Track(4200, orig, "v1")

	res := w.OnEdit(context.Background(), 4200, "v2")
	assert.NotEmpty(t, res.Alert)
	assert.Zero(t, res.Applied)

	got, ok := f.exec.Registry().Get(pos.Ticket)
	require.True(t, ok, "position untouched")
	assert.Equal(t, types.Buy, got.Direction)
}

func TestEditVolumeReductionPartiallyCloses(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", nil))
	orig := signalFor(pos)
	edited := orig
	edited.Volume = ptr(dec("0.05"))

	w := NewEditWatcher(editCfg(), stubParser{"v2": &edited}, f.exec, f.bus, f.clk, f.cache)
	w.Track(4200, orig, "v1")

	res := w.OnEdit(context.Background(), 4200, "v2")
	assert.Equal(t, 1, res.Applied)

	open := f.exec.Registry().List()
	require.Len(t, open, 1)
	assert.True(t, open[0].VolumeRemaining.Equal(dec("0.05")), "half closed, got %s", open[0].VolumeRemaining)
}

func TestEditDisallowedChangeIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", nil))
	orig := signalFor(pos)
	edited := orig
	edited.StopLoss = ptr(dec("1.0960"))

	cfg := editCfg()
	cfg.AllowedChanges = []string{"TP"}
	w := NewEditWatcher(cfg, stubParser{"v2": &edited}, f.exec, f.bus, f.clk, f.cache)
	w.Track(4200, orig, "v1")

	res := w.OnEdit(context.Background(), 4200, "v2")
	assert.Zero(t, res.Applied)

	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.0950")))
}

func TestEditUnparseableTextIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.setQuote("EURUSD", dec("1.0998"), dec("1.1000"))

	pos := f.open(t, eurusdBuy("i1", "0.10", "1.0950", nil))
	orig := signalFor(pos)
	w := NewEditWatcher(editCfg(), stubParser{}, f.exec, f.bus, f.clk, f.cache)
	w.Track(4200, orig, "v1")

	res := w.OnEdit(context.Background(), 4200, "now just a chat message")
	assert.Zero(t, res.Applied)
	assert.Empty(t, res.Changes)

	got, _ := f.exec.Registry().Get(pos.Ticket)
	assert.True(t, got.StopLoss.Equal(dec("1.0950")))
}
