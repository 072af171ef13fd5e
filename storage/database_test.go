package storage

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	return db
}

func TestSignalHistory(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveSignal(&SignalRecord{
		ID: "sig-1", MessageID: 100, Provider: "goldsignals", Symbol: "XAUUSD",
		Direction: "BUY", Entry: decimal.RequireFromString("2000"), Outcome: "EXECUTED",
	}))
	require.NoError(t, db.SaveSignal(&SignalRecord{
		ID: "sig-2", MessageID: 101, Provider: "goldsignals", Symbol: "EURUSD",
		Direction: "SELL", Outcome: "BLOCKED", Reason: "spread too wide",
	}))

	gold, err := db.RecentSignals("XAUUSD", 10)
	require.NoError(t, err)
	require.Len(t, gold, 1)
	assert.Equal(t, "sig-1", gold[0].ID)

	all, err := db.RecentSignals("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestOrderLifecycle(t *testing.T) {
	db := openTestDB(t)

	rec := &OrderRecord{
		IntentID: "int-1", SignalID: "sig-1", Ticket: 7001, Symbol: "EURUSD",
		Direction: "BUY", Volume: decimal.RequireFromString("0.10"),
		Price: decimal.RequireFromString("1.1001"), Status: "FILLED",
	}
	require.NoError(t, db.SaveOrder(rec))

	got, err := db.OrderByTicket(7001)
	require.NoError(t, err)
	assert.Equal(t, "int-1", got.IntentID)

	got.Status = "CLOSED"
	got.Profit = decimal.RequireFromString("12.50")
	require.NoError(t, db.UpdateOrder(got))

	require.NoError(t, db.SaveOrder(&OrderRecord{
		IntentID: "int-2", Ticket: 7002, Symbol: "EURUSD", Direction: "SELL",
		Status: "CLOSED", Profit: decimal.RequireFromString("-2.50"),
	}))

	total, err := db.TotalProfit()
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("10")), "got %s", total)

	orders, err := db.OrdersForSymbol("EURUSD", 10)
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestOrderByTicketMissing(t *testing.T) {
	db := openTestDB(t)
	_, err := db.OrderByTicket(404)
	assert.Error(t, err)
}

func TestModificationTrail(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveModification(&ModificationRecord{
		Ticket: 7001, Source: "trailing", Field: "SL", OldValue: "1.0950", NewValue: "1.1000", Success: true,
	}))
	require.NoError(t, db.SaveModification(&ModificationRecord{
		Ticket: 7001, Source: "signal_edit", Field: "TP", NewValue: "1.1100", Success: true,
	}))
	require.NoError(t, db.SaveModification(&ModificationRecord{
		Ticket: 9999, Source: "break_even", Field: "SL", Success: false, Error: "broker timeout",
	}))

	mods, err := db.ModificationsForTicket(7001)
	require.NoError(t, err)
	require.Len(t, mods, 2)
	assert.Equal(t, "trailing", mods[0].Source)
	assert.Equal(t, "signal_edit", mods[1].Source)
}

func TestCommandAudit(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveCommand(&CommandRecord{Username: "alice", ChatID: 1, Command: "SET", Args: "/set EURUSD max_lot 0.5", Allowed: true}))
	require.NoError(t, db.SaveCommand(&CommandRecord{Username: "bob", ChatID: 2, Command: "SET", Args: "/set EURUSD max_lot 9", Allowed: false}))

	cmds, err := db.RecentCommands("alice", 10)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.True(t, cmds[0].Allowed)
}
