package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpilot/coinpilot/internal/risk"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var ts = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

func TestEnsureAccountSeedsOnce(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.EnsureAccount(10000))
	require.NoError(t, s.EnsureAccount(99999))

	cash, err := s.Cash()
	require.NoError(t, err)
	assert.Equal(t, 10000.0, cash)
}

func TestApplyFillBuyAndAverage(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.EnsureAccount(10000))

	require.NoError(t, s.ApplyFill(Fill{
		Symbol: "BTCUSDT", Side: risk.Buy, Quantity: 0.01, Price: 50000, NotionalUSD: 500, At: ts,
	}))
	require.NoError(t, s.ApplyFill(Fill{
		Symbol: "BTCUSDT", Side: risk.Buy, Quantity: 0.01, Price: 60000, NotionalUSD: 600, At: ts,
	}))

	cash, err := s.Cash()
	require.NoError(t, err)
	assert.InDelta(t, 8900, cash, 1e-9)

	positions, err := s.Positions()
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.02, positions[0].Quantity, 1e-12)
	assert.InDelta(t, 55000, positions[0].AvgEntryPrice, 1e-6)
}

func TestApplyFillSellClosesPosition(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.EnsureAccount(1000))

	require.NoError(t, s.ApplyFill(Fill{
		Symbol: "ETHUSDT", Side: risk.Buy, Quantity: 0.2, Price: 2500, NotionalUSD: 500, At: ts,
	}))
	require.NoError(t, s.ApplyFill(Fill{
		Symbol: "ETHUSDT", Side: risk.Sell, Quantity: 0.1, Price: 2600, NotionalUSD: 260, At: ts,
	}))

	positions, err := s.Positions()
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.1, positions[0].Quantity, 1e-12)

	// Selling the remainder removes the row entirely.
	require.NoError(t, s.ApplyFill(Fill{
		Symbol: "ETHUSDT", Side: risk.Sell, Quantity: 0.1, Price: 2600, NotionalUSD: 260, At: ts,
	}))
	positions, err = s.Positions()
	require.NoError(t, err)
	assert.Empty(t, positions)

	cash, err := s.Cash()
	require.NoError(t, err)
	assert.InDelta(t, 1020, cash, 1e-9)
}

func TestApplyFillRejectsOversell(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.EnsureAccount(1000))
	require.NoError(t, s.ApplyFill(Fill{
		Symbol: "ETHUSDT", Side: risk.Buy, Quantity: 0.1, Price: 2500, NotionalUSD: 250, At: ts,
	}))

	err := s.ApplyFill(Fill{
		Symbol: "ETHUSDT", Side: risk.Sell, Quantity: 0.2, Price: 2500, NotionalUSD: 500, At: ts,
	})
	require.ErrorIs(t, err, ErrInvariantViolation)

	// Nothing moved.
	cash, _ := s.Cash()
	assert.InDelta(t, 750, cash, 1e-9)
	positions, _ := s.Positions()
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.1, positions[0].Quantity, 1e-12)
}

func TestApplyFillRejectsOverdraw(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.EnsureAccount(100))

	err := s.ApplyFill(Fill{
		Symbol: "BTCUSDT", Side: risk.Buy, Quantity: 0.01, Price: 50000, NotionalUSD: 500, At: ts,
	})
	require.ErrorIs(t, err, ErrInvariantViolation)

	cash, _ := s.Cash()
	assert.Equal(t, 100.0, cash)
}

func TestSnapshotsAppendOnly(t *testing.T) {
	s := testStore(t)

	_, err := s.LatestSnapshot()
	require.ErrorIs(t, err, ErrNotFound)

	for i, v := range []float64{1000, 1100, 1050} {
		require.NoError(t, s.AppendSnapshot(Snapshot{
			TS:            ts.Add(time.Duration(i) * time.Hour),
			CashUSD:       v,
			TotalValueUSD: v,
			Positions:     []PositionValue{},
		}))
	}

	latest, err := s.LatestSnapshot()
	require.NoError(t, err)
	assert.Equal(t, 1050.0, latest.TotalValueUSD)

	history, err := s.SnapshotHistory(2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1050.0, history[0].TotalValueUSD)
	assert.Equal(t, 1100.0, history[1].TotalValueUSD)
}

func TestFirstSnapshot(t *testing.T) {
	s := testStore(t)

	_, err := s.FirstSnapshot()
	require.ErrorIs(t, err, ErrNotFound)

	for i, v := range []float64{1000, 1100, 1050} {
		require.NoError(t, s.AppendSnapshot(Snapshot{
			TS:            ts.Add(time.Duration(i) * time.Hour),
			CashUSD:       v,
			TotalValueUSD: v,
			Positions:     []PositionValue{},
		}))
	}

	first, err := s.FirstSnapshot()
	require.NoError(t, err)
	assert.Equal(t, 1000.0, first.TotalValueUSD)
	assert.True(t, first.TS.Equal(ts))
}

func TestSnapshotView(t *testing.T) {
	sn := Snapshot{
		CashUSD:       500,
		TotalValueUSD: 1000,
		Positions: []PositionValue{
			{Symbol: "BTCUSDT", Quantity: 0.01, Price: 50000, ValueUSD: 500},
		},
	}
	v := sn.View(4)
	assert.Equal(t, 500.0, v.CashUSD)
	assert.Equal(t, 500.0, v.PositionValues["BTCUSDT"])
	assert.Equal(t, 4, v.TradesToday)

	price, ok := sn.Price("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 50000.0, price)
	_, ok = sn.Price("ETHUSDT")
	assert.False(t, ok)
}

func TestSafetyStateVersionCAS(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.InitSafety(risk.NewSafetyState(ts, 1000)))

	st, err := s.LoadSafety()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)

	stale := st

	st.TradesToday = 1
	st, err = s.SaveSafety(st)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version)

	// The stale copy lost the race.
	stale.TradesToday = 99
	_, err = s.SaveSafety(stale)
	require.ErrorIs(t, err, ErrStateConflict)

	reloaded, err := s.LoadSafety()
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.TradesToday)
}

func TestInitSafetyDoesNotOverwrite(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.InitSafety(risk.NewSafetyState(ts, 1000)))

	st, err := s.LoadSafety()
	require.NoError(t, err)
	st.Mode = risk.ModeEmergency
	_, err = s.SaveSafety(st)
	require.NoError(t, err)

	// A restart re-runs InitSafety; the latched emergency must survive.
	require.NoError(t, s.InitSafety(risk.NewSafetyState(ts.Add(time.Hour), 2000)))
	st, err = s.LoadSafety()
	require.NoError(t, err)
	assert.Equal(t, risk.ModeEmergency, st.Mode)
}

func TestSafetyEventsAudit(t *testing.T) {
	s := testStore(t)
	tr := risk.Transition{From: risk.ModeNormal, To: risk.ModeEmergency, Reason: "drawdown", At: ts}
	require.NoError(t, s.AppendSafetyEvent(tr, ""))
	require.NoError(t, s.AppendSafetyEvent(risk.Transition{
		From: risk.ModeEmergency, To: risk.ModeNormal, Reason: "cleared", At: ts.Add(time.Hour),
	}, "ops"))

	events, err := s.SafetyEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ops", events[0].Operator)
	assert.Equal(t, risk.ModeEmergency, events[1].To)
}

func TestCycleReports(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.AppendCycleReport(CycleRecord{
		ID: "c1", StartedAt: ts, Status: "OK", Report: []byte(`{"id":"c1"}`),
	}))
	require.NoError(t, s.AppendCycleReport(CycleRecord{
		ID: "c2", StartedAt: ts.Add(time.Minute), Status: "DEGRADED", Report: []byte(`{"id":"c2"}`),
	}))

	recent, err := s.RecentCycleReports(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c2", recent[0].ID)

	counts, err := s.CycleCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts["OK"])
	assert.Equal(t, 1, counts["DEGRADED"])
}

func TestErrorsAreDistinguishable(t *testing.T) {
	assert.False(t, errors.Is(ErrStateConflict, ErrInvariantViolation))
	assert.False(t, errors.Is(ErrNotFound, ErrStateConflict))
}
