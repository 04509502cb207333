package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpilot/coinpilot/internal/alerts"
	"github.com/coinpilot/coinpilot/internal/risk"
	"github.com/coinpilot/coinpilot/internal/store"
)

var testSymbols = []string{"BTCUSDT", "ETHUSDT"}

func testServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.EnsureAccount(10000))
	require.NoError(t, st.InitSafety(risk.NewSafetyState(time.Now(), 10000)))
	require.NoError(t, st.AppendSnapshot(store.Snapshot{
		TS: time.Now().UTC(), CashUSD: 10000, TotalValueUSD: 10000, Positions: []store.PositionValue{},
	}))

	srv := New(Options{
		Store:    st,
		Notifier: alerts.NewNotifier("", time.Second),
		Limits: risk.Limits{
			MaxPortfolioRiskPerTrade: 0.02,
			MaxConcurrentPositions:   3,
			MaxConcentration:         0.25,
			MaxTradesPerDay:          10,
			VolatilityTightening:     0.5,
			MinNotionalUSD:           1,
			EmergencyStopLossPct:     0.15,
		},
		Symbols: testSymbols,
	})
	return srv, st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv.Router(nil), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitTrade(t *testing.T) {
	srv, st := testServer(t)
	h := srv.Router(nil)

	rec := doJSON(t, h, http.MethodPost, "/api/trades", map[string]any{
		"symbol": "BTCUSDT", "side": "BUY", "notional_usd": 100,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	pending, err := st.PendingFIFO()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "BTCUSDT", pending[0].Symbol)
	assert.Equal(t, store.StatusPending, pending[0].Status)
}

func TestSubmitTradeValidation(t *testing.T) {
	srv, st := testServer(t)
	h := srv.Router(nil)

	cases := []map[string]any{
		{"symbol": "DOGEUSDT", "side": "BUY", "notional_usd": 100}, // not allowlisted
		{"symbol": "BTCUSDT", "side": "SHORT", "notional_usd": 100},
		{"symbol": "BTCUSDT", "side": "BUY", "notional_usd": 0},
		{"symbol": "BTCUSDT", "side": "BUY", "notional_usd": -5},
	}
	for _, body := range cases {
		rec := doJSON(t, h, http.MethodPost, "/api/trades", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %v", body)
	}

	pending, err := st.PendingFIFO()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRiskPreviewIsDryRun(t *testing.T) {
	srv, st := testServer(t)
	h := srv.Router(nil)

	rec := doJSON(t, h, http.MethodPost, "/api/risk/preview", map[string]any{
		"symbol": "BTCUSDT", "side": "BUY", "notional_usd": 500,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		DryRun  bool         `json:"dry_run"`
		Verdict risk.Verdict `json:"verdict"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.DryRun)
	// 500 against a 10000 portfolio with a 2% cap scales to 200.
	assert.Equal(t, risk.Scale, resp.Verdict.Decision)
	assert.InDelta(t, 200, resp.Verdict.ApprovedNotional, 1e-9)

	// No queue entry, no state change.
	pending, err := st.PendingFIFO()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSafetyClear(t *testing.T) {
	srv, st := testServer(t)
	h := srv.Router(nil)

	// Clearing a NORMAL system is a conflict.
	rec := doJSON(t, h, http.MethodPost, "/api/safety/clear", map[string]any{
		"operator": "ops", "reason": "testing",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Latch an emergency, then clear it.
	safety, err := st.LoadSafety()
	require.NoError(t, err)
	safety.Mode = risk.ModeEmergency
	safety.StopReason = "drawdown"
	_, err = st.SaveSafety(safety)
	require.NoError(t, err)

	rec = doJSON(t, h, http.MethodPost, "/api/safety/clear", map[string]any{
		"operator": "ops", "reason": "reviewed",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	reloaded, err := st.LoadSafety()
	require.NoError(t, err)
	assert.Equal(t, risk.ModeNormal, reloaded.Mode)

	events, err := st.SafetyEvents(10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "ops", events[0].Operator)
}

func TestSafetyClearRequiresOperator(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv.Router(nil), http.MethodPost, "/api/safety/clear", map[string]any{
		"reason": "no name given",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	srv, st := testServer(t)
	m, err := st.Enqueue("BTCUSDT", risk.Buy, 100, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, st.Resolve(m.ID, store.StatusExecuted, "filled", time.Now().UTC()))

	rec := doJSON(t, srv.Router(nil), http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "safety")
	assert.Contains(t, resp, "manual_trades")
	assert.Contains(t, resp, "portfolio")
}

func TestPortfolioHistory(t *testing.T) {
	srv, st := testServer(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, st.AppendSnapshot(store.Snapshot{
			TS: time.Now().UTC(), CashUSD: 10000, TotalValueUSD: 10000 + float64(i),
			Positions: []store.PositionValue{},
		}))
	}

	rec := doJSON(t, srv.Router(nil), http.MethodGet, "/api/portfolio/history?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Snapshots []store.Snapshot `json:"snapshots"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Snapshots, 2)
}

func TestTradesEndpoint(t *testing.T) {
	srv, st := testServer(t)
	_, err := st.Enqueue("BTCUSDT", risk.Buy, 100, time.Now().UTC())
	require.NoError(t, err)

	rec := doJSON(t, srv.Router(nil), http.MethodGet, "/api/trades", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Trades []store.ManualTrade `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Trades, 1)
}
