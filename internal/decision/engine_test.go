package decision

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpilot/coinpilot/internal/advisor"
	"github.com/coinpilot/coinpilot/internal/alerts"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/marketdata"
	"github.com/coinpilot/coinpilot/internal/outbox"
	"github.com/coinpilot/coinpilot/internal/risk"
	"github.com/coinpilot/coinpilot/internal/store"
)

type fakeMarket struct {
	ctx marketdata.Context
	err error
}

func (f *fakeMarket) GetContext(context.Context, []string) (marketdata.Context, error) {
	if f.err != nil {
		return marketdata.Context{}, f.err
	}
	return f.ctx, nil
}

type fakeOracle struct {
	rec advisor.Recommendation
	err error
}

func (f *fakeOracle) GetRecommendation(context.Context, advisor.Inputs) (advisor.Recommendation, error) {
	if f.err != nil {
		return advisor.Recommendation{}, f.err
	}
	return f.rec, nil
}

type fakeVenue struct {
	err    error
	floor  float64
	orders []exchange.Order
}

func (f *fakeVenue) PlaceOrder(_ context.Context, o exchange.Order) (exchange.Fill, error) {
	f.orders = append(f.orders, o)
	if f.err != nil {
		return exchange.Fill{}, f.err
	}
	return exchange.Fill{
		OrderID:     fmt.Sprintf("order-%d", len(f.orders)),
		Symbol:      o.Symbol,
		Side:        o.Side,
		Quantity:    o.NotionalUSD / o.ReferencePrice,
		Price:       o.ReferencePrice,
		NotionalUSD: o.NotionalUSD,
		At:          time.Now().UTC(),
	}, nil
}

func (f *fakeVenue) MinNotional(string) float64 {
	if f.floor > 0 {
		return f.floor
	}
	return 1
}

var testSymbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}

func marketCtx() marketdata.Context {
	assets := map[string]marketdata.AssetContext{}
	for sym, price := range map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 2500, "SOLUSDT": 150} {
		assets[sym] = marketdata.AssetContext{Symbol: sym, Price: price}
	}
	return marketdata.Context{Assets: assets}
}

func looseLimits() risk.Limits {
	return risk.Limits{
		MaxPortfolioRiskPerTrade: 0.5,
		MaxConcurrentPositions:   5,
		MaxConcentration:         0.9,
		MaxTradesPerDay:          10,
		VolatilityTightening:     0.5,
		MinNotionalUSD:           1,
		EmergencyStopLossPct:     0.15,
	}
}

type fixture struct {
	store  *store.Store
	market *fakeMarket
	oracle *fakeOracle
	venue  *fakeVenue
	engine *Engine
}

func newFixture(t *testing.T, limits risk.Limits, rejectScaled bool) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.EnsureAccount(10000))
	require.NoError(t, st.InitSafety(risk.NewSafetyState(time.Now(), 10000)))

	f := &fixture{
		store:  st,
		market: &fakeMarket{ctx: marketCtx()},
		oracle: &fakeOracle{rec: advisor.Recommendation{Action: advisor.ActionHold, Confidence: 5}},
		venue:  &fakeVenue{},
	}
	f.engine = New(Options{
		Store:              st,
		Market:             f.market,
		Oracle:             f.oracle,
		Venue:              f.venue,
		Notifier:           alerts.NewNotifier("", time.Second),
		Limits:             limits,
		Symbols:            testSymbols,
		QueueTTL:           30 * time.Minute,
		RejectScaledManual: rejectScaled,
	})
	return f
}

func TestRunCycleDrainsManualBeforeAutomated(t *testing.T) {
	f := newFixture(t, looseLimits(), false)
	now := time.Now().UTC()

	a, err := f.store.Enqueue("BTCUSDT", risk.Buy, 100, now)
	require.NoError(t, err)
	b, err := f.store.Enqueue("ETHUSDT", risk.Buy, 100, now.Add(time.Second))
	require.NoError(t, err)
	f.oracle.rec = advisor.Recommendation{
		Action: advisor.ActionBuy, Symbol: "SOLUSDT", NotionalUSD: 100, Confidence: 9,
	}

	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, rep.Status)
	require.Len(t, rep.Evaluations, 3)

	// Queue order wins regardless of the automated signal's confidence.
	assert.Equal(t, a.ID, rep.Evaluations[0].RequestID)
	assert.Equal(t, b.ID, rep.Evaluations[1].RequestID)
	assert.Empty(t, rep.Evaluations[2].RequestID)
	assert.Equal(t, risk.Automated, rep.Evaluations[2].Proposal.Origin)
	assert.Equal(t, 3, rep.TradesExecuted)

	// Orders hit the venue in the same order.
	require.Len(t, f.venue.orders, 3)
	assert.Equal(t, "BTCUSDT", f.venue.orders[0].Symbol)
	assert.Equal(t, "ETHUSDT", f.venue.orders[1].Symbol)
	assert.Equal(t, "SOLUSDT", f.venue.orders[2].Symbol)

	trades, err := f.store.Trades(10)
	require.NoError(t, err)
	for _, m := range trades {
		assert.Equal(t, store.StatusExecuted, m.Status)
	}
}

func TestRunCycleManualAndAutomatedSameSymbolBothFill(t *testing.T) {
	f := newFixture(t, looseLimits(), false)
	now := time.Now().UTC()

	m, err := f.store.Enqueue("BTCUSDT", risk.Buy, 100, now)
	require.NoError(t, err)
	f.oracle.rec = advisor.Recommendation{
		Action: advisor.ActionBuy, Symbol: "BTCUSDT", NotionalUSD: 100, Confidence: 8,
	}

	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Evaluations, 2)
	assert.Equal(t, OutcomeExecuted, rep.Evaluations[0].Outcome)
	assert.Equal(t, OutcomeExecuted, rep.Evaluations[1].Outcome)

	// Two distinct submissions must not share an idempotency key: the
	// manual order keys on the request id, the automated one on the cycle.
	require.Len(t, f.venue.orders, 2)
	assert.Equal(t, m.ID, f.venue.orders[0].IdempotencyKey)
	assert.NotEqual(t, f.venue.orders[0].IdempotencyKey, f.venue.orders[1].IdempotencyKey)
	assert.Contains(t, f.venue.orders[1].IdempotencyKey, "BTCUSDT:BUY")
}

func TestRunCycleSameSymbolThroughPaperVenue(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.EnsureAccount(10000))
	require.NoError(t, st.InitSafety(risk.NewSafetyState(time.Now(), 10000)))

	ob, err := outbox.New(filepath.Join(dir, "orders.jsonl"))
	require.NoError(t, err)
	venue := exchange.NewPaper(exchange.PaperOptions{
		Store: st, Outbox: ob, MinNotional: 1, DedupeWindow: 90 * time.Second,
	})

	eng := New(Options{
		Store:  st,
		Market: &fakeMarket{ctx: marketCtx()},
		Oracle: &fakeOracle{rec: advisor.Recommendation{
			Action: advisor.ActionBuy, Symbol: "BTCUSDT", NotionalUSD: 100, Confidence: 8,
		}},
		Venue:    venue,
		Notifier: alerts.NewNotifier("", time.Second),
		Limits:   looseLimits(),
		Symbols:  testSymbols,
		QueueTTL: 30 * time.Minute,
	})

	_, err = st.Enqueue("BTCUSDT", risk.Buy, 100, time.Now().UTC())
	require.NoError(t, err)

	// The venue's dedupe must not mistake the automated order for a replay
	// of the manual one just because symbol and side match.
	rep, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, rep.Status)
	assert.Equal(t, 2, rep.TradesExecuted)
	require.Len(t, rep.Evaluations, 2)
	for _, ev := range rep.Evaluations {
		assert.Equal(t, OutcomeExecuted, ev.Outcome)
	}

	trades, err := st.Trades(10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, store.StatusExecuted, trades[0].Status)
}

func TestRunCycleAppliesVenueOrderFloor(t *testing.T) {
	f := newFixture(t, looseLimits(), false)
	f.venue.floor = 25

	_, err := f.store.Enqueue("BTCUSDT", risk.Buy, 10, time.Now().UTC())
	require.NoError(t, err)

	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Evaluations, 1)
	assert.Equal(t, OutcomeRejected, rep.Evaluations[0].Outcome)
	assert.Equal(t, risk.RuleMinOrderSize, rep.Evaluations[0].Verdict.RejectedBy)
	assert.Empty(t, f.venue.orders)
}

func TestRunCycleExchangeFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, looseLimits(), false)
	f.venue.err = exchange.ErrTimeout

	m, err := f.store.Enqueue("BTCUSDT", risk.Buy, 50, time.Now().UTC())
	require.NoError(t, err)

	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Evaluations, 1)
	assert.Equal(t, OutcomeFailed, rep.Evaluations[0].Outcome)
	assert.Equal(t, 0, rep.TradesExecuted)

	// Cash unchanged, daily count unchanged.
	cash, err := f.store.Cash()
	require.NoError(t, err)
	assert.Equal(t, 10000.0, cash)

	safety, err := f.store.LoadSafety()
	require.NoError(t, err)
	assert.Zero(t, safety.TradesToday)

	// The request was consumed; it will not be retried next cycle.
	trades, err := f.store.Trades(10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, m.ID, trades[0].ID)
	assert.Equal(t, store.StatusRejected, trades[0].Status)
	assert.Contains(t, trades[0].Reason, "execution failed")
}

func TestRunCycleAdvisoryFailureDegradesButDrains(t *testing.T) {
	f := newFixture(t, looseLimits(), false)
	f.oracle.err = advisor.ErrAdvisoryUnavailable

	_, err := f.store.Enqueue("BTCUSDT", risk.Buy, 100, time.Now().UTC())
	require.NoError(t, err)

	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, rep.Status)
	require.Len(t, rep.Evaluations, 1)
	assert.Equal(t, OutcomeExecuted, rep.Evaluations[0].Outcome)
	assert.Nil(t, rep.Recommendation)
}

func TestRunCycleMarketFailureDegradesToQueueDrain(t *testing.T) {
	f := newFixture(t, looseLimits(), false)

	// Hold a position so degraded valuation has something to price at cost.
	require.NoError(t, f.store.ApplyFill(store.Fill{
		Symbol: "BTCUSDT", Side: risk.Buy, Quantity: 0.01, Price: 50000, NotionalUSD: 500,
		At: time.Now().UTC(),
	}))
	m, err := f.store.Enqueue("BTCUSDT", risk.Sell, 100, time.Now().UTC())
	require.NoError(t, err)

	f.market.err = marketdata.ErrMarketDataUnavailable

	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, rep.Status)
	require.Len(t, rep.Evaluations, 1)
	assert.Equal(t, m.ID, rep.Evaluations[0].RequestID)
	assert.Equal(t, OutcomeExecuted, rep.Evaluations[0].Outcome)

	// No automated step on a degraded cycle.
	assert.Nil(t, rep.Recommendation)
	require.Len(t, f.venue.orders, 1)
}

func TestRunCycleEmergencyStopIsNoOp(t *testing.T) {
	f := newFixture(t, looseLimits(), false)

	safety, err := f.store.LoadSafety()
	require.NoError(t, err)
	safety.Mode = risk.ModeEmergency
	_, err = f.store.SaveSafety(safety)
	require.NoError(t, err)

	m, err := f.store.Enqueue("BTCUSDT", risk.Buy, 100, time.Now().UTC())
	require.NoError(t, err)

	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, risk.ModeEmergency, rep.SafetyMode)
	assert.Empty(t, rep.Evaluations)
	assert.Empty(t, f.venue.orders)

	// The request stays PENDING for the operator to see.
	pending, err := f.store.PendingFIFO()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, m.ID, pending[0].ID)
}

func TestRunCycleTripsDailyLimit(t *testing.T) {
	lim := looseLimits()
	lim.MaxTradesPerDay = 1
	f := newFixture(t, lim, false)

	_, err := f.store.Enqueue("BTCUSDT", risk.Buy, 100, time.Now().UTC())
	require.NoError(t, err)

	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.TradesExecuted)
	assert.Equal(t, risk.ModeDailyLimit, rep.SafetyMode)

	safety, err := f.store.LoadSafety()
	require.NoError(t, err)
	assert.Equal(t, risk.ModeDailyLimit, safety.Mode)
	assert.Equal(t, 1, safety.TradesToday)
}

func TestRunCycleScaledManualPolicyReject(t *testing.T) {
	lim := looseLimits()
	lim.MaxPortfolioRiskPerTrade = 0.002 // cap 20 on a 10000 portfolio
	f := newFixture(t, lim, true)

	m, err := f.store.Enqueue("BTCUSDT", risk.Buy, 500, time.Now().UTC())
	require.NoError(t, err)

	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Evaluations, 1)
	assert.Equal(t, OutcomeRejected, rep.Evaluations[0].Outcome)
	assert.Equal(t, risk.Scale, rep.Evaluations[0].Verdict.Decision)
	assert.Empty(t, f.venue.orders)

	trades, err := f.store.Trades(10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, m.ID, trades[0].ID)
	assert.Equal(t, store.StatusRejected, trades[0].Status)
}

func TestRunCycleScaledManualPolicyExecute(t *testing.T) {
	lim := looseLimits()
	lim.MaxPortfolioRiskPerTrade = 0.002
	f := newFixture(t, lim, false)

	_, err := f.store.Enqueue("BTCUSDT", risk.Buy, 500, time.Now().UTC())
	require.NoError(t, err)

	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Evaluations, 1)
	assert.Equal(t, OutcomeExecuted, rep.Evaluations[0].Outcome)

	require.Len(t, f.venue.orders, 1)
	assert.InDelta(t, 20, f.venue.orders[0].NotionalUSD, 1e-9)
}

func TestRunCyclePersistsReportAndSnapshot(t *testing.T) {
	f := newFixture(t, looseLimits(), false)

	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)

	recent, err := f.store.RecentCycleReports(5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, rep.ID, recent[0].ID)
	assert.Equal(t, rep.Status, recent[0].Status)

	snap, err := f.store.LatestSnapshot()
	require.NoError(t, err)
	assert.Equal(t, 10000.0, snap.TotalValueUSD)
}

func TestRunCycleHoldRecommendationMakesNoTrade(t *testing.T) {
	f := newFixture(t, looseLimits(), false)
	f.oracle.rec = advisor.Recommendation{Action: advisor.ActionHold, Confidence: 8, Rationale: "choppy"}

	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, rep.Status)
	require.NotNil(t, rep.Recommendation)
	assert.Equal(t, advisor.ActionHold, rep.Recommendation.Action)
	assert.Empty(t, f.venue.orders)
}
