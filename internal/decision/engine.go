package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/advisor"
	"github.com/coinpilot/coinpilot/internal/alerts"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/marketdata"
	"github.com/coinpilot/coinpilot/internal/observ"
	"github.com/coinpilot/coinpilot/internal/risk"
	"github.com/coinpilot/coinpilot/internal/store"
)

// Engine runs the decision cycle: snapshot the portfolio, advance the
// safety machine, drain the manual queue, then ask the advisor for at most
// one automated trade. Every proposal, manual or automated, goes through
// the same risk evaluation; the engine itself never sizes or rejects a
// trade on its own judgment.
type Engine struct {
	store              *store.Store
	market             marketdata.Provider
	oracle             advisor.Oracle
	venue              exchange.Client
	notifier           *alerts.Notifier
	limits             risk.Limits
	symbols            []string
	queueTTL           time.Duration
	rejectScaledManual bool
	now                func() time.Time
	log                zerolog.Logger
}

type Options struct {
	Store              *store.Store
	Market             marketdata.Provider
	Oracle             advisor.Oracle
	Venue              exchange.Client
	Notifier           *alerts.Notifier
	Limits             risk.Limits
	Symbols            []string
	QueueTTL           time.Duration
	RejectScaledManual bool
	Now                func() time.Time
}

func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:              opts.Store,
		market:             opts.Market,
		oracle:             opts.Oracle,
		venue:              opts.Venue,
		notifier:           opts.Notifier,
		limits:             opts.Limits,
		symbols:            opts.Symbols,
		queueTTL:           opts.QueueTTL,
		rejectScaledManual: opts.RejectScaledManual,
		now:                now,
		log:                observ.Component("decision"),
	}
}

// RunCycle executes one full decision cycle. Collaborator failures degrade
// the cycle (queue drain still happens); only store failures abort it. The
// returned report is also persisted to the cycle audit trail.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	started := e.now()
	rep := CycleReport{
		ID:        uuid.NewString(),
		StartedAt: started,
		Status:    StatusOK,
	}
	defer func() {
		rep.FinishedAt = e.now()
		observ.CycleDuration.Observe(rep.FinishedAt.Sub(started).Seconds())
		observ.CyclesTotal.WithLabelValues(rep.Status).Inc()
		e.persistReport(rep)
	}()

	// Step 1: market context. A failed fetch degrades the cycle rather than
	// aborting it; manual requests still deserve a decision.
	mktCtx, err := e.market.GetContext(ctx, e.symbols)
	mktOK := err == nil
	if !mktOK {
		rep.Status = StatusDegraded
		rep.Degraded = append(rep.Degraded, fmt.Sprintf("market_data: %v", err))
		e.log.Warn().Err(err).Str("cycle", rep.ID).Msg("cycle degraded: no market context")
	}

	// Step 2: portfolio snapshot at current (or last known) prices.
	snap, err := e.buildSnapshot(started, mktCtx, mktOK)
	if err != nil {
		rep.Status = StatusError
		return rep, fmt.Errorf("build snapshot: %w", err)
	}
	if err := e.store.AppendSnapshot(snap); err != nil {
		rep.Status = StatusError
		return rep, fmt.Errorf("append snapshot: %w", err)
	}
	rep.CashUSD = snap.CashUSD
	rep.TotalValueUSD = snap.TotalValueUSD
	observ.PortfolioValue.Set(snap.TotalValueUSD)

	// Step 3: advance safety on the fresh valuation. Drawdown and day
	// rollover are recomputed every cycle, traded or not.
	safety, err := e.advanceSafety(started, snap.TotalValueUSD, 0)
	if err != nil {
		rep.Status = StatusError
		return rep, fmt.Errorf("advance safety: %w", err)
	}
	rep.SafetyMode = safety.Mode
	rep.DrawdownPct = safety.DrawdownPct
	observ.SetSafetyMode(string(safety.Mode))
	observ.DrawdownPct.Set(safety.DrawdownPct)

	// An emergency stop freezes everything: no drain, no expiry, no
	// automated trade. Queued requests stay PENDING for the operator to
	// see; the cycle records a no-op report.
	if safety.Mode == risk.ModeEmergency {
		e.log.Warn().Str("cycle", rep.ID).Msg("emergency stop active, no-op cycle")
		return rep, nil
	}

	// Step 4: drain the manual queue, oldest first. Expiry runs before
	// evaluation so a stale request never consumes risk budget.
	expired, err := e.store.ExpireStale(e.queueTTL, started)
	if err != nil {
		rep.Status = StatusError
		return rep, fmt.Errorf("expire stale: %w", err)
	}
	rep.ExpiredManual = expired

	pending, err := e.store.PendingFIFO()
	if err != nil {
		rep.Status = StatusError
		return rep, fmt.Errorf("read pending queue: %w", err)
	}
	observ.QueueDepth.Set(float64(len(pending)))

	view := snap.View(safety.TradesToday)
	mkt := risk.MarketView{Available: mktOK, Volatile: mktCtx.VolatileSet()}
	executed := 0

	for _, m := range pending {
		view.TradesToday = safety.TradesToday + executed
		ev, err := e.drainOne(ctx, m, &view, safety, mkt, snap, mktCtx, mktOK, rep.ID)
		if ev.Outcome == OutcomeExecuted {
			executed++
		}
		rep.Evaluations = append(rep.Evaluations, ev)
		if err != nil {
			// Invariant violation: stop mutating state and surface loudly.
			rep.Status = StatusError
			return rep, err
		}
	}

	// Step 5: at most one automated trade, only on healthy, NORMAL cycles.
	if mktOK && safety.Mode == risk.ModeNormal {
		view.TradesToday = safety.TradesToday + executed
		ev, rec, advErr := e.automated(ctx, view, safety, mkt, mktCtx, rep.ID)
		switch {
		case errors.Is(advErr, store.ErrInvariantViolation):
			if ev != nil {
				rep.Evaluations = append(rep.Evaluations, *ev)
			}
			rep.Status = StatusError
			return rep, advErr
		case advErr != nil:
			rep.Status = StatusDegraded
			rep.Degraded = append(rep.Degraded, fmt.Sprintf("advisory: %v", advErr))
			e.log.Warn().Err(advErr).Str("cycle", rep.ID).Msg("cycle degraded: no recommendation")
		default:
			rep.Recommendation = &rec
			if ev != nil {
				if ev.Outcome == OutcomeExecuted {
					executed++
				}
				rep.Evaluations = append(rep.Evaluations, *ev)
			}
		}
	}

	// Step 6: fold executed trades into the safety record so the daily
	// limit trips as soon as the budget is spent, not one cycle later.
	if executed > 0 {
		safety, err = e.advanceSafety(e.now(), snap.TotalValueUSD, executed)
		if err != nil {
			rep.Status = StatusError
			return rep, fmt.Errorf("finalize safety: %w", err)
		}
		rep.SafetyMode = safety.Mode
		observ.SetSafetyMode(string(safety.Mode))
	}
	rep.TradesExecuted = executed

	return rep, nil
}

// drainOne evaluates and resolves a single manual request. Resolution is
// exactly once: whatever the outcome, the request leaves PENDING here. The
// returned error is non-nil only for an invariant violation, which aborts
// the cycle.
func (e *Engine) drainOne(ctx context.Context, m store.ManualTrade, view *risk.PortfolioView,
	safety risk.SafetyState, mkt risk.MarketView, snap store.Snapshot,
	mktCtx marketdata.Context, mktOK bool, cycleID string) (Evaluation, error) {

	p := m.Proposal()
	ev := Evaluation{RequestID: m.ID, Proposal: p}

	if !e.supported(p.Symbol) {
		ev.Outcome = OutcomeRejected
		ev.Error = "unsupported symbol"
		e.resolve(m.ID, store.StatusRejected, "unsupported symbol")
		return ev, nil
	}

	v := risk.Evaluate(p, *view, safety, mkt, e.limitsFor(p.Symbol))
	ev.Verdict = v
	e.recordVerdict(v, p.Origin)

	if v.Decision == risk.Reject {
		ev.Outcome = OutcomeRejected
		e.resolve(m.ID, store.StatusRejected, v.RejectedBy)
		return ev, nil
	}
	if v.Decision == risk.Scale && e.rejectScaledManual {
		reason := fmt.Sprintf("approved only %.2f of requested %.2f", v.ApprovedNotional, v.OriginalNotional)
		ev.Outcome = OutcomeRejected
		e.resolve(m.ID, store.StatusRejected, reason)
		return ev, nil
	}

	// Manual orders key on the request id: stable across restarts, and
	// never colliding with an automated order for the same symbol and side
	// in the same cycle.
	fill, err := e.execute(ctx, p, v, snap, mktCtx, mktOK, cycleID, m.ID)
	if err != nil {
		ev.Outcome = OutcomeFailed
		ev.Error = err.Error()
		// At-most-once consumption: a failed dispatch still consumes the
		// request. The operator resubmits if they still want the trade.
		e.resolve(m.ID, store.StatusRejected, "execution failed: "+err.Error())
		if errors.Is(err, store.ErrInvariantViolation) {
			return ev, err
		}
		return ev, nil
	}

	ev.Outcome = OutcomeExecuted
	ev.OrderID = fill.OrderID
	e.resolve(m.ID, store.StatusExecuted, fmt.Sprintf("filled %.8f @ %.2f", fill.Quantity, fill.Price))
	applyToView(view, fill)
	return ev, nil
}

// automated asks the oracle for one recommendation and runs it through the
// same evaluate/execute path as manual requests.
func (e *Engine) automated(ctx context.Context, view risk.PortfolioView, safety risk.SafetyState,
	mkt risk.MarketView, mktCtx marketdata.Context, cycleID string) (*Evaluation, advisor.Recommendation, error) {

	largest := 0.0
	for _, v := range view.PositionValues {
		if view.TotalValueUSD > 0 && v/view.TotalValueUSD > largest {
			largest = v / view.TotalValueUSD
		}
	}
	rec, err := e.oracle.GetRecommendation(ctx, advisor.Inputs{
		Market:    mktCtx,
		Portfolio: view,
		Risk: advisor.RiskSummary{
			Mode:               safety.Mode,
			DrawdownPct:        safety.DrawdownPct,
			TradesToday:        view.TradesToday,
			PositionCount:      len(view.PositionValues),
			LargestPositionPct: largest,
		},
		Symbols: e.symbols,
	})
	if err != nil {
		return nil, advisor.Recommendation{}, err
	}
	if rec.Action == advisor.ActionHold {
		return nil, rec, nil
	}

	p := risk.Proposal{
		Symbol:      rec.Symbol,
		Side:        risk.Side(rec.Action),
		NotionalUSD: rec.NotionalUSD,
		Origin:      risk.Automated,
		Confidence:  rec.Confidence,
	}
	ev := Evaluation{Proposal: p}

	v := risk.Evaluate(p, view, safety, mkt, e.limitsFor(p.Symbol))
	ev.Verdict = v
	e.recordVerdict(v, p.Origin)

	if v.Decision == risk.Reject {
		ev.Outcome = OutcomeRejected
		return &ev, rec, nil
	}

	fill, err := e.execute(ctx, p, v, store.Snapshot{}, mktCtx, true, cycleID, automatedKey(cycleID, p))
	if err != nil {
		ev.Outcome = OutcomeFailed
		ev.Error = err.Error()
		if errors.Is(err, store.ErrInvariantViolation) {
			return &ev, rec, err
		}
		return &ev, rec, nil
	}
	ev.Outcome = OutcomeExecuted
	ev.OrderID = fill.OrderID
	return &ev, rec, nil
}

// execute dispatches one approved proposal and applies the fill to durable
// state. A dispatch failure leaves portfolio state untouched; the order is
// never retried within the cycle.
func (e *Engine) execute(ctx context.Context, p risk.Proposal, v risk.Verdict,
	snap store.Snapshot, mktCtx marketdata.Context, mktOK bool, cycleID, idempotencyKey string) (exchange.Fill, error) {

	price, ok := 0.0, false
	if mktOK {
		price, ok = mktCtx.Price(p.Symbol)
	}
	if !ok {
		price, ok = snap.Price(p.Symbol)
	}
	if !ok {
		observ.OrdersTotal.WithLabelValues(string(p.Side), "failed").Inc()
		return exchange.Fill{}, fmt.Errorf("no reference price for %s: %w", p.Symbol, exchange.ErrExchangeRejected)
	}

	fill, err := e.venue.PlaceOrder(ctx, exchange.Order{
		Symbol:         p.Symbol,
		Side:           p.Side,
		NotionalUSD:    v.ApprovedNotional,
		ReferencePrice: price,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		observ.OrdersTotal.WithLabelValues(string(p.Side), "failed").Inc()
		e.log.Warn().Err(err).Str("symbol", p.Symbol).Str("side", string(p.Side)).
			Str("cycle", cycleID).Msg("order dispatch failed")
		return exchange.Fill{}, err
	}

	if err := e.store.ApplyFill(store.Fill{
		Symbol:      fill.Symbol,
		Side:        fill.Side,
		Quantity:    fill.Quantity,
		Price:       fill.Price,
		NotionalUSD: fill.NotionalUSD,
		At:          fill.At,
	}); err != nil {
		if errors.Is(err, store.ErrInvariantViolation) {
			e.notifier.Notify(ctx, "Invariant violation",
				fmt.Sprintf("fill %s %s %s could not be applied: %v", fill.OrderID, fill.Side, fill.Symbol, err))
		}
		e.log.Error().Err(err).Str("order_id", fill.OrderID).
			Msg("fill confirmed by venue but not applied to portfolio")
		return exchange.Fill{}, fmt.Errorf("apply fill %s: %w", fill.OrderID, err)
	}

	observ.OrdersTotal.WithLabelValues(string(p.Side), "filled").Inc()
	return fill, nil
}

// Rollover advances the safety machine at the UTC day boundary so a new
// trading day starts with a fresh budget even if the next cycle is minutes
// away. The in-cycle advance covers the same ground defensively.
func (e *Engine) Rollover() error {
	total := 0.0
	if snap, err := e.store.LatestSnapshot(); err == nil {
		total = snap.TotalValueUSD
	} else if cash, err := e.store.Cash(); err == nil {
		total = cash
	}
	_, err := e.advanceSafety(e.now(), total, 0)
	if err != nil {
		return fmt.Errorf("day rollover: %w", err)
	}
	return nil
}

// advanceSafety runs the safety machine against the stored record with
// optimistic retries, auditing any transitions it causes.
func (e *Engine) advanceSafety(now time.Time, totalValue float64, executedTrades int) (risk.SafetyState, error) {
	for attempt := 0; attempt < 3; attempt++ {
		cur, err := e.store.LoadSafety()
		if err != nil {
			return risk.SafetyState{}, err
		}
		next, trs := risk.Advance(cur, now, totalValue, executedTrades, e.limits)
		saved, err := e.store.SaveSafety(next)
		if errors.Is(err, store.ErrStateConflict) {
			continue
		}
		if err != nil {
			return risk.SafetyState{}, err
		}
		for _, tr := range trs {
			if err := e.store.AppendSafetyEvent(tr, ""); err != nil {
				e.log.Error().Err(err).Msg("safety event not audited")
			}
			observ.Event("decision", "safety_transition", map[string]any{
				"from": tr.From, "to": tr.To, "reason": tr.Reason,
			})
			if tr.To == risk.ModeEmergency {
				e.notifier.Notify(context.Background(), "EMERGENCY STOP", tr.Reason)
			}
		}
		return saved, nil
	}
	return risk.SafetyState{}, fmt.Errorf("safety state kept changing underneath us: %w", store.ErrStateConflict)
}

func (e *Engine) buildSnapshot(now time.Time, mktCtx marketdata.Context, mktOK bool) (store.Snapshot, error) {
	cash, err := e.store.Cash()
	if err != nil {
		return store.Snapshot{}, err
	}
	positions, err := e.store.Positions()
	if err != nil {
		return store.Snapshot{}, err
	}

	var last store.Snapshot
	if !mktOK {
		last, _ = e.store.LatestSnapshot()
	}

	sn := store.Snapshot{TS: now, CashUSD: cash, TotalValueUSD: cash}
	for _, pos := range positions {
		price, ok := 0.0, false
		if mktOK {
			price, ok = mktCtx.Price(pos.Symbol)
		}
		if !ok {
			price, ok = last.Price(pos.Symbol)
		}
		if !ok {
			// No market and no prior valuation: carry the position at cost.
			price = pos.AvgEntryPrice
		}
		value := pos.Quantity * price
		sn.Positions = append(sn.Positions, store.PositionValue{
			Symbol:        pos.Symbol,
			Quantity:      pos.Quantity,
			AvgEntryPrice: pos.AvgEntryPrice,
			Price:         price,
			ValueUSD:      value,
		})
		sn.TotalValueUSD += value
	}
	return sn, nil
}

func (e *Engine) persistReport(rep CycleReport) {
	blob, err := json.Marshal(rep)
	if err != nil {
		e.log.Error().Err(err).Str("cycle", rep.ID).Msg("cycle report not serializable")
		return
	}
	if err := e.store.AppendCycleReport(store.CycleRecord{
		ID:        rep.ID,
		StartedAt: rep.StartedAt,
		Status:    rep.Status,
		Report:    blob,
	}); err != nil {
		e.log.Error().Err(err).Str("cycle", rep.ID).Msg("cycle report not persisted")
	}
}

func (e *Engine) resolve(id string, outcome store.TradeStatus, reason string) {
	if err := e.store.Resolve(id, outcome, reason, e.now()); err != nil {
		// ErrStateConflict means someone else consumed it; either way the
		// request is no longer ours.
		e.log.Warn().Err(err).Str("id", id).Msg("manual trade resolution lost")
	}
}

func (e *Engine) recordVerdict(v risk.Verdict, origin risk.Origin) {
	observ.VerdictsTotal.WithLabelValues(string(v.Decision), string(origin)).Inc()
	for _, hit := range v.Rules {
		observ.RuleHits.WithLabelValues(hit.Name).Inc()
	}
}

// limitsFor tightens the configured minimum order size to the venue's own
// floor for the symbol, so approval never exceeds what the venue accepts.
func (e *Engine) limitsFor(symbol string) risk.Limits {
	lim := e.limits
	if floor := e.venue.MinNotional(symbol); floor > lim.MinNotionalUSD {
		lim.MinNotionalUSD = floor
	}
	return lim
}

func (e *Engine) supported(symbol string) bool {
	for _, s := range e.symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// applyToView mirrors a fill onto the in-memory view so later proposals in
// the same cycle see the money already spent.
func applyToView(view *risk.PortfolioView, fill exchange.Fill) {
	switch fill.Side {
	case risk.Buy:
		view.CashUSD -= fill.NotionalUSD
		view.PositionValues[fill.Symbol] += fill.NotionalUSD
	case risk.Sell:
		view.CashUSD += fill.NotionalUSD
		remaining := view.PositionValues[fill.Symbol] - fill.NotionalUSD
		if remaining <= 0 {
			delete(view.PositionValues, fill.Symbol)
		} else {
			view.PositionValues[fill.Symbol] = remaining
		}
	}
}

// automatedKey identifies the cycle's single automated order. Manual orders
// use the request id instead, so the two namespaces cannot collide.
func automatedKey(cycleID string, p risk.Proposal) string {
	return fmt.Sprintf("%s:%s:%s", cycleID, p.Symbol, p.Side)
}
