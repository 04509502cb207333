package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/coinpilot/coinpilot/internal/risk"
	"github.com/coinpilot/coinpilot/internal/store"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	safety, err := s.store.LoadSafety()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		mapStoreError(w, err)
		return
	}

	cycles, err := s.store.CycleCounts()
	if err != nil {
		mapStoreError(w, err)
		return
	}
	trades, err := s.store.TradeCounts()
	if err != nil {
		mapStoreError(w, err)
		return
	}

	resp := map[string]any{
		"safety": safety,
		"cycles": cycles,
		"manual_trades": map[string]int{
			"pending":  trades[store.StatusPending],
			"executed": trades[store.StatusExecuted],
			"rejected": trades[store.StatusRejected],
			"expired":  trades[store.StatusExpired],
		},
	}

	if snap, err := s.store.LatestSnapshot(); err == nil {
		resp["portfolio"] = map[string]any{
			"cash_usd":        snap.CashUSD,
			"total_value_usd": snap.TotalValueUSD,
			"positions":       len(snap.Positions),
			"as_of":           snap.TS,
		}
	}
	if perf, err := s.performance(); err == nil {
		resp["performance"] = perf
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.LatestSnapshot()
	if err != nil {
		mapStoreError(w, err)
		return
	}

	resp := map[string]any{"snapshot": snap}
	if s.stream != nil {
		live := map[string]float64{}
		for _, p := range snap.Positions {
			if price, ok := s.stream.LastPrice(p.Symbol); ok {
				live[p.Symbol] = price
			}
		}
		if len(live) > 0 {
			resp["live_prices"] = live
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePortfolioHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100, 1000)
	history, err := s.store.SnapshotHistory(limit)
	if err != nil {
		mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": history})
}

func (s *Server) handleSafety(w http.ResponseWriter, r *http.Request) {
	safety, err := s.store.LoadSafety()
	if err != nil {
		mapStoreError(w, err)
		return
	}
	events, err := s.store.SafetyEvents(50)
	if err != nil {
		mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"safety": safety, "events": events})
}

type clearRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

// handleSafetyClear releases a latched emergency stop. This is the only
// state the dashboard is allowed to write, and it is fully audited.
func (s *Server) handleSafetyClear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.Operator == "" || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "operator and reason are required")
		return
	}

	totalValue := 0.0
	if snap, err := s.store.LatestSnapshot(); err == nil {
		totalValue = snap.TotalValueUSD
	}

	for attempt := 0; attempt < 3; attempt++ {
		cur, err := s.store.LoadSafety()
		if err != nil {
			mapStoreError(w, err)
			return
		}
		next, tr, err := risk.ClearEmergency(cur, s.now(), totalValue, req.Operator, req.Reason)
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		saved, err := s.store.SaveSafety(next)
		if errors.Is(err, store.ErrStateConflict) {
			continue
		}
		if err != nil {
			mapStoreError(w, err)
			return
		}
		if err := s.store.AppendSafetyEvent(tr, req.Operator); err != nil {
			s.log.Error().Err(err).Msg("clear not audited")
		}
		s.notifier.Notify(r.Context(), "Emergency stop cleared",
			fmt.Sprintf("by %s: %s", req.Operator, req.Reason))
		s.log.Info().Str("operator", req.Operator).Str("reason", req.Reason).
			Msg("emergency stop cleared")
		writeJSON(w, http.StatusOK, map[string]any{"safety": saved})
		return
	}
	writeError(w, http.StatusConflict, "safety state kept changing, retry")
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50, 500)
	trades, err := s.store.Trades(limit)
	if err != nil {
		mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

type submitRequest struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	NotionalUSD float64 `json:"notional_usd"`
}

// handleSubmitTrade enqueues a manual trade request. Validation happens
// here; the risk decision happens in the bot's next cycle.
func (s *Server) handleSubmitTrade(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := s.validateSubmit(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := s.store.Enqueue(req.Symbol, risk.Side(req.Side), req.NotionalUSD, s.now())
	if err != nil {
		mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"trade": m})
}

func (s *Server) validateSubmit(req submitRequest) error {
	if !s.supported(req.Symbol) {
		return fmt.Errorf("unsupported symbol %q", req.Symbol)
	}
	if req.Side != string(risk.Buy) && req.Side != string(risk.Sell) {
		return fmt.Errorf("side must be %s or %s", risk.Buy, risk.Sell)
	}
	if req.NotionalUSD <= 0 {
		return fmt.Errorf("notional_usd must be positive")
	}
	return nil
}

// handleRiskPreview runs the evaluator against current state without
// touching anything. The response is labeled a dry run: the bot's own
// evaluation next cycle may differ if state moves.
func (s *Server) handleRiskPreview(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := s.validateSubmit(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := s.store.LatestSnapshot()
	if err != nil {
		mapStoreError(w, err)
		return
	}
	safety, err := s.store.LoadSafety()
	if err != nil {
		mapStoreError(w, err)
		return
	}

	p := risk.Proposal{
		Symbol:      req.Symbol,
		Side:        risk.Side(req.Side),
		NotionalUSD: req.NotionalUSD,
		Origin:      risk.Manual,
	}
	v := risk.Evaluate(p, snap.View(safety.TradesToday), safety, risk.MarketView{}, s.limits)

	writeJSON(w, http.StatusOK, map[string]any{
		"dry_run":  true,
		"as_of":    snap.TS,
		"proposal": p,
		"verdict":  v,
	})
}

func (s *Server) supported(symbol string) bool {
	for _, sym := range s.symbols {
		if sym == symbol {
			return true
		}
	}
	return false
}

func queryInt(r *http.Request, key string, def, max int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
