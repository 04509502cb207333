package risk

import "fmt"

// Rule name tokens. These appear in verdicts, cycle reports, and metrics
// labels; treat them as a wire format.
const (
	RuleSafetyPrefix        = "SAFETY_"
	RulePerTradeRiskCap     = "PER_TRADE_RISK_CAP"
	RuleMaxPositions        = "MAX_POSITIONS"
	RuleConcentrationCap    = "CONCENTRATION_CAP"
	RuleDailyLimitReached   = "DAILY_LIMIT_REACHED"
	RuleVolatilityTightened = "VOLATILITY_TIGHTENED"
	RuleMinOrderSize        = "MIN_ORDER_SIZE"
)

// evalState accumulates the outcome as rules run in order. Rules mutate
// notional (scaling) or stop the chain (rejection).
type evalState struct {
	notional float64
	scaled   bool
	hits     []RuleHit
	rejected string
}

func (s *evalState) hit(name, detail string) {
	s.hits = append(s.hits, RuleHit{Name: name, Detail: detail})
}

func (s *evalState) reject(name, detail string) {
	s.hit(name, detail)
	s.rejected = name
}

type rule func(p Proposal, pf PortfolioView, safety SafetyState, mkt MarketView, lim Limits, s *evalState)

// Evaluate runs the ordered rule chain over a proposal and returns a
// verdict. It is pure: no I/O, no clock, no mutation of its inputs, so the
// same inputs always yield the same verdict.
func Evaluate(p Proposal, pf PortfolioView, safety SafetyState, mkt MarketView, lim Limits) Verdict {
	s := &evalState{notional: p.NotionalUSD}

	chain := []rule{
		safetyGate,
		perTradeCap,
		positionCountCap,
		concentrationCap,
		dailyTradeCap,
		minOrderFloor,
	}
	for _, r := range chain {
		r(p, pf, safety, mkt, lim, s)
		if s.rejected != "" {
			return Verdict{
				Decision:         Reject,
				OriginalNotional: p.NotionalUSD,
				Rules:            s.hits,
				RejectedBy:       s.rejected,
			}
		}
	}

	v := Verdict{
		Decision:         Approve,
		OriginalNotional: p.NotionalUSD,
		ApprovedNotional: s.notional,
		Rules:            s.hits,
	}
	if s.scaled {
		v.Decision = Scale
	}
	return v
}

// Rule 1: no trading in any non-NORMAL mode. The mode name is embedded in
// the token so operators can distinguish a latched emergency from a daily
// limit at a glance.
func safetyGate(_ Proposal, _ PortfolioView, safety SafetyState, _ MarketView, _ Limits, s *evalState) {
	if safety.Mode != ModeNormal {
		s.reject(RuleSafetyPrefix+string(safety.Mode), fmt.Sprintf("trading halted, mode=%s", safety.Mode))
	}
}

// Rules 2 and 6: cap the notional at a fraction of portfolio value,
// tightening the cap first when the asset is flagged volatile. Oversized
// proposals are scaled down, not rejected.
func perTradeCap(p Proposal, pf PortfolioView, _ SafetyState, mkt MarketView, lim Limits, s *evalState) {
	cap := lim.MaxPortfolioRiskPerTrade * pf.TotalValueUSD
	if mkt.Available && mkt.Volatile[p.Symbol] {
		tightened := cap * lim.VolatilityTightening
		s.hit(RuleVolatilityTightened, fmt.Sprintf("cap %.2f -> %.2f", cap, tightened))
		cap = tightened
	}
	if s.notional > cap {
		s.hit(RulePerTradeRiskCap, fmt.Sprintf("notional %.2f scaled to cap %.2f", s.notional, cap))
		s.notional = cap
		s.scaled = true
	}
}

// Rule 3: a BUY that would open a new position is rejected when the
// portfolio already holds the maximum number of concurrent positions.
// Adding to an existing position is allowed.
func positionCountCap(p Proposal, pf PortfolioView, _ SafetyState, _ MarketView, lim Limits, s *evalState) {
	if p.Side != Buy || pf.HoldsPosition(p.Symbol) {
		return
	}
	if len(pf.PositionValues) >= lim.MaxConcurrentPositions {
		s.reject(RuleMaxPositions, fmt.Sprintf("%d positions open, max %d", len(pf.PositionValues), lim.MaxConcurrentPositions))
	}
}

// Rule 4: post-trade exposure to a single asset may not exceed the
// concentration cap. Checked with the possibly-scaled size from rule 2.
// SELL reduces exposure and is exempt.
func concentrationCap(p Proposal, pf PortfolioView, _ SafetyState, _ MarketView, lim Limits, s *evalState) {
	if p.Side == Sell {
		return
	}
	if pf.TotalValueUSD <= 0 {
		return
	}
	after := (pf.PositionValues[p.Symbol] + s.notional) / pf.TotalValueUSD
	if after > lim.MaxConcentration {
		s.reject(RuleConcentrationCap, fmt.Sprintf("post-trade exposure %.1f%% exceeds %.1f%%", after*100, lim.MaxConcentration*100))
	}
}

// Rule 5: the per-day executed trade count is a hard limit.
func dailyTradeCap(_ Proposal, pf PortfolioView, _ SafetyState, _ MarketView, lim Limits, s *evalState) {
	if pf.TradesToday >= lim.MaxTradesPerDay {
		s.reject(RuleDailyLimitReached, fmt.Sprintf("%d trades today, max %d", pf.TradesToday, lim.MaxTradesPerDay))
	}
}

// Rule 7: an approved size that scaled below the venue minimum is not
// executable; reject rather than round up past a cap another rule set.
func minOrderFloor(_ Proposal, _ PortfolioView, _ SafetyState, _ MarketView, lim Limits, s *evalState) {
	if s.notional < lim.MinNotionalUSD {
		s.reject(RuleMinOrderSize, fmt.Sprintf("notional %.2f below minimum order size %.2f", s.notional, lim.MinNotionalUSD))
	}
}
