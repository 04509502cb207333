package risk

import "time"

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

type Origin string

const (
	Manual    Origin = "MANUAL"
	Automated Origin = "AUTOMATED"
)

// Proposal is a fully-specified trade candidate, either drained from the
// manual queue or produced by the advisor. Notional is always in quote
// currency (USD terms).
type Proposal struct {
	Symbol      string  `json:"symbol"`
	Side        Side    `json:"side"`
	NotionalUSD float64 `json:"notional_usd"`
	Origin      Origin  `json:"origin"`
	Confidence  float64 `json:"confidence,omitempty"` // advisor confidence, 0..10
}

type Decision string

const (
	Approve Decision = "APPROVE"
	Reject  Decision = "REJECT"
	Scale   Decision = "SCALE"
)

// RuleHit records one rule that rejected or resized a proposal. Name is a
// stable machine token; Detail is for humans.
type RuleHit struct {
	Name   string `json:"name"`
	Detail string `json:"detail,omitempty"`
}

// Verdict is the evaluator's output. It is a value, never an error: a
// rejected proposal is a successful evaluation.
type Verdict struct {
	Decision         Decision  `json:"decision"`
	OriginalNotional float64   `json:"original_notional"`
	ApprovedNotional float64   `json:"approved_notional"` // 0 when rejected
	Rules            []RuleHit `json:"rules,omitempty"`
	RejectedBy       string    `json:"rejected_by,omitempty"`
}

// PortfolioView is the slice of portfolio state the evaluator needs.
// Callers build it from the latest snapshot; the evaluator never touches
// the store.
type PortfolioView struct {
	CashUSD        float64
	TotalValueUSD  float64
	PositionValues map[string]float64 // symbol -> current notional
	TradesToday    int
}

// HoldsPosition reports whether the portfolio has a nonzero position in symbol.
func (p PortfolioView) HoldsPosition(symbol string) bool {
	return p.PositionValues[symbol] > 0
}

// MarketView carries the market inputs the evaluator consults. Volatile
// means the provider flagged the asset's recent move as above the
// configured threshold. Available is false on degraded cycles.
type MarketView struct {
	Available bool
	Volatile  map[string]bool
}

// Limits are the evaluator's thresholds, lifted from config so the risk
// package stays import-free of the config loader.
type Limits struct {
	MaxPortfolioRiskPerTrade float64
	MaxConcurrentPositions   int
	MaxConcentration         float64
	MaxTradesPerDay          int
	VolatilityTightening     float64
	MinNotionalUSD           float64
	EmergencyStopLossPct     float64
}

type Mode string

const (
	ModeNormal     Mode = "NORMAL"
	ModeDailyLimit Mode = "DAILY_LIMIT_REACHED"
	ModeEmergency  Mode = "EMERGENCY_STOPPED"
)

// SafetyState is the versioned safety record shared by both processes.
// Version backs compare-and-swap persistence.
type SafetyState struct {
	Mode          Mode      `json:"mode"`
	PeakValueUSD  float64   `json:"peak_value_usd"`
	DrawdownPct   float64   `json:"drawdown_pct"` // fraction of peak, recomputed every cycle
	TradesToday   int       `json:"trades_today"`
	Day           string    `json:"day"` // UTC trading day, YYYY-MM-DD
	StoppedAt     time.Time `json:"stopped_at,omitempty"`
	StopReason    string    `json:"stop_reason,omitempty"`
	Version       int64     `json:"version"`
}
