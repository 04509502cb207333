package decision

import (
	"time"

	"github.com/coinpilot/coinpilot/internal/advisor"
	"github.com/coinpilot/coinpilot/internal/risk"
)

// Cycle status values persisted with every report.
const (
	StatusOK       = "OK"
	StatusDegraded = "DEGRADED"
	StatusError    = "ERROR"
)

// Evaluation outcomes for a single proposal within a cycle.
const (
	OutcomeExecuted = "EXECUTED"
	OutcomeRejected = "REJECTED"
	OutcomeFailed   = "FAILED" // approved but the exchange dispatch failed
)

// Evaluation is the audit record for one proposal: what was asked, what the
// evaluator said, and what actually happened at the venue.
type Evaluation struct {
	RequestID string        `json:"request_id,omitempty"` // manual queue id
	Proposal  risk.Proposal `json:"proposal"`
	Verdict   risk.Verdict  `json:"verdict"`
	Outcome   string        `json:"outcome"`
	OrderID   string        `json:"order_id,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// CycleReport is the full account of one decision cycle. It is persisted as
// JSON in the cycle_reports table and is the primary debugging artifact for
// "why did the bot (not) trade".
type CycleReport struct {
	ID             string                  `json:"id"`
	StartedAt      time.Time               `json:"started_at"`
	FinishedAt     time.Time               `json:"finished_at"`
	Status         string                  `json:"status"`
	Degraded       []string                `json:"degraded,omitempty"` // collaborator failures, when Status is DEGRADED
	SafetyMode     risk.Mode               `json:"safety_mode"`
	DrawdownPct    float64                 `json:"drawdown_pct"`
	CashUSD        float64                 `json:"cash_usd"`
	TotalValueUSD  float64                 `json:"total_value_usd"`
	ExpiredManual  int                     `json:"expired_manual,omitempty"`
	Evaluations    []Evaluation            `json:"evaluations,omitempty"`
	Recommendation *advisor.Recommendation `json:"recommendation,omitempty"`
	TradesExecuted int                     `json:"trades_executed"`
}
