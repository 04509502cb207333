package advisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/coinpilot/coinpilot/internal/marketdata"
	"github.com/coinpilot/coinpilot/internal/risk"
)

// ErrAdvisoryUnavailable marks a collaborator failure: no usable
// recommendation could be produced this cycle. The pipeline degrades to
// queue-drain-only and tries again next cycle.
var ErrAdvisoryUnavailable = errors.New("advisory unavailable")

// Action is the closed recommendation variant. Anything else coming off the
// wire is rejected at the boundary and never reaches the pipeline.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Recommendation is a validated advisory output. NotionalUSD is the
// advisor's suggested order size; the risk evaluator has the final word.
type Recommendation struct {
	Action      Action  `json:"action"`
	Symbol      string  `json:"symbol"`
	NotionalUSD float64 `json:"notional_usd"`
	Confidence  float64 `json:"confidence"` // 0..10
	Rationale   string  `json:"rationale"`
}

// RiskSummary is the condensed risk picture shared with the advisor so its
// sizing stays aware of current exposure.
type RiskSummary struct {
	Mode               risk.Mode `json:"mode"`
	DrawdownPct        float64   `json:"drawdown_pct"`
	TradesToday        int       `json:"trades_today"`
	PositionCount      int       `json:"position_count"`
	LargestPositionPct float64   `json:"largest_position_pct"`
}

// Inputs is everything an oracle may consult for one recommendation.
type Inputs struct {
	Market    marketdata.Context
	Portfolio risk.PortfolioView
	Risk      RiskSummary
	Symbols   []string // allowlist, also the candidate set
}

// Oracle produces at most one recommendation per cycle. A HOLD action is a
// successful call; errors wrap ErrAdvisoryUnavailable.
type Oracle interface {
	GetRecommendation(ctx context.Context, in Inputs) (Recommendation, error)
}

// validate enforces the closed variant and sane ranges at the boundary.
func validate(r Recommendation, symbols []string) error {
	switch r.Action {
	case ActionBuy, ActionSell, ActionHold:
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	if r.Action == ActionHold {
		return nil
	}
	if !contains(symbols, r.Symbol) {
		return fmt.Errorf("unsupported symbol %q", r.Symbol)
	}
	if r.NotionalUSD <= 0 {
		return fmt.Errorf("non-positive notional %.2f", r.NotionalUSD)
	}
	if r.Confidence < 0 || r.Confidence > 10 {
		return fmt.Errorf("confidence %.1f out of range", r.Confidence)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
