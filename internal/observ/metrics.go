package observ

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coinpilot_cycles_total",
		Help: "Completed decision cycles by status (ok|degraded|error).",
	}, []string{"status"})

	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "coinpilot_cycle_duration_seconds",
		Help:    "Wall-clock duration of a decision cycle.",
		Buckets: prometheus.DefBuckets,
	})

	VerdictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coinpilot_risk_verdicts_total",
		Help: "Risk evaluator verdicts by decision and origin (manual|automated).",
	}, []string{"decision", "origin"})

	RuleHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coinpilot_risk_rule_hits_total",
		Help: "Times a risk rule rejected or scaled a proposal.",
	}, []string{"rule"})

	OrdersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coinpilot_orders_total",
		Help: "Exchange order outcomes (filled|failed).",
	}, []string{"side", "outcome"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coinpilot_manual_queue_depth",
		Help: "Pending manual trade requests at last drain.",
	})

	SafetyMode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coinpilot_safety_mode",
		Help: "1 for the active safety mode, 0 otherwise.",
	}, []string{"mode"})

	PortfolioValue = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coinpilot_portfolio_value_usd",
		Help: "Total portfolio value at the last snapshot.",
	})

	DrawdownPct = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coinpilot_drawdown_from_peak",
		Help: "Current drawdown from the running portfolio peak (fraction).",
	})
)

func init() {
	prometheus.MustRegister(
		CyclesTotal,
		CycleDuration,
		VerdictsTotal,
		RuleHits,
		OrdersTotal,
		QueueDepth,
		SafetyMode,
		PortfolioValue,
		DrawdownPct,
	)
}

// SetSafetyMode flips the safety mode gauge family to the given mode.
func SetSafetyMode(mode string) {
	for _, m := range []string{"NORMAL", "DAILY_LIMIT_REACHED", "EMERGENCY_STOPPED"} {
		v := 0.0
		if m == mode {
			v = 1.0
		}
		SafetyMode.WithLabelValues(m).Set(v)
	}
}
