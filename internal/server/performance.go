package server

import (
	"github.com/coinpilot/coinpilot/internal/risk"
	"github.com/coinpilot/coinpilot/internal/store"
)

// Performance is the summary block on the status endpoint, derived from
// snapshot history and resolved trades.
type Performance struct {
	TotalReturnPct float64 `json:"total_return_pct"`
	WinRatePct     float64 `json:"win_rate_pct"` // share of trading days that closed up
	DaysTracked    int     `json:"days_tracked"`
	TradesExecuted int     `json:"trades_executed"`
}

func (s *Server) performance() (Performance, error) {
	history, err := s.store.SnapshotHistory(1000)
	if err != nil {
		return Performance{}, err
	}
	counts, err := s.store.TradeCounts()
	if err != nil {
		return Performance{}, err
	}

	perf := Performance{TradesExecuted: counts[store.StatusExecuted]}
	if len(history) == 0 {
		return perf, nil
	}

	// Total return is measured from inception, not from the bounded history
	// window the win-rate calculation works over.
	first, err := s.store.FirstSnapshot()
	if err != nil {
		return Performance{}, err
	}
	last := history[0]
	if first.TotalValueUSD > 0 {
		perf.TotalReturnPct = (last.TotalValueUSD - first.TotalValueUSD) / first.TotalValueUSD * 100
	}

	// One closing value per UTC day, oldest to newest.
	var days []float64
	var currentDay string
	for i := len(history) - 1; i >= 0; i-- {
		day := risk.TradingDay(history[i].TS)
		if day != currentDay {
			days = append(days, history[i].TotalValueUSD)
			currentDay = day
		} else {
			days[len(days)-1] = history[i].TotalValueUSD
		}
	}
	up := 0
	for i := 1; i < len(days); i++ {
		if days[i] > days[i-1] {
			up++
		}
	}
	perf.DaysTracked = len(days)
	if len(days) > 1 {
		perf.WinRatePct = float64(up) / float64(len(days)-1) * 100
	}
	return perf, nil
}
