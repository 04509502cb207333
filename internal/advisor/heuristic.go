package advisor

import (
	"context"
	"fmt"
	"sort"
)

// Heuristic is the deterministic fallback oracle used in paper mode and
// whenever no API key is configured. It trades simple momentum: buy the
// strongest bullish signal not already overweight, sell held assets that
// turned bearish, otherwise hold. Deterministic on its inputs, which keeps
// paper runs reproducible.
type Heuristic struct {
	// SizingFraction of total portfolio value proposed per trade. The risk
	// evaluator still caps it.
	SizingFraction float64
}

// GetRecommendation implements Oracle.
func (h *Heuristic) GetRecommendation(_ context.Context, in Inputs) (Recommendation, error) {
	if len(in.Market.Assets) == 0 {
		return Recommendation{}, fmt.Errorf("no market context: %w", ErrAdvisoryUnavailable)
	}

	fraction := h.SizingFraction
	if fraction <= 0 {
		fraction = 0.02
	}
	notional := in.Portfolio.TotalValueUSD * fraction

	symbols := make([]string, 0, len(in.Market.Assets))
	for sym := range in.Market.Assets {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	// Sells first: exiting a sour position beats adding a new one.
	for _, sym := range symbols {
		a := in.Market.Assets[sym]
		if a.Indicators.Signal == "bearish" && in.Portfolio.HoldsPosition(sym) {
			rec := Recommendation{
				Action:      ActionSell,
				Symbol:      sym,
				NotionalUSD: in.Portfolio.PositionValues[sym],
				Confidence:  6,
				Rationale:   fmt.Sprintf("bearish crossover on %s (RSI %.0f)", sym, a.Indicators.RSI14),
			}
			if err := validate(rec, in.Symbols); err != nil {
				return Recommendation{}, fmt.Errorf("heuristic sell: %v: %w", err, ErrAdvisoryUnavailable)
			}
			return rec, nil
		}
	}

	var best string
	var bestMomentum float64
	for _, sym := range symbols {
		a := in.Market.Assets[sym]
		if a.Indicators.Signal != "bullish" || a.Volatile {
			continue
		}
		if best == "" || a.Change24hPct > bestMomentum {
			best, bestMomentum = sym, a.Change24hPct
		}
	}
	if best != "" && notional > 0 {
		rec := Recommendation{
			Action:      ActionBuy,
			Symbol:      best,
			NotionalUSD: notional,
			Confidence:  5,
			Rationale:   fmt.Sprintf("bullish crossover on %s, 24h change %.1f%%", best, bestMomentum),
		}
		if err := validate(rec, in.Symbols); err != nil {
			return Recommendation{}, fmt.Errorf("heuristic buy: %v: %w", err, ErrAdvisoryUnavailable)
		}
		return rec, nil
	}

	return Recommendation{
		Action:     ActionHold,
		Confidence: 5,
		Rationale:  "no actionable signal",
	}, nil
}
