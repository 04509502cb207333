package marketdata

import "github.com/markcheno/go-talib"

const (
	rsiPeriod     = 14
	smaFastPeriod = 10
	smaSlowPeriod = 30
)

// computeIndicators summarizes recent closes into the per-asset indicator
// block. Needs at least smaSlowPeriod closes; returns zero values otherwise.
func computeIndicators(closes []float64) Indicators {
	if len(closes) <= smaSlowPeriod {
		return Indicators{Signal: "neutral"}
	}

	rsi := talib.Rsi(closes, rsiPeriod)
	fast := talib.Sma(closes, smaFastPeriod)
	slow := talib.Sma(closes, smaSlowPeriod)

	ind := Indicators{
		RSI14:   rsi[len(rsi)-1],
		SMAFast: fast[len(fast)-1],
		SMASlow: slow[len(slow)-1],
	}

	switch {
	case ind.SMAFast > ind.SMASlow && ind.RSI14 < 70:
		ind.Signal = "bullish"
	case ind.SMAFast < ind.SMASlow && ind.RSI14 > 30:
		ind.Signal = "bearish"
	default:
		ind.Signal = "neutral"
	}
	return ind
}
