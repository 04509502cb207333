package marketdata

import (
	"context"
	"errors"
	"math"
)

// ErrMarketDataUnavailable marks a collaborator failure: the provider could
// not deliver a usable market context. The cycle degrades instead of
// trading blind.
var ErrMarketDataUnavailable = errors.New("market data unavailable")

// Indicators is the technical summary attached to each asset. Values are
// zero when not enough candles were available.
type Indicators struct {
	RSI14   float64 `json:"rsi_14"`
	SMAFast float64 `json:"sma_fast"`
	SMASlow float64 `json:"sma_slow"`
	Signal  string  `json:"signal"` // bullish | bearish | neutral
}

// AssetContext is one asset's market view for a cycle.
type AssetContext struct {
	Symbol       string     `json:"symbol"`
	Price        float64    `json:"price"`
	Change24hPct float64    `json:"change_24h_pct"`
	Volatile     bool       `json:"volatile"`
	Indicators   Indicators `json:"indicators"`
}

// Context is the market view for one decision cycle.
type Context struct {
	Assets map[string]AssetContext `json:"assets"`
}

// Price returns the spot price for symbol, or false when the context has
// no entry for it.
func (c Context) Price(symbol string) (float64, bool) {
	a, ok := c.Assets[symbol]
	if !ok || a.Price <= 0 {
		return 0, false
	}
	return a.Price, true
}

// VolatileSet projects the per-asset volatility flags for the evaluator.
func (c Context) VolatileSet() map[string]bool {
	out := make(map[string]bool, len(c.Assets))
	for sym, a := range c.Assets {
		out[sym] = a.Volatile
	}
	return out
}

// Provider delivers the market context for a cycle. Implementations return
// errors wrapping ErrMarketDataUnavailable on any failure.
type Provider interface {
	GetContext(ctx context.Context, assets []string) (Context, error)
}

// volatile applies the configured 24h-change threshold.
func volatile(change24hPct, thresholdPct float64) bool {
	return math.Abs(change24hPct) >= thresholdPct
}
