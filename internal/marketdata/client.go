package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/observ"
)

// Client pulls spot prices, 24h stats, and candles from a binance-style
// REST API. Any failure for any requested asset fails the whole context;
// partial market views are worse than degraded cycles.
type Client struct {
	baseURL      string
	http         *http.Client
	candleLimit  int
	volThreshold float64
	log          zerolog.Logger
}

type ClientOptions struct {
	BaseURL                string
	Timeout                time.Duration
	CandleLimit            int
	VolatilityThresholdPct float64
}

func NewClient(opts ClientOptions) *Client {
	return &Client{
		baseURL:      opts.BaseURL,
		http:         &http.Client{Timeout: opts.Timeout},
		candleLimit:  opts.CandleLimit,
		volThreshold: opts.VolatilityThresholdPct,
		log:          observ.Component("marketdata"),
	}
}

// GetContext implements Provider.
func (c *Client) GetContext(ctx context.Context, assets []string) (Context, error) {
	out := Context{Assets: make(map[string]AssetContext, len(assets))}
	for _, sym := range assets {
		ac, err := c.assetContext(ctx, sym)
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", sym).Msg("market context fetch failed")
			return Context{}, fmt.Errorf("fetch %s: %v: %w", sym, err, ErrMarketDataUnavailable)
		}
		out.Assets[sym] = ac
	}
	return out, nil
}

func (c *Client) assetContext(ctx context.Context, symbol string) (AssetContext, error) {
	var ticker struct {
		LastPrice          string `json:"lastPrice"`
		PriceChangePercent string `json:"priceChangePercent"`
	}
	q := url.Values{"symbol": {symbol}}
	if err := c.getJSON(ctx, "/api/v3/ticker/24hr", q, &ticker); err != nil {
		return AssetContext{}, err
	}

	price, err := strconv.ParseFloat(ticker.LastPrice, 64)
	if err != nil || price <= 0 {
		return AssetContext{}, fmt.Errorf("bad last price %q", ticker.LastPrice)
	}
	change, err := strconv.ParseFloat(ticker.PriceChangePercent, 64)
	if err != nil {
		return AssetContext{}, fmt.Errorf("bad 24h change %q", ticker.PriceChangePercent)
	}

	closes, err := c.closes(ctx, symbol)
	if err != nil {
		return AssetContext{}, err
	}

	return AssetContext{
		Symbol:       symbol,
		Price:        price,
		Change24hPct: change,
		Volatile:     volatile(change, c.volThreshold),
		Indicators:   computeIndicators(closes),
	}, nil
}

// closes fetches hourly candles and extracts close prices. Binance klines
// are positional arrays; index 4 is the close, as a string.
func (c *Client) closes(ctx context.Context, symbol string) ([]float64, error) {
	var raw [][]any
	q := url.Values{
		"symbol":   {symbol},
		"interval": {"1h"},
		"limit":    {strconv.Itoa(c.candleLimit)},
	}
	if err := c.getJSON(ctx, "/api/v3/klines", q, &raw); err != nil {
		return nil, err
	}

	closes := make([]float64, 0, len(raw))
	for _, candle := range raw {
		if len(candle) < 5 {
			return nil, fmt.Errorf("malformed kline for %s", symbol)
		}
		s, ok := candle[4].(string)
		if !ok {
			return nil, fmt.Errorf("malformed kline close for %s", symbol)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("parse kline close: %w", err)
		}
		closes = append(closes, v)
	}
	return closes, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
