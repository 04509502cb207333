package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/coinpilot/coinpilot/internal/observ"
)

// Live places real market orders against a binance-style REST API with
// HMAC-SHA256 signed requests. A client-side rate limiter keeps us under
// the venue's request budget regardless of cycle timing.
type Live struct {
	baseURL     string
	apiKey      string
	apiSecret   string
	minNotional float64
	http        *http.Client
	limiter     *rate.Limiter
	log         zerolog.Logger
}

type LiveOptions struct {
	BaseURL         string
	APIKey          string
	APISecret       string
	MinNotionalUSD  float64
	Timeout         time.Duration
	RateLimitPerSec float64
}

func NewLive(opts LiveOptions) *Live {
	return &Live{
		baseURL:     opts.BaseURL,
		apiKey:      opts.APIKey,
		apiSecret:   opts.APISecret,
		minNotional: opts.MinNotionalUSD,
		http:        &http.Client{Timeout: opts.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(opts.RateLimitPerSec), 1),
		log:         observ.Component("exchange.live"),
	}
}

func (l *Live) MinNotional(string) float64 {
	return l.minNotional
}

type orderResponse struct {
	OrderID             int64  `json:"orderId"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// PlaceOrder implements Client. Sizing uses quoteOrderQty so the venue
// converts notional to base quantity at execution price.
func (l *Live) PlaceOrder(ctx context.Context, o Order) (Fill, error) {
	if o.NotionalUSD < l.minNotional {
		return Fill{}, fmt.Errorf("notional %.2f: %w", o.NotionalUSD, ErrBelowMinimumSize)
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return Fill{}, fmt.Errorf("rate limit wait: %v: %w", err, ErrTimeout)
	}

	params := url.Values{
		"symbol":           {o.Symbol},
		"side":             {string(o.Side)},
		"type":             {"MARKET"},
		"quoteOrderQty":    {strconv.FormatFloat(o.NotionalUSD, 'f', 2, 64)},
		"newClientOrderId": {o.IdempotencyKey},
		"timestamp":        {strconv.FormatInt(time.Now().UnixMilli(), 10)},
	}
	query := params.Encode()
	signed := query + "&signature=" + l.sign(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		l.baseURL+"/api/v3/order", strings.NewReader(signed))
	if err != nil {
		return Fill{}, fmt.Errorf("build order request: %v: %w", err, ErrExchangeRejected)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-MBX-APIKEY", l.apiKey)

	resp, err := l.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return Fill{}, fmt.Errorf("place order %s: %w", o.Symbol, ErrTimeout)
		}
		return Fill{}, fmt.Errorf("place order %s: %v: %w", o.Symbol, err, ErrExchangeRejected)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Fill{}, fmt.Errorf("read order response: %v: %w", err, ErrExchangeRejected)
	}

	if resp.StatusCode != http.StatusOK {
		return Fill{}, l.mapAPIError(resp.StatusCode, body)
	}

	var or orderResponse
	if err := json.Unmarshal(body, &or); err != nil {
		return Fill{}, fmt.Errorf("decode order response: %v: %w", err, ErrExchangeRejected)
	}
	qty, _ := strconv.ParseFloat(or.ExecutedQty, 64)
	quote, _ := strconv.ParseFloat(or.CummulativeQuoteQty, 64)
	if qty <= 0 || quote <= 0 {
		return Fill{}, fmt.Errorf("order %d reported no execution: %w", or.OrderID, ErrExchangeRejected)
	}

	fill := Fill{
		OrderID:     strconv.FormatInt(or.OrderID, 10),
		Symbol:      o.Symbol,
		Side:        o.Side,
		Quantity:    qty,
		Price:       quote / qty,
		NotionalUSD: quote,
		At:          time.Now().UTC(),
	}
	l.log.Info().Str("order_id", fill.OrderID).Str("symbol", o.Symbol).
		Str("side", string(o.Side)).Float64("quantity", qty).Float64("notional_usd", quote).
		Msg("live order filled")
	return fill, nil
}

func (l *Live) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(l.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// mapAPIError translates venue error codes onto the typed failures.
// -2010 is the balance family; MIN_NOTIONAL filter failures arrive as
// -1013 with a filter message.
func (l *Live) mapAPIError(status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)

	switch {
	case ae.Code == -2010 && strings.Contains(strings.ToLower(ae.Msg), "balance"):
		return fmt.Errorf("venue %d %s: %w", ae.Code, ae.Msg, ErrInsufficientFunds)
	case ae.Code == -1013 || strings.Contains(ae.Msg, "MIN_NOTIONAL"):
		return fmt.Errorf("venue %d %s: %w", ae.Code, ae.Msg, ErrBelowMinimumSize)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("venue status %d: %w", status, ErrTimeout)
	default:
		return fmt.Errorf("venue status %d code %d %s: %w", status, ae.Code, ae.Msg, ErrExchangeRejected)
	}
}

var _ Client = (*Live)(nil)
