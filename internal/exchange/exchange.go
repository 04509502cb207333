package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/coinpilot/coinpilot/internal/risk"
)

// Typed order failures. The pipeline branches on these with errors.Is; any
// other error from a client is treated as ErrExchangeRejected-equivalent.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBelowMinimumSize  = errors.New("below minimum order size")
	ErrExchangeRejected  = errors.New("exchange rejected order")
	ErrTimeout           = errors.New("exchange timeout")
)

// Order is a market order sized in quote currency. ReferencePrice is the
// price the caller sized against; the paper client fills relative to it,
// the live client ignores it. IdempotencyKey identifies the logical
// submission across crash/restart.
type Order struct {
	Symbol         string
	Side           risk.Side
	NotionalUSD    float64
	ReferencePrice float64
	IdempotencyKey string
}

// Fill is a confirmed execution.
type Fill struct {
	OrderID     string
	Symbol      string
	Side        risk.Side
	Quantity    float64
	Price       float64
	NotionalUSD float64
	At          time.Time
}

// Client places orders against a venue, real or simulated.
type Client interface {
	PlaceOrder(ctx context.Context, o Order) (Fill, error)
	MinNotional(symbol string) float64
}
