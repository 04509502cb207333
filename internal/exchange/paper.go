package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/observ"
	"github.com/coinpilot/coinpilot/internal/outbox"
	"github.com/coinpilot/coinpilot/internal/risk"
	"github.com/coinpilot/coinpilot/internal/store"
)

// Paper simulates fills against the durable portfolio without touching a
// venue. Balance checks run against the same store the pipeline writes, so
// a paper fill can never overdraw cash or oversell a position. The outbox
// dedupe window refuses replays of the same logical order after a crash.
type Paper struct {
	store        *store.Store
	outbox       *outbox.Outbox
	slippageBps  int
	minNotional  float64
	dedupeWindow time.Duration
	now          func() time.Time
	log          zerolog.Logger
}

type PaperOptions struct {
	Store        *store.Store
	Outbox       *outbox.Outbox
	SlippageBps  int
	MinNotional  float64
	DedupeWindow time.Duration
}

func NewPaper(opts PaperOptions) *Paper {
	return &Paper{
		store:        opts.Store,
		outbox:       opts.Outbox,
		slippageBps:  opts.SlippageBps,
		minNotional:  opts.MinNotional,
		dedupeWindow: opts.DedupeWindow,
		now:          time.Now,
		log:          observ.Component("exchange.paper"),
	}
}

func (p *Paper) MinNotional(string) float64 {
	return p.minNotional
}

// PlaceOrder implements Client.
func (p *Paper) PlaceOrder(_ context.Context, o Order) (Fill, error) {
	now := p.now()

	if o.NotionalUSD < p.minNotional {
		return Fill{}, fmt.Errorf("notional %.2f: %w", o.NotionalUSD, ErrBelowMinimumSize)
	}
	if o.ReferencePrice <= 0 {
		return Fill{}, fmt.Errorf("no reference price for %s: %w", o.Symbol, ErrExchangeRejected)
	}

	if o.IdempotencyKey != "" {
		dup, err := p.outbox.HasRecent(o.IdempotencyKey, p.dedupeWindow, now)
		if err != nil {
			return Fill{}, fmt.Errorf("outbox check: %v: %w", err, ErrExchangeRejected)
		}
		if dup {
			return Fill{}, fmt.Errorf("duplicate order %s: %w", o.IdempotencyKey, ErrExchangeRejected)
		}
	}

	// Slippage moves the fill against the taker on both sides.
	price := o.ReferencePrice
	slip := float64(p.slippageBps) / 10000
	switch o.Side {
	case risk.Buy:
		price *= 1 + slip
	case risk.Sell:
		price *= 1 - slip
	default:
		return Fill{}, fmt.Errorf("unknown side %q: %w", o.Side, ErrExchangeRejected)
	}
	qty := o.NotionalUSD / price

	switch o.Side {
	case risk.Buy:
		cash, err := p.store.Cash()
		if err != nil {
			return Fill{}, fmt.Errorf("read cash: %v: %w", err, ErrExchangeRejected)
		}
		if cash < o.NotionalUSD {
			return Fill{}, fmt.Errorf("cash %.2f < notional %.2f: %w", cash, o.NotionalUSD, ErrInsufficientFunds)
		}
	case risk.Sell:
		held, err := p.heldQuantity(o.Symbol)
		if err != nil {
			return Fill{}, fmt.Errorf("read position: %v: %w", err, ErrExchangeRejected)
		}
		if held*price < o.NotionalUSD {
			return Fill{}, fmt.Errorf("held %.8f %s worth %.2f < notional %.2f: %w",
				held, o.Symbol, held*price, o.NotionalUSD, ErrInsufficientFunds)
		}
	}

	if err := p.outbox.Append(outbox.Record{
		Type:           "order",
		IdempotencyKey: o.IdempotencyKey,
		Symbol:         o.Symbol,
		Side:           o.Side,
		NotionalUSD:    o.NotionalUSD,
		At:             now,
	}); err != nil {
		return Fill{}, fmt.Errorf("record order: %v: %w", err, ErrExchangeRejected)
	}

	fill := Fill{
		OrderID:     uuid.NewString(),
		Symbol:      o.Symbol,
		Side:        o.Side,
		Quantity:    qty,
		Price:       price,
		NotionalUSD: o.NotionalUSD,
		At:          now,
	}

	if err := p.outbox.Append(outbox.Record{
		Type:           "fill",
		IdempotencyKey: o.IdempotencyKey,
		Symbol:         o.Symbol,
		Side:           o.Side,
		NotionalUSD:    o.NotionalUSD,
		Quantity:       qty,
		Price:          price,
		At:             now,
	}); err != nil {
		p.log.Error().Err(err).Str("order_id", fill.OrderID).Msg("fill recorded in memory but not in outbox")
	}

	p.log.Info().Str("order_id", fill.OrderID).Str("symbol", o.Symbol).
		Str("side", string(o.Side)).Float64("price", price).Float64("quantity", qty).
		Msg("paper order filled")
	return fill, nil
}

func (p *Paper) heldQuantity(symbol string) (float64, error) {
	positions, err := p.store.Positions()
	if err != nil {
		return 0, err
	}
	for _, pos := range positions {
		if pos.Symbol == symbol {
			return pos.Quantity, nil
		}
	}
	return 0, nil
}
