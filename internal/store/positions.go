package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coinpilot/coinpilot/internal/risk"
)

// Position is an open holding. Quantity is always > 0; a fill that takes a
// position to exactly zero deletes the row.
type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	OpenedAt      time.Time `json:"opened_at"`
}

// Fill is a confirmed execution to be applied to portfolio state.
type Fill struct {
	Symbol      string
	Side        risk.Side
	Quantity    float64
	Price       float64
	NotionalUSD float64
	At          time.Time
}

// timeFmt is fixed-width so stored timestamps sort lexicographically in
// the same order as the instants they encode. RFC3339Nano trims trailing
// fractional zeros, which breaks SQL string comparison ("...05.5Z" sorts
// before "...05Z"). All writers format in UTC.
const timeFmt = "2006-01-02T15:04:05.000000000Z07:00"

// quantityEpsilon absorbs float residue when a SELL closes a position; a
// remainder below it counts as zero.
const quantityEpsilon = 1e-9

// Positions returns all open positions.
func (s *Store) Positions() ([]Position, error) {
	rows, err := s.db.Query(
		`SELECT symbol, quantity, avg_entry_price, opened_at FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		var opened string
		if err := rows.Scan(&p.Symbol, &p.Quantity, &p.AvgEntryPrice, &opened); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.OpenedAt, _ = time.Parse(timeFmt, opened)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ApplyFill applies a confirmed fill to the portfolio in one transaction:
// position quantity and average entry price move together with cash, or not
// at all. A fill that would drive quantity or cash negative returns
// ErrInvariantViolation and persists nothing.
func (s *Store) ApplyFill(f Fill) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin fill tx: %w", err)
	}
	defer tx.Rollback()

	var cash float64
	if err := tx.QueryRow(`SELECT cash_usd FROM account WHERE id = 1`).Scan(&cash); err != nil {
		return fmt.Errorf("read cash: %w", err)
	}

	var qty, avg float64
	var opened string
	held := true
	err = tx.QueryRow(
		`SELECT quantity, avg_entry_price, opened_at FROM positions WHERE symbol = ?`, f.Symbol).
		Scan(&qty, &avg, &opened)
	if errors.Is(err, sql.ErrNoRows) {
		held = false
	} else if err != nil {
		return fmt.Errorf("read position: %w", err)
	}

	switch f.Side {
	case risk.Buy:
		cash -= f.NotionalUSD
		if cash < -quantityEpsilon {
			return fmt.Errorf("buy %s for %.2f with %.2f cash: %w", f.Symbol, f.NotionalUSD, cash+f.NotionalUSD, ErrInvariantViolation)
		}
		newQty := qty + f.Quantity
		newAvg := f.Price
		if held && newQty > 0 {
			newAvg = (qty*avg + f.Quantity*f.Price) / newQty
		}
		if held {
			_, err = tx.Exec(
				`UPDATE positions SET quantity = ?, avg_entry_price = ? WHERE symbol = ?`,
				newQty, newAvg, f.Symbol)
		} else {
			_, err = tx.Exec(
				`INSERT INTO positions (symbol, quantity, avg_entry_price, opened_at) VALUES (?, ?, ?, ?)`,
				f.Symbol, newQty, newAvg, f.At.UTC().Format(timeFmt))
		}
		if err != nil {
			return fmt.Errorf("write position: %w", err)
		}

	case risk.Sell:
		newQty := qty - f.Quantity
		if newQty < -quantityEpsilon {
			return fmt.Errorf("sell %.8f %s with %.8f held: %w", f.Quantity, f.Symbol, qty, ErrInvariantViolation)
		}
		cash += f.NotionalUSD
		if newQty <= quantityEpsilon {
			_, err = tx.Exec(`DELETE FROM positions WHERE symbol = ?`, f.Symbol)
		} else {
			_, err = tx.Exec(`UPDATE positions SET quantity = ? WHERE symbol = ?`, newQty, f.Symbol)
		}
		if err != nil {
			return fmt.Errorf("write position: %w", err)
		}

	default:
		return fmt.Errorf("apply fill: unknown side %q", f.Side)
	}

	if _, err := tx.Exec(`UPDATE account SET cash_usd = ? WHERE id = 1`, cash); err != nil {
		return fmt.Errorf("write cash: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fill: %w", err)
	}

	s.log.Info().
		Str("symbol", f.Symbol).
		Str("side", string(f.Side)).
		Float64("quantity", f.Quantity).
		Float64("price", f.Price).
		Float64("notional_usd", f.NotionalUSD).
		Msg("fill applied")
	return nil
}
