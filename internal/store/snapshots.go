package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coinpilot/coinpilot/internal/risk"
)

// PositionValue is a position valued at snapshot time.
type PositionValue struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	Price         float64 `json:"price"`
	ValueUSD      float64 `json:"value_usd"`
}

// Snapshot is a point-in-time valuation of the whole portfolio. Snapshots
// are append-only; history is never rewritten.
type Snapshot struct {
	ID            int64           `json:"id"`
	TS            time.Time       `json:"ts"`
	CashUSD       float64         `json:"cash_usd"`
	TotalValueUSD float64         `json:"total_value_usd"`
	Positions     []PositionValue `json:"positions"`
}

// View projects the snapshot into the evaluator's portfolio view.
func (sn Snapshot) View(tradesToday int) risk.PortfolioView {
	values := make(map[string]float64, len(sn.Positions))
	for _, p := range sn.Positions {
		values[p.Symbol] = p.ValueUSD
	}
	return risk.PortfolioView{
		CashUSD:        sn.CashUSD,
		TotalValueUSD:  sn.TotalValueUSD,
		PositionValues: values,
		TradesToday:    tradesToday,
	}
}

// Price returns the snapshot valuation price for symbol, or false when the
// snapshot holds no such position.
func (sn Snapshot) Price(symbol string) (float64, bool) {
	for _, p := range sn.Positions {
		if p.Symbol == symbol && p.Price > 0 {
			return p.Price, true
		}
	}
	return 0, false
}

// AppendSnapshot persists a new snapshot.
func (s *Store) AppendSnapshot(sn Snapshot) error {
	blob, err := json.Marshal(sn.Positions)
	if err != nil {
		return fmt.Errorf("marshal snapshot positions: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO snapshots (ts, cash_usd, total_value_usd, positions_json) VALUES (?, ?, ?, ?)`,
		sn.TS.UTC().Format(timeFmt), sn.CashUSD, sn.TotalValueUSD, string(blob))
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot, or ErrNotFound before the
// first cycle has run.
func (s *Store) LatestSnapshot() (Snapshot, error) {
	row := s.db.QueryRow(
		`SELECT id, ts, cash_usd, total_value_usd, positions_json
		 FROM snapshots ORDER BY id DESC LIMIT 1`)
	sn, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("latest snapshot: %w", ErrNotFound)
	}
	return sn, err
}

// FirstSnapshot returns the oldest snapshot, or ErrNotFound before the
// first cycle has run. It anchors since-inception measurements that a
// bounded history window would otherwise truncate.
func (s *Store) FirstSnapshot() (Snapshot, error) {
	row := s.db.QueryRow(
		`SELECT id, ts, cash_usd, total_value_usd, positions_json
		 FROM snapshots ORDER BY id ASC LIMIT 1`)
	sn, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("first snapshot: %w", ErrNotFound)
	}
	return sn, err
}

// SnapshotHistory returns up to limit snapshots, newest first.
func (s *Store) SnapshotHistory(limit int) ([]Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, cash_usd, total_value_usd, positions_json
		 FROM snapshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		sn, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r rowScanner) (Snapshot, error) {
	var sn Snapshot
	var ts, blob string
	if err := r.Scan(&sn.ID, &ts, &sn.CashUSD, &sn.TotalValueUSD, &blob); err != nil {
		return Snapshot{}, err
	}
	sn.TS, _ = time.Parse(timeFmt, ts)
	if err := json.Unmarshal([]byte(blob), &sn.Positions); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot positions: %w", err)
	}
	return sn, nil
}
