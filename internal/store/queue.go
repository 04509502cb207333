package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coinpilot/coinpilot/internal/risk"
)

type TradeStatus string

const (
	StatusPending  TradeStatus = "PENDING"
	StatusExecuted TradeStatus = "EXECUTED"
	StatusRejected TradeStatus = "REJECTED"
	StatusExpired  TradeStatus = "EXPIRED"
)

// ManualTrade is a dashboard-submitted trade request. It stays PENDING
// until the bot's drain step resolves it exactly once.
type ManualTrade struct {
	ID          string      `json:"id"`
	Symbol      string      `json:"symbol"`
	Side        risk.Side   `json:"side"`
	NotionalUSD float64     `json:"notional_usd"`
	Status      TradeStatus `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty"`
}

// Proposal converts the request into an evaluator proposal.
func (m ManualTrade) Proposal() risk.Proposal {
	return risk.Proposal{
		Symbol:      m.Symbol,
		Side:        m.Side,
		NotionalUSD: m.NotionalUSD,
		Origin:      risk.Manual,
	}
}

// Enqueue persists a new PENDING request and returns it with its assigned id.
func (s *Store) Enqueue(symbol string, side risk.Side, notionalUSD float64, now time.Time) (ManualTrade, error) {
	m := ManualTrade{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Side:        side,
		NotionalUSD: notionalUSD,
		Status:      StatusPending,
		SubmittedAt: now.UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO manual_trades (id, symbol, side, notional_usd, status, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Symbol, string(m.Side), m.NotionalUSD, string(m.Status), m.SubmittedAt.Format(timeFmt))
	if err != nil {
		return ManualTrade{}, fmt.Errorf("enqueue manual trade: %w", err)
	}
	s.log.Info().Str("id", m.ID).Str("symbol", symbol).Str("side", string(side)).
		Float64("notional_usd", notionalUSD).Msg("manual trade queued")
	return m, nil
}

// PendingFIFO returns all PENDING requests in submission order. Ties on
// submitted_at break by id so the order is total and stable.
func (s *Store) PendingFIFO() ([]ManualTrade, error) {
	return s.listTrades(
		`SELECT id, symbol, side, notional_usd, status, reason, submitted_at, resolved_at
		 FROM manual_trades WHERE status = 'PENDING' ORDER BY submitted_at, id`)
}

// Trades returns up to limit requests of any status, newest first.
func (s *Store) Trades(limit int) ([]ManualTrade, error) {
	return s.listTrades(
		`SELECT id, symbol, side, notional_usd, status, reason, submitted_at, resolved_at
		 FROM manual_trades ORDER BY submitted_at DESC, id DESC LIMIT ?`, limit)
}

// Resolve moves one request out of PENDING exactly once. The guard on the
// current status makes it a compare-and-swap: a second resolver, or a
// resolver racing TTL expiry, gets ErrStateConflict and must treat the
// request as consumed.
func (s *Store) Resolve(id string, outcome TradeStatus, reason string, now time.Time) error {
	if outcome != StatusExecuted && outcome != StatusRejected && outcome != StatusExpired {
		return fmt.Errorf("resolve %s: invalid outcome %q", id, outcome)
	}
	res, err := s.db.Exec(
		`UPDATE manual_trades SET status = ?, reason = ?, resolved_at = ?
		 WHERE id = ? AND status = 'PENDING'`,
		string(outcome), reason, now.UTC().Format(timeFmt), id)
	if err != nil {
		return fmt.Errorf("resolve manual trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve manual trade: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("resolve %s to %s: %w", id, outcome, ErrStateConflict)
	}
	s.log.Info().Str("id", id).Str("outcome", string(outcome)).Str("reason", reason).
		Msg("manual trade resolved")
	return nil
}

// ExpireStale marks PENDING requests older than ttl as EXPIRED and returns
// how many were expired. Runs at drain time, before evaluation.
func (s *Store) ExpireStale(ttl time.Duration, now time.Time) (int, error) {
	cutoff := now.UTC().Add(-ttl)
	res, err := s.db.Exec(
		`UPDATE manual_trades SET status = 'EXPIRED', reason = 'ttl exceeded', resolved_at = ?
		 WHERE status = 'PENDING' AND submitted_at < ?`,
		now.UTC().Format(timeFmt), cutoff.Format(timeFmt))
	if err != nil {
		return 0, fmt.Errorf("expire stale trades: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire stale trades: %w", err)
	}
	if n > 0 {
		s.log.Info().Int64("expired", n).Msg("stale manual trades expired")
	}
	return int(n), nil
}

// TradeCounts aggregates requests by status for the status endpoint.
func (s *Store) TradeCounts() (map[TradeStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM manual_trades GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count manual trades: %w", err)
	}
	defer rows.Close()

	out := map[TradeStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan trade count: %w", err)
		}
		out[TradeStatus(status)] = n
	}
	return out, rows.Err()
}

func (s *Store) listTrades(query string, args ...any) ([]ManualTrade, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query manual trades: %w", err)
	}
	defer rows.Close()

	var out []ManualTrade
	for rows.Next() {
		var m ManualTrade
		var side, status, submitted string
		var resolved sql.NullString
		if err := rows.Scan(&m.ID, &m.Symbol, &side, &m.NotionalUSD, &status, &m.Reason, &submitted, &resolved); err != nil {
			return nil, fmt.Errorf("scan manual trade: %w", err)
		}
		m.Side = risk.Side(side)
		m.Status = TradeStatus(status)
		m.SubmittedAt, _ = time.Parse(timeFmt, submitted)
		if resolved.Valid {
			t, err := time.Parse(timeFmt, resolved.String)
			if err == nil {
				m.ResolvedAt = &t
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
