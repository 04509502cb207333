package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coinpilot/coinpilot/internal/risk"
)

// InitSafety inserts the initial safety record when none exists yet. The
// persisted record wins on restart.
func (s *Store) InitSafety(initial risk.SafetyState) error {
	_, err := s.db.Exec(
		`INSERT INTO safety_state
			(id, mode, peak_value_usd, drawdown_pct, trades_today, day, stopped_at, stop_reason, version)
		 VALUES (1, ?, ?, ?, ?, ?, NULL, '', 1)
		 ON CONFLICT (id) DO NOTHING`,
		string(initial.Mode), initial.PeakValueUSD, initial.DrawdownPct,
		initial.TradesToday, initial.Day)
	if err != nil {
		return fmt.Errorf("init safety state: %w", err)
	}
	return nil
}

// LoadSafety reads the safety record, version included.
func (s *Store) LoadSafety() (risk.SafetyState, error) {
	var st risk.SafetyState
	var mode, day, reason string
	var stopped sql.NullString
	err := s.db.QueryRow(
		`SELECT mode, peak_value_usd, drawdown_pct, trades_today, day, stopped_at, stop_reason, version
		 FROM safety_state WHERE id = 1`).
		Scan(&mode, &st.PeakValueUSD, &st.DrawdownPct, &st.TradesToday, &day, &stopped, &reason, &st.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("safety state: %w", ErrNotFound)
	}
	if err != nil {
		return st, fmt.Errorf("load safety state: %w", err)
	}
	st.Mode = risk.Mode(mode)
	st.Day = day
	st.StopReason = reason
	if stopped.Valid {
		st.StoppedAt, _ = time.Parse(timeFmt, stopped.String)
	}
	return st, nil
}

// SaveSafety writes the safety record with optimistic concurrency: the
// update only lands if the stored version still matches st.Version. A lost
// race returns ErrStateConflict; the caller reloads and reapplies.
func (s *Store) SaveSafety(st risk.SafetyState) (risk.SafetyState, error) {
	var stopped any
	if !st.StoppedAt.IsZero() {
		stopped = st.StoppedAt.UTC().Format(timeFmt)
	}
	res, err := s.db.Exec(
		`UPDATE safety_state
		 SET mode = ?, peak_value_usd = ?, drawdown_pct = ?, trades_today = ?, day = ?,
		     stopped_at = ?, stop_reason = ?, version = version + 1
		 WHERE id = 1 AND version = ?`,
		string(st.Mode), st.PeakValueUSD, st.DrawdownPct, st.TradesToday, st.Day,
		stopped, st.StopReason, st.Version)
	if err != nil {
		return st, fmt.Errorf("save safety state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return st, fmt.Errorf("save safety state: %w", err)
	}
	if n == 0 {
		return st, fmt.Errorf("save safety state at version %d: %w", st.Version, ErrStateConflict)
	}
	st.Version++
	return st, nil
}

// AppendSafetyEvent records a mode transition or operator action in the
// audit log.
func (s *Store) AppendSafetyEvent(tr risk.Transition, operator string) error {
	_, err := s.db.Exec(
		`INSERT INTO safety_events (at, from_mode, to_mode, reason, operator) VALUES (?, ?, ?, ?, ?)`,
		tr.At.UTC().Format(timeFmt), string(tr.From), string(tr.To), tr.Reason, operator)
	if err != nil {
		return fmt.Errorf("append safety event: %w", err)
	}
	return nil
}

// SafetyEvent is one audited transition, as read back for the dashboard.
type SafetyEvent struct {
	At       time.Time `json:"at"`
	From     risk.Mode `json:"from"`
	To       risk.Mode `json:"to"`
	Reason   string    `json:"reason"`
	Operator string    `json:"operator,omitempty"`
}

// SafetyEvents returns up to limit events, newest first.
func (s *Store) SafetyEvents(limit int) ([]SafetyEvent, error) {
	rows, err := s.db.Query(
		`SELECT at, from_mode, to_mode, reason, operator
		 FROM safety_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query safety events: %w", err)
	}
	defer rows.Close()

	var out []SafetyEvent
	for rows.Next() {
		var e SafetyEvent
		var at, from, to string
		if err := rows.Scan(&at, &from, &to, &e.Reason, &e.Operator); err != nil {
			return nil, fmt.Errorf("scan safety event: %w", err)
		}
		e.At, _ = time.Parse(timeFmt, at)
		e.From, e.To = risk.Mode(from), risk.Mode(to)
		out = append(out, e)
	}
	return out, rows.Err()
}
