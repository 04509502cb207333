package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/coinpilot/coinpilot/internal/observ"
)

var (
	// ErrStateConflict is returned when a compare-and-swap write loses: the
	// record changed (or was resolved) between read and write.
	ErrStateConflict = errors.New("state conflict")

	// ErrInvariantViolation is returned when a write would corrupt portfolio
	// state (negative quantity, negative cash). The transaction is rolled
	// back and nothing is persisted.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// Store is the durable shared state both processes coordinate through:
// portfolio, manual trade queue, safety record, and the cycle audit trail.
// All cross-process coordination happens inside SQLite transactions.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the SQLite database at path and runs
// migrations. WAL mode plus a busy timeout lets the bot and the dashboard
// share the file without stepping on each other.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, log: observ.Component("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS account (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			cash_usd REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT PRIMARY KEY,
			quantity REAL NOT NULL,
			avg_entry_price REAL NOT NULL,
			opened_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			cash_usd REAL NOT NULL,
			total_value_usd REAL NOT NULL,
			positions_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS manual_trades (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			notional_usd REAL NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			reason TEXT NOT NULL DEFAULT '',
			submitted_at TEXT NOT NULL,
			resolved_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_manual_trades_status
			ON manual_trades (status, submitted_at)`,
		`CREATE TABLE IF NOT EXISTS safety_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			mode TEXT NOT NULL,
			peak_value_usd REAL NOT NULL,
			drawdown_pct REAL NOT NULL,
			trades_today INTEGER NOT NULL,
			day TEXT NOT NULL,
			stopped_at TEXT,
			stop_reason TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS safety_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			from_mode TEXT NOT NULL,
			to_mode TEXT NOT NULL,
			reason TEXT NOT NULL,
			operator TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS cycle_reports (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			status TEXT NOT NULL,
			report_json TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// EnsureAccount seeds the cash balance on first run. Subsequent runs leave
// the persisted balance alone.
func (s *Store) EnsureAccount(initialCashUSD float64) error {
	res, err := s.db.Exec(
		`INSERT INTO account (id, cash_usd) VALUES (1, ?) ON CONFLICT (id) DO NOTHING`,
		initialCashUSD,
	)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Info().Float64("cash_usd", initialCashUSD).Msg("seeded account balance")
	}
	return nil
}

// Cash returns the current cash balance.
func (s *Store) Cash() (float64, error) {
	var cash float64
	err := s.db.QueryRow(`SELECT cash_usd FROM account WHERE id = 1`).Scan(&cash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("account: %w", ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("read cash: %w", err)
	}
	return cash, nil
}
