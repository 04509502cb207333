package outbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/observ"
	"github.com/coinpilot/coinpilot/internal/risk"
)

// Record is one appended order or fill event. IdempotencyKey identifies a
// logical submission (the manual request id, or cycle+asset+side for
// automated orders); two records sharing a key within the dedupe window are
// the same order attempted twice.
type Record struct {
	Type           string    `json:"type"` // order | fill
	IdempotencyKey string    `json:"idempotency_key"`
	Symbol         string    `json:"symbol"`
	Side           risk.Side `json:"side"`
	NotionalUSD    float64   `json:"notional_usd"`
	Quantity       float64   `json:"quantity,omitempty"`
	Price          float64   `json:"price,omitempty"`
	At             time.Time `json:"at"`
}

// Outbox is an append-only JSONL audit log of order activity. It survives
// crashes between submit and state write, which is what makes the dedupe
// window trustworthy.
type Outbox struct {
	path string
	mu   sync.Mutex
	log  zerolog.Logger
}

func New(path string) (*Outbox, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create outbox dir: %w", err)
		}
	}
	return &Outbox{path: path, log: observ.Component("outbox")}, nil
}

// Append writes one record. The file is opened, synced, and closed per
// append so a crash loses at most the record being written.
func (o *Outbox) Append(rec Record) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal outbox record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append outbox record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync outbox: %w", err)
	}
	return nil
}

// HasRecent reports whether a record with key was appended within window of
// now. Scans the whole file; order volume here is a handful of lines per
// cycle, not a throughput concern.
func (o *Outbox) HasRecent(key string, window time.Duration, now time.Time) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.Open(o.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open outbox: %w", err)
	}
	defer f.Close()

	cutoff := now.Add(-window)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			o.log.Warn().Err(err).Msg("skipping malformed outbox line")
			continue
		}
		if rec.IdempotencyKey == key && rec.At.After(cutoff) {
			return true, nil
		}
	}
	if err := sc.Err(); err != nil {
		return false, fmt.Errorf("scan outbox: %w", err)
	}
	return false, nil
}
