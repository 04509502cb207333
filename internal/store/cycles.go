package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// CycleRecord is the persisted audit form of one decision cycle. Report is
// an opaque JSON document owned by the decision package; the store only
// indexes id, time, and status.
type CycleRecord struct {
	ID        string          `json:"id"`
	StartedAt time.Time       `json:"started_at"`
	Status    string          `json:"status"`
	Report    json.RawMessage `json:"report"`
}

// AppendCycleReport persists one cycle's report.
func (s *Store) AppendCycleReport(rec CycleRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO cycle_reports (id, started_at, status, report_json) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.StartedAt.UTC().Format(timeFmt), rec.Status, string(rec.Report))
	if err != nil {
		return fmt.Errorf("append cycle report: %w", err)
	}
	return nil
}

// RecentCycleReports returns up to limit reports, newest first.
func (s *Store) RecentCycleReports(limit int) ([]CycleRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, started_at, status, report_json
		 FROM cycle_reports ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycle reports: %w", err)
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var rec CycleRecord
		var started, blob string
		if err := rows.Scan(&rec.ID, &started, &rec.Status, &blob); err != nil {
			return nil, fmt.Errorf("scan cycle report: %w", err)
		}
		rec.StartedAt, _ = time.Parse(timeFmt, started)
		rec.Report = json.RawMessage(blob)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CycleCounts aggregates cycle outcomes for the status endpoint.
func (s *Store) CycleCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM cycle_reports GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count cycles: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan cycle count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
