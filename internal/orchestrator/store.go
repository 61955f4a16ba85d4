package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Status is the state of one group attempt as written to the execution log.
type Status string

const (
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// ExecutionRecord is one row of the append-only execution log. Each group
// attempt writes a STARTED row and then exactly one terminal row.
type ExecutionRecord struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	Phase       string     `json:"phase"`
	GroupID     string     `json:"group_id"`
	Status      Status     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	RecordedAt  time.Time  `json:"recorded_at"`
}

// ExecutionFilter narrows List. Zero values match everything.
type ExecutionFilter struct {
	ExecutionID string
	Phase       string
	GroupID     string
	Limit       int
}

func (f ExecutionFilter) match(r ExecutionRecord) bool {
	if f.ExecutionID != "" && r.ExecutionID != f.ExecutionID {
		return false
	}
	if f.Phase != "" && r.Phase != f.Phase {
		return false
	}
	if f.GroupID != "" && r.GroupID != f.GroupID {
		return false
	}
	return true
}

// ExecutionStore is the append-only execution log.
type ExecutionStore interface {
	Append(ctx context.Context, rec ExecutionRecord) error
	// List returns matching records newest first.
	List(ctx context.Context, f ExecutionFilter) ([]ExecutionRecord, error)
}

// MemoryExecutionStore keeps the log in process.
type MemoryExecutionStore struct {
	mu      sync.Mutex
	records []ExecutionRecord
}

func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{}
}

func (m *MemoryExecutionStore) Append(_ context.Context, rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryExecutionStore) List(_ context.Context, f ExecutionFilter) ([]ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ExecutionRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		if f.match(m.records[i]) {
			out = append(out, m.records[i])
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
	}
	return out, nil
}

// SQLiteExecutionStore writes to the execution_log table.
type SQLiteExecutionStore struct {
	db *sql.DB
}

func NewSQLiteExecutionStore(db *sql.DB) *SQLiteExecutionStore {
	return &SQLiteExecutionStore{db: db}
}

func (s *SQLiteExecutionStore) Append(ctx context.Context, rec ExecutionRecord) error {
	var endedAt any
	if rec.EndedAt != nil {
		endedAt = formatTime(*rec.EndedAt)
	}
	var exitCode any
	if rec.ExitCode != nil {
		exitCode = *rec.ExitCode
	}
	var reason any
	if rec.Reason != "" {
		reason = rec.Reason
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO execution_log(id, execution_id, phase, group_id, status, reason, exit_code, started_at, ended_at, recorded_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.ID, rec.ExecutionID, rec.Phase, rec.GroupID, string(rec.Status), reason, exitCode,
		formatTime(rec.StartedAt), endedAt, formatTime(rec.RecordedAt))
	if err != nil {
		return fmt.Errorf("insert execution record: %w", err)
	}
	return nil
}

func (s *SQLiteExecutionStore) List(ctx context.Context, f ExecutionFilter) ([]ExecutionRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, execution_id, phase, group_id, status, reason, exit_code, started_at, ended_at, recorded_at
FROM execution_log
WHERE (? = '' OR execution_id = ?)
  AND (? = '' OR phase = ?)
  AND (? = '' OR group_id = ?)
ORDER BY recorded_at DESC, rowid DESC
LIMIT ?;
`, f.ExecutionID, f.ExecutionID, f.Phase, f.Phase, f.GroupID, f.GroupID, limit)
	if err != nil {
		return nil, fmt.Errorf("list execution records: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var (
			rec        ExecutionRecord
			status     string
			reason     sql.NullString
			exitCode   sql.NullInt64
			startedAt  string
			endedAt    sql.NullString
			recordedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.ExecutionID, &rec.Phase, &rec.GroupID, &status,
			&reason, &exitCode, &startedAt, &endedAt, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan execution record: %w", err)
		}
		rec.Status = Status(status)
		rec.Reason = reason.String
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			t, err := parseTime(endedAt.String)
			if err != nil {
				return nil, err
			}
			rec.EndedAt = &t
		}
		if rec.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// timeLayout is fixed width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
