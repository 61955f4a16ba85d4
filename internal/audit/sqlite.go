package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteSink appends entries to the audit_log table.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(db *sql.DB) *SQLiteSink {
	return &SQLiteSink{db: db}
}

func (s *SQLiteSink) Record(ctx context.Context, e Entry) error {
	e = Stamp(e)
	fields := e.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal audit fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO audit_log(id, at, kind, phase, group_id, fields)
VALUES(?, ?, ?, ?, ?, ?);
`, e.ID, e.At.UTC().Format(timeLayout), string(e.Kind), nullIfEmpty(e.Phase), nullIfEmpty(e.GroupID), string(raw))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Kind  Kind
	Phase string
	Since time.Time
	Limit int
}

// List returns entries newest first. Intended for operators (CLI/API).
func (s *SQLiteSink) List(ctx context.Context, f ListFilter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var since string
	if !f.Since.IsZero() {
		since = f.Since.UTC().Format(timeLayout)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, at, kind, phase, group_id, fields
FROM audit_log
WHERE (? = '' OR kind = ?)
  AND (? = '' OR phase = ?)
  AND (? = '' OR at >= ?)
ORDER BY at DESC, rowid DESC
LIMIT ?;
`, string(f.Kind), string(f.Kind), f.Phase, f.Phase, since, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			atS     string
			kindS   string
			phase   sql.NullString
			groupID sql.NullString
			fields  string
		)
		if err := rows.Scan(&e.ID, &atS, &kindS, &phase, &groupID, &fields); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Kind = Kind(kindS)
		if t, err := time.Parse(time.RFC3339Nano, atS); err == nil {
			e.At = t
		}
		e.Phase = phase.String
		e.GroupID = groupID.String
		if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
			return nil, fmt.Errorf("decode audit fields for %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// timeLayout is fixed width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
