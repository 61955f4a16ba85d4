package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteRegistry stores records in the lock_records table. A partial unique
// index on (lock_id) WHERE status = 'ACTIVE' backs the one-active invariant.
type SQLiteRegistry struct {
	db *sql.DB
}

func NewSQLiteRegistry(db *sql.DB) *SQLiteRegistry {
	return &SQLiteRegistry{db: db}
}

const recordColumns = `id, lock_id, group_id, owner_pid, acquired_at, released_at, status`

func (s *SQLiteRegistry) Claim(ctx context.Context, rec Record) ([]Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	at := formatTime(rec.AcquiredAt)
	rows, err := tx.QueryContext(ctx, `
UPDATE lock_records
SET status = ?, released_at = ?
WHERE lock_id = ? AND status = ?
RETURNING `+recordColumns+`;
`, StatusOrphanCleaned, at, rec.LockID, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("supersede active records: %w", err)
	}
	superseded, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO lock_records(id, lock_id, group_id, owner_pid, acquired_at, status)
VALUES(?, ?, ?, ?, ?, ?);
`, rec.ID, rec.LockID, rec.GroupID, rec.OwnerPID, at, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("insert lock record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return superseded, nil
}

func (s *SQLiteRegistry) Transition(ctx context.Context, id string, status Status, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE lock_records
SET status = ?, released_at = ?
WHERE id = ? AND status = ?;
`, status, formatTime(at), id, StatusActive)
	if err != nil {
		return false, fmt.Errorf("update lock record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteRegistry) Active(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM lock_records
WHERE status = ?
ORDER BY acquired_at ASC, rowid ASC;
`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("query active locks: %w", err)
	}
	return scanRecords(rows)
}

func (s *SQLiteRegistry) List(ctx context.Context, f Filter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM lock_records
WHERE (? = '' OR group_id = ?) AND (? = '' OR status = ?)
ORDER BY acquired_at DESC, rowid DESC
LIMIT ?;
`, f.GroupID, f.GroupID, string(f.Status), string(f.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r           Record
			acquiredAtS string
			releasedAtS sql.NullString
			statusS     string
		)
		if err := rows.Scan(&r.ID, &r.LockID, &r.GroupID, &r.OwnerPID, &acquiredAtS, &releasedAtS, &statusS); err != nil {
			return nil, fmt.Errorf("scan lock record: %w", err)
		}
		r.Status = Status(statusS)
		if t, err := time.Parse(time.RFC3339Nano, acquiredAtS); err == nil {
			r.AcquiredAt = t
		}
		if releasedAtS.Valid {
			if t, err := time.Parse(time.RFC3339Nano, releasedAtS.String); err == nil {
				r.ReleasedAt = &t
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lock records: %w", err)
	}
	return out, nil
}

// timeLayout is fixed width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
