package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/convoy/internal/lock"
)

// mutexTimeout bounds the wait for the read-modify-write file mutex. The
// critical section is a single small transaction, so this only trips when
// something is badly wrong.
const mutexTimeout = 5 * time.Second

// MutexFile is the conventional name of the store's mutex inside the lock
// directory.
const MutexFile = "ratelimit.mutex"

// SQLiteStore persists buckets in the token_buckets table. Each Update holds
// an exclusive flock on mutexPath for the duration of one transaction, which
// serializes callers across processes on the host.
type SQLiteStore struct {
	db        *sql.DB
	mutexPath string
}

func NewSQLiteStore(db *sql.DB, mutexPath string) *SQLiteStore {
	return &SQLiteStore{db: db, mutexPath: mutexPath}
}

func (s *SQLiteStore) Update(ctx context.Context, category string, fn UpdateFunc) (Bucket, error) {
	mu, err := lock.LockFile(ctx, s.mutexPath, mutexTimeout, 10*time.Millisecond)
	if err != nil {
		return Bucket{}, fmt.Errorf("rate limit mutex: %w", err)
	}
	defer func() { _ = mu.Release() }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Bucket{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, ok, err := getBucket(ctx, tx, category)
	if err != nil {
		return Bucket{}, err
	}
	next, err := fn(cur, ok)
	if err != nil {
		return cur, err
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO token_buckets(category, capacity, tokens, last_refill_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(category) DO UPDATE SET
  capacity = excluded.capacity,
  tokens = excluded.tokens,
  last_refill_at = excluded.last_refill_at;
`, category, next.Capacity, next.Tokens, next.LastRefillAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Bucket{}, fmt.Errorf("save bucket %q: %w", category, err)
	}
	if err := tx.Commit(); err != nil {
		return Bucket{}, fmt.Errorf("commit tx: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) Get(ctx context.Context, category string) (Bucket, bool, error) {
	return getBucket(ctx, s.db, category)
}

func (s *SQLiteStore) List(ctx context.Context) ([]Bucket, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT category, capacity, tokens, last_refill_at
FROM token_buckets
ORDER BY category ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var out []Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return out, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getBucket(ctx context.Context, q queryer, category string) (Bucket, bool, error) {
	row := q.QueryRowContext(ctx, `
SELECT category, capacity, tokens, last_refill_at
FROM token_buckets
WHERE category = ?;
`, category)
	b, err := scanBucket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Bucket{}, false, nil
	}
	if err != nil {
		return Bucket{}, false, err
	}
	return b, true, nil
}

func scanBucket(row scanner) (Bucket, error) {
	var (
		b     Bucket
		lastS string
	)
	if err := row.Scan(&b.Category, &b.Capacity, &b.Tokens, &lastS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("scan bucket: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, lastS)
	if err != nil {
		return b, fmt.Errorf("parse last_refill_at %q: %w", lastS, err)
	}
	b.LastRefillAt = t
	return b, nil
}
