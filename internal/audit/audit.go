// Package audit records coordination outcomes (conflicts, downgrades, lock
// reclamation, execution terminal states) to an append-only sink.
//
// The coordination packages only ever write through Sink; nothing in the
// planning or locking path reads the log back.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/convoy/internal/events"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindConflict        Kind = "conflict"
	KindDowngrade       Kind = "downgrade"
	KindParallelRefused Kind = "parallel_refused"
	KindAborted         Kind = "aborted"
	KindLockAcquired    Kind = "lock_acquired"
	KindLockReleased    Kind = "lock_released"
	KindLockTimeout     Kind = "lock_timeout"
	KindOrphanCleaned   Kind = "orphan_cleaned"
	KindStaleLock       Kind = "stale_lock"
	KindForceRelease    Kind = "force_release"
	KindExecution       Kind = "execution"
	KindRateLimited     Kind = "rate_limited"
)

// Entry is one timestamped key-value audit record.
type Entry struct {
	ID      string         `json:"id"`
	At      time.Time      `json:"at"`
	Kind    Kind           `json:"kind"`
	Phase   string         `json:"phase,omitempty"`
	GroupID string         `json:"group_id,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Sink accepts audit entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Stamp fills in ID and At when they are unset.
func Stamp(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return e
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }

// LogSink writes entries through slog. Lock reclamation, timeouts, refusals
// and stale locks log at WARN, everything else at INFO.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(ctx context.Context, e Entry) error {
	e = Stamp(e)
	attrs := []any{"audit_id", e.ID, "kind", string(e.Kind)}
	if e.Phase != "" {
		attrs = append(attrs, "phase", e.Phase)
	}
	if e.GroupID != "" {
		attrs = append(attrs, "group_id", e.GroupID)
	}
	for k, v := range e.Fields {
		attrs = append(attrs, k, v)
	}
	level := slog.LevelInfo
	switch e.Kind {
	case KindOrphanCleaned, KindStaleLock, KindLockTimeout, KindForceRelease,
		KindParallelRefused, KindAborted, KindDowngrade, KindRateLimited:
		level = slog.LevelWarn
	}
	s.Logger.Log(ctx, level, "audit", attrs...)
	return nil
}

// HubSink republishes entries on an events hub.
type HubSink struct {
	Hub *events.Hub
}

func (s HubSink) Record(_ context.Context, e Entry) error {
	e = Stamp(e)
	s.Hub.Publish(string(e.Kind), e)
	return nil
}

// Multi fans an entry out to every sink, stamping it once so all sinks see
// the same ID. Errors are joined; one failing sink does not starve the rest.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Entry) error {
	e = Stamp(e)
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
