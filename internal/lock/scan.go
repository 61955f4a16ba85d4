package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattjoyce/convoy/internal/audit"
)

// ScanReport summarises one deadlock scan.
type ScanReport struct {
	Scanned   int      `json:"scanned"`
	Reclaimed []Record `json:"reclaimed,omitempty"`
	Stale     []Record `json:"stale,omitempty"`
}

// ScanForDeadlocks walks ACTIVE records older than the max lock age.
//
//   - owner dead: the record becomes ORPHAN_CLEANED and its lock file is removed.
//   - owner alive but the OS lock is free: the record becomes TIMEOUT. The
//     registry claims a holder the kernel no longer knows about (PID reuse or
//     a lost descriptor).
//   - owner alive and the lock genuinely held: warning only, never reclaimed.
//
// Records held by this Manager are skipped. Liveness is best effort.
func (m *Manager) ScanForDeadlocks(ctx context.Context) (ScanReport, error) {
	var report ScanReport

	active, err := m.registry.Active(ctx)
	if err != nil {
		return report, fmt.Errorf("list active locks: %w", err)
	}

	now := m.now()
	for _, rec := range active {
		report.Scanned++
		age := rec.Age(now)
		if age <= m.maxAge || m.ownRecord(rec.ID) {
			continue
		}

		logger := m.logger.With("group_id", rec.GroupID, "record_id", rec.ID, "owner_pid", rec.OwnerPID, "age", age.String())
		alive := m.checker.Alive(rec.OwnerPID)

		// Confirm against the OS lock before touching the record: a held flock
		// means somebody legitimately owns the key right now.
		fl, err := TryLockFile(m.Path(rec.LockID))
		if errors.Is(err, errWouldBlock) {
			if alive {
				logger.Warn("stale lock held by live process; leaving in place")
			} else {
				logger.Warn("lock file held although recorded owner is gone; leaving in place")
			}
			report.Stale = append(report.Stale, rec)
			m.record(ctx, audit.Entry{
				Kind:    audit.KindStaleLock,
				GroupID: rec.GroupID,
				Fields: map[string]any{
					"record_id":   rec.ID,
					"owner_pid":   rec.OwnerPID,
					"owner_alive": alive,
					"age":         age.String(),
				},
			})
			continue
		}
		if err != nil {
			return report, fmt.Errorf("probe lock file for %q: %w", rec.GroupID, err)
		}

		status := StatusOrphanCleaned
		reason := ErrOrphanLock.Error()
		if alive {
			status = StatusTimeout
			reason = "owner alive but lock not held"
		}

		changed, terr := m.registry.Transition(ctx, rec.ID, status, now)
		if terr == nil && changed && status == StatusOrphanCleaned {
			if rerr := os.Remove(fl.Path()); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				logger.Warn("removing orphaned lock file", "error", rerr)
			}
		}
		_ = fl.Release()
		if terr != nil {
			return report, fmt.Errorf("reclaim lock %q: %w", rec.GroupID, terr)
		}
		if !changed {
			continue
		}

		rec.Status = status
		report.Reclaimed = append(report.Reclaimed, rec)
		logger.Warn("reclaimed abandoned lock", "status", status, "reason", reason)
		m.record(ctx, audit.Entry{
			Kind:    audit.KindOrphanCleaned,
			GroupID: rec.GroupID,
			Fields: map[string]any{
				"record_id": rec.ID,
				"owner_pid": rec.OwnerPID,
				"status":    string(status),
				"reason":    reason,
				"age":       age.String(),
			},
		})
	}

	return report, nil
}

// ForceReleaseAll marks every ACTIVE record FORCE_RELEASED and removes every
// lock file, including ones held by live processes. Operator recovery only.
func (m *Manager) ForceReleaseAll(ctx context.Context) (int, error) {
	active, err := m.registry.Active(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active locks: %w", err)
	}

	m.mu.Lock()
	for k, h := range m.held {
		_ = h.file.Release()
		delete(m.held, k)
	}
	m.mu.Unlock()

	now := m.now()
	released := 0
	for _, rec := range active {
		changed, err := m.registry.Transition(ctx, rec.ID, StatusForceReleased, now)
		if err != nil {
			return released, fmt.Errorf("force release %q: %w", rec.GroupID, err)
		}
		if changed {
			released++
		}
	}

	files, err := filepath.Glob(filepath.Join(m.dir, "*.lock"))
	if err != nil {
		return released, fmt.Errorf("list lock files: %w", err)
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("removing lock file", "path", f, "error", err)
		}
	}

	m.logger.Warn("force released all locks", "records", released, "files", len(files))
	m.record(ctx, audit.Entry{
		Kind:   audit.KindForceRelease,
		Fields: map[string]any{"records": released, "files": len(files)},
	})
	return released, nil
}

// ForceRelease marks groupID's ACTIVE records FORCE_RELEASED and removes its
// lock file even if a live process holds it. Operator recovery only.
func (m *Manager) ForceRelease(ctx context.Context, groupID string) (int, error) {
	if groupID == "" {
		return 0, fmt.Errorf("group id is empty")
	}
	active, err := m.registry.List(ctx, Filter{GroupID: groupID, Status: StatusActive})
	if err != nil {
		return 0, fmt.Errorf("list active locks for %q: %w", groupID, err)
	}

	m.mu.Lock()
	if h, ok := m.held[groupID]; ok {
		_ = h.file.Release()
		delete(m.held, groupID)
	}
	m.mu.Unlock()

	now := m.now()
	released := 0
	for _, rec := range active {
		changed, err := m.registry.Transition(ctx, rec.ID, StatusForceReleased, now)
		if err != nil {
			return released, fmt.Errorf("force release %q: %w", groupID, err)
		}
		if changed {
			released++
		}
	}
	if err := os.Remove(m.Path(groupID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("removing lock file", "path", m.Path(groupID), "error", err)
	}

	m.logger.Warn("force released lock", "group_id", groupID, "records", released)
	m.record(ctx, audit.Entry{
		Kind:    audit.KindForceRelease,
		GroupID: groupID,
		Fields:  map[string]any{"records": released},
	})
	return released, nil
}

// Reset is ForceReleaseAll under its operator-facing name.
func (m *Manager) Reset(ctx context.Context) (int, error) {
	return m.ForceReleaseAll(ctx)
}
