package lock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Registry persists LockRecords. Implementations perform each mutation as a
// single short critical section and never block on another lock holder.
type Registry interface {
	// Claim inserts rec as the ACTIVE record for rec.LockID. Any ACTIVE record
	// already present for that key is superseded (marked ORPHAN_CLEANED) in the
	// same step and returned. Callers only Claim while holding the file lock,
	// so a pre-existing ACTIVE row can only belong to a holder that died.
	Claim(ctx context.Context, rec Record) ([]Record, error)
	// Transition moves record id from ACTIVE to status. It reports false when
	// the record was no longer ACTIVE.
	Transition(ctx context.Context, id string, status Status, at time.Time) (bool, error)
	// Active lists ACTIVE records, oldest first.
	Active(ctx context.Context) ([]Record, error)
	// List returns records matching f, newest first.
	List(ctx context.Context, f Filter) ([]Record, error)
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	GroupID string
	Status  Status
	Limit   int
}

func (f Filter) match(r Record) bool {
	if f.GroupID != "" && r.GroupID != f.GroupID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// MemoryRegistry is an in-process Registry for tests and single-process use.
type MemoryRegistry struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{}
}

func (m *MemoryRegistry) Claim(_ context.Context, rec Record) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var superseded []Record
	for i := range m.records {
		r := &m.records[i]
		if r.LockID == rec.LockID && r.Status == StatusActive {
			at := rec.AcquiredAt
			r.Status = StatusOrphanCleaned
			r.ReleasedAt = &at
			superseded = append(superseded, *r)
		}
	}
	rec.Status = StatusActive
	m.records = append(m.records, rec)
	return superseded, nil
}

func (m *MemoryRegistry) Transition(_ context.Context, id string, status Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.records {
		r := &m.records[i]
		if r.ID != id {
			continue
		}
		if r.Status != StatusActive {
			return false, nil
		}
		r.Status = status
		r.ReleasedAt = &at
		return true, nil
	}
	return false, nil
}

func (m *MemoryRegistry) Active(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, r := range m.records {
		if r.Status == StatusActive {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out, nil
}

func (m *MemoryRegistry) List(_ context.Context, f Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
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
