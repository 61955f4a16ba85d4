package audit

import (
	"context"
	"sync"
)

// Memory collects entries in process. Used by tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Stamp(e))
	return nil
}

// Entries returns a copy of recorded entries in insertion order.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// OfKind returns recorded entries of kind k.
func (m *Memory) OfKind(k Kind) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// List applies f to recorded entries and returns them newest first.
func (m *Memory) List(_ context.Context, f ListFilter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	all := m.Entries()
	var out []Entry
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		e := all[i]
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.Phase != "" && e.Phase != f.Phase {
			continue
		}
		if !f.Since.IsZero() && e.At.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
