package ratelimit

import (
	"context"
	"sort"
	"sync"
)

// UpdateFunc receives the stored bucket (ok is false when none exists yet)
// and returns the bucket to persist.
type UpdateFunc func(b Bucket, ok bool) (Bucket, error)

// Store persists buckets. Update is the only mutation and runs fn as one
// read-modify-write that concurrent callers cannot interleave with.
type Store interface {
	Update(ctx context.Context, category string, fn UpdateFunc) (Bucket, error)
	Get(ctx context.Context, category string) (Bucket, bool, error)
	List(ctx context.Context) ([]Bucket, error)
}

// MemoryStore keeps buckets in process.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]Bucket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]Bucket)}
}

func (s *MemoryStore) Update(_ context.Context, category string, fn UpdateFunc) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.buckets[category]
	next, err := fn(cur, ok)
	if err != nil {
		return cur, err
	}
	s.buckets[category] = next
	return next, nil
}

func (s *MemoryStore) Get(_ context.Context, category string) (Bucket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[category]
	return b, ok, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}
