package records

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store used for tests, the CLI and small
// catalogs that ship their data inline.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]Record)}
}

// Put appends records to an object.
func (s *MemoryStore) Put(object string, recs ...Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		s.objects[object] = append(s.objects[object], r.Clone())
	}
}

// Find returns copies of the matching records in insertion order.
func (s *MemoryStore) Find(ctx context.Context, object string, filter Filter, opts FindOptions) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.objects[object]))
	for _, r := range s.objects[object] {
		if !filter.Matches(r) {
			continue
		}
		out = append(out, project(r, opts.Fields))
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}
