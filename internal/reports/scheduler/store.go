package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"carbon-scribe/analytics-engine/pkg/errdefs"
	"carbon-scribe/analytics-engine/pkg/workflows"
)

// Store persists scheduled reports and their run state.
type Store interface {
	Put(ctx context.Context, sr *ScheduledReport) error
	Get(ctx context.Context, id string) (*ScheduledReport, error)
	List(ctx context.Context) ([]*ScheduledReport, error)
	// Acquire moves a report from idle to running. It reports false when
	// the report was not idle, which is how concurrent instances are kept
	// from running the same report twice.
	Acquire(ctx context.Context, id string, at time.Time) (bool, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]*ScheduledReport
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[string]*ScheduledReport)}
}

func (s *MemoryStore) Put(_ context.Context, sr *ScheduledReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[sr.ID] = sr.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*ScheduledReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sr, ok := s.reports[id]
	if !ok {
		return nil, fmt.Errorf("scheduled report %s: %w", id, errdefs.ErrNotFound)
	}
	return sr.clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*ScheduledReport, error) {
	s.mu.RLock()
	out := make([]*ScheduledReport, 0, len(s.reports))
	for _, sr := range s.reports {
		out = append(out, sr.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Acquire(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.reports[id]
	if !ok {
		return false, fmt.Errorf("scheduled report %s: %w", id, errdefs.ErrNotFound)
	}
	if sr.Status != workflows.StatusIdle {
		return false, nil
	}
	sr.Status = workflows.StatusRunning
	sr.UpdatedAt = at
	return true, nil
}
