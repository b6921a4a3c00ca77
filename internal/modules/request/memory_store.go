package request

import (
	"context"
	"sort"
	"sync"
	"time"

	"roadside/internal/types"
)

// MemoryStore keeps requests in process. It backs the memory driver and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[types.ID]*ServiceRequest
	events  []TransitionEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[types.ID]*ServiceRequest)}
}

func (s *MemoryStore) Create(_ context.Context, r *ServiceRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[r.ID]; exists {
		return ErrConflict
	}
	for _, existing := range s.records {
		if existing.RequesterID == r.RequesterID && !existing.Status.Terminal() {
			return ErrActiveRequest
		}
	}
	s.records[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*ServiceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, r *ServiceRequest, expectedVersion int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[r.ID]
	if !ok {
		return false, ErrNotFound
	}
	if current.StatusVersion != expectedVersion {
		return false, nil
	}
	r.StatusVersion = expectedVersion + 1
	s.records[r.ID] = r.Clone()
	return true, nil
}

func (s *MemoryStore) ListDispatchDue(_ context.Context, now time.Time, limit int) ([]types.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type due struct {
		id types.ID
		at time.Time
	}
	var found []due
	for id, r := range s.records {
		if at := r.DispatchDueAt(); at != nil && !at.After(now) {
			found = append(found, due{id: id, at: *at})
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].at.Equal(found[j].at) {
			return found[i].at.Before(found[j].at)
		}
		return found[i].id < found[j].id
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	out := make([]types.ID, len(found))
	for i, d := range found {
		out[i] = d.id
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns the audit log for one request in append order.
func (s *MemoryStore) Events(id types.ID) []TransitionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TransitionEvent
	for _, e := range s.events {
		if e.RequestID == id {
			out = append(out, e)
		}
	}
	return out
}
