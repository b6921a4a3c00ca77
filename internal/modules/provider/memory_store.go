package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"roadside/internal/modules/location"
	"roadside/internal/types"
)

// MemoryStore is an in-process directory used by the memory driver and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	providers map[types.ID]Provider
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{providers: make(map[types.ID]Provider)}
}

func (s *MemoryStore) Upsert(_ context.Context, p Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID] = clone(p)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(p)
	return &out, nil
}

func (s *MemoryStore) SetLocation(_ context.Context, id types.ID, pos types.Point, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return ErrNotFound
	}
	p.Location = &types.Point{Lat: pos.Lat, Lng: pos.Lng}
	p.UpdatedAt = at
	s.providers[id] = p
	return nil
}

func (s *MemoryStore) SetAvailability(_ context.Context, id types.ID, available bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return ErrNotFound
	}
	p.IsAvailable = available
	p.UpdatedAt = at
	s.providers[id] = p
	return nil
}

func (s *MemoryStore) ListProviders(_ context.Context, category types.Category, region *location.Region) ([]Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Provider
	for _, p := range s.providers {
		if !p.Serves(category) {
			continue
		}
		if region != nil && (p.Location == nil || !region.Contains(*p.Location)) {
			continue
		}
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeviceTokens(_ context.Context, ids []types.ID) (map[types.ID]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens := make(map[types.ID]string, len(ids))
	for _, id := range ids {
		if p, ok := s.providers[id]; ok && p.DeviceToken != "" {
			tokens[id] = p.DeviceToken
		}
	}
	return tokens, nil
}

func clone(p Provider) Provider {
	out := p
	if p.Location != nil {
		loc := *p.Location
		out.Location = &loc
	}
	out.Categories = append([]types.Category(nil), p.Categories...)
	return out
}
