package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps requests in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]Request
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]Request)}
}

// Put inserts or replaces a request.
func (s *MemoryStore) Put(_ context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}

// Get returns the request with the given ID.
func (s *MemoryStore) Get(_ context.Context, id string) (Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return req, nil
}

// List returns all requests ordered by creation time.
func (s *MemoryStore) List(_ context.Context) ([]Request, error) {
	s.mu.RLock()
	out := make([]Request, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sortByCreation(out)
	return out, nil
}

// Delete removes the given IDs. Unknown IDs are ignored.
func (s *MemoryStore) Delete(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.requests, id)
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func sortByCreation(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
