package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemStore is an in-memory Store. It backs tests and keeps the same
// locking contract as the durable backends.
type MemStore struct {
	mu          sync.Mutex
	collections map[string]Records
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{collections: make(map[string]Records)}
}

// Load implements Store.
func (s *MemStore) Load(ctx context.Context, collection string) (Records, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(collection), nil
}

// Update implements Store.
func (s *MemStore) Update(ctx context.Context, collection string, fn func(Records) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.snapshot(collection)
	if err := fn(recs); err != nil {
		return err
	}
	s.collections[collection] = recs
	return nil
}

func (s *MemStore) snapshot(collection string) Records {
	recs := Records{}
	for id, raw := range s.collections[collection] {
		cp := make(json.RawMessage, len(raw))
		copy(cp, raw)
		recs[id] = cp
	}
	return recs
}
