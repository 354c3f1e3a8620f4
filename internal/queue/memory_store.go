package queue

import (
	"context"
	"sync"

	"github.com/trailsense/fieldtrack/internal/wire"
)

// MemoryStore is an in-process Store for unit tests and deployments
// without Redis. It does not survive a restart, so it weakens the
// durability guarantee to the process lifetime.
type MemoryStore struct {
	mu    sync.Mutex
	lists map[string][]wire.QueuedReading
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lists: make(map[string][]wire.QueuedReading)}
}

// Append adds the entry, evicting the oldest when the bound is hit.
func (s *MemoryStore) Append(_ context.Context, owner string, entry wire.QueuedReading, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.lists[owner], entry)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	s.lists[owner] = list
	return nil
}

// List returns a copy of the owner's entries in append order.
func (s *MemoryStore) List(_ context.Context, owner string) ([]wire.QueuedReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[owner]
	out := make([]wire.QueuedReading, len(list))
	copy(out, list)
	return out, nil
}

// Clear removes the owner's entries.
func (s *MemoryStore) Clear(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lists, owner)
	return nil
}

// Len returns the number of entries for the owner.
func (s *MemoryStore) Len(_ context.Context, owner string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists[owner]), nil
}
