// Package cursor persists the progress of paged migrations so an aborted
// run can resume at the last completed page boundary.
package cursor

import (
	"context"
	"sync"

	"github.com/linkflow/snapmigrate/internal/snapshot"
)

// Store persists the last entity id of the most recently completed page,
// keyed by a caller-supplied run key.
type Store interface {
	Load(ctx context.Context, runKey string) (snapshot.EntityID, bool, error)
	Save(ctx context.Context, runKey string, id snapshot.EntityID) error
	Clear(ctx context.Context, runKey string) error
}

// MemoryStore keeps cursors in process memory. Suitable for tests and for
// single-invocation runs that do not need resume.
type MemoryStore struct {
	mu      sync.RWMutex
	cursors map[string]snapshot.EntityID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]snapshot.EntityID)}
}

func (s *MemoryStore) Load(ctx context.Context, runKey string) (snapshot.EntityID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.cursors[runKey]
	return id, ok, nil
}

func (s *MemoryStore) Save(ctx context.Context, runKey string, id snapshot.EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[runKey] = id
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, runKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cursors, runKey)
	return nil
}
