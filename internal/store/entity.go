package store

import (
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/efreitasn/stockledger/internal/domain"
)

func byKey(a, b *domain.Entity) bool {
	return a.Key < b.Key
}

// MemoryEntityStore is a thread-safe in-memory EntityStore, ordered by key
// so listings come back sorted.
type MemoryEntityStore struct {
	mu       sync.RWMutex
	entities *btree.BTreeG[*domain.Entity]
}

// NewMemoryEntityStore creates an empty MemoryEntityStore.
func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{
		entities: btree.NewG(btreeDegree, byKey),
	}
}

// Create adds an entity to the store. It returns
// domain.ErrEntityAlreadyExists if the key is taken.
func (s *MemoryEntityStore) Create(_ context.Context, e *domain.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entities.Has(e) {
		return domain.ErrEntityAlreadyExists
	}
	c := *e
	s.entities.ReplaceOrInsert(&c)
	return nil
}

// Get retrieves an entity by key. It returns domain.ErrEntityNotFound if
// the entity does not exist.
func (s *MemoryEntityStore) Get(_ context.Context, key string) (*domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities.Get(&domain.Entity{Key: key})
	if !ok {
		return nil, domain.ErrEntityNotFound
	}
	c := *e
	return &c, nil
}

// List returns all entities ordered by key.
func (s *MemoryEntityStore) List(_ context.Context) ([]*domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Entity, 0, s.entities.Len())
	s.entities.Ascend(func(e *domain.Entity) bool {
		c := *e
		result = append(result, &c)
		return true
	})
	return result, nil
}

// Update replaces an existing entity. It returns domain.ErrEntityNotFound
// if the key is unknown.
func (s *MemoryEntityStore) Update(_ context.Context, e *domain.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.entities.Has(e) {
		return domain.ErrEntityNotFound
	}
	c := *e
	s.entities.ReplaceOrInsert(&c)
	return nil
}
