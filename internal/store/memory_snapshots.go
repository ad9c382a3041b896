package store

import (
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/efreitasn/stockledger/internal/domain"
)

func byVersion(a, b domain.Snapshot) bool {
	return a.Version < b.Version
}

// MemorySnapshotStore is a thread-safe in-memory SnapshotStore with one
// version-ordered B-tree per account.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]*btree.BTreeG[domain.Snapshot]
}

// NewMemorySnapshotStore creates an empty MemorySnapshotStore.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		snaps: make(map[string]*btree.BTreeG[domain.Snapshot]),
	}
}

// Save implements SnapshotStore. The state is copied so later changes by
// the caller do not leak into the store.
func (s *MemorySnapshotStore) Save(ctx context.Context, snap domain.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	snap.State = snap.State.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.snaps[snap.AccountID]
	if t == nil {
		t = btree.NewG(btreeDegree, byVersion)
		s.snaps[snap.AccountID] = t
	}
	t.ReplaceOrInsert(snap)
	return nil
}

// Latest implements SnapshotStore.
func (s *MemorySnapshotStore) Latest(ctx context.Context, accountID string) (*domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.snaps[accountID]
	if t == nil {
		return nil, nil
	}
	snap, ok := t.Max()
	if !ok {
		return nil, nil
	}
	snap.State = snap.State.Clone()
	return &snap, nil
}

// Delete implements SnapshotStore.
func (s *MemorySnapshotStore) Delete(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snaps, accountID)
	return nil
}
