package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/efreitasn/stockledger/internal/domain"
)

const btreeDegree = 32

func bySequence(a, b domain.Event) bool {
	return a.Sequence < b.Sequence
}

// MemoryEventStore is a thread-safe in-memory EventStore. Each account's
// log is a B-tree ordered by sequence, so reads from an arbitrary version
// are range scans.
type MemoryEventStore struct {
	mu   sync.RWMutex
	logs map[string]*btree.BTreeG[domain.Event] // account_id → events by sequence
}

// NewMemoryEventStore creates an empty MemoryEventStore.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		logs: make(map[string]*btree.BTreeG[domain.Event]),
	}
}

// Append implements EventStore.
func (s *MemoryEventStore) Append(ctx context.Context, accountID string, expectedVersion int64, events []domain.Event) ([]domain.Event, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("append %s: no events", accountID)
	}
	if expectedVersion < 0 {
		return nil, fmt.Errorf("append %s: negative expected version %d", accountID, expectedVersion)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[accountID]
	var current int64
	if log != nil {
		if last, ok := log.Max(); ok {
			current = last.Sequence
		}
	}
	if current != expectedVersion {
		return nil, &domain.ConflictError{
			AccountID:       accountID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   current,
		}
	}

	if log == nil {
		log = btree.NewG(btreeDegree, bySequence)
		s.logs[accountID] = log
	}

	committed := make([]domain.Event, len(events))
	for i, e := range events {
		e.AccountID = accountID
		e.Sequence = expectedVersion + int64(i) + 1
		committed[i] = e
		log.ReplaceOrInsert(e)
	}
	return committed, nil
}

// ReadFrom implements EventStore.
func (s *MemoryEventStore) ReadFrom(ctx context.Context, accountID string, fromVersion int64) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []domain.Event{}
	log := s.logs[accountID]
	if log == nil {
		return result, nil
	}
	log.AscendGreaterOrEqual(domain.Event{Sequence: fromVersion + 1}, func(e domain.Event) bool {
		result = append(result, e)
		return true
	})
	return result, nil
}

// Version implements EventStore.
func (s *MemoryEventStore) Version(ctx context.Context, accountID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[accountID]
	if log == nil {
		return 0, nil
	}
	last, ok := log.Max()
	if !ok {
		return 0, nil
	}
	return last.Sequence, nil
}
