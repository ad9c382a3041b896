package store

import (
	"context"
	"sort"
	"sync"

	"github.com/efreitasn/stockledger/internal/domain"
)

// MemoryWebhookStore is a thread-safe in-memory WebhookStore.
// Primary index: webhook_id → webhook.
// Secondary index: account_id → event → webhook.
type MemoryWebhookStore struct {
	mu        sync.RWMutex
	webhooks  map[string]*domain.Webhook
	byAccount map[string]map[string]*domain.Webhook
}

// NewMemoryWebhookStore creates an empty MemoryWebhookStore.
func NewMemoryWebhookStore() *MemoryWebhookStore {
	return &MemoryWebhookStore{
		webhooks:  make(map[string]*domain.Webhook),
		byAccount: make(map[string]map[string]*domain.Webhook),
	}
}

// Upsert inserts or updates a subscription keyed by (account_id, event).
// An existing subscription keeps its webhook_id; only the URL and
// UpdatedAt change, and re-registering the same URL is a no-op.
func (s *MemoryWebhookStore) Upsert(_ context.Context, w *domain.Webhook) (*domain.Webhook, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byAccount[w.AccountID][w.Event]; ok {
		if existing.URL != w.URL {
			existing.URL = w.URL
			existing.UpdatedAt = w.UpdatedAt
		}
		c := *existing
		return &c, false, nil
	}

	stored := *w
	s.webhooks[stored.WebhookID] = &stored
	if s.byAccount[stored.AccountID] == nil {
		s.byAccount[stored.AccountID] = make(map[string]*domain.Webhook)
	}
	s.byAccount[stored.AccountID][stored.Event] = &stored

	c := stored
	return &c, true, nil
}

// Get retrieves a webhook by ID. It returns domain.ErrWebhookNotFound if
// the webhook does not exist.
func (s *MemoryWebhookStore) Get(_ context.Context, id string) (*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.webhooks[id]
	if !ok {
		return nil, domain.ErrWebhookNotFound
	}
	c := *w
	return &c, nil
}

// ListByAccount returns the account's webhooks ordered by event name.
func (s *MemoryWebhookStore) ListByAccount(_ context.Context, accountID string) ([]*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.byAccount[accountID]
	result := make([]*domain.Webhook, 0, len(events))
	for _, w := range events {
		c := *w
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Event < result[j].Event })
	return result, nil
}

// GetByAccountEvent returns the subscription for an account and event, or
// nil if there is none.
func (s *MemoryWebhookStore) GetByAccountEvent(_ context.Context, accountID, event string) (*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w := s.byAccount[accountID][event]
	if w == nil {
		return nil, nil
	}
	c := *w
	return &c, nil
}

// Delete removes a webhook from both indexes. It returns
// domain.ErrWebhookNotFound if the webhook does not exist.
func (s *MemoryWebhookStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.webhooks[id]
	if !ok {
		return domain.ErrWebhookNotFound
	}
	delete(s.webhooks, id)

	if events, ok := s.byAccount[w.AccountID]; ok {
		delete(events, w.Event)
		if len(events) == 0 {
			delete(s.byAccount, w.AccountID)
		}
	}
	return nil
}
