package service

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/stockledger/internal/domain"
	"github.com/efreitasn/stockledger/internal/store"
)

// Valid webhook event types.
var validWebhookEvents = map[string]bool{
	domain.WebhookEntityPurchased: true,
	domain.WebhookEntitySold:      true,
	domain.WebhookBalanceAdjusted: true,
}

// UpsertWebhookRequest represents the input for webhook registration.
type UpsertWebhookRequest struct {
	AccountID string
	URL       string
	Events    []string
}

// AccountChecker reports whether an account has been opened.
type AccountChecker interface {
	Exists(ctx context.Context, accountID string) (bool, error)
}

// WebhookService handles webhook subscriptions. Delivery is done by the
// event publisher's webhook sink.
type WebhookService struct {
	store    store.WebhookStore
	accounts AccountChecker
}

// NewWebhookService creates a new WebhookService with the given dependencies.
func NewWebhookService(webhookStore store.WebhookStore, accounts AccountChecker) *WebhookService {
	return &WebhookService{
		store:    webhookStore,
		accounts: accounts,
	}
}

// Upsert validates the request and creates or updates webhook subscriptions.
// Returns the resulting webhooks, whether any new subscriptions were created, and any error.
func (s *WebhookService) Upsert(ctx context.Context, req UpsertWebhookRequest) ([]*domain.Webhook, bool, error) {
	if err := s.requireAccount(ctx, req.AccountID); err != nil {
		return nil, false, err
	}

	// Validate URL.
	if req.URL == "" {
		return nil, false, &domain.ValidationError{Message: "url is required"}
	}
	if len(req.URL) > 2048 {
		return nil, false, &domain.ValidationError{Message: "url must be at most 2048 characters"}
	}
	parsed, err := url.ParseRequestURI(req.URL)
	if err != nil || !parsed.IsAbs() {
		return nil, false, &domain.ValidationError{Message: "url must be a valid absolute URL"}
	}
	if parsed.Scheme != "https" {
		return nil, false, &domain.ValidationError{Message: "url must use https scheme"}
	}

	// Validate events.
	if len(req.Events) == 0 {
		return nil, false, &domain.ValidationError{Message: "events must be a non-empty array"}
	}

	// Deduplicate events while preserving order and validating.
	seen := make(map[string]bool, len(req.Events))
	dedupedEvents := make([]string, 0, len(req.Events))
	for _, event := range req.Events {
		if !validWebhookEvents[event] {
			return nil, false, &domain.ValidationError{
				Message: "Unknown event type: " + event + ". Must be one of: entity.purchased, entity.sold, balance.adjusted",
			}
		}
		if !seen[event] {
			seen[event] = true
			dedupedEvents = append(dedupedEvents, event)
		}
	}

	// Upsert each (account_id, event) pair.
	now := time.Now().UTC().Truncate(time.Second)
	anyCreated := false
	webhooks := make([]*domain.Webhook, 0, len(dedupedEvents))

	for _, event := range dedupedEvents {
		w, created, err := s.store.Upsert(ctx, &domain.Webhook{
			WebhookID: uuid.New().String(),
			AccountID: req.AccountID,
			Event:     event,
			URL:       req.URL,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return nil, false, err
		}
		if created {
			anyCreated = true
		}
		webhooks = append(webhooks, w)
	}

	return webhooks, anyCreated, nil
}

// List validates the account exists and returns all webhook subscriptions.
func (s *WebhookService) List(ctx context.Context, accountID string) ([]*domain.Webhook, error) {
	if err := s.requireAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListByAccount(ctx, accountID)
}

// Delete removes one of the account's webhook subscriptions. A webhook
// owned by another account is reported as not found.
func (s *WebhookService) Delete(ctx context.Context, accountID, webhookID string) error {
	w, err := s.store.Get(ctx, webhookID)
	if err != nil {
		return err
	}
	if w.AccountID != accountID {
		return domain.ErrWebhookNotFound
	}
	return s.store.Delete(ctx, webhookID)
}

func (s *WebhookService) requireAccount(ctx context.Context, accountID string) error {
	ok, err := s.accounts.Exists(ctx, accountID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrAccountNotFound
	}
	return nil
}
