package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/efreitasn/stockledger/internal/domain"
)

const (
	// xmax = 0 only for a freshly inserted row, which tells a create from
	// an update in the same round trip.
	webhookUpsertSQL = `
INSERT INTO webhooks (webhook_id, account_id, event, url, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (account_id, event) DO UPDATE
SET url = EXCLUDED.url,
    updated_at = CASE WHEN webhooks.url = EXCLUDED.url THEN webhooks.updated_at ELSE EXCLUDED.updated_at END
RETURNING webhook_id, account_id, event, url, created_at, updated_at, (xmax = 0) AS inserted;
`

	webhookSelectSQL = `
SELECT webhook_id, account_id, event, url, created_at, updated_at
FROM webhooks
`

	webhookDeleteSQL = `
DELETE FROM webhooks
WHERE webhook_id = $1;
`
)

// WebhookStore persists per-account webhook subscriptions.
type WebhookStore struct {
	pool *pgxpool.Pool
}

// NewWebhookStore constructs a WebhookStore backed by the provided pool.
func NewWebhookStore(pool *pgxpool.Pool) *WebhookStore {
	return &WebhookStore{pool: pool}
}

// Upsert inserts or updates the subscription for (account_id, event).
func (s *WebhookStore) Upsert(ctx context.Context, w *domain.Webhook) (*domain.Webhook, bool, error) {
	var (
		stored   domain.Webhook
		inserted bool
	)
	err := s.pool.QueryRow(ctx, webhookUpsertSQL,
		w.WebhookID, w.AccountID, w.Event, w.URL, w.CreatedAt.UTC(), w.UpdatedAt.UTC(),
	).Scan(&stored.WebhookID, &stored.AccountID, &stored.Event, &stored.URL, &stored.CreatedAt, &stored.UpdatedAt, &inserted)
	if err != nil {
		return nil, false, domain.StorageError("upsert webhook", err)
	}
	stored.CreatedAt = stored.CreatedAt.UTC()
	stored.UpdatedAt = stored.UpdatedAt.UTC()
	return &stored, inserted, nil
}

// Get returns a webhook by ID or domain.ErrWebhookNotFound.
func (s *WebhookStore) Get(ctx context.Context, id string) (*domain.Webhook, error) {
	w, err := scanWebhook(s.pool.QueryRow(ctx, webhookSelectSQL+"WHERE webhook_id = $1;", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrWebhookNotFound
	}
	if err != nil {
		return nil, domain.StorageError("get webhook", err)
	}
	return w, nil
}

// ListByAccount returns the account's webhooks ordered by event name.
func (s *WebhookStore) ListByAccount(ctx context.Context, accountID string) ([]*domain.Webhook, error) {
	rows, err := s.pool.Query(ctx, webhookSelectSQL+"WHERE account_id = $1 ORDER BY event ASC;", accountID)
	if err != nil {
		return nil, domain.StorageError("list webhooks", err)
	}
	defer rows.Close()

	result := []*domain.Webhook{}
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, domain.StorageError("scan webhook", err)
		}
		result = append(result, w)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageError("list webhooks", err)
	}
	return result, nil
}

// GetByAccountEvent returns the subscription for an account and event, or
// nil if there is none.
func (s *WebhookStore) GetByAccountEvent(ctx context.Context, accountID, event string) (*domain.Webhook, error) {
	w, err := scanWebhook(s.pool.QueryRow(ctx, webhookSelectSQL+"WHERE account_id = $1 AND event = $2;", accountID, event))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.StorageError("get webhook", err)
	}
	return w, nil
}

// Delete removes a webhook by ID.
func (s *WebhookStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, webhookDeleteSQL, id)
	if err != nil {
		return domain.StorageError("delete webhook", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWebhookNotFound
	}
	return nil
}

func scanWebhook(row pgx.Row) (*domain.Webhook, error) {
	var w domain.Webhook
	if err := row.Scan(&w.WebhookID, &w.AccountID, &w.Event, &w.URL, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return &w, nil
}
