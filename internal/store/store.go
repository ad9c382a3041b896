// Package store defines the persistence contracts of the ledger and
// provides in-memory implementations of them. The durable implementations
// live in store/postgres.
package store

import (
	"context"

	"github.com/efreitasn/stockledger/internal/domain"
)

// EventStore is the append-only log of account events.
type EventStore interface {
	// Append records events contiguously after expectedVersion and returns
	// them with their assigned sequence numbers. If the account's current
	// version differs from expectedVersion it returns a
	// *domain.ConflictError and records nothing. Either every event is
	// recorded or none is.
	Append(ctx context.Context, accountID string, expectedVersion int64, events []domain.Event) ([]domain.Event, error)

	// ReadFrom returns the account's events with a sequence greater than
	// fromVersion, in ascending order. ReadFrom(ctx, id, 0) is the full log.
	ReadFrom(ctx context.Context, accountID string, fromVersion int64) ([]domain.Event, error)

	// Version returns the sequence of the account's last event, or 0 if the
	// account has none.
	Version(ctx context.Context, accountID string) (int64, error)
}

// SnapshotStore keeps materialized account states. Snapshots are caches:
// any of them may be deleted without losing information.
type SnapshotStore interface {
	// Save stores the snapshot. Saving a version that already exists
	// replaces it.
	Save(ctx context.Context, snap domain.Snapshot) error

	// Latest returns the account's snapshot with the highest version, or
	// nil if there is none.
	Latest(ctx context.Context, accountID string) (*domain.Snapshot, error)

	// Delete removes every snapshot of the account.
	Delete(ctx context.Context, accountID string) error
}

// EntityStore is the catalog of tradable entities.
type EntityStore interface {
	Create(ctx context.Context, e *domain.Entity) error
	Get(ctx context.Context, key string) (*domain.Entity, error)
	List(ctx context.Context) ([]*domain.Entity, error)
	Update(ctx context.Context, e *domain.Entity) error
}

// WebhookStore holds per-account webhook subscriptions, unique by
// (account_id, event).
type WebhookStore interface {
	// Upsert inserts the subscription or, when one already exists for the
	// same account and event, updates its URL. It returns the stored
	// webhook and whether it was newly created.
	Upsert(ctx context.Context, w *domain.Webhook) (*domain.Webhook, bool, error)
	Get(ctx context.Context, id string) (*domain.Webhook, error)
	ListByAccount(ctx context.Context, accountID string) ([]*domain.Webhook, error)
	GetByAccountEvent(ctx context.Context, accountID, event string) (*domain.Webhook, error)
	Delete(ctx context.Context, id string) error
}
