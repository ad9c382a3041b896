package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/efreitasn/stockledger/internal/domain"
)

const (
	streamCreateSQL = `
INSERT INTO account_streams (account_id, version)
VALUES ($1, $2)
ON CONFLICT (account_id) DO NOTHING;
`

	streamAdvanceSQL = `
UPDATE account_streams
SET version = $3,
    updated_at = NOW()
WHERE account_id = $1
  AND version = $2;
`

	streamVersionSQL = `
SELECT version
FROM account_streams
WHERE account_id = $1;
`

	eventInsertSQL = `
INSERT INTO account_events (account_id, sequence, event_id, event_type, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6);
`

	eventReadSQL = `
SELECT sequence, event_id, event_type, payload, occurred_at
FROM account_events
WHERE account_id = $1
  AND sequence > $2
ORDER BY sequence ASC;
`
)

// EventStore is the durable event log. The account_streams row of an
// account carries its current version; advancing it with a conditional
// write in the same transaction as the event inserts is what makes
// Append atomic and optimistic.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore constructs an EventStore backed by the provided pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append records events contiguously after expectedVersion.
func (s *EventStore) Append(ctx context.Context, accountID string, expectedVersion int64, events []domain.Event) ([]domain.Event, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("append %s: no events", accountID)
	}
	if expectedVersion < 0 {
		return nil, fmt.Errorf("append %s: negative expected version %d", accountID, expectedVersion)
	}

	committed := make([]domain.Event, len(events))
	payloads := make([][]byte, len(events))
	for i, e := range events {
		payload, err := domain.EncodePayload(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("append %s: %w", accountID, err)
		}
		e.AccountID = accountID
		e.Sequence = expectedVersion + int64(i) + 1
		committed[i] = e
		payloads[i] = payload
	}
	newVersion := expectedVersion + int64(len(events))

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, domain.StorageError("append: begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var advanced bool
	if expectedVersion == 0 {
		tag, err := tx.Exec(ctx, streamCreateSQL, accountID, newVersion)
		if err != nil {
			return nil, domain.StorageError("append: create stream", err)
		}
		advanced = tag.RowsAffected() == 1
	} else {
		tag, err := tx.Exec(ctx, streamAdvanceSQL, accountID, expectedVersion, newVersion)
		if err != nil {
			return nil, domain.StorageError("append: advance stream", err)
		}
		advanced = tag.RowsAffected() == 1
	}
	if !advanced {
		return nil, s.conflict(ctx, accountID, expectedVersion)
	}

	batch := &pgx.Batch{}
	for i, e := range committed {
		batch.Queue(eventInsertSQL, accountID, e.Sequence, e.EventID, string(e.Type), payloads[i], e.OccurredAt.UTC())
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isUniqueViolation(err) {
			return nil, s.conflict(ctx, accountID, expectedVersion)
		}
		return nil, domain.StorageError("append: insert events", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, s.conflict(ctx, accountID, expectedVersion)
		}
		return nil, domain.StorageError("append: commit", err)
	}
	return committed, nil
}

// conflict builds the ConflictError for a lost race, reading the version
// that won. The read happens outside the failed transaction.
func (s *EventStore) conflict(ctx context.Context, accountID string, expectedVersion int64) error {
	actual, err := s.Version(ctx, accountID)
	if err != nil {
		return err
	}
	return &domain.ConflictError{
		AccountID:       accountID,
		ExpectedVersion: expectedVersion,
		ActualVersion:   actual,
	}
}

// ReadFrom returns the account's events with a sequence greater than
// fromVersion, in ascending order.
func (s *EventStore) ReadFrom(ctx context.Context, accountID string, fromVersion int64) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, eventReadSQL, accountID, fromVersion)
	if err != nil {
		return nil, domain.StorageError("read events", err)
	}
	defer rows.Close()

	result := []domain.Event{}
	for rows.Next() {
		var (
			e          domain.Event
			eventType  string
			payload    []byte
			occurredAt time.Time
		)
		if err := rows.Scan(&e.Sequence, &e.EventID, &eventType, &payload, &occurredAt); err != nil {
			return nil, domain.StorageError("scan event", err)
		}
		e.AccountID = accountID
		e.Type = domain.EventType(eventType)
		e.OccurredAt = occurredAt.UTC()
		if e.Payload, err = domain.DecodePayload(e.Type, payload); err != nil {
			return nil, domain.StorageError("decode event", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageError("read events", err)
	}
	return result, nil
}

// Version returns the account's current version, or 0 for an unknown
// account.
func (s *EventStore) Version(ctx context.Context, accountID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, streamVersionSQL, accountID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.StorageError("read version", err)
	}
	return version, nil
}
