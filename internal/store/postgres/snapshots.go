package postgres

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/efreitasn/stockledger/internal/domain"
)

const (
	snapshotUpsertSQL = `
INSERT INTO account_snapshots (account_id, version, state, taken_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (account_id, version) DO UPDATE
SET state = EXCLUDED.state,
    taken_at = EXCLUDED.taken_at;
`

	snapshotLatestSQL = `
SELECT version, state, taken_at
FROM account_snapshots
WHERE account_id = $1
ORDER BY version DESC
LIMIT 1;
`

	snapshotDeleteSQL = `
DELETE FROM account_snapshots
WHERE account_id = $1;
`
)

// SnapshotStore persists materialized account states.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore constructs a SnapshotStore backed by the provided pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Save stores snap, replacing an existing snapshot at the same version.
func (s *SnapshotStore) Save(ctx context.Context, snap domain.Snapshot) error {
	if snap.Version <= 0 {
		return fmt.Errorf("save snapshot %s: version must be positive", snap.AccountID)
	}
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("save snapshot %s: encode state: %w", snap.AccountID, err)
	}
	if _, err := s.pool.Exec(ctx, snapshotUpsertSQL, snap.AccountID, snap.Version, state, snap.TakenAt.UTC()); err != nil {
		return domain.StorageError("save snapshot", err)
	}
	return nil
}

// Latest returns the account's highest-version snapshot, or nil.
func (s *SnapshotStore) Latest(ctx context.Context, accountID string) (*domain.Snapshot, error) {
	snap := domain.Snapshot{AccountID: accountID}
	var state []byte
	err := s.pool.QueryRow(ctx, snapshotLatestSQL, accountID).Scan(&snap.Version, &state, &snap.TakenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.StorageError("read snapshot", err)
	}
	snap.State = domain.NewState()
	if err := json.Unmarshal(state, &snap.State); err != nil {
		return nil, domain.StorageError("decode snapshot", err)
	}
	if snap.State.Holdings == nil {
		snap.State.Holdings = make(map[string]int64)
	}
	snap.TakenAt = snap.TakenAt.UTC()
	return &snap, nil
}

// Delete removes every snapshot of the account.
func (s *SnapshotStore) Delete(ctx context.Context, accountID string) error {
	if _, err := s.pool.Exec(ctx, snapshotDeleteSQL, accountID); err != nil {
		return domain.StorageError("delete snapshots", err)
	}
	return nil
}
