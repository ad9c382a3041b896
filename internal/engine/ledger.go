package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/efreitasn/stockledger/internal/cache"
	"github.com/efreitasn/stockledger/internal/domain"
	"github.com/efreitasn/stockledger/internal/projection"
	"github.com/efreitasn/stockledger/internal/store"
)

// Ledger reads and maintains account projections on top of the event log.
// Projections come from the cache when possible and are rebuilt from the
// latest snapshot plus the events after it otherwise.
type Ledger struct {
	events        store.EventStore
	snapshots     store.SnapshotStore
	cache         *cache.Cache
	snapshotEvery int64
	logger        *slog.Logger
	now           func() time.Time
}

// NewLedger creates a Ledger. c may be nil to disable projection caching;
// snapshotEvery <= 0 disables snapshots.
func NewLedger(events store.EventStore, snapshots store.SnapshotStore, c *cache.Cache, snapshotEvery int64, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		events:        events,
		snapshots:     snapshots,
		cache:         c,
		snapshotEvery: snapshotEvery,
		logger:        logger,
		now:           time.Now,
	}
}

// Load returns the account projection, from cache when present. Accounts
// with no events yield a projection at version 0.
func (l *Ledger) Load(ctx context.Context, accountID string) (domain.Projection, error) {
	if l.cache == nil {
		return l.Rebuild(ctx, accountID)
	}
	return cache.GetOrLoad(ctx, l.cache, cache.ClassProjection, accountID, func(ctx context.Context) (domain.Projection, error) {
		return l.Rebuild(ctx, accountID)
	})
}

// Rebuild reconstructs the projection from the store, bypassing the cache.
// An unreadable or inconsistent snapshot is ignored in favour of a full
// replay; snapshots are never the source of truth.
func (l *Ledger) Rebuild(ctx context.Context, accountID string) (domain.Projection, error) {
	var snap *domain.Snapshot
	if l.snapshots != nil {
		s, err := l.snapshots.Latest(ctx, accountID)
		if err != nil {
			l.logger.Warn("snapshot read failed, replaying full history", "account_id", accountID, "error", err)
		} else {
			snap = s
		}
	}

	if snap != nil {
		head, err := l.events.Version(ctx, accountID)
		if err != nil {
			return domain.Projection{}, err
		}
		if snap.Version > head {
			l.logger.Warn("snapshot ahead of the log, replaying full history",
				"account_id", accountID, "snapshot_version", snap.Version, "head", head)
			snap = nil
		}
	}

	var from int64
	if snap != nil {
		from = snap.Version
	}
	events, err := l.events.ReadFrom(ctx, accountID, from)
	if err != nil {
		return domain.Projection{}, err
	}

	proj, err := projection.Replay(accountID, snap, events)
	if err == nil || snap == nil {
		return proj, err
	}

	l.logger.Warn("snapshot replay failed, replaying full history",
		"account_id", accountID, "snapshot_version", snap.Version, "error", err)
	events, err = l.events.ReadFrom(ctx, accountID, 0)
	if err != nil {
		return domain.Projection{}, err
	}
	return projection.Replay(accountID, nil, events)
}

// Version returns the account's committed version straight from the log.
func (l *Ledger) Version(ctx context.Context, accountID string) (int64, error) {
	return l.events.Version(ctx, accountID)
}

// History returns the account's events with sequence greater than from.
func (l *Ledger) History(ctx context.Context, accountID string, from int64) ([]domain.Event, error) {
	return l.events.ReadFrom(ctx, accountID, from)
}

// Committed runs the bookkeeping that follows a successful append: the
// cached projection is invalidated, and a snapshot is taken when the new
// version crosses a multiple of the snapshot interval. Failures are logged;
// the events are already durable.
func (l *Ledger) Committed(ctx context.Context, previousVersion int64, proj domain.Projection) {
	if l.cache != nil {
		if err := l.cache.Invalidate(ctx, cache.ClassProjection, proj.AccountID); err != nil {
			l.logger.Warn("projection cache invalidation failed", "account_id", proj.AccountID, "error", err)
		}
	}

	if l.snapshots == nil || l.snapshotEvery <= 0 {
		return
	}
	if proj.Version/l.snapshotEvery == previousVersion/l.snapshotEvery {
		return
	}
	snap := domain.Snapshot{
		AccountID: proj.AccountID,
		Version:   proj.Version,
		State:     proj.State.Clone(),
		TakenAt:   l.now().UTC(),
	}
	if err := l.snapshots.Save(ctx, snap); err != nil {
		l.logger.Error("snapshot save failed", "account_id", proj.AccountID, "version", proj.Version, "error", err)
		return
	}
	l.logger.Debug("snapshot saved", "account_id", proj.AccountID, "version", proj.Version)
}
