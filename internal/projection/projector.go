// Package projection folds account events into portfolio state.
//
// Every function here is pure: inputs are never mutated and the same
// arguments always produce the same result. Rebuilding live state,
// validating commands, and writing snapshots all go through Apply.
package projection

import (
	"fmt"

	"github.com/efreitasn/stockledger/internal/domain"
)

// Apply returns the state that results from applying e to s. The input
// state is left untouched.
func Apply(s domain.State, e domain.Event) (domain.State, error) {
	next := s.Clone()

	switch p := e.Payload.(type) {
	case domain.EntityPurchased:
		if p.Quantity <= 0 {
			return s, fmt.Errorf("apply event %d: purchase quantity must be positive, got %d", e.Sequence, p.Quantity)
		}
		next.Balance = next.Balance.Sub(p.TotalCost)
		next.Holdings[p.EntityKey] += p.Quantity

	case domain.EntitySold:
		if p.Quantity <= 0 {
			return s, fmt.Errorf("apply event %d: sale quantity must be positive, got %d", e.Sequence, p.Quantity)
		}
		remaining := next.Holdings[p.EntityKey] - p.Quantity
		if remaining < 0 {
			return s, fmt.Errorf("apply event %d: holdings for %s would go negative (%d)", e.Sequence, p.EntityKey, remaining)
		}
		next.Balance = next.Balance.Add(p.TotalRevenue)
		if remaining == 0 {
			delete(next.Holdings, p.EntityKey)
		} else {
			next.Holdings[p.EntityKey] = remaining
		}

	case domain.BalanceAdjusted:
		next.Balance = next.Balance.Add(p.Delta)

	default:
		return s, fmt.Errorf("apply event %d: unknown payload %T", e.Sequence, e.Payload)
	}

	return next, nil
}

// Fold applies events to s in order.
func Fold(s domain.State, events []domain.Event) (domain.State, error) {
	for _, e := range events {
		var err error
		s, err = Apply(s, e)
		if err != nil {
			return s, err
		}
	}
	return s, nil
}

// Replay builds the projection of an account from an optional snapshot and
// the events strictly after the snapshot's version. Events must be
// contiguous: the first must carry sequence base+1 and each following one
// must increment by exactly one.
func Replay(accountID string, snap *domain.Snapshot, events []domain.Event) (domain.Projection, error) {
	proj := domain.Projection{
		AccountID: accountID,
		State:     domain.NewState(),
	}
	if snap != nil {
		if snap.AccountID != accountID {
			return domain.Projection{}, fmt.Errorf("replay %s: snapshot belongs to %s", accountID, snap.AccountID)
		}
		proj.Version = snap.Version
		proj.State = snap.State.Clone()
	}

	for _, e := range events {
		if e.Sequence != proj.Version+1 {
			return domain.Projection{}, fmt.Errorf("replay %s: expected sequence %d, got %d", accountID, proj.Version+1, e.Sequence)
		}
		next, err := Apply(proj.State, e)
		if err != nil {
			return domain.Projection{}, fmt.Errorf("replay %s: %w", accountID, err)
		}
		proj.State = next
		proj.Version = e.Sequence
	}

	return proj, nil
}

// Advance applies freshly committed events to a projection the caller
// already holds. It is Replay with the projection standing in for a
// snapshot.
func Advance(p domain.Projection, events []domain.Event) (domain.Projection, error) {
	snap := domain.Snapshot{AccountID: p.AccountID, Version: p.Version, State: p.State}
	return Replay(p.AccountID, &snap, events)
}
