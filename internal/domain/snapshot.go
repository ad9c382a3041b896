package domain

import "time"

// Snapshot is a materialized account state at a known log version. It is
// valid only if State was derived by folding exactly the first Version
// events of the account, in order. Snapshots are caches: deleting one never
// loses information.
type Snapshot struct {
	AccountID string
	Version   int64
	State     State
	TakenAt   time.Time
}
