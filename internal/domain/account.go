package domain

import (
	"sort"

	"github.com/shopspring/decimal"
)

// State is the materialized account state: cash balance plus the quantity
// held per entity key. Keys with zero quantity are never present.
//
// State is a value type. Code that derives a new State from an existing one
// must Clone first; the projector never mutates its input.
type State struct {
	Balance  decimal.Decimal  `json:"balance"`
	Holdings map[string]int64 `json:"holdings"`
}

// NewState returns the empty account state.
func NewState() State {
	return State{
		Balance:  decimal.Zero,
		Holdings: make(map[string]int64),
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	holdings := make(map[string]int64, len(s.Holdings))
	for k, q := range s.Holdings {
		holdings[k] = q
	}
	return State{
		Balance:  s.Balance,
		Holdings: holdings,
	}
}

// Quantity returns the quantity held for the given entity key,
// or 0 if the account holds none.
func (s State) Quantity(entityKey string) int64 {
	return s.Holdings[entityKey]
}

// Equal reports whether two states have the same balance and holdings.
func (s State) Equal(other State) bool {
	if !s.Balance.Equal(other.Balance) {
		return false
	}
	if len(s.Holdings) != len(other.Holdings) {
		return false
	}
	for k, q := range s.Holdings {
		if other.Holdings[k] != q {
			return false
		}
	}
	return true
}

// HoldingKeys returns the held entity keys in ascending order.
func (s State) HoldingKeys() []string {
	keys := make([]string, 0, len(s.Holdings))
	for k := range s.Holdings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Projection is the read model of an account: the state obtained by folding
// the first Version events of its log.
type Projection struct {
	AccountID string `json:"account_id"`
	Version   int64  `json:"version"`
	State     State  `json:"state"`
}

// Exists reports whether at least one event has been committed for the account.
func (p Projection) Exists() bool {
	return p.Version > 0
}
