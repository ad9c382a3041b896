// Package pricing provides the current price of entities. Feeds are the
// raw collaborators; Guarded puts a circuit breaker and the read cache in
// front of one.
package pricing

import (
	"context"

	"github.com/shopspring/decimal"
)

// Feed returns the current price of an entity. Implementations return
// domain.ErrEntityNotFound for keys they do not quote.
type Feed interface {
	Price(ctx context.Context, entityKey string) (decimal.Decimal, error)
}
