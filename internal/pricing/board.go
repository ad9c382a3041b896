package pricing

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/stockledger/internal/domain"
)

// Board is an in-process price board used when no external feed is
// configured. Prices are set explicitly.
type Board struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewBoard creates an empty Board.
func NewBoard() *Board {
	return &Board{prices: make(map[string]decimal.Decimal)}
}

// Set publishes a new price for the entity.
func (b *Board) Set(entityKey string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return &domain.ValidationError{Message: "price must be greater than 0"}
	}
	if err := domain.ValidatePrecision(price, domain.MoneyPlaces); err != nil {
		return &domain.ValidationError{Message: "price must have at most 2 decimal places"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[entityKey] = price
	return nil
}

// Price implements Feed.
func (b *Board) Price(ctx context.Context, entityKey string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.prices[entityKey]
	if !ok {
		return decimal.Zero, domain.ErrEntityNotFound
	}
	return p, nil
}
