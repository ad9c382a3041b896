package pricing

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/stockledger/internal/cache"
	"github.com/efreitasn/stockledger/internal/resilience"
)

// Guarded fronts a Feed with a circuit breaker. Trades use CurrentPrice,
// which always asks the feed; reads use QuotedPrice, which may answer from
// the price cache.
type Guarded struct {
	feed    Feed
	breaker *resilience.Breaker[decimal.Decimal]
	cache   *cache.Cache
}

// NewGuarded wraps feed. c may be nil to disable quote caching.
func NewGuarded(feed Feed, breaker *resilience.Breaker[decimal.Decimal], c *cache.Cache) *Guarded {
	return &Guarded{feed: feed, breaker: breaker, cache: c}
}

// CurrentPrice asks the feed through the breaker. It fails fast with
// domain.ErrDownstreamUnavailable while the circuit is open. A fresh price
// refreshes the quote cache.
func (g *Guarded) CurrentPrice(ctx context.Context, entityKey string) (decimal.Decimal, error) {
	price, err := g.breaker.Execute(func() (decimal.Decimal, error) {
		return g.feed.Price(ctx, entityKey)
	})
	if err != nil {
		return decimal.Zero, err
	}
	if g.cache != nil {
		_ = cache.Set(ctx, g.cache, cache.ClassPrice, entityKey, price)
	}
	return price, nil
}

// QuotedPrice returns a recent price, from cache when available.
func (g *Guarded) QuotedPrice(ctx context.Context, entityKey string) (decimal.Decimal, error) {
	if g.cache == nil {
		return g.CurrentPrice(ctx, entityKey)
	}
	return cache.GetOrLoad(ctx, g.cache, cache.ClassPrice, entityKey, func(ctx context.Context) (decimal.Decimal, error) {
		return g.CurrentPrice(ctx, entityKey)
	})
}

// Forget drops the cached quote for the entity.
func (g *Guarded) Forget(ctx context.Context, entityKey string) error {
	if g.cache == nil {
		return nil
	}
	return g.cache.Invalidate(ctx, cache.ClassPrice, entityKey)
}

// BreakerState reports the state of the pricing circuit.
func (g *Guarded) BreakerState() string {
	return g.breaker.State()
}
