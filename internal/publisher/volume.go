package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/stockledger/internal/cache"
	"github.com/efreitasn/stockledger/internal/domain"
)

// Volume is the traded-volume aggregate of one entity since process start.
type Volume struct {
	EntityKey   string          `json:"entity_key"`
	Trades      int64           `json:"trades"`
	UnitsBought int64           `json:"units_bought"`
	UnitsSold   int64           `json:"units_sold"`
	Notional    decimal.Decimal `json:"notional"`
	LastPrice   decimal.Decimal `json:"last_price"`
	LastTradeAt time.Time       `json:"last_trade_at"`
}

// VolumeTracker aggregates traded volume per entity from committed trade
// events. Redelivered events are recognised by EventID and counted once.
type VolumeTracker struct {
	mu     sync.RWMutex
	stats  map[string]*Volume
	seen   map[string]struct{}
	cache  *cache.Cache
	logger *slog.Logger
}

// NewVolumeTracker creates a tracker. c, if non-nil, has its stats entries
// invalidated as volumes change.
func NewVolumeTracker(c *cache.Cache, logger *slog.Logger) *VolumeTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &VolumeTracker{
		stats:  make(map[string]*Volume),
		seen:   make(map[string]struct{}),
		cache:  c,
		logger: logger,
	}
}

// Name implements Sink.
func (v *VolumeTracker) Name() string { return "volume" }

// Deliver implements Sink.
func (v *VolumeTracker) Deliver(ctx context.Context, e domain.Event) error {
	var (
		key      string
		bought   int64
		sold     int64
		price    decimal.Decimal
		notional decimal.Decimal
	)
	switch p := e.Payload.(type) {
	case domain.EntityPurchased:
		key, bought, price, notional = p.EntityKey, p.Quantity, p.UnitPrice, p.TotalCost
	case domain.EntitySold:
		key, sold, price, notional = p.EntityKey, p.Quantity, p.UnitPrice, p.TotalRevenue
	default:
		return nil
	}

	v.mu.Lock()
	if _, dup := v.seen[e.EventID]; dup {
		v.mu.Unlock()
		return nil
	}
	v.seen[e.EventID] = struct{}{}

	s := v.stats[key]
	if s == nil {
		s = &Volume{EntityKey: key, Notional: decimal.Zero}
		v.stats[key] = s
	}
	s.Trades++
	s.UnitsBought += bought
	s.UnitsSold += sold
	s.Notional = s.Notional.Add(notional)
	if !e.OccurredAt.Before(s.LastTradeAt) {
		s.LastPrice = price
		s.LastTradeAt = e.OccurredAt
	}
	v.mu.Unlock()

	if v.cache != nil {
		if err := v.cache.Invalidate(ctx, cache.ClassStats, key); err != nil {
			v.logger.Warn("stats cache invalidation failed", "entity_key", key, "error", err)
		}
	}
	return nil
}

// Stats returns a copy of the entity's aggregate. Entities never traded
// return a zero aggregate.
func (v *VolumeTracker) Stats(entityKey string) Volume {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s, ok := v.stats[entityKey]
	if !ok {
		return Volume{EntityKey: entityKey, Notional: decimal.Zero, LastPrice: decimal.Zero}
	}
	return *s
}
