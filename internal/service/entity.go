package service

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/stockledger/internal/cache"
	"github.com/efreitasn/stockledger/internal/domain"
	"github.com/efreitasn/stockledger/internal/pricing"
	"github.com/efreitasn/stockledger/internal/publisher"
	"github.com/efreitasn/stockledger/internal/store"
)

var entityKeyRegex = regexp.MustCompile(`^[A-Z0-9_]{1,32}$`)

// CreateEntityRequest represents the input for entity registration. Price,
// if set, is published to the price board.
type CreateEntityRequest struct {
	Key      string
	Name     string
	Crew     string
	Tradable bool
	Price    *decimal.Decimal
}

// PriceResponse represents the response for GET /entities/{key}/price.
type PriceResponse struct {
	EntityKey string
	Price     decimal.Decimal
	QuotedAt  time.Time
}

// EntityService handles the entity catalog, prices and traded volume.
type EntityService struct {
	store  store.EntityStore
	cache  *cache.Cache
	prices *pricing.Guarded
	board  *pricing.Board // nil when an external feed owns prices
	volume *publisher.VolumeTracker
	logger *slog.Logger
}

// NewEntityService creates a new EntityService. c and board may be nil.
func NewEntityService(
	entityStore store.EntityStore,
	c *cache.Cache,
	prices *pricing.Guarded,
	board *pricing.Board,
	volume *publisher.VolumeTracker,
	logger *slog.Logger,
) *EntityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityService{
		store:  entityStore,
		cache:  c,
		prices: prices,
		board:  board,
		volume: volume,
		logger: logger,
	}
}

// Create validates and registers an entity.
func (s *EntityService) Create(ctx context.Context, req CreateEntityRequest) (*domain.Entity, error) {
	if !entityKeyRegex.MatchString(req.Key) {
		return nil, &domain.ValidationError{Message: "key must match ^[A-Z0-9_]{1,32}$"}
	}
	if req.Name == "" || len(req.Name) > 128 {
		return nil, &domain.ValidationError{Message: "name is required and must be at most 128 characters"}
	}
	if len(req.Crew) > 128 {
		return nil, &domain.ValidationError{Message: "crew must be at most 128 characters"}
	}
	if req.Price != nil {
		if s.board == nil {
			return nil, domain.ErrPriceNotSettable
		}
		if !req.Price.IsPositive() {
			return nil, &domain.ValidationError{Message: "price must be greater than 0"}
		}
		if err := domain.ValidatePrecision(*req.Price, domain.MoneyPlaces); err != nil {
			return nil, &domain.ValidationError{Message: "price must have at most 2 decimal places"}
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	e := &domain.Entity{
		Key:       req.Key,
		Name:      req.Name,
		Crew:      req.Crew,
		Tradable:  req.Tradable,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}

	if req.Price != nil {
		if err := s.SetPrice(ctx, req.Key, *req.Price); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Get returns an entity, from the entity cache when possible.
func (s *EntityService) Get(ctx context.Context, key string) (*domain.Entity, error) {
	if s.cache == nil {
		return s.store.Get(ctx, key)
	}
	return cache.GetOrLoad(ctx, s.cache, cache.ClassEntity, key, func(ctx context.Context) (*domain.Entity, error) {
		return s.store.Get(ctx, key)
	})
}

// List returns every entity, ordered by key.
func (s *EntityService) List(ctx context.Context) ([]*domain.Entity, error) {
	return s.store.List(ctx)
}

// SetTradable toggles whether new trades on the entity are accepted.
func (s *EntityService) SetTradable(ctx context.Context, key string, tradable bool) (*domain.Entity, error) {
	e, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if e.Tradable == tradable {
		return e, nil
	}

	e.Tradable = tradable
	e.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	s.invalidate(ctx, cache.ClassEntity, key)
	return e, nil
}

// Price returns the entity's recent price.
func (s *EntityService) Price(ctx context.Context, key string) (*PriceResponse, error) {
	if _, err := s.Get(ctx, key); err != nil {
		return nil, err
	}
	price, err := s.prices.QuotedPrice(ctx, key)
	if err != nil {
		return nil, err
	}
	return &PriceResponse{
		EntityKey: key,
		Price:     price,
		QuotedAt:  time.Now().UTC(),
	}, nil
}

// SetPrice publishes a new price on the in-process board. It fails with
// domain.ErrPriceNotSettable when prices come from an external feed.
func (s *EntityService) SetPrice(ctx context.Context, key string, price decimal.Decimal) error {
	if s.board == nil {
		return domain.ErrPriceNotSettable
	}
	if _, err := s.Get(ctx, key); err != nil {
		return err
	}
	if err := s.board.Set(key, price); err != nil {
		return err
	}
	if err := s.prices.Forget(ctx, key); err != nil {
		s.logger.Warn("price cache invalidation failed", "entity_key", key, "error", err)
	}
	return nil
}

// Stats returns the entity's traded volume since process start.
func (s *EntityService) Stats(ctx context.Context, key string) (*publisher.Volume, error) {
	if _, err := s.Get(ctx, key); err != nil {
		return nil, err
	}
	load := func(context.Context) (publisher.Volume, error) {
		return s.volume.Stats(key), nil
	}
	if s.cache == nil {
		v, _ := load(ctx)
		return &v, nil
	}
	v, err := cache.GetOrLoad(ctx, s.cache, cache.ClassStats, key, load)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// SeedEntity is one catalog entry loaded at start-up.
type SeedEntity struct {
	Key      string
	Name     string
	Crew     string
	Tradable bool
	Price    *decimal.Decimal
}

// Seed registers the given entities, skipping keys that already exist.
// Prices are published when a board is configured and ignored otherwise.
// It returns the number of entities created.
func (s *EntityService) Seed(ctx context.Context, seed []SeedEntity) (int, error) {
	created := 0
	for _, e := range seed {
		req := CreateEntityRequest{Key: e.Key, Name: e.Name, Crew: e.Crew, Tradable: e.Tradable}
		if s.board != nil {
			req.Price = e.Price
		}
		_, err := s.Create(ctx, req)
		switch {
		case err == nil:
			created++
		case errors.Is(err, domain.ErrEntityAlreadyExists):
			if req.Price != nil {
				if err := s.SetPrice(ctx, e.Key, *req.Price); err != nil {
					return created, err
				}
			}
		default:
			return created, err
		}
	}
	return created, nil
}

func (s *EntityService) invalidate(ctx context.Context, class cache.Class, key string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, class, key); err != nil {
		s.logger.Warn("cache invalidation failed", "class", string(class), "key", key, "error", err)
	}
}
