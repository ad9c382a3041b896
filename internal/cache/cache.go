// Package cache is the two-tier read cache: a process-local expirable LRU
// in front of an optional shared tier (Redis). It is cache-aside only;
// writers invalidate, they never populate.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/efreitasn/stockledger/internal/telemetry"
)

// Class groups cached values that share a TTL.
type Class string

const (
	ClassProjection Class = "projection"
	ClassPrice      Class = "price"
	ClassEntity     Class = "entity"
	ClassStats      Class = "stats"
)

const keyPrefix = "stockledger"

// Config sizes the tiers and sets the shared-tier TTL of each class.
type Config struct {
	LocalSize     int
	LocalTTL      time.Duration
	ProjectionTTL time.Duration
	PriceTTL      time.Duration
	EntityTTL     time.Duration
	StatsTTL      time.Duration
}

// Cache is safe for concurrent use. Values are stored JSON-encoded, so
// every hit decodes a fresh copy.
type Cache struct {
	local   *expirable.LRU[string, []byte]
	shared  Shared
	cfg     Config
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// New builds a Cache. shared may be nil, in which case only the local tier
// is used.
func New(cfg Config, shared Shared, metrics *telemetry.Metrics, logger *slog.Logger) *Cache {
	if cfg.LocalSize <= 0 {
		cfg.LocalSize = 10000
	}
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		local:   expirable.NewLRU[string, []byte](cfg.LocalSize, nil, cfg.LocalTTL),
		shared:  shared,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Key returns the cache key of id within class.
func Key(class Class, id string) string {
	return keyPrefix + ":" + string(class) + ":" + id
}

func (c *Cache) ttl(class Class) time.Duration {
	switch class {
	case ClassProjection:
		return c.cfg.ProjectionTTL
	case ClassPrice:
		return c.cfg.PriceTTL
	case ClassEntity:
		return c.cfg.EntityTTL
	case ClassStats:
		return c.cfg.StatsTTL
	}
	return c.cfg.LocalTTL
}

// lookup returns the raw value from the first tier that has it. A shared
// hit refills the local tier. Shared-tier failures count as misses.
func (c *Cache) lookup(ctx context.Context, class Class, key string) ([]byte, bool) {
	if raw, ok := c.local.Get(key); ok {
		c.metrics.CacheLookup(ctx, "local", string(class), true)
		return raw, true
	}
	c.metrics.CacheLookup(ctx, "local", string(class), false)

	if c.shared == nil {
		return nil, false
	}
	raw, ok, err := c.shared.Get(ctx, key)
	if err != nil {
		c.logger.Warn("shared cache get failed", "key", key, "error", err)
		return nil, false
	}
	c.metrics.CacheLookup(ctx, "shared", string(class), ok)
	if ok {
		c.local.Add(key, raw)
	}
	return raw, ok
}

func (c *Cache) store(ctx context.Context, class Class, key string, raw []byte) {
	c.local.Add(key, raw)
	if c.shared == nil {
		return
	}
	if err := c.shared.Set(ctx, key, raw, c.ttl(class)); err != nil {
		c.logger.Warn("shared cache set failed", "key", key, "error", err)
	}
}

// Get returns the cached value of id in class, if any.
func Get[T any](ctx context.Context, c *Cache, class Class, id string) (T, bool) {
	var zero T
	key := Key(class, id)
	raw, ok := c.lookup(ctx, class, key)
	if !ok {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		c.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		c.local.Remove(key)
		return zero, false
	}
	return v, true
}

// Set stores v under id in both tiers.
func Set[T any](ctx context.Context, c *Cache, class Class, id string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", Key(class, id), err)
	}
	c.store(ctx, class, Key(class, id), raw)
	return nil
}

// GetOrLoad returns the cached value of id, or calls load on a miss and
// fills both tiers with its result. Load errors are returned as-is and
// nothing is cached.
func GetOrLoad[T any](ctx context.Context, c *Cache, class Class, id string, load func(context.Context) (T, error)) (T, error) {
	if v, ok := Get[T](ctx, c, class, id); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if err := Set(ctx, c, class, id, v); err != nil {
		c.logger.Warn("cache fill failed", "key", Key(class, id), "error", err)
	}
	return v, nil
}

// Invalidate removes id from both tiers.
func (c *Cache) Invalidate(ctx context.Context, class Class, id string) error {
	key := Key(class, id)
	c.local.Remove(key)
	if c.shared == nil {
		return nil
	}
	if err := c.shared.Delete(ctx, key); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}
