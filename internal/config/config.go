package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the ledger service.
type Config struct {
	Port            int
	LogLevel        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	DatabaseURL    string
	MigrateOnStart bool
	RedisAddr      string

	PriceFeedURL     string
	PriceFeedTimeout time.Duration
	PriceFeedRPS     float64

	SlippageTolerance decimal.Decimal
	SnapshotEvery     int64

	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	BreakerFailureThreshold int
	BreakerWindow           time.Duration
	BreakerCooldown         time.Duration
	BreakerHalfOpenCalls    int

	LocalCacheSize int
	LocalCacheTTL  time.Duration
	ProjectionTTL  time.Duration
	PriceTTL       time.Duration
	EntityTTL      time.Duration
	StatsTTL       time.Duration

	WebhookTimeout  time.Duration
	PublisherBuffer int
	DeliveryTimeout time.Duration

	// Entities is the catalog seed from the config file, if any.
	Entities []EntitySeed
}

// EntitySeed is one catalog entry listed in the config file.
type EntitySeed struct {
	Key      string
	Name     string
	Crew     string
	Tradable bool
	Price    *decimal.Decimal
}

// fileConfig is the YAML layout of CONFIG_FILE. Scalar settings use the
// lower-cased environment variable names.
type fileConfig struct {
	Settings map[string]string `yaml:",inline"`
	Entities []struct {
		Key      string `yaml:"key"`
		Name     string `yaml:"name"`
		Crew     string `yaml:"crew"`
		Tradable *bool  `yaml:"tradable"`
		Price    string `yaml:"price"`
	} `yaml:"entities"`
}

// source resolves a setting from the environment first, then the file.
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[strings.ToLower(key)]
}

// Load reads configuration from the optional YAML file named by CONFIG_FILE
// and from environment variables, applies defaults, and validates values.
// Environment variables take precedence over the file. It returns an error
// for any invalid value.
func Load() (*Config, error) {
	var fc fileConfig
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read CONFIG_FILE: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse CONFIG_FILE: %w", err)
		}
	}
	src := source{file: fc.Settings}

	cfg := &Config{}
	var err error

	if cfg.Port, err = src.getInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", cfg.Port)
	}

	cfg.LogLevel = src.getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(cfg.LogLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", cfg.LogLevel)
	}

	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"READ_TIMEOUT", &cfg.ReadTimeout, 5 * time.Second},
		{"WRITE_TIMEOUT", &cfg.WriteTimeout, 10 * time.Second},
		{"IDLE_TIMEOUT", &cfg.IdleTimeout, 60 * time.Second},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout, 10 * time.Second},
		{"PRICE_FEED_TIMEOUT", &cfg.PriceFeedTimeout, 2 * time.Second},
		{"RETRY_INITIAL_INTERVAL", &cfg.RetryInitialInterval, 10 * time.Millisecond},
		{"RETRY_MAX_INTERVAL", &cfg.RetryMaxInterval, 250 * time.Millisecond},
		{"BREAKER_WINDOW", &cfg.BreakerWindow, 30 * time.Second},
		{"BREAKER_COOLDOWN", &cfg.BreakerCooldown, 10 * time.Second},
		{"LOCAL_CACHE_TTL", &cfg.LocalCacheTTL, time.Second},
		{"PROJECTION_TTL", &cfg.ProjectionTTL, 5 * time.Minute},
		{"PRICE_TTL", &cfg.PriceTTL, 5 * time.Second},
		{"ENTITY_TTL", &cfg.EntityTTL, time.Hour},
		{"STATS_TTL", &cfg.StatsTTL, 10 * time.Second},
		{"WEBHOOK_TIMEOUT", &cfg.WebhookTimeout, 5 * time.Second},
		{"PUBLISHER_DELIVERY_TIMEOUT", &cfg.DeliveryTimeout, 15 * time.Second},
	}
	for _, d := range durations {
		v, err := src.getDuration(d.key, d.def)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", d.key)
		}
		*d.dst = v
	}
	if cfg.RetryMaxInterval < cfg.RetryInitialInterval {
		return nil, fmt.Errorf("invalid RETRY_MAX_INTERVAL: must be >= RETRY_INITIAL_INTERVAL")
	}

	ints := []struct {
		key string
		dst *int
		def int
	}{
		{"RETRY_MAX_ATTEMPTS", &cfg.RetryMaxAttempts, 5},
		{"BREAKER_FAILURE_THRESHOLD", &cfg.BreakerFailureThreshold, 5},
		{"BREAKER_HALF_OPEN_CALLS", &cfg.BreakerHalfOpenCalls, 3},
		{"LOCAL_CACHE_SIZE", &cfg.LocalCacheSize, 10000},
		{"PUBLISHER_BUFFER", &cfg.PublisherBuffer, 1024},
	}
	for _, n := range ints {
		v, err := src.getInt(n.key, n.def)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", n.key, err)
		}
		if v < 1 {
			return nil, fmt.Errorf("invalid %s: must be at least 1", n.key)
		}
		*n.dst = v
	}

	cfg.DatabaseURL = src.getStr("DATABASE_URL", "")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.MigrateOnStart, err = src.getBool("MIGRATE_ON_START", true); err != nil {
		return nil, fmt.Errorf("invalid MIGRATE_ON_START: %w", err)
	}
	cfg.RedisAddr = src.getStr("REDIS_ADDR", "")
	cfg.PriceFeedURL = src.getStr("PRICE_FEED_URL", "")

	if cfg.PriceFeedRPS, err = src.getFloat("PRICE_FEED_RPS", 50); err != nil {
		return nil, fmt.Errorf("invalid PRICE_FEED_RPS: %w", err)
	}
	if cfg.PriceFeedRPS < 0 {
		return nil, fmt.Errorf("invalid PRICE_FEED_RPS: must be non-negative")
	}

	tolerance := src.getStr("SLIPPAGE_TOLERANCE", "0.02")
	if cfg.SlippageTolerance, err = decimal.NewFromString(tolerance); err != nil {
		return nil, fmt.Errorf("invalid SLIPPAGE_TOLERANCE: %w", err)
	}
	if cfg.SlippageTolerance.IsNegative() || cfg.SlippageTolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("invalid SLIPPAGE_TOLERANCE: %s must be in [0, 1)", tolerance)
	}

	every, err := src.getInt("SNAPSHOT_EVERY", 50)
	if err != nil {
		return nil, fmt.Errorf("invalid SNAPSHOT_EVERY: %w", err)
	}
	if every < 0 {
		return nil, fmt.Errorf("invalid SNAPSHOT_EVERY: must be non-negative")
	}
	cfg.SnapshotEvery = int64(every)

	for i, e := range fc.Entities {
		seed := EntitySeed{Key: e.Key, Name: e.Name, Crew: e.Crew, Tradable: true}
		if e.Key == "" {
			return nil, fmt.Errorf("invalid entities[%d]: key is required", i)
		}
		if e.Tradable != nil {
			seed.Tradable = *e.Tradable
		}
		if e.Price != "" {
			p, err := decimal.NewFromString(e.Price)
			if err != nil {
				return nil, fmt.Errorf("invalid entities[%d].price: %w", i, err)
			}
			seed.Price = &p
		}
		cfg.Entities = append(cfg.Entities, seed)
	}

	return cfg, nil
}

func (s source) getStr(key, defaultVal string) string {
	v := s.get(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func (s source) getInt(key string, defaultVal int) (int, error) {
	v := s.get(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func (s source) getFloat(key string, defaultVal float64) (float64, error) {
	v := s.get(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseFloat(v, 64)
}

func (s source) getBool(key string, defaultVal bool) (bool, error) {
	v := s.get(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseBool(v)
}

func (s source) getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := s.get(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
