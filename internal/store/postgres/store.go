// Package postgres implements the ledger's stores on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/efreitasn/stockledger/internal/telemetry"
)

const uniqueViolation = "23505"

// Open creates a connection pool for dsn, verifies it with a ping and
// registers the pool gauges.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	ObservePoolMetrics(pool)
	return pool, nil
}

// ObservePoolMetrics registers observable gauges that report pgx pool health.
func ObservePoolMetrics(pool *pgxpool.Pool) {
	if pool == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", "primary"),
	)

	meter := otel.Meter("postgres.pool")
	gauges := []struct {
		name string
		desc string
		read func(*pgxpool.Stat) int64
	}{
		{"stockledger_db_pool_connections_total", "Total connections (idle + acquired + constructing)",
			func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
		{"stockledger_db_pool_connections_idle", "Idle connections ready for checkout",
			func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
		{"stockledger_db_pool_connections_acquired", "Connections currently acquired by callers",
			func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	}
	for _, g := range gauges {
		read := g.read
		if _, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(read(pool.Stat()), attrs)
				return nil
			}),
		); err != nil {
			return
		}
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
