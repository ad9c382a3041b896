package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/efreitasn/stockledger/internal/domain"
)

const (
	entityInsertSQL = `
INSERT INTO entities (key, name, crew, tradable, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6);
`

	entitySelectSQL = `
SELECT key, name, crew, tradable, created_at, updated_at
FROM entities
`

	entityUpdateSQL = `
UPDATE entities
SET name = $2,
    crew = $3,
    tradable = $4,
    updated_at = $5
WHERE key = $1;
`
)

// EntityStore persists the entity catalog.
type EntityStore struct {
	pool *pgxpool.Pool
}

// NewEntityStore constructs an EntityStore backed by the provided pool.
func NewEntityStore(pool *pgxpool.Pool) *EntityStore {
	return &EntityStore{pool: pool}
}

// Create inserts e. It returns domain.ErrEntityAlreadyExists if the key
// is taken.
func (s *EntityStore) Create(ctx context.Context, e *domain.Entity) error {
	_, err := s.pool.Exec(ctx, entityInsertSQL, e.Key, e.Name, e.Crew, e.Tradable, e.CreatedAt.UTC(), e.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return domain.ErrEntityAlreadyExists
	}
	if err != nil {
		return domain.StorageError("create entity", err)
	}
	return nil
}

// Get returns the entity with the given key or domain.ErrEntityNotFound.
func (s *EntityStore) Get(ctx context.Context, key string) (*domain.Entity, error) {
	e, err := scanEntity(s.pool.QueryRow(ctx, entitySelectSQL+"WHERE key = $1;", key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrEntityNotFound
	}
	if err != nil {
		return nil, domain.StorageError("get entity", err)
	}
	return e, nil
}

// List returns all entities ordered by key.
func (s *EntityStore) List(ctx context.Context) ([]*domain.Entity, error) {
	rows, err := s.pool.Query(ctx, entitySelectSQL+"ORDER BY key ASC;")
	if err != nil {
		return nil, domain.StorageError("list entities", err)
	}
	defer rows.Close()

	result := []*domain.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, domain.StorageError("scan entity", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageError("list entities", err)
	}
	return result, nil
}

// Update replaces the mutable fields of an existing entity.
func (s *EntityStore) Update(ctx context.Context, e *domain.Entity) error {
	tag, err := s.pool.Exec(ctx, entityUpdateSQL, e.Key, e.Name, e.Crew, e.Tradable, e.UpdatedAt.UTC())
	if err != nil {
		return domain.StorageError("update entity", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEntityNotFound
	}
	return nil
}

func scanEntity(row pgx.Row) (*domain.Entity, error) {
	var e domain.Entity
	if err := row.Scan(&e.Key, &e.Name, &e.Crew, &e.Tradable, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}
