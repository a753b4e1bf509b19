// Package postgres persists the ledger in PostgreSQL through pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
	"github.com/odyssey-erp/condo-ledger/internal/platform/db"
)

//go:embed schema.sql
var schemaSQL string

//go:embed meters.sql
var metersSQL string

// Store provides PostgreSQL backed persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a store over the pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the idempotent schema. The optional meter tables are
// created only when withMeters is set.
func Migrate(ctx context.Context, pool *pgxpool.Pool, withMeters bool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store/postgres: migrate: %w", err)
	}
	if withMeters {
		if _, err := pool.Exec(ctx, metersSQL); err != nil {
			return fmt.Errorf("store/postgres: migrate meters: %w", err)
		}
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

var _ billing.Tx = (*txStore)(nil)

// WithTx wraps fn in a repeatable-read transaction.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, billing.Tx) error) error {
	if s == nil || s.pool == nil {
		return errors.New("store/postgres: not initialised")
	}
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txStore{tx: tx})
	})
	return mapError(err)
}

// mapError turns constraint violations into consistency errors so callers
// can match them with errors.Is.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return fmt.Errorf("%w: %v", billing.Inconsistent("unique", "constraint %s violated", pgErr.ConstraintName), err)
	case "23503":
		return fmt.Errorf("%w: %v", billing.Inconsistent("reference", "constraint %s violated", pgErr.ConstraintName), err)
	case "40001":
		return fmt.Errorf("%w: %v", billing.Inconsistent("serialization", "concurrent update, retry"), err)
	}
	return err
}

func notFound(err error, entity string, key any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.NotFound(entity, key)
	}
	return err
}
