// Package postgres implements the store repositories on PostgreSQL via pgx.
package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acgh213/repairdesk/internal/store"
)

// NewStores returns every repository backed by pool.
func NewStores(pool *pgxpool.Pool) *store.Stores {
	return &store.Stores{
		Users:    NewUsersStore(pool),
		IPBlocks: NewIPBlocksStore(pool),
		Sessions: NewSessionsStore(pool),
		Audit:    NewAuditStore(pool),
		Ping:     pool.Ping,
		Close:    pool.Close,
	}
}

const uniqueViolation = "23505"

// wrapErr maps pgx errors onto the store sentinels.
func wrapErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, store.ErrConflict)
	}
	return fmt.Errorf("%s: %w: %w", op, store.ErrUnavailable, err)
}
