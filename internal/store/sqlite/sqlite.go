// Package sqlite implements the store repositories on an embedded SQLite
// database. Timestamps are stored as unix milliseconds in UTC.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/acgh213/repairdesk/internal/store"
)

// NewStores returns every repository backed by conn.
func NewStores(conn *sql.DB) *store.Stores {
	return &store.Stores{
		Users:    NewUsersStore(conn),
		IPBlocks: NewIPBlocksStore(conn),
		Sessions: NewSessionsStore(conn),
		Audit:    NewAuditStore(conn),
		Ping:     conn.PingContext,
		Close:    func() { conn.Close() },
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func wrapErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var se *msqlite.Error
	if errors.As(err, &se) && (se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY) {
		return fmt.Errorf("%s: %w", op, store.ErrConflict)
	}
	return fmt.Errorf("%s: %w: %w", op, store.ErrUnavailable, err)
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
