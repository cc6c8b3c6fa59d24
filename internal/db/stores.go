package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/acgh213/repairdesk/internal/store"
	"github.com/acgh213/repairdesk/internal/store/postgres"
	"github.com/acgh213/repairdesk/internal/store/sqlite"
)

// OpenStores connects to the backend named by driver, applies its
// migrations and returns the repositories. For sqlite, databaseURL is a
// file path, optionally prefixed with sqlite://.
func OpenStores(ctx context.Context, driver, databaseURL string) (*store.Stores, error) {
	switch driver {
	case "postgres":
		if err := RunMigrations(databaseURL); err != nil {
			return nil, err
		}
		pool, err := OpenPostgres(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		return postgres.NewStores(pool), nil

	case "sqlite":
		conn, err := OpenSQLite(strings.TrimPrefix(databaseURL, "sqlite://"))
		if err != nil {
			return nil, err
		}
		if err := RunSQLiteMigrations(conn); err != nil {
			conn.Close()
			return nil, err
		}
		return sqlite.NewStores(conn), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", driver)
}
