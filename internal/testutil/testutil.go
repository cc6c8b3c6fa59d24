// Package testutil provides fixtures for tests that need a real store.
//
// NewSQLiteStores gives every test its own database file, so packages can
// run in parallel without cleanup. SetupDB targets Postgres and is skipped
// unless TEST_DATABASE_URL is set. Usernames get a short UUID prefix so
// re-runs against a shared Postgres never collide.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/acgh213/repairdesk/internal/db"
	"github.com/acgh213/repairdesk/internal/store"
)

// TestDatabaseURL returns the Postgres connection string for integration
// tests, or "" when none is configured.
func TestDatabaseURL() string {
	return os.Getenv("TEST_DATABASE_URL")
}

// SetupDB connects to the Postgres test database, runs migrations and
// returns its stores.
func SetupDB(t *testing.T) *store.Stores {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test (short mode)")
	}
	url := TestDatabaseURL()
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	stores, err := db.OpenStores(context.Background(), "postgres", url)
	if err != nil {
		t.Fatalf("connect to test db: %v", err)
	}
	t.Cleanup(stores.Close)
	return stores
}

// NewSQLiteStores returns stores on a fresh, migrated SQLite file.
func NewSQLiteStores(t *testing.T) *store.Stores {
	t.Helper()

	stores, err := db.OpenStores(context.Background(), "sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(stores.Close)
	return stores
}

// UniqueUsername prefixes base with a short UUID.
func UniqueUsername(base string) string {
	return fmt.Sprintf("%s.%s", uuid.New().String()[:8], base)
}

// ---- Seed helpers ---------------------------------------------------------

// CreateUser creates a user with a bcrypt-hashed password. The username is
// made unique with UniqueUsername; read it back from the returned record.
func CreateUser(t *testing.T, users store.Users, username, role, password string) *store.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u := &store.User{
		Username:     UniqueUsername(username),
		Email:        username + "@example.com",
		Name:         "User " + username,
		PasswordHash: string(hash),
		Role:         role,
	}
	if err := users.Create(context.Background(), u); err != nil {
		t.Fatalf("create user %q: %v", u.Username, err)
	}
	return u
}

// CreateIPBlock stores a block for ip expiring at expiresAt.
func CreateIPBlock(t *testing.T, blocks store.IPBlocks, ip string, blockedAt, expiresAt time.Time) *store.IPBlock {
	t.Helper()
	b := &store.IPBlock{
		IP:          ip,
		Reason:      "test fixture",
		FailedCount: 10,
		BlockedAt:   blockedAt,
		ExpiresAt:   expiresAt,
	}
	if err := blocks.Upsert(context.Background(), b); err != nil {
		t.Fatalf("create ip block %q: %v", ip, err)
	}
	return b
}
