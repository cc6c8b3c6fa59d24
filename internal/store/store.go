// Package store declares the durable records used by the security core and
// the repositories that persist them. Implementations live in the postgres
// and sqlite subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a keyed lookup or delete matches nothing.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable wraps failures to reach the durable store. It never
	// leaves the server; handlers report it as an internal error.
	ErrUnavailable = errors.New("durable store unavailable")
)

const (
	RoleAdmin      = "admin"
	RoleTechnician = "technician"
	RoleRequester  = "requester"
)

type User struct {
	ID           uuid.UUID
	Username     string
	Email        string
	Name         string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	LastLoginAt  *time.Time

	IsLocked       bool
	FailedAttempts int
	LastFailedAt   *time.Time
	LockedAt       *time.Time
}

// LockState is the lock-relevant projection of a user.
type LockState struct {
	UserID         uuid.UUID
	Username       string
	IsLocked       bool
	FailedAttempts int
	LastFailedAt   *time.Time
	LockedAt       *time.Time
}

// FailedAttempt describes one failed login for RecordFailedAttempt.
type FailedAttempt struct {
	At        time.Time
	Window    time.Duration // counter restarts at 1 when the previous failure is at least this old
	Threshold int           // the account locks when the counter reaches this value
}

type Users interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	SetLastLogin(ctx context.Context, id uuid.UUID, when time.Time) error

	LockState(ctx context.Context, id uuid.UUID) (*LockState, error)
	// RecordFailedAttempt increments the failure counter and applies the
	// lock threshold in a single atomic statement.
	RecordFailedAttempt(ctx context.Context, id uuid.UUID, a FailedAttempt) (*LockState, error)
	ResetFailedAttempts(ctx context.Context, id uuid.UUID) error
	// SetLocked locks or unlocks the account. Unlocking also clears the
	// failure counter.
	SetLocked(ctx context.Context, id uuid.UUID, locked bool, when time.Time) error
	ListLocked(ctx context.Context) ([]LockState, error)
}

type IPBlock struct {
	ID          uuid.UUID
	IP          string
	Reason      string
	FailedCount int
	BlockedAt   time.Time
	ExpiresAt   time.Time
}

type IPBlocks interface {
	// GetActive returns the block for ip only if it is still in force at now.
	GetActive(ctx context.Context, ip string, now time.Time) (*IPBlock, error)
	// Upsert creates or replaces the block for b.IP and sets b.ID.
	Upsert(ctx context.Context, b *IPBlock) error
	Delete(ctx context.Context, ip string) error
	// DeleteByID removes a block and returns the IP it applied to.
	DeleteByID(ctx context.Context, id uuid.UUID) (string, error)
	// List returns every stored block, newest first.
	List(ctx context.Context) ([]IPBlock, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

const (
	TierShort = "short"
	TierLong  = "long"
)

type Session struct {
	ID        uuid.UUID
	TokenHash string
	UserID    uuid.UUID
	Tier      string
	CreatedAt time.Time
	ExpiresAt time.Time
	IP        string
	UserAgent string
}

type Sessions interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, tokenHash string) (*Session, error)
	UpdateExpiry(ctx context.Context, tokenHash string, expiresAt time.Time) error
	// Delete is idempotent: deleting an absent session is not an error.
	Delete(ctx context.Context, tokenHash string) error
	DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type AuditEntry struct {
	ID           uuid.UUID
	ActorUserID  *uuid.UUID
	Action       string
	TargetType   string
	TargetID     string
	IP           string
	UserAgent    string
	MetadataJSON []byte
	At           time.Time
}

type Audit interface {
	Insert(ctx context.Context, e *AuditEntry) error
	Recent(ctx context.Context, limit int) ([]AuditEntry, error)
}

// Stores bundles the repositories of one backend.
type Stores struct {
	Users    Users
	IPBlocks IPBlocks
	Sessions Sessions
	Audit    Audit

	Ping  func(ctx context.Context) error
	Close func()
}
