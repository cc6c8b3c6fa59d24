// Package lockout locks user accounts after repeated failed logins.
//
// Unlike the IP guard, the failure counter is durable: it lives on the user
// record and is advanced by a single atomic store update, so concurrent
// failures for one account are never lost. Locks do not expire. Only
// UnlockUser clears them.
//
// The cache holds a short-lived boolean mirror of the lock flag under
// user_locked:<id>. Every write to the lock state invalidates it.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/acgh213/repairdesk/internal/cache"
	"github.com/acgh213/repairdesk/internal/store"
)

type Config struct {
	Threshold     int
	AttemptWindow time.Duration // a failure older than this restarts the count
	MirrorTTL     time.Duration

	// FailClosed treats an account as locked when the store cannot answer.
	FailClosed bool

	Now    func() time.Time
	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Threshold:     5,
		AttemptWindow: 15 * time.Minute,
		MirrorTTL:     time.Minute,
	}
}

// Attempt is the result of recording a failed login.
type Attempt struct {
	Locked            bool
	LockedNow         bool // this attempt caused the lock
	FailedAttempts    int
	RemainingAttempts int
}

// LockedError reports a login against a locked account.
type LockedError struct {
	FailedAttempts int
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked after %d failed attempts", e.FailedAttempts)
}

type Manager struct {
	users store.Users
	flags *cache.Cache[bool]
	cfg   Config
	now   func() time.Time
	log   *slog.Logger

	loads singleflight.Group
}

// New creates a Manager. flags may be shared with the IP guard.
func New(users store.Users, flags *cache.Cache[bool], cfg Config) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{users: users, flags: flags, cfg: cfg, now: now, log: log}
}

func lockedKey(id uuid.UUID) string {
	return "user_locked:" + id.String()
}

// RecordFailedUserAttempt advances the failure counter of userID and locks
// the account when it reaches the threshold.
func (m *Manager) RecordFailedUserAttempt(ctx context.Context, userID uuid.UUID) (Attempt, error) {
	ls, err := m.users.RecordFailedAttempt(ctx, userID, store.FailedAttempt{
		At:        m.now(),
		Window:    m.cfg.AttemptWindow,
		Threshold: m.cfg.Threshold,
	})
	if err != nil {
		return Attempt{}, fmt.Errorf("record failed attempt: %w", err)
	}
	m.flags.Set(lockedKey(userID), ls.IsLocked, m.cfg.MirrorTTL)

	a := Attempt{Locked: ls.IsLocked, FailedAttempts: ls.FailedAttempts}
	if !ls.IsLocked {
		a.RemainingAttempts = max(m.cfg.Threshold-ls.FailedAttempts, 0)
	}
	if ls.IsLocked && ls.LockedAt != nil && ls.LastFailedAt != nil && ls.LockedAt.Equal(*ls.LastFailedAt) {
		a.LockedNow = true
		m.log.Warn("account locked", "user_id", userID, "failed_attempts", ls.FailedAttempts)
	}
	return a, nil
}

// ResetUserAttempts zeroes the failure counter after a successful login.
func (m *Manager) ResetUserAttempts(ctx context.Context, userID uuid.UUID) bool {
	if err := m.users.ResetFailedAttempts(ctx, userID); err != nil {
		m.log.Error("failed to reset failed attempts", "user_id", userID, "error", err)
		return false
	}
	return true
}

// LockUser locks the account regardless of its failure count.
func (m *Manager) LockUser(ctx context.Context, userID uuid.UUID) bool {
	if !m.setLocked(ctx, userID, true) {
		return false
	}
	m.log.Info("account locked by admin", "user_id", userID)
	return true
}

// UnlockUser clears the lock and the failure counter.
func (m *Manager) UnlockUser(ctx context.Context, userID uuid.UUID) bool {
	if !m.setLocked(ctx, userID, false) {
		return false
	}
	m.log.Info("account unlocked", "user_id", userID)
	return true
}

func (m *Manager) setLocked(ctx context.Context, userID uuid.UUID, locked bool) bool {
	key := lockedKey(userID)
	if err := m.users.SetLocked(ctx, userID, locked, m.now()); err != nil {
		m.flags.Delete(key)
		m.log.Error("failed to change account lock", "user_id", userID, "locked", locked, "error", err)
		return false
	}
	m.flags.Set(key, locked, m.cfg.MirrorTTL)
	return true
}

// IsUserLocked reports whether the account is locked. An unknown user is
// not locked.
func (m *Manager) IsUserLocked(ctx context.Context, userID uuid.UUID) bool {
	key := lockedKey(userID)
	if locked, ok := m.flags.Get(key); ok {
		return locked
	}

	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := m.loads.Do(key, func() (any, error) {
		ls, err := m.users.LockState(loadCtx, userID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return false, nil
		case err != nil:
			return false, err
		}
		// A lock or unlock that ran during the load already wrote the flag.
		m.flags.Add(key, ls.IsLocked, m.cfg.MirrorTTL)
		return ls.IsLocked, nil
	})
	if err != nil {
		m.log.Error("lock state lookup failed", "user_id", userID, "fail_closed", m.cfg.FailClosed, "error", err)
		return m.cfg.FailClosed
	}
	return v.(bool)
}

// GetUserLockStatus returns the lock fields of one user from the store.
func (m *Manager) GetUserLockStatus(ctx context.Context, userID uuid.UUID) (*store.LockState, error) {
	ls, err := m.users.LockState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get lock status: %w", err)
	}
	return ls, nil
}

// GetLockedUsers lists locked accounts, most recently locked first.
func (m *Manager) GetLockedUsers(ctx context.Context) ([]store.LockState, error) {
	locked, err := m.users.ListLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("list locked users: %w", err)
	}
	return locked, nil
}
