// Package session issues and verifies login sessions.
//
// Sessions slide: every successful GetSession pushes the expiry forward.
// There are two tiers. Short sessions extend to 30 minutes and remembered
// sessions to 7 days. In heuristic mode, the default, the tier is inferred
// at every check from the time left: more than an hour means long. A short
// session never has more than ShortTTL left, and a long one never drops
// below the threshold while it is in use, so the inference is stable as long
// as TierThreshold sits strictly between ShortTTL and LongTTL. Stored mode
// uses the tier recorded when the session was created instead.
//
// The durable record is authoritative and GetSession always reads it. The
// cache holds a session:<hash> -> user ID mirror that is refreshed as a side
// effect and read only by Lookup.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/acgh213/repairdesk/internal/cache"
	"github.com/acgh213/repairdesk/internal/store"
)

const (
	DefaultShortTTL      = 30 * time.Minute
	DefaultLongTTL       = 7 * 24 * time.Hour
	DefaultTierThreshold = time.Hour
	TokenLength          = 32
)

type TierMode string

const (
	ModeHeuristic TierMode = "heuristic"
	ModeStored    TierMode = "stored"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

type Config struct {
	ShortTTL      time.Duration
	LongTTL       time.Duration
	TierThreshold time.Duration
	Mode          TierMode

	Now    func() time.Time
	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		ShortTTL:      DefaultShortTTL,
		LongTTL:       DefaultLongTTL,
		TierThreshold: DefaultTierThreshold,
		Mode:          ModeHeuristic,
	}
}

type Manager struct {
	sessions store.Sessions
	mirror   *cache.Cache[uuid.UUID]
	cfg      Config
	now      func() time.Time
	log      *slog.Logger
}

func New(sessions store.Sessions, mirror *cache.Cache[uuid.UUID], cfg Config) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{sessions: sessions, mirror: mirror, cfg: cfg, now: now, log: log}
}

// GenerateToken returns a random hex token. Only its hash is stored.
func GenerateToken() (string, error) {
	b := make([]byte, TokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func mirrorKey(tokenHash string) string {
	return "session:" + tokenHash
}

// Duration returns the lifetime of a new session.
func (m *Manager) Duration(remember bool) time.Duration {
	if remember {
		return m.cfg.LongTTL
	}
	return m.cfg.ShortTTL
}

// CreateSession stores a session for token that expires after d. A d above
// the tier threshold makes it a long session. It returns false if the
// session could not be stored.
func (m *Manager) CreateSession(ctx context.Context, userID uuid.UUID, token string, d time.Duration, ip, userAgent string) bool {
	now := m.now()
	tier := store.TierShort
	if d > m.cfg.TierThreshold {
		tier = store.TierLong
	}

	s := &store.Session{
		TokenHash: hashToken(token),
		UserID:    userID,
		Tier:      tier,
		CreatedAt: now,
		ExpiresAt: now.Add(d),
		IP:        ip,
		UserAgent: userAgent,
	}
	if err := m.sessions.Create(ctx, s); err != nil {
		m.log.Error("failed to create session", "user_id", userID, "error", err)
		return false
	}
	m.mirror.Set(mirrorKey(s.TokenHash), userID, d)
	return true
}

// Issue generates a token and creates a session for it.
func (m *Manager) Issue(ctx context.Context, userID uuid.UUID, remember bool, ip, userAgent string) (string, time.Time, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate token: %w", err)
	}
	d := m.Duration(remember)
	if !m.CreateSession(ctx, userID, token, d, ip, userAgent) {
		return "", time.Time{}, errors.New("session not stored")
	}
	return token, m.now().Add(d), nil
}

// GetSession verifies token and extends the session. The returned record
// carries the new expiry. If the extension cannot be written the session is
// still returned, with its previous expiry.
func (m *Manager) GetSession(ctx context.Context, token string) (*store.Session, error) {
	hash := hashToken(token)

	s, err := m.sessions.Get(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		m.mirror.Delete(mirrorKey(hash))
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	now := m.now()
	if !now.Before(s.ExpiresAt) {
		m.mirror.Delete(mirrorKey(hash))
		if err := m.sessions.Delete(ctx, hash); err != nil {
			m.log.Warn("failed to delete expired session", "error", err)
		}
		return nil, ErrSessionExpired
	}

	expiresAt := now.Add(m.cfg.ShortTTL)
	if m.isLong(s, now) {
		expiresAt = now.Add(m.cfg.LongTTL)
	}
	if err := m.sessions.UpdateExpiry(ctx, hash, expiresAt); err != nil {
		m.log.Error("failed to extend session", "user_id", s.UserID, "error", err)
	} else {
		s.ExpiresAt = expiresAt
	}

	m.mirror.Set(mirrorKey(hash), s.UserID, s.ExpiresAt.Sub(now))
	return s, nil
}

func (m *Manager) isLong(s *store.Session, now time.Time) bool {
	if m.cfg.Mode == ModeStored {
		return s.Tier == store.TierLong
	}
	return s.ExpiresAt.Sub(now) > m.cfg.TierThreshold
}

// Lookup returns the user mirrored for token without touching the store.
// It does not verify or extend the session and must not be used for
// authentication.
func (m *Manager) Lookup(token string) (uuid.UUID, bool) {
	return m.mirror.Get(mirrorKey(hashToken(token)))
}

// DeleteSession removes the session for token. Deleting an unknown token
// succeeds.
func (m *Manager) DeleteSession(ctx context.Context, token string) bool {
	hash := hashToken(token)
	m.mirror.Delete(mirrorKey(hash))
	if err := m.sessions.Delete(ctx, hash); err != nil {
		m.log.Error("failed to delete session", "error", err)
		return false
	}
	return true
}

// DeleteAllForUser removes every session of userID. Mirror entries for
// those tokens are left to expire; Lookup may report them until then.
func (m *Manager) DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := m.sessions.DeleteAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("delete user sessions: %w", err)
	}
	return n, nil
}

// CleanExpiredSessions deletes every session past its expiry.
func (m *Manager) CleanExpiredSessions(ctx context.Context) (int64, error) {
	n, err := m.sessions.DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("clean expired sessions: %w", err)
	}
	return n, nil
}
