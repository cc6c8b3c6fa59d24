package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acgh213/repairdesk/internal/store"
)

type SessionsStore struct {
	pool *pgxpool.Pool
}

func NewSessionsStore(pool *pgxpool.Pool) *SessionsStore {
	return &SessionsStore{pool: pool}
}

var _ store.Sessions = (*SessionsStore)(nil)

func (s *SessionsStore) Create(ctx context.Context, sess *store.Session) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	const q = `
		INSERT INTO sessions (id, token_hash, user_id, tier, created_at, expires_at, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, q, sess.ID, sess.TokenHash, sess.UserID, sess.Tier, sess.CreatedAt, sess.ExpiresAt, sess.IP, sess.UserAgent)
	if err != nil {
		return wrapErr("create session", err)
	}
	return nil
}

func (s *SessionsStore) Get(ctx context.Context, tokenHash string) (*store.Session, error) {
	const q = `
		SELECT id, token_hash, user_id, tier, created_at, expires_at, ip, user_agent
		FROM sessions WHERE token_hash = $1
	`
	var sess store.Session
	err := s.pool.QueryRow(ctx, q, tokenHash).Scan(
		&sess.ID, &sess.TokenHash, &sess.UserID, &sess.Tier, &sess.CreatedAt, &sess.ExpiresAt, &sess.IP, &sess.UserAgent)
	if err != nil {
		return nil, wrapErr("get session", err)
	}
	return &sess, nil
}

func (s *SessionsStore) UpdateExpiry(ctx context.Context, tokenHash string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET expires_at = $2 WHERE token_hash = $1`, tokenHash, expiresAt)
	if err != nil {
		return wrapErr("update session expiry", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SessionsStore) Delete(ctx context.Context, tokenHash string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return wrapErr("delete session", err)
	}
	return nil
}

func (s *SessionsStore) DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, wrapErr("delete user sessions", err)
	}
	return tag.RowsAffected(), nil
}

func (s *SessionsStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, wrapErr("delete expired sessions", err)
	}
	return tag.RowsAffected(), nil
}
