package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/acgh213/repairdesk/internal/store"
)

type SessionsStore struct {
	db *sql.DB
}

func NewSessionsStore(db *sql.DB) *SessionsStore {
	return &SessionsStore{db: db}
}

var _ store.Sessions = (*SessionsStore)(nil)

func (s *SessionsStore) Create(ctx context.Context, sess *store.Session) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	const q = `
		INSERT INTO sessions (id, token_hash, user_id, tier, created_at, expires_at, ip, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, q, sess.ID, sess.TokenHash, sess.UserID, sess.Tier,
		millis(sess.CreatedAt), millis(sess.ExpiresAt), sess.IP, sess.UserAgent)
	if err != nil {
		return wrapErr("create session", err)
	}
	return nil
}

func (s *SessionsStore) Get(ctx context.Context, tokenHash string) (*store.Session, error) {
	const q = `
		SELECT id, token_hash, user_id, tier, created_at, expires_at, ip, user_agent
		FROM sessions WHERE token_hash = ?
	`
	var (
		sess                 store.Session
		createdAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, q, tokenHash).Scan(
		&sess.ID, &sess.TokenHash, &sess.UserID, &sess.Tier, &createdAt, &expiresAt, &sess.IP, &sess.UserAgent)
	if err != nil {
		return nil, wrapErr("get session", err)
	}
	sess.CreatedAt = fromMillis(createdAt)
	sess.ExpiresAt = fromMillis(expiresAt)
	return &sess, nil
}

func (s *SessionsStore) UpdateExpiry(ctx context.Context, tokenHash string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET expires_at = ? WHERE token_hash = ?`, millis(expiresAt), tokenHash)
	if err != nil {
		return wrapErr("update session expiry", err)
	}
	if affected(res) == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SessionsStore) Delete(ctx context.Context, tokenHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?`, tokenHash); err != nil {
		return wrapErr("delete session", err)
	}
	return nil
}

func (s *SessionsStore) DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, wrapErr("delete user sessions", err)
	}
	return affected(res), nil
}

func (s *SessionsStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, millis(now))
	if err != nil {
		return 0, wrapErr("delete expired sessions", err)
	}
	return affected(res), nil
}
