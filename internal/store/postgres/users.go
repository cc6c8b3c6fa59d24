package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acgh213/repairdesk/internal/store"
)

type UsersStore struct {
	pool *pgxpool.Pool
}

func NewUsersStore(pool *pgxpool.Pool) *UsersStore {
	return &UsersStore{pool: pool}
}

var _ store.Users = (*UsersStore)(nil)

const userColumns = `id, username, email, name, password_hash, role, created_at, last_login_at,
	is_locked, failed_attempts, last_failed_at, locked_at`

func scanUser(row pgx.Row) (*store.User, error) {
	var u store.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.LastLoginAt,
		&u.IsLocked, &u.FailedAttempts, &u.LastFailedAt, &u.LockedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *UsersStore) Create(ctx context.Context, u *store.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	if u.Role == "" {
		u.Role = store.RoleRequester
	}

	const q = `
		INSERT INTO users (id, username, email, name, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, q, u.ID, u.Username, u.Email, u.Name, u.PasswordHash, u.Role, u.CreatedAt)
	if err != nil {
		return wrapErr("create user", err)
	}
	return nil
}

func (s *UsersStore) GetByID(ctx context.Context, id uuid.UUID) (*store.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	u, err := scanUser(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, wrapErr("get user", err)
	}
	return u, nil
}

func (s *UsersStore) GetByUsername(ctx context.Context, username string) (*store.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE lower(username) = lower($1)`
	u, err := scanUser(s.pool.QueryRow(ctx, q, username))
	if err != nil {
		return nil, wrapErr("get user by username", err)
	}
	return u, nil
}

func (s *UsersStore) SetLastLogin(ctx context.Context, id uuid.UUID, when time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, when)
	if err != nil {
		return wrapErr("set last login", err)
	}
	return nil
}

const lockColumns = `id, username, is_locked, failed_attempts, last_failed_at, locked_at`

func scanLockState(row pgx.Row) (*store.LockState, error) {
	var ls store.LockState
	if err := row.Scan(&ls.UserID, &ls.Username, &ls.IsLocked, &ls.FailedAttempts, &ls.LastFailedAt, &ls.LockedAt); err != nil {
		return nil, err
	}
	return &ls, nil
}

func (s *UsersStore) LockState(ctx context.Context, id uuid.UUID) (*store.LockState, error) {
	q := `SELECT ` + lockColumns + ` FROM users WHERE id = $1`
	ls, err := scanLockState(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, wrapErr("get lock state", err)
	}
	return ls, nil
}

// RecordFailedAttempt relies on every SET expression seeing the pre-update
// row, so the counter expression is repeated wherever the new value matters.
// The row lock taken by UPDATE serializes concurrent failures for one user.
func (s *UsersStore) RecordFailedAttempt(ctx context.Context, id uuid.UUID, a store.FailedAttempt) (*store.LockState, error) {
	const q = `
		UPDATE users SET
			failed_attempts = CASE
				WHEN last_failed_at IS NULL OR last_failed_at <= $3 THEN 1
				ELSE failed_attempts + 1
			END,
			is_locked = is_locked OR (CASE
				WHEN last_failed_at IS NULL OR last_failed_at <= $3 THEN 1
				ELSE failed_attempts + 1
			END) >= $4,
			locked_at = CASE
				WHEN NOT is_locked AND (CASE
					WHEN last_failed_at IS NULL OR last_failed_at <= $3 THEN 1
					ELSE failed_attempts + 1
				END) >= $4 THEN $2
				ELSE locked_at
			END,
			last_failed_at = $2
		WHERE id = $1
		RETURNING ` + lockColumns

	cutoff := a.At.Add(-a.Window)
	ls, err := scanLockState(s.pool.QueryRow(ctx, q, id, a.At, cutoff, a.Threshold))
	if err != nil {
		return nil, wrapErr("record failed attempt", err)
	}
	return ls, nil
}

func (s *UsersStore) ResetFailedAttempts(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE users SET failed_attempts = 0, last_failed_at = NULL WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return wrapErr("reset failed attempts", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *UsersStore) SetLocked(ctx context.Context, id uuid.UUID, locked bool, when time.Time) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if locked {
		tag, err = s.pool.Exec(ctx, `UPDATE users SET is_locked = true, locked_at = $2 WHERE id = $1`, id, when)
	} else {
		const q = `
			UPDATE users SET is_locked = false, locked_at = NULL, failed_attempts = 0, last_failed_at = NULL
			WHERE id = $1
		`
		tag, err = s.pool.Exec(ctx, q, id)
	}
	if err != nil {
		return wrapErr("set locked", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *UsersStore) ListLocked(ctx context.Context) ([]store.LockState, error) {
	q := `SELECT ` + lockColumns + ` FROM users WHERE is_locked ORDER BY locked_at DESC NULLS LAST, username`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, wrapErr("list locked users", err)
	}
	defer rows.Close()

	var out []store.LockState
	for rows.Next() {
		ls, err := scanLockState(rows)
		if err != nil {
			return nil, wrapErr("scan locked user", err)
		}
		out = append(out, *ls)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list locked users", err)
	}
	return out, nil
}
