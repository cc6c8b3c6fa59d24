package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/acgh213/repairdesk/internal/store"
)

type UsersStore struct {
	db *sql.DB
}

func NewUsersStore(db *sql.DB) *UsersStore {
	return &UsersStore{db: db}
}

var _ store.Users = (*UsersStore)(nil)

const userColumns = `id, username, email, name, password_hash, role, created_at, last_login_at,
	is_locked, failed_attempts, last_failed_at, locked_at`

func scanUser(row scanner) (*store.User, error) {
	var (
		u                               store.User
		createdAt                       int64
		lastLogin, lastFailed, lockedAt sql.NullInt64
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &createdAt, &lastLogin,
		&u.IsLocked, &u.FailedAttempts, &lastFailed, &lockedAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(createdAt)
	u.LastLoginAt = timePtr(lastLogin)
	u.LastFailedAt = timePtr(lastFailed)
	u.LockedAt = timePtr(lockedAt)
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
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, q, u.ID, u.Username, u.Email, u.Name, u.PasswordHash, u.Role, millis(u.CreatedAt))
	if err != nil {
		return wrapErr("create user", err)
	}
	return nil
}

func (s *UsersStore) GetByID(ctx context.Context, id uuid.UUID) (*store.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	u, err := scanUser(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, wrapErr("get user", err)
	}
	return u, nil
}

func (s *UsersStore) GetByUsername(ctx context.Context, username string) (*store.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE username = ? COLLATE NOCASE`
	u, err := scanUser(s.db.QueryRowContext(ctx, q, username))
	if err != nil {
		return nil, wrapErr("get user by username", err)
	}
	return u, nil
}

func (s *UsersStore) SetLastLogin(ctx context.Context, id uuid.UUID, when time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, millis(when), id)
	if err != nil {
		return wrapErr("set last login", err)
	}
	return nil
}

const lockColumns = `id, username, is_locked, failed_attempts, last_failed_at, locked_at`

func scanLockState(row scanner) (*store.LockState, error) {
	var (
		ls                   store.LockState
		lastFailed, lockedAt sql.NullInt64
	)
	if err := row.Scan(&ls.UserID, &ls.Username, &ls.IsLocked, &ls.FailedAttempts, &lastFailed, &lockedAt); err != nil {
		return nil, err
	}
	ls.LastFailedAt = timePtr(lastFailed)
	ls.LockedAt = timePtr(lockedAt)
	return &ls, nil
}

func (s *UsersStore) LockState(ctx context.Context, id uuid.UUID) (*store.LockState, error) {
	q := `SELECT ` + lockColumns + ` FROM users WHERE id = ?`
	ls, err := scanLockState(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, wrapErr("get lock state", err)
	}
	return ls, nil
}

// RecordFailedAttempt runs as one UPDATE; SQLite evaluates every SET
// expression against the pre-update row.
func (s *UsersStore) RecordFailedAttempt(ctx context.Context, id uuid.UUID, a store.FailedAttempt) (*store.LockState, error) {
	const q = `
		UPDATE users SET
			failed_attempts = CASE
				WHEN last_failed_at IS NULL OR last_failed_at <= :cutoff THEN 1
				ELSE failed_attempts + 1
			END,
			is_locked = is_locked OR (CASE
				WHEN last_failed_at IS NULL OR last_failed_at <= :cutoff THEN 1
				ELSE failed_attempts + 1
			END) >= :threshold,
			locked_at = CASE
				WHEN NOT is_locked AND (CASE
					WHEN last_failed_at IS NULL OR last_failed_at <= :cutoff THEN 1
					ELSE failed_attempts + 1
				END) >= :threshold THEN :now
				ELSE locked_at
			END,
			last_failed_at = :now
		WHERE id = :id
		RETURNING ` + lockColumns

	row := s.db.QueryRowContext(ctx, q,
		sql.Named("id", id),
		sql.Named("now", millis(a.At)),
		sql.Named("cutoff", millis(a.At.Add(-a.Window))),
		sql.Named("threshold", a.Threshold),
	)
	ls, err := scanLockState(row)
	if err != nil {
		return nil, wrapErr("record failed attempt", err)
	}
	return ls, nil
}

func (s *UsersStore) ResetFailedAttempts(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET failed_attempts = 0, last_failed_at = NULL WHERE id = ?`, id)
	if err != nil {
		return wrapErr("reset failed attempts", err)
	}
	if affected(res) == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *UsersStore) SetLocked(ctx context.Context, id uuid.UUID, locked bool, when time.Time) error {
	var (
		res sql.Result
		err error
	)
	if locked {
		res, err = s.db.ExecContext(ctx, `UPDATE users SET is_locked = 1, locked_at = ? WHERE id = ?`, millis(when), id)
	} else {
		const q = `
			UPDATE users SET is_locked = 0, locked_at = NULL, failed_attempts = 0, last_failed_at = NULL
			WHERE id = ?
		`
		res, err = s.db.ExecContext(ctx, q, id)
	}
	if err != nil {
		return wrapErr("set locked", err)
	}
	if affected(res) == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *UsersStore) ListLocked(ctx context.Context) ([]store.LockState, error) {
	q := `SELECT ` + lockColumns + ` FROM users WHERE is_locked = 1 ORDER BY locked_at IS NULL, locked_at DESC, username`
	rows, err := s.db.QueryContext(ctx, q)
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
