package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/acgh213/repairdesk/internal/store"
)

type IPBlocksStore struct {
	db *sql.DB
}

func NewIPBlocksStore(db *sql.DB) *IPBlocksStore {
	return &IPBlocksStore{db: db}
}

var _ store.IPBlocks = (*IPBlocksStore)(nil)

const ipBlockColumns = `id, ip_address, reason, failed_count, blocked_at, expires_at`

func scanIPBlock(row scanner) (*store.IPBlock, error) {
	var (
		b                    store.IPBlock
		blockedAt, expiresAt int64
	)
	if err := row.Scan(&b.ID, &b.IP, &b.Reason, &b.FailedCount, &blockedAt, &expiresAt); err != nil {
		return nil, err
	}
	b.BlockedAt = fromMillis(blockedAt)
	b.ExpiresAt = fromMillis(expiresAt)
	return &b, nil
}

func (s *IPBlocksStore) GetActive(ctx context.Context, ip string, now time.Time) (*store.IPBlock, error) {
	q := `SELECT ` + ipBlockColumns + ` FROM ip_blocks WHERE ip_address = ? AND expires_at > ?`
	b, err := scanIPBlock(s.db.QueryRowContext(ctx, q, ip, millis(now)))
	if err != nil {
		return nil, wrapErr("get ip block", err)
	}
	return b, nil
}

func (s *IPBlocksStore) Upsert(ctx context.Context, b *store.IPBlock) error {
	const q = `
		INSERT INTO ip_blocks (id, ip_address, reason, failed_count, blocked_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (ip_address) DO UPDATE SET
			reason = excluded.reason,
			failed_count = excluded.failed_count,
			blocked_at = excluded.blocked_at,
			expires_at = excluded.expires_at
		RETURNING id
	`
	row := s.db.QueryRowContext(ctx, q, uuid.New(), b.IP, b.Reason, b.FailedCount, millis(b.BlockedAt), millis(b.ExpiresAt))
	if err := row.Scan(&b.ID); err != nil {
		return wrapErr("upsert ip block", err)
	}
	return nil
}

func (s *IPBlocksStore) Delete(ctx context.Context, ip string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ip_blocks WHERE ip_address = ?`, ip)
	if err != nil {
		return wrapErr("delete ip block", err)
	}
	if affected(res) == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *IPBlocksStore) DeleteByID(ctx context.Context, id uuid.UUID) (string, error) {
	var ip string
	err := s.db.QueryRowContext(ctx, `DELETE FROM ip_blocks WHERE id = ? RETURNING ip_address`, id).Scan(&ip)
	if err != nil {
		return "", wrapErr("delete ip block by id", err)
	}
	return ip, nil
}

func (s *IPBlocksStore) List(ctx context.Context) ([]store.IPBlock, error) {
	q := `SELECT ` + ipBlockColumns + ` FROM ip_blocks ORDER BY blocked_at DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, wrapErr("list ip blocks", err)
	}
	defer rows.Close()

	var out []store.IPBlock
	for rows.Next() {
		b, err := scanIPBlock(rows)
		if err != nil {
			return nil, wrapErr("scan ip block", err)
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list ip blocks", err)
	}
	return out, nil
}

func (s *IPBlocksStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ip_blocks WHERE expires_at <= ?`, millis(now))
	if err != nil {
		return 0, wrapErr("delete expired ip blocks", err)
	}
	return affected(res), nil
}
