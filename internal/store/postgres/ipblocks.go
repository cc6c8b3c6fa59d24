package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acgh213/repairdesk/internal/store"
)

type IPBlocksStore struct {
	pool *pgxpool.Pool
}

func NewIPBlocksStore(pool *pgxpool.Pool) *IPBlocksStore {
	return &IPBlocksStore{pool: pool}
}

var _ store.IPBlocks = (*IPBlocksStore)(nil)

const ipBlockColumns = `id, ip_address, reason, failed_count, blocked_at, expires_at`

func scanIPBlock(row pgx.Row) (*store.IPBlock, error) {
	var b store.IPBlock
	if err := row.Scan(&b.ID, &b.IP, &b.Reason, &b.FailedCount, &b.BlockedAt, &b.ExpiresAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *IPBlocksStore) GetActive(ctx context.Context, ip string, now time.Time) (*store.IPBlock, error) {
	q := `SELECT ` + ipBlockColumns + ` FROM ip_blocks WHERE ip_address = $1 AND expires_at > $2`
	b, err := scanIPBlock(s.pool.QueryRow(ctx, q, ip, now))
	if err != nil {
		return nil, wrapErr("get ip block", err)
	}
	return b, nil
}

func (s *IPBlocksStore) Upsert(ctx context.Context, b *store.IPBlock) error {
	const q = `
		INSERT INTO ip_blocks (id, ip_address, reason, failed_count, blocked_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ip_address) DO UPDATE SET
			reason = EXCLUDED.reason,
			failed_count = EXCLUDED.failed_count,
			blocked_at = EXCLUDED.blocked_at,
			expires_at = EXCLUDED.expires_at
		RETURNING id
	`
	err := s.pool.QueryRow(ctx, q, uuid.New(), b.IP, b.Reason, b.FailedCount, b.BlockedAt, b.ExpiresAt).Scan(&b.ID)
	if err != nil {
		return wrapErr("upsert ip block", err)
	}
	return nil
}

func (s *IPBlocksStore) Delete(ctx context.Context, ip string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ip_blocks WHERE ip_address = $1`, ip)
	if err != nil {
		return wrapErr("delete ip block", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *IPBlocksStore) DeleteByID(ctx context.Context, id uuid.UUID) (string, error) {
	var ip string
	err := s.pool.QueryRow(ctx, `DELETE FROM ip_blocks WHERE id = $1 RETURNING ip_address`, id).Scan(&ip)
	if err != nil {
		return "", wrapErr("delete ip block by id", err)
	}
	return ip, nil
}

func (s *IPBlocksStore) List(ctx context.Context) ([]store.IPBlock, error) {
	q := `SELECT ` + ipBlockColumns + ` FROM ip_blocks ORDER BY blocked_at DESC`
	rows, err := s.pool.Query(ctx, q)
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
	tag, err := s.pool.Exec(ctx, `DELETE FROM ip_blocks WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, wrapErr("delete expired ip blocks", err)
	}
	return tag.RowsAffected(), nil
}
