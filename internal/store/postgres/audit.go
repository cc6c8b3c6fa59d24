package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acgh213/repairdesk/internal/store"
)

type AuditStore struct {
	pool *pgxpool.Pool
}

func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

var _ store.Audit = (*AuditStore)(nil)

func (s *AuditStore) Insert(ctx context.Context, e *store.AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if len(e.MetadataJSON) == 0 {
		e.MetadataJSON = []byte("{}")
	}
	const q = `
		INSERT INTO audit_log (id, actor_user_id, action, target_type, target_id, ip, user_agent, metadata_json, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.pool.Exec(ctx, q, e.ID, e.ActorUserID, e.Action, e.TargetType, e.TargetID, e.IP, e.UserAgent, e.MetadataJSON, e.At)
	if err != nil {
		return wrapErr("insert audit log", err)
	}
	return nil
}

func (s *AuditStore) Recent(ctx context.Context, limit int) ([]store.AuditEntry, error) {
	const q = `
		SELECT id, actor_user_id, action, target_type, target_id, ip, user_agent, metadata_json, at
		FROM audit_log ORDER BY at DESC LIMIT $1
	`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, wrapErr("list audit log", err)
	}
	defer rows.Close()

	var out []store.AuditEntry
	for rows.Next() {
		var e store.AuditEntry
		if err := rows.Scan(&e.ID, &e.ActorUserID, &e.Action, &e.TargetType, &e.TargetID, &e.IP, &e.UserAgent, &e.MetadataJSON, &e.At); err != nil {
			return nil, wrapErr("scan audit log", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list audit log", err)
	}
	return out, nil
}
