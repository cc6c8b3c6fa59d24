package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/acgh213/repairdesk/internal/store"
)

type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
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

	var actor uuid.NullUUID
	if e.ActorUserID != nil {
		actor = uuid.NullUUID{UUID: *e.ActorUserID, Valid: true}
	}

	const q = `
		INSERT INTO audit_log (id, actor_user_id, action, target_type, target_id, ip, user_agent, metadata_json, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, q, e.ID, actor, e.Action, e.TargetType, e.TargetID, e.IP, e.UserAgent,
		string(e.MetadataJSON), millis(e.At))
	if err != nil {
		return wrapErr("insert audit log", err)
	}
	return nil
}

func (s *AuditStore) Recent(ctx context.Context, limit int) ([]store.AuditEntry, error) {
	const q = `
		SELECT id, actor_user_id, action, target_type, target_id, ip, user_agent, metadata_json, at
		FROM audit_log ORDER BY at DESC LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, wrapErr("list audit log", err)
	}
	defer rows.Close()

	var out []store.AuditEntry
	for rows.Next() {
		var (
			e        store.AuditEntry
			actor    uuid.NullUUID
			metadata string
			at       int64
		)
		if err := rows.Scan(&e.ID, &actor, &e.Action, &e.TargetType, &e.TargetID, &e.IP, &e.UserAgent, &metadata, &at); err != nil {
			return nil, wrapErr("scan audit log", err)
		}
		if actor.Valid {
			id := actor.UUID
			e.ActorUserID = &id
		}
		e.MetadataJSON = []byte(metadata)
		e.At = fromMillis(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list audit log", err)
	}
	return out, nil
}
