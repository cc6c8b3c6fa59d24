package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/acgh213/repairdesk/internal/store"
)

type Logger struct {
	store store.Audit
	now   func() time.Time
	log   *slog.Logger
}

func NewLogger(s store.Audit, now func() time.Time, log *slog.Logger) *Logger {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Logger{store: s, now: now, log: log}
}

type Entry struct {
	ActorUserID *uuid.UUID
	Action      string
	TargetType  string
	TargetID    string
	IP          string
	UserAgent   string
	Metadata    map[string]any
}

func (l *Logger) Log(ctx context.Context, e Entry) error {
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil || e.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	err = l.store.Insert(ctx, &store.AuditEntry{
		ActorUserID:  e.ActorUserID,
		Action:       e.Action,
		TargetType:   e.TargetType,
		TargetID:     e.TargetID,
		IP:           e.IP,
		UserAgent:    e.UserAgent,
		MetadataJSON: metadataJSON,
		At:           l.now(),
	})
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// Record is Log for call sites that must not fail because of auditing. The
// error is logged and dropped.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if err := l.Log(ctx, e); err != nil {
		l.log.Error("failed to write audit log", "action", e.Action, "error", err)
	}
}

// Recent returns the newest entries first.
func (l *Logger) Recent(ctx context.Context, limit int) ([]store.AuditEntry, error) {
	entries, err := l.store.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	return entries, nil
}

// Security action constants
const (
	ActionLoginSuccess  = "login.success"
	ActionLoginFailed   = "login.failed"
	ActionLoginRejected = "login.rejected"
	ActionLogout        = "logout"

	ActionIPBlocked   = "ip.blocked"
	ActionIPUnblocked = "ip.unblocked"

	ActionUserLocked   = "user.locked"
	ActionUserUnlocked = "user.unlocked"
	ActionUserCreated  = "user.created"
)

// Common target types
const (
	TargetUser = "user"
	TargetIP   = "ip"
)
