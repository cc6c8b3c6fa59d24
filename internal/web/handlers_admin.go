package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/acgh213/repairdesk/internal/audit"
	"github.com/acgh213/repairdesk/internal/auth"
	"github.com/acgh213/repairdesk/internal/httpx"
	"github.com/acgh213/repairdesk/internal/ipguard"
	"github.com/acgh213/repairdesk/internal/pagination"
	"github.com/acgh213/repairdesk/internal/store"
)

// auditListLimit bounds how far back the audit listing pages.
const auditListLimit = 500

type listResponse[T any] struct {
	Items []T             `json:"items"`
	Page  pagination.Meta `json:"page"`
}

func writeList[T any](w http.ResponseWriter, r *http.Request, items []T) {
	paged, meta := pagination.Slice(r, items, pagination.AdminPerPage)
	httpx.WriteJSON(w, http.StatusOK, listResponse[T]{Items: paged, Page: meta})
}

// ── Blocked IPs ─────────────────────────────────────────────────────

type blockedIPView struct {
	ID               uuid.UUID `json:"id"`
	IP               string    `json:"ip"`
	Reason           string    `json:"reason"`
	FailedCount      int       `json:"failed_count"`
	BlockedAt        time.Time `json:"blocked_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

func newBlockedIPView(b ipguard.BlockedIP) blockedIPView {
	return blockedIPView{
		ID:               b.ID,
		IP:               b.IP,
		Reason:           b.Reason,
		FailedCount:      b.FailedCount,
		BlockedAt:        b.BlockedAt,
		ExpiresAt:        b.ExpiresAt,
		RemainingSeconds: int64(b.Remaining / time.Second),
	}
}

func (s *Server) handleBlockedIPs(w http.ResponseWriter, r *http.Request) {
	blocks, err := s.svc.IPGuard.GetBlockedIPs(r.Context())
	if err != nil {
		s.log.Error("admin: failed to list blocked ips", "error", err)
		httpx.WriteInternal(w)
		return
	}
	views := make([]blockedIPView, 0, len(blocks))
	for _, b := range blocks {
		views = append(views, newBlockedIPView(b))
	}
	writeList(w, r, views)
}

func (s *Server) handleUnblockIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if err := s.svc.IPGuard.Unblock(r.Context(), ip); err != nil {
		s.writeUnblockError(w, err, "no block stored for this address")
		return
	}
	s.auditAdmin(r, audit.ActionIPUnblocked, audit.TargetIP, ip, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnblockIPByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	ip, err := s.svc.IPGuard.UnblockByID(r.Context(), id)
	if err != nil {
		s.writeUnblockError(w, err, "no block with this id")
		return
	}
	s.auditAdmin(r, audit.ActionIPUnblocked, audit.TargetIP, ip, map[string]any{"block_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeUnblockError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, store.ErrNotFound) {
		httpx.WriteError(w, http.StatusNotFound, "not_found", notFound)
		return
	}
	httpx.WriteInternal(w)
}

// ── Locked users ────────────────────────────────────────────────────

type lockStatusView struct {
	UserID         uuid.UUID  `json:"user_id"`
	Username       string     `json:"username"`
	IsLocked       bool       `json:"is_locked"`
	FailedAttempts int        `json:"failed_attempts"`
	LastFailedAt   *time.Time `json:"last_failed_at"`
	LockedAt       *time.Time `json:"locked_at"`
}

func newLockStatusView(ls store.LockState) lockStatusView {
	return lockStatusView{
		UserID:         ls.UserID,
		Username:       ls.Username,
		IsLocked:       ls.IsLocked,
		FailedAttempts: ls.FailedAttempts,
		LastFailedAt:   ls.LastFailedAt,
		LockedAt:       ls.LockedAt,
	}
}

func (s *Server) handleLockedUsers(w http.ResponseWriter, r *http.Request) {
	locked, err := s.svc.Lockout.GetLockedUsers(r.Context())
	if err != nil {
		s.log.Error("admin: failed to list locked users", "error", err)
		httpx.WriteInternal(w)
		return
	}
	views := make([]lockStatusView, 0, len(locked))
	for _, ls := range locked {
		views = append(views, newLockStatusView(ls))
	}
	writeList(w, r, views)
}

// loadLockStatus writes the error response itself and returns nil when the
// user cannot be loaded.
func (s *Server) loadLockStatus(w http.ResponseWriter, r *http.Request, id uuid.UUID) *store.LockState {
	ls, err := s.svc.Lockout.GetUserLockStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "not_found", "user not found")
			return nil
		}
		s.log.Error("admin: failed to load lock status", "user_id", id, "error", err)
		httpx.WriteInternal(w)
		return nil
	}
	return ls
}

func (s *Server) handleUserLockStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	ls := s.loadLockStatus(w, r, id)
	if ls == nil {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newLockStatusView(*ls))
}

func (s *Server) handleLockUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	if s.loadLockStatus(w, r, id) == nil {
		return
	}
	if actor := auth.IdentityFromContext(ctx); actor != nil && actor.UserID == id {
		httpx.WriteError(w, http.StatusConflict, "self_lock", "administrators cannot lock their own account")
		return
	}

	if !s.svc.Lockout.LockUser(ctx, id) {
		httpx.WriteInternal(w)
		return
	}
	n, err := s.svc.Sessions.DeleteAllForUser(ctx, id)
	if err != nil {
		s.log.Error("admin: failed to revoke sessions of locked user", "user_id", id, "error", err)
	}
	s.auditAdmin(r, audit.ActionUserLocked, audit.TargetUser, id.String(), map[string]any{"sessions_revoked": n})

	ls := s.loadLockStatus(w, r, id)
	if ls == nil {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newLockStatusView(*ls))
}

func (s *Server) handleUnlockUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	if s.loadLockStatus(w, r, id) == nil {
		return
	}
	if !s.svc.Lockout.UnlockUser(r.Context(), id) {
		httpx.WriteInternal(w)
		return
	}
	s.auditAdmin(r, audit.ActionUserUnlocked, audit.TargetUser, id.String(), nil)

	ls := s.loadLockStatus(w, r, id)
	if ls == nil {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newLockStatusView(*ls))
}

// ── Users ───────────────────────────────────────────────────────────

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type userView struct {
	ID          uuid.UUID  `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	Role        string     `json:"role"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createUserRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "bad_json", "request body must be a JSON object")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	req.Name = strings.TrimSpace(req.Name)

	switch {
	case req.Username == "":
		httpx.WriteError(w, http.StatusBadRequest, "validation_error", "username is required")
		return
	case len(req.Password) < 8:
		httpx.WriteError(w, http.StatusBadRequest, "validation_error", "password must be at least 8 characters")
		return
	}
	switch req.Role {
	case store.RoleAdmin, store.RoleTechnician, store.RoleRequester:
	default:
		httpx.WriteError(w, http.StatusBadRequest, "validation_error", "role must be admin, technician or requester")
		return
	}
	if req.Name == "" {
		req.Name = req.Username
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.log.Error("admin: hash password", "error", err)
		httpx.WriteInternal(w)
		return
	}

	u := &store.User{
		Username:     req.Username,
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: hash,
		Role:         req.Role,
		CreatedAt:    s.now(),
	}
	if err := s.svc.Stores.Users.Create(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			httpx.WriteError(w, http.StatusConflict, "username_taken", "a user with that username already exists")
			return
		}
		s.log.Error("admin: create user", "error", err)
		httpx.WriteInternal(w)
		return
	}

	s.auditAdmin(r, audit.ActionUserCreated, audit.TargetUser, u.ID.String(), map[string]any{"role": u.Role})
	httpx.WriteJSON(w, http.StatusCreated, userView{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		Name:        u.Name,
		Role:        u.Role,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	})
}

// ── Audit log ───────────────────────────────────────────────────────

type auditView struct {
	ID          uuid.UUID       `json:"id"`
	ActorUserID *uuid.UUID      `json:"actor_user_id"`
	Action      string          `json:"action"`
	TargetType  string          `json:"target_type"`
	TargetID    string          `json:"target_id"`
	IP          string          `json:"ip"`
	At          time.Time       `json:"at"`
	Metadata    json.RawMessage `json:"metadata"`
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.Audit.Recent(r.Context(), auditListLimit)
	if err != nil {
		s.log.Error("admin: failed to list audit log", "error", err)
		httpx.WriteInternal(w)
		return
	}

	action := r.URL.Query().Get("action")
	views := make([]auditView, 0, len(entries))
	for _, e := range entries {
		if action != "" && e.Action != action {
			continue
		}
		meta := json.RawMessage(e.MetadataJSON)
		if !json.Valid(meta) {
			meta = json.RawMessage("{}")
		}
		views = append(views, auditView{
			ID:          e.ID,
			ActorUserID: e.ActorUserID,
			Action:      e.Action,
			TargetType:  e.TargetType,
			TargetID:    e.TargetID,
			IP:          e.IP,
			At:          e.At,
			Metadata:    meta,
		})
	}
	writeList(w, r, views)
}

// ── Helpers ─────────────────────────────────────────────────────────

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_id", "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) auditAdmin(r *http.Request, action, targetType, targetID string, metadata map[string]any) {
	e := audit.Entry{
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		IP:         httpx.ClientIP(r),
		UserAgent:  r.UserAgent(),
		Metadata:   metadata,
	}
	if actor := auth.IdentityFromContext(r.Context()); actor != nil {
		e.ActorUserID = &actor.UserID
	}
	s.svc.Audit.Record(r.Context(), e)
}
