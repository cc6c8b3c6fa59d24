package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/acgh213/repairdesk/internal/audit"
	"github.com/acgh213/repairdesk/internal/auth"
	"github.com/acgh213/repairdesk/internal/httpx"
	"github.com/acgh213/repairdesk/internal/ipguard"
	"github.com/acgh213/repairdesk/internal/ratelimit"
	"github.com/acgh213/repairdesk/internal/store"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

type loginResponse struct {
	User      *auth.Identity `json:"user"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// handleLogin runs the admission checks in order: login rate limit, IP
// block, credentials, account lock. A rejected caller never learns whether
// the username exists, and the lock is only reported once the password was
// right.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := httpx.ClientIP(r)
	ua := r.UserAgent()

	res := s.svc.LoginLimiter.Check(ip, ratelimit.Login)
	ratelimit.WriteHeaders(w.Header(), res)
	if !res.Allowed {
		s.svc.Audit.Record(ctx, audit.Entry{
			Action: audit.ActionLoginRejected, TargetType: audit.TargetIP, TargetID: ip,
			IP: ip, UserAgent: ua, Metadata: map[string]any{"reason": "rate_limited"},
		})
		httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited",
			fmt.Sprintf("too many login attempts, retry in %d seconds", res.RetryAfterSeconds()))
		return
	}

	if err := s.svc.IPGuard.Check(ctx, ip); err != nil {
		var blocked *ipguard.BlockedError
		retry := 0
		if errors.As(err, &blocked) {
			retry = int(blocked.ExpiresAt.Sub(s.now()).Seconds())
		}
		s.svc.Audit.Record(ctx, audit.Entry{
			Action: audit.ActionLoginRejected, TargetType: audit.TargetIP, TargetID: ip,
			IP: ip, UserAgent: ua, Metadata: map[string]any{"reason": "ip_blocked"},
		})
		if retry > 0 {
			w.Header().Set("Retry-After", fmt.Sprint(retry))
		}
		httpx.WriteError(w, http.StatusForbidden, "ip_blocked",
			"too many failed login attempts from this address, try again later")
		return
	}

	var req loginRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "bad_json", "request body must be a JSON object")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		httpx.WriteError(w, http.StatusBadRequest, "validation_error", "username and password are required")
		return
	}

	user, err := s.svc.Stores.Users.GetByUsername(ctx, req.Username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Error("failed to load user for login", "error", err)
			httpx.WriteInternal(w)
			return
		}
		// Spend the same bcrypt time as a real check.
		_ = auth.CheckDummyPassword(req.Password)
		s.loginFailed(r, ip, nil, req.Username)
		writeInvalidCredentials(w)
		return
	}

	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		s.loginFailed(r, ip, user, req.Username)
		writeInvalidCredentials(w)
		return
	}

	if s.svc.Lockout.IsUserLocked(ctx, user.ID) {
		s.svc.Audit.Record(ctx, audit.Entry{
			ActorUserID: &user.ID, Action: audit.ActionLoginRejected,
			TargetType: audit.TargetUser, TargetID: user.ID.String(),
			IP: ip, UserAgent: ua, Metadata: map[string]any{"reason": "account_locked"},
		})
		httpx.WriteError(w, http.StatusForbidden, "account_locked",
			"this account is locked, contact an administrator")
		return
	}

	s.svc.IPGuard.ResetIPAttempts(ip)
	s.svc.Lockout.ResetUserAttempts(ctx, user.ID)
	s.svc.LoginLimiter.Reset(ip, ratelimit.Login)

	token, expiresAt, err := s.svc.Sessions.Issue(ctx, user.ID, req.Remember, ip, ua)
	if err != nil {
		s.log.Error("failed to create session", "user_id", user.ID, "error", err)
		httpx.WriteInternal(w)
		return
	}
	s.svc.Auth.SetSessionCookie(w, token, expiresAt)

	if err := s.svc.Stores.Users.SetLastLogin(ctx, user.ID, s.now()); err != nil {
		s.log.Error("failed to update last login", "user_id", user.ID, "error", err)
	}
	s.svc.Audit.Record(ctx, audit.Entry{
		ActorUserID: &user.ID, Action: audit.ActionLoginSuccess,
		TargetType: audit.TargetUser, TargetID: user.ID.String(),
		IP: ip, UserAgent: ua, Metadata: map[string]any{"remember": req.Remember},
	})

	httpx.WriteJSON(w, http.StatusOK, loginResponse{
		User:      &auth.Identity{UserID: user.ID, Username: user.Username, Role: user.Role},
		ExpiresAt: expiresAt,
	})
}

// loginFailed counts a failed login against the IP and, when the user is
// known, the account.
func (s *Server) loginFailed(r *http.Request, ip string, user *store.User, username string) {
	ctx := r.Context()
	ua := r.UserAgent()

	entry := audit.Entry{
		Action: audit.ActionLoginFailed, TargetType: audit.TargetIP, TargetID: ip,
		IP: ip, UserAgent: ua, Metadata: map[string]any{"username": username},
	}
	if user != nil {
		entry.TargetType, entry.TargetID = audit.TargetUser, user.ID.String()
	}
	s.svc.Audit.Record(ctx, entry)

	if s.svc.IPGuard.RecordFailedIPAttempt(ctx, ip) {
		s.svc.Audit.Record(ctx, audit.Entry{
			Action: audit.ActionIPBlocked, TargetType: audit.TargetIP, TargetID: ip,
			IP: ip, UserAgent: ua, Metadata: map[string]any{"automatic": true},
		})
	}

	if user == nil {
		return
	}
	a, err := s.svc.Lockout.RecordFailedUserAttempt(ctx, user.ID)
	if err != nil {
		s.log.Error("failed to record failed attempt", "user_id", user.ID, "error", err)
		return
	}
	if a.LockedNow {
		s.svc.Audit.Record(ctx, audit.Entry{
			Action: audit.ActionUserLocked, TargetType: audit.TargetUser, TargetID: user.ID.String(),
			IP: ip, UserAgent: ua, Metadata: map[string]any{"automatic": true, "failed_attempts": a.FailedAttempts},
		})
	}
}

func writeInvalidCredentials(w http.ResponseWriter) {
	httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(auth.SessionCookieName)
	if err == nil && c.Value != "" {
		ctx := r.Context()
		entry := audit.Entry{Action: audit.ActionLogout, IP: httpx.ClientIP(r), UserAgent: r.UserAgent()}
		if uid, ok := s.svc.Sessions.Lookup(c.Value); ok {
			entry.ActorUserID = &uid
			entry.TargetType, entry.TargetID = audit.TargetUser, uid.String()
		}
		if s.svc.Sessions.DeleteSession(ctx, c.Value) {
			s.svc.Audit.Record(ctx, entry)
		}
	}
	s.svc.Auth.ClearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"user": auth.IdentityFromContext(r.Context())})
}
