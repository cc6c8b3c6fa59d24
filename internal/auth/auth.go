// Package auth is the single entry point route handlers use to decide who a
// request belongs to. It reads the session cookie, verifies the session
// (which also slides its expiry) and resolves the user.
package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/acgh213/repairdesk/internal/session"
	"github.com/acgh213/repairdesk/internal/store"
)

const SessionCookieName = "repairdesk_session"

// Result is the outcome of VerifyAuth. Payload is set only when Valid.
type Result struct {
	Valid     bool
	Payload   *Identity
	ExpiresAt time.Time
}

type Authenticator struct {
	sessions     *session.Manager
	users        store.Users
	secureCookie bool
	log          *slog.Logger
}

func NewAuthenticator(sessions *session.Manager, users store.Users, secureCookie bool, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{
		sessions:     sessions,
		users:        users,
		secureCookie: secureCookie,
		log:          log,
	}
}

// VerifyAuth authenticates r from its session cookie. Any failure, missing
// cookie, unknown or expired session, deleted user or store error, yields
// an invalid result.
func (a *Authenticator) VerifyAuth(r *http.Request) Result {
	c, err := r.Cookie(SessionCookieName)
	if err != nil || c.Value == "" {
		return Result{}
	}

	ctx := r.Context()
	s, err := a.sessions.GetSession(ctx, c.Value)
	if err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) && !errors.Is(err, session.ErrSessionExpired) {
			a.log.Error("session lookup failed", "error", err)
		} else {
			a.log.Debug("invalid session", "error", err)
		}
		return Result{}
	}

	u, err := a.users.GetByID(ctx, s.UserID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.log.Error("failed to load user", "user_id", s.UserID, "error", err)
		}
		return Result{}
	}

	return Result{
		Valid:     true,
		Payload:   &Identity{UserID: u.ID, Username: u.Username, Role: u.Role},
		ExpiresAt: s.ExpiresAt,
	}
}

// SetSessionCookie writes the session cookie for token, expiring with the
// session.
func (a *Authenticator) SetSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func (a *Authenticator) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
}
