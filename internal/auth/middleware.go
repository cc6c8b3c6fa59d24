package auth

import (
	"net/http"

	"github.com/acgh213/repairdesk/internal/httpx"
	"github.com/acgh213/repairdesk/internal/store"
)

// RequireAuth rejects unauthenticated requests with 401 and clears a stale
// cookie. Authenticated requests get the Identity in their context and a
// refreshed cookie matching the extended session.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := a.VerifyAuth(r)
		if !res.Valid {
			if _, err := r.Cookie(SessionCookieName); err == nil {
				a.ClearSessionCookie(w)
			}
			httpx.WriteUnauthorized(w)
			return
		}

		if c, err := r.Cookie(SessionCookieName); err == nil {
			a.SetSessionCookie(w, c.Value, res.ExpiresAt)
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), res.Payload)))
	})
}

// RequireRole must run after RequireAuth.
func RequireRole(minRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFromContext(r.Context())
			if id == nil {
				httpx.WriteUnauthorized(w)
				return
			}

			allowed := false
			switch minRole {
			case store.RoleAdmin:
				allowed = id.IsAdmin()
			case store.RoleTechnician:
				allowed = id.IsTechnician()
			case store.RoleRequester:
				allowed = id.IsRequester()
			}

			if !allowed {
				httpx.WriteForbidden(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
