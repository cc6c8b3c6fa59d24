package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/justinas/nosurf"

	"github.com/acgh213/repairdesk/internal/auth"
	"github.com/acgh213/repairdesk/internal/config"
	"github.com/acgh213/repairdesk/internal/httpx"
	"github.com/acgh213/repairdesk/internal/store"
)

type Server struct {
	cfg *config.Config
	svc *Services
	log *slog.Logger
	now func() time.Time
}

func NewRouter(cfg *config.Config, svc *Services) http.Handler {
	s := &Server{cfg: cfg, svc: svc, log: svc.log, now: svc.now}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	// X-Forwarded-For is only honored behind a proxy we control; otherwise
	// any client could pick the address it is rate limited and blocked by.
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.apiRateLimit)

		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(svc.Auth.RequireAuth)
			r.Get("/me", s.handleMe)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(svc.Auth.RequireAuth)
			r.Use(auth.RequireRole(store.RoleAdmin))
			r.Use(csrfProtect(cfg.IsDevelopment(), s.log))

			r.Get("/csrf", s.handleCSRFToken)
			r.Get("/audit", s.handleAuditList)

			r.Get("/blocked-ips", s.handleBlockedIPs)
			r.Delete("/blocked-ips/id/{id}", s.handleUnblockIPByID)
			r.Delete("/blocked-ips/{ip}", s.handleUnblockIP)

			r.Get("/locked-users", s.handleLockedUsers)
			r.Post("/users", s.handleCreateUser)
			r.Get("/users/{id}/lock", s.handleUserLockStatus)
			r.Post("/users/{id}/lock", s.handleLockUser)
			r.Post("/users/{id}/unlock", s.handleUnlockUser)
		})
	})

	return r
}

// csrfProtect wraps nosurf for the cookie-authenticated admin API. Clients
// fetch a token from /api/admin/csrf and echo it in X-CSRF-Token.
func csrfProtect(isDev bool, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		csrf := nosurf.New(next)
		csrf.SetBaseCookie(http.Cookie{
			Name:     "csrf_token",
			Path:     "/",
			HttpOnly: true,
			Secure:   !isDev,
			SameSite: http.SameSiteLaxMode,
		})
		// Detect TLS from the actual request (X-Forwarded-Proto or r.TLS)
		csrf.SetIsTLSFunc(func(r *http.Request) bool {
			if r.TLS != nil {
				return true
			}
			return r.Header.Get("X-Forwarded-Proto") == "https"
		})
		csrf.SetFailureHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Warn("CSRF validation failed",
				"method", r.Method,
				"path", r.URL.Path,
				"reason", nosurf.Reason(r),
				"ip", httpx.ClientIP(r),
			)
			httpx.WriteError(w, http.StatusForbidden, "csrf_failed", "invalid or missing CSRF token")
		}))
		return csrf
	}
}

func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"csrf_token": nosurf.Token(r)})
}
