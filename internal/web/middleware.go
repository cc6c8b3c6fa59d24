package web

import (
	"fmt"
	"net/http"

	"github.com/acgh213/repairdesk/internal/auth"
	"github.com/acgh213/repairdesk/internal/httpx"
	"github.com/acgh213/repairdesk/internal/ratelimit"
)

// apiRateLimit applies the API profile to every /api request. Callers whose
// session is mirrored are limited per user, everyone else per address.
func (s *Server) apiRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + httpx.ClientIP(r)
		if c, err := r.Cookie(auth.SessionCookieName); err == nil && c.Value != "" {
			if uid, ok := s.svc.Sessions.Lookup(c.Value); ok {
				key = "user:" + uid.String()
			}
		}

		res := s.svc.APILimiter.Check(key, ratelimit.API)
		ratelimit.WriteHeaders(w.Header(), res)
		if !res.Allowed {
			httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited",
				fmt.Sprintf("rate limit exceeded, retry in %d seconds", res.RetryAfterSeconds()))
			return
		}
		next.ServeHTTP(w, r)
	})
}
