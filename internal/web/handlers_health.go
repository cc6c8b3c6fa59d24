package web

import (
	"net/http"

	"github.com/acgh213/repairdesk/internal/httpx"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if ping := s.svc.Stores.Ping; ping != nil {
		if err := ping(r.Context()); err != nil {
			s.log.Error("health check failed", "error", err)
			httpx.WriteError(w, http.StatusServiceUnavailable, "unavailable", "database unavailable")
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
