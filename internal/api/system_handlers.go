package api

import "net/http"

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadinessResponse is the /readyz body.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleReady reports 503 when the database is unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := ReadinessResponse{Status: "ok", Checks: map[string]string{"database": "ok"}}
	code := http.StatusOK

	if err := s.health.Ping(ctx); err != nil {
		s.logger.ErrorContext(ctx, "readiness check failed", "check", "database", "error", err)
		resp.Status = "unhealthy"
		resp.Checks["database"] = "error"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
