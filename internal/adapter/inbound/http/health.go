package http

import (
	"context"
	"net/http"
)

// ReadinessFunc probes a dependency for the /readyz endpoint. The server
// wires the approval backend's Health method here.
type ReadinessFunc func(ctx context.Context) error

// handleHealth is the unauthenticated liveness probe. It stays cheap:
// one atomic load of the rule state, no dependency calls.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"rules_count": st.RulesCount,
		"rules_hash":  st.RulesHash,
	})
}

// handleReady reports 503 until the readiness probe passes. With no
// probe configured the server is ready as soon as it serves.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.readiness != nil {
		if err := s.readiness(r.Context()); err != nil {
			writeJSON(w, r, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"status": "ready"})
}
