package health

import (
	"encoding/json"
	"net/http"
)

type readyResponse struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Handler serves the readiness probe: 200 while every critical dependency
// answers, 503 otherwise, always with the per-check breakdown.
func (m *Manager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, checks := m.CheckAll(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if status != StatusReady {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(readyResponse{Status: status, Checks: checks})
	}
}
