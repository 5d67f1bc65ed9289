package transport

import "net/http"

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Ts      int64  `json:"ts"`
}

// handleHealth serves GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	s.jsonResponse(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: Version,
		Ts:      nowMillis(),
	})
}
