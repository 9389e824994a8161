package api

import (
	"net/http"
)

type healthResponse struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
}

// handleHealthz reports liveness of the process. The worker may be stopped
// while the process is healthy.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.worker != nil {
		resp.Running = s.worker.Status().Running
	}
	s.writeJSON(w, http.StatusOK, resp)
}
