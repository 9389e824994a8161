package api

import (
	"net/http"
)

// executorsResponse is the JSON response for GET /v1/executors.
type executorsResponse struct {
	Active    string   `json:"active"`
	Available []string `json:"available"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	if s.worker == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no worker attached")
		return
	}
	s.writeJSON(w, http.StatusOK, s.worker.Status())
}

func (s *Server) handleListExecutors(w http.ResponseWriter, _ *http.Request) {
	resp := executorsResponse{Active: s.executor, Available: []string{}}
	if s.registry != nil {
		resp.Available = s.registry.List()
	}
	s.writeJSON(w, http.StatusOK, resp)
}
