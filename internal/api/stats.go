package api

import (
	"net/http"

	"github.com/seantiz/topchef/internal/model"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total              int            `json:"total"`
	ByStatus           map[string]int `json:"by_status"`
	PendingSubmissions int            `json:"pending_submissions"`
	AvgDurationMS      float64        `json:"avg_duration_ms"`
	Source             string         `json:"source"`
}

// handleGetStats reports stats over the job history, or over the worker's
// in-memory counters when no history is kept.
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		resp := statsResponse{ByStatus: map[string]int{}, Source: "worker"}
		if s.worker != nil {
			st := s.worker.Status()
			resp.ByStatus[string(model.StatusComplete)] = int(st.JobsCompleted)
			resp.ByStatus[string(model.StatusFailed)] = int(st.JobsFailed)
			resp.Total = int(st.JobsCompleted + st.JobsFailed)
		}
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	stats, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:              stats.Total,
		ByStatus:           stats.CountByStatus,
		PendingSubmissions: stats.PendingSubmissions,
		AvgDurationMS:      stats.AvgDurationMS,
		Source:             "store",
	})
}
