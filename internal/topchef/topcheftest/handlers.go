package topcheftest

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/topchef/internal/model"
	"github.com/seantiz/topchef/internal/schema"
)

type envelope struct {
	Data any `json:"data,omitempty"`
	Meta any `json:"meta,omitempty"`
}

type errorBody struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Message: msg})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Meta: map[string]string{"server": "topcheftest"}})
}

func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var req serviceDetails
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if _, err := schema.Compile(req.JobRegistrationSchema); err != nil {
		writeError(w, http.StatusBadRequest, "job_registration_schema: "+err.Error())
		return
	}
	if len(req.JobResultSchema) > 0 {
		if _, err := schema.Compile(req.JobResultSchema); err != nil {
			writeError(w, http.StatusBadRequest, "job_result_schema: "+err.Error())
			return
		}
	}

	s.mu.Lock()
	id := s.addServiceLocked(req)
	details := s.services[id].details
	s.mu.Unlock()

	s.logger.Info("service created", "service_id", id, "name", req.Name)
	writeJSON(w, http.StatusCreated, envelope{Data: map[string]any{"service_details": details}})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	svc, ok := s.services[chi.URLParam(r, "id")]
	var details serviceDetails
	if ok {
		details = svc.details
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: details})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.services[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	if takeFault(&s.failHeartbeats) {
		writeError(w, http.StatusServiceUnavailable, "injected heartbeat failure")
		return
	}
	svc.heartbeats++
	writeJSON(w, http.StatusOK, envelope{Data: svc.details})
}

type queueEntry struct {
	ID     string       `json:"id"`
	Status model.Status `json:"status"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.services[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	if takeFault(&s.failPolls) {
		writeError(w, http.StatusServiceUnavailable, "injected poll failure")
		return
	}

	entries := make([]queueEntry, 0, len(svc.queue))
	for _, id := range svc.queue {
		if j := s.jobs[id]; j.Status == model.StatusPending {
			entries = append(entries, queueEntry{ID: id, Status: j.Status})
		}
	}
	writeJSON(w, http.StatusOK, envelope{Data: entries})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	serviceID := chi.URLParam(r, "id")
	svc, ok := s.services[serviceID]
	if !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	if err := schema.Validate(req.Parameters, svc.details.JobRegistrationSchema); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := s.addJobLocked(serviceID, req.Parameters)
	writeJSON(w, http.StatusCreated, envelope{Data: s.jobs[id]})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: j})
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var update model.Job
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job body: "+err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	fault := &s.failSubmissions
	if update.Status == model.StatusWorking {
		fault = &s.failClaims
	}
	if takeFault(fault) {
		writeError(w, http.StatusServiceUnavailable, "injected update failure")
		return
	}

	if update.Status != j.Status && !model.ValidTransition(j.Status, update.Status) {
		writeError(w, http.StatusConflict, "cannot move job from "+string(j.Status)+" to "+string(update.Status))
		return
	}

	j.Status = update.Status
	j.Result = update.Result
	j.Error = update.Error
	s.updates = append(s.updates, *j)

	s.logger.Info("job updated", "job_id", j.ID, "status", j.Status)
	writeJSON(w, http.StatusOK, envelope{Data: j})
}
