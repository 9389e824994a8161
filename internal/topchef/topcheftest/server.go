// Package topcheftest provides an in-memory TopChef API for tests and local
// end-to-end runs.
package topcheftest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/seantiz/topchef/internal/model"
	"github.com/seantiz/topchef/internal/schema"
)

type service struct {
	details    serviceDetails
	heartbeats int
	queue      []string
}

type serviceDetails struct {
	ID                    string          `json:"id"`
	Name                  string          `json:"name"`
	Description           string          `json:"description"`
	JobRegistrationSchema json.RawMessage `json:"job_registration_schema"`
	JobResultSchema       json.RawMessage `json:"job_result_schema"`
}

// Server is a fake TopChef server. The zero value is not usable; call New.
type Server struct {
	mu        sync.Mutex
	services  map[string]*service
	jobs      map[string]*model.Job
	instances map[string]bool
	updates   []model.Job

	failHeartbeats  int
	failPolls       int
	failClaims      int
	failSubmissions int

	router *chi.Mux
	logger *slog.Logger
}

// New creates an empty server.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		services:  make(map[string]*service),
		jobs:      make(map[string]*model.Job),
		instances: make(map[string]bool),
		router:    chi.NewRouter(),
		logger:    logger,
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.trackInstance)
	s.routes()
	return s
}

// Start serves a new Server on a loopback listener until the test ends.
func Start(t testing.TB) (*Server, string) {
	t.Helper()
	s := New(nil)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts.URL
}

func (s *Server) routes() {
	s.router.Get("/", s.handleRoot)
	s.router.Post("/services", s.handleCreateService)
	s.router.Route("/services/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetService)
		r.Patch("/", s.handleHeartbeat)
		r.Get("/queue", s.handleQueue)
		r.Post("/jobs", s.handleCreateJob)
	})
	s.router.Get("/jobs/{id}", s.handleGetJob)
	s.router.Put("/jobs/{id}", s.handleUpdateJob)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// AddService registers a service directly and returns its id.
func (s *Server) AddService(name string, input, output json.RawMessage) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addServiceLocked(serviceDetails{
		Name:                  name,
		JobRegistrationSchema: input,
		JobResultSchema:       output,
	})
}

func (s *Server) addServiceLocked(d serviceDetails) string {
	d.ID = uuid.NewString()
	if len(d.JobResultSchema) == 0 {
		d.JobResultSchema = schema.DefaultResultSchema
	}
	s.services[d.ID] = &service{details: d}
	return d.ID
}

// AddJob queues a PENDING job without validating its parameters.
func (s *Server) AddJob(serviceID string, parameters json.RawMessage) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addJobLocked(serviceID, parameters)
}

func (s *Server) addJobLocked(serviceID string, parameters json.RawMessage) string {
	svc, ok := s.services[serviceID]
	if !ok {
		panic("topcheftest: unknown service " + serviceID)
	}
	id := uuid.NewString()
	s.jobs[id] = &model.Job{
		ID:         id,
		ServiceID:  serviceID,
		Parameters: parameters,
		Status:     model.StatusPending,
	}
	svc.queue = append(svc.queue, id)
	return id
}

// Job returns a copy of the server's record of a job.
func (s *Server) Job(id string) (model.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, false
	}
	return *j, true
}

// Updates returns every accepted PUT /jobs/{id} body in arrival order.
func (s *Server) Updates() []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Job(nil), s.updates...)
}

// Heartbeats returns how many heartbeats the service has received.
func (s *Server) Heartbeats(serviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc, ok := s.services[serviceID]; ok {
		return svc.heartbeats
	}
	return 0
}

// Instances reports the distinct instance headers seen so far.
func (s *Server) Instances() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.instances))
	for id := range s.instances {
		out = append(out, id)
	}
	return out
}

// FailHeartbeats makes the next n heartbeats return 503.
func (s *Server) FailHeartbeats(n int) { s.setFault(&s.failHeartbeats, n) }

// FailPolls makes the next n queue reads return 503.
func (s *Server) FailPolls(n int) { s.setFault(&s.failPolls, n) }

// FailClaims makes the next n WORKING updates return 503.
func (s *Server) FailClaims(n int) { s.setFault(&s.failClaims, n) }

// FailSubmissions makes the next n terminal updates return 503.
func (s *Server) FailSubmissions(n int) { s.setFault(&s.failSubmissions, n) }

func (s *Server) setFault(counter *int, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*counter = n
}

// takeFault consumes one injected failure. Caller holds s.mu.
func takeFault(counter *int) bool {
	if *counter > 0 {
		*counter--
		return true
	}
	return false
}

func (s *Server) trackInstance(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Topchef-Instance"); id != "" {
			s.mu.Lock()
			s.instances[id] = true
			s.mu.Unlock()
		}
		next.ServeHTTP(w, r)
	})
}
