package topchef

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"sync"

	"github.com/seantiz/topchef/internal/model"
	"github.com/seantiz/topchef/internal/schema"
)

// Service is a binding to one service identity on a TopChef server.
// It is safe for concurrent use.
type Service struct {
	client *Client
	id     string

	mu           sync.Mutex
	inputSchema  json.RawMessage
	outputSchema json.RawMessage
}

// ServiceDetails is the server's view of a service.
type ServiceDetails struct {
	ID                    string          `json:"id"`
	Name                  string          `json:"name"`
	Description           string          `json:"description"`
	JobRegistrationSchema json.RawMessage `json:"job_registration_schema"`
	JobResultSchema       json.RawMessage `json:"job_result_schema"`
}

// ID returns the service identifier.
func (s *Service) ID() string {
	return s.id
}

// Identity returns the service identity bound to the client's address.
func (s *Service) Identity() model.ServiceIdentity {
	return model.ServiceIdentity{ID: s.id, Address: s.client.address}
}

func (s *Service) endpoint() string {
	return "/services/" + s.id
}

// Details fetches the service record.
func (s *Service) Details(ctx context.Context) (*ServiceDetails, error) {
	const op = "service details"
	endpoint := s.endpoint()

	status, body, err := s.client.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, newError(op, nil, endpoint, 0, err)
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, newError(op, ErrServiceNotFound, endpoint, status, nil)
	default:
		return nil, newError(op, nil, endpoint, status, serverMessage(body))
	}

	var resp struct {
		Data ServiceDetails `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newError(op, nil, endpoint, status, fmt.Errorf("decode response: %w", err))
	}
	return &resp.Data, nil
}

// Schemas returns the job registration (input) and job result (output)
// schemas. The first successful fetch is cached for the life of the binding.
func (s *Service) Schemas(ctx context.Context) (input, output json.RawMessage, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inputSchema != nil {
		return s.inputSchema, s.outputSchema, nil
	}

	details, err := s.Details(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(details.JobRegistrationSchema) == 0 {
		return nil, nil, newError("fetch schemas", nil, s.endpoint(), 0, errors.New("service has no job registration schema"))
	}

	s.inputSchema = details.JobRegistrationSchema
	s.outputSchema = details.JobResultSchema
	if len(s.outputSchema) == 0 || string(s.outputSchema) == "null" {
		s.outputSchema = schema.DefaultResultSchema
	}
	return s.inputSchema, s.outputSchema, nil
}

// Heartbeat tells the server this worker is alive and accepting jobs.
func (s *Service) Heartbeat(ctx context.Context) error {
	const op = "heartbeat"
	endpoint := s.endpoint()

	status, body, err := s.client.do(ctx, http.MethodPatch, endpoint, nil)
	if err != nil {
		return newError(op, ErrHeartbeat, endpoint, 0, err)
	}
	if status != http.StatusOK {
		return newError(op, ErrHeartbeat, endpoint, status, serverMessage(body))
	}
	return nil
}

type queueEntry struct {
	ID string `json:"id"`
}

// PendingJobs returns the jobs currently queued for the service. The queue is
// read once when iteration starts and each job's details are fetched only
// when the consumer asks for it. A failure is yielded once and ends the
// sequence.
func (s *Service) PendingJobs(ctx context.Context) iter.Seq2[*model.Job, error] {
	return func(yield func(*model.Job, error) bool) {
		const op = "poll"
		endpoint := s.endpoint() + "/queue"

		status, body, err := s.client.do(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			yield(nil, newError(op, ErrPoll, endpoint, 0, err))
			return
		}
		if status != http.StatusOK {
			yield(nil, newError(op, ErrPoll, endpoint, status, serverMessage(body)))
			return
		}

		var resp struct {
			Data []queueEntry `json:"data"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			yield(nil, newError(op, ErrPoll, endpoint, status, fmt.Errorf("decode queue: %w", err)))
			return
		}

		for _, entry := range resp.Data {
			job, err := s.fetchJob(ctx, entry.ID)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(job, nil) {
				return
			}
		}
	}
}

func (s *Service) fetchJob(ctx context.Context, jobID string) (*model.Job, error) {
	const op = "job details"
	endpoint := jobEndpoint(jobID)

	if jobID == "" {
		return nil, newError(op, ErrPoll, endpoint, 0, errors.New("queue entry has no id"))
	}

	status, body, err := s.client.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, newError(op, ErrPoll, endpoint, 0, err)
	}
	if status != http.StatusOK {
		return nil, newError(op, ErrPoll, endpoint, status, serverMessage(body))
	}

	var resp struct {
		Data model.Job `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newError(op, ErrPoll, endpoint, status, fmt.Errorf("decode job: %w", err))
	}
	job := resp.Data
	if job.ServiceID == "" {
		job.ServiceID = s.id
	}
	if job.Status == "" {
		job.Status = model.StatusPending
	}
	return &job, nil
}

// Claim reports a job as WORKING. The job must already be WORKING locally.
func (s *Service) Claim(ctx context.Context, job *model.Job) error {
	if job.Status != model.StatusWorking {
		return newError("claim", ErrClaim, jobEndpoint(job.ID), 0,
			fmt.Errorf("%w: job %s is %s", model.ErrInvalidTransition, job.ID, job.Status))
	}
	return s.putJob(ctx, "claim", ErrClaim, job)
}

// SubmitResult reports a terminal job together with its result or error.
func (s *Service) SubmitResult(ctx context.Context, job *model.Job) error {
	if !job.IsTerminal() {
		return newError("submit", ErrSubmission, jobEndpoint(job.ID), 0,
			fmt.Errorf("%w: job %s is %s", model.ErrInvalidTransition, job.ID, job.Status))
	}
	if err := job.Validate(); err != nil {
		return newError("submit", ErrSubmission, jobEndpoint(job.ID), 0, err)
	}
	return s.putJob(ctx, "submit", ErrSubmission, job)
}

func (s *Service) putJob(ctx context.Context, op string, kind error, job *model.Job) error {
	endpoint := jobEndpoint(job.ID)

	status, body, err := s.client.do(ctx, http.MethodPut, endpoint, s.client.wireJob(job))
	if err != nil {
		return newError(op, kind, endpoint, 0, err)
	}
	if status != http.StatusOK {
		return newError(op, kind, endpoint, status, serverMessage(body))
	}
	return nil
}

// NewJob validates parameters against the registration schema and queues a
// new job on the service. Validation failures are returned as
// schema.Violations and nothing is sent.
func (s *Service) NewJob(ctx context.Context, parameters json.RawMessage) (string, error) {
	input, _, err := s.Schemas(ctx)
	if err != nil {
		return "", err
	}
	if err := schema.Validate(parameters, input); err != nil {
		return "", err
	}

	const op = "new job"
	endpoint := s.endpoint() + "/jobs"

	status, body, err := s.client.do(ctx, http.MethodPost, endpoint, map[string]json.RawMessage{"parameters": parameters})
	if err != nil {
		return "", newError(op, nil, endpoint, 0, err)
	}
	if status != http.StatusCreated {
		return "", newError(op, nil, endpoint, status, serverMessage(body))
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", newError(op, nil, endpoint, status, fmt.Errorf("decode response: %w", err))
	}
	return resp.Data.ID, nil
}

func jobEndpoint(jobID string) string {
	return "/jobs/" + url.PathEscape(jobID)
}
