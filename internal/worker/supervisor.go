package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/topchef/internal/executor"
	"github.com/seantiz/topchef/internal/model"
	"github.com/seantiz/topchef/internal/schema"
)

// Supervisor owns the heartbeat loop and the job loop of one worker.
type Supervisor struct {
	binding Binding
	opts    options
	logger  *slog.Logger
	state   *RunState
	jobs    *JobLoop

	mu        sync.Mutex
	done      chan struct{}
	startedAt time.Time

	hbMu          sync.Mutex
	lastHeartbeat time.Time
	lastHBError   error
	hbFailures    int64
}

// Open fetches and compiles the service schemas and returns a stopped
// Supervisor. Failures here are fatal to startup.
func Open(ctx context.Context, b Binding, exec executor.Executor, opts ...Option) (*Supervisor, error) {
	if b == nil {
		return nil, errors.New("worker: binding is required")
	}
	if exec == nil {
		return nil, errors.New("worker: executor is required")
	}

	input, output, err := b.Schemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch schemas for service %s: %w", b.ID(), err)
	}
	inSchema, err := schema.Compile(input)
	if err != nil {
		return nil, fmt.Errorf("compile job registration schema: %w", err)
	}
	if len(output) == 0 {
		output = schema.DefaultResultSchema
	}
	outSchema, err := schema.Compile(output)
	if err != nil {
		return nil, fmt.Errorf("compile job result schema: %w", err)
	}

	return New(b, exec, inSchema, outSchema, opts...), nil
}

// New returns a stopped Supervisor using already compiled schemas.
func New(b Binding, exec executor.Executor, input, output *schema.Schema, opts ...Option) *Supervisor {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger.With("service_id", b.ID(), "instance_id", o.instanceID)
	s := &Supervisor{
		binding: b,
		opts:    o,
		logger:  logger,
		state:   NewRunState(),
	}
	s.jobs = &JobLoop{
		binding: b,
		exec:    exec,
		input:   input,
		output:  output,
		state:   s.state,
		opts:    &s.opts,
		logger:  logger,
	}
	return s
}

// JobLoop returns the supervisor's job loop.
func (s *Supervisor) JobLoop() *JobLoop {
	return s.jobs
}

// Running reports whether the loops are running.
func (s *Supervisor) Running() bool {
	return s.state.Running()
}

// Start launches both loops. The loops run until Stop is called or ctx is
// cancelled. Calling Start while running returns ErrAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
		default:
			return ErrAlreadyRunning
		}
	}
	if !s.state.start() {
		return ErrAlreadyRunning
	}

	done := make(chan struct{})
	s.done = done
	s.startedAt = time.Now().UTC()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.jobs.run(gctx)
		return nil
	})

	go func() {
		_ = g.Wait()
		s.state.stop()
		s.logger.Info("worker stopped")
		close(done)
	}()

	s.logger.Info("worker started",
		"heartbeat_interval", s.opts.heartbeatInterval,
		"poll_interval", s.opts.pollInterval,
	)
	return nil
}

// Stop flips the run state to stopped and waits for both loops to exit.
// In-flight network calls are not interrupted. If the loops have not exited
// within the grace period, or before ctx is done, Stop returns ErrStopTimeout.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if s.state.stop() {
		s.logger.Info("stopping worker")
	}
	if done == nil {
		return nil
	}

	timer := time.NewTimer(s.opts.stopGrace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrStopTimeout, ctx.Err())
	}
}

// Done returns a channel closed when the loops of the latest Start have
// exited. It is nil before the first Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Status is a point-in-time snapshot of a worker.
type Status struct {
	ServiceID          string     `json:"service_id"`
	InstanceID         string     `json:"instance_id"`
	Running            bool       `json:"running"`
	Phase              string     `json:"phase"`
	CurrentJobID       string     `json:"current_job_id,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	LastPoll           *time.Time `json:"last_poll,omitempty"`
	LastHeartbeat      *time.Time `json:"last_heartbeat,omitempty"`
	LastHeartbeatError string     `json:"last_heartbeat_error,omitempty"`
	HeartbeatFailures  int64      `json:"heartbeat_failures"`
	JobsCompleted      int64      `json:"jobs_completed"`
	JobsFailed         int64      `json:"jobs_failed"`
	SubmissionFailures int64      `json:"submission_failures"`
	LastJob            *model.Job `json:"last_job,omitempty"`
}

// Status returns a snapshot of the worker.
func (s *Supervisor) Status() Status {
	st := Status{
		ServiceID:          s.binding.ID(),
		InstanceID:         s.opts.instanceID,
		Running:            s.state.Running(),
		Phase:              s.jobs.Phase().String(),
		JobsCompleted:      s.jobs.completed.Load(),
		JobsFailed:         s.jobs.failed.Load(),
		SubmissionFailures: s.jobs.submitFailures.Load(),
	}

	s.mu.Lock()
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
	}
	s.mu.Unlock()

	s.jobs.mu.Lock()
	st.CurrentJobID = s.jobs.current
	if !s.jobs.lastPoll.IsZero() {
		t := s.jobs.lastPoll
		st.LastPoll = &t
	}
	if s.jobs.lastJob != nil {
		j := *s.jobs.lastJob
		st.LastJob = &j
	}
	s.jobs.mu.Unlock()

	s.hbMu.Lock()
	if !s.lastHeartbeat.IsZero() {
		t := s.lastHeartbeat
		st.LastHeartbeat = &t
	}
	if s.lastHBError != nil {
		st.LastHeartbeatError = s.lastHBError.Error()
	}
	st.HeartbeatFailures = s.hbFailures
	s.hbMu.Unlock()

	return st
}
