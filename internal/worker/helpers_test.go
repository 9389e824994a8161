package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/topchef/internal/executor"
	"github.com/seantiz/topchef/internal/model"
	"github.com/seantiz/topchef/internal/worker"
)

const (
	valueSchema  = `{"type":"object","properties":{"value":{"type":"integer","minimum":1,"maximum":10}}}`
	resultSchema = `{"type":"object","required":["value"],"properties":{"value":{"type":"integer"}}}`
)

var errUnavailable = errors.New("service unavailable")

// fakeBinding is an in-memory Binding. Jobs leave the queue when claimed.
type fakeBinding struct {
	mu sync.Mutex

	input, output json.RawMessage
	schemaErr     error

	queue      []*model.Job
	pollErr    error
	claimErr   error
	submitErrs []error
	rejected   map[string]error // jobs whose every submission fails

	claimed   []string
	submitted []model.Job

	heartbeats    int
	heartbeatErrs []error
	heartbeatGate chan struct{}

	// heartbeatEntered is closed when the first Heartbeat call begins.
	heartbeatEntered chan struct{}
	enteredOnce      sync.Once
}

func newFakeBinding() *fakeBinding {
	return &fakeBinding{
		input:            json.RawMessage(valueSchema),
		output:           json.RawMessage(resultSchema),
		rejected:         make(map[string]error),
		heartbeatEntered: make(chan struct{}),
	}
}

func (f *fakeBinding) ID() string { return "7f1b1d9e-3c1f-4f5e-9a55-0a1e6a6c1b2d" }

func (f *fakeBinding) Schemas(context.Context) (json.RawMessage, json.RawMessage, error) {
	if f.schemaErr != nil {
		return nil, nil, f.schemaErr
	}
	return f.input, f.output, nil
}

func (f *fakeBinding) Heartbeat(ctx context.Context) error {
	f.enteredOnce.Do(func() { close(f.heartbeatEntered) })

	f.mu.Lock()
	gate := f.heartbeatGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	if len(f.heartbeatErrs) > 0 {
		err := f.heartbeatErrs[0]
		f.heartbeatErrs = f.heartbeatErrs[1:]
		return err
	}
	return nil
}

func (f *fakeBinding) PendingJobs(context.Context) iter.Seq2[*model.Job, error] {
	return func(yield func(*model.Job, error) bool) {
		f.mu.Lock()
		if f.pollErr != nil {
			err := f.pollErr
			f.mu.Unlock()
			yield(nil, err)
			return
		}
		jobs := make([]model.Job, len(f.queue))
		for i, j := range f.queue {
			jobs[i] = *j
		}
		f.mu.Unlock()

		for i := range jobs {
			if !yield(&jobs[i], nil) {
				return
			}
		}
	}
}

func (f *fakeBinding) Claim(_ context.Context, job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return f.claimErr
	}
	f.claimed = append(f.claimed, job.ID)
	for i, j := range f.queue {
		if j.ID == job.ID {
			f.queue = append(f.queue[:i], f.queue[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeBinding) SubmitResult(_ context.Context, job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.rejected[job.ID]; ok {
		return err
	}
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return err
		}
	}
	f.submitted = append(f.submitted, *job)
	return nil
}

func (f *fakeBinding) enqueue(id, params string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, &model.Job{ID: id, Parameters: json.RawMessage(params), Status: model.StatusPending})
}

func (f *fakeBinding) submissions() []model.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Job(nil), f.submitted...)
}

func (f *fakeBinding) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

// addOne is the executor used throughout: {value:n} -> {value:n+1}.
type addOne struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *addOne) Run(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	a.mu.Lock()
	a.calls++
	err := a.err
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var in struct {
		Value int `json:"value"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int{"value": in.Value + 1})
}

func (a *addOne) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func openSupervisor(t *testing.T, b worker.Binding, exec executor.Executor, opts ...worker.Option) *worker.Supervisor {
	t.Helper()
	opts = append([]worker.Option{worker.WithLogger(discardLogger())}, opts...)
	s, err := worker.Open(context.Background(), b, exec, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

// waitFor polls cond until it returns true or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// memRecorder is an in-memory Recorder.
type memRecorder struct {
	mu        sync.Mutex
	jobs      map[string]model.Job
	pending   []string
	abandoned []string
	logs      map[string][]string
}

func newMemRecorder() *memRecorder {
	return &memRecorder{jobs: make(map[string]model.Job), logs: make(map[string][]string)}
}

func (m *memRecorder) RecordJob(_ context.Context, job *model.Job, submitErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	if submitErr != nil {
		m.pending = append(m.pending, job.ID)
	}
	return nil
}

func (m *memRecorder) RecordSubmission(_ context.Context, jobID string, submitErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if submitErr != nil {
		return nil
	}
	for i, id := range m.pending {
		if id == jobID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memRecorder) AbandonSubmission(_ context.Context, jobID string, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range m.pending {
		if id == jobID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			m.abandoned = append(m.abandoned, jobID)
			return nil
		}
	}
	return errors.New("job not pending")
}

func (m *memRecorder) PendingSubmissions(_ context.Context, limit int) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Job
	for _, id := range m.pending {
		if len(out) == limit {
			break
		}
		j := m.jobs[id]
		out = append(out, &j)
	}
	return out, nil
}

func (m *memRecorder) InsertLogLine(_ context.Context, jobID string, _ int, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[jobID] = append(m.logs[jobID], line)
	return nil
}

func (m *memRecorder) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *memRecorder) abandonedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.abandoned...)
}
