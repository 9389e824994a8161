package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/topchef/internal/model"
	"github.com/seantiz/topchef/internal/schema"
	"github.com/seantiz/topchef/internal/topchef"
	"github.com/seantiz/topchef/internal/topchef/topcheftest"
	"github.com/seantiz/topchef/internal/worker"
)

func TestOpenFailures(t *testing.T) {
	b := newFakeBinding()
	b.schemaErr = errUnavailable
	if _, err := worker.Open(context.Background(), b, &addOne{}); !errors.Is(err, errUnavailable) {
		t.Errorf("Open error = %v, want schema fetch failure", err)
	}

	b = newFakeBinding()
	b.input = json.RawMessage(`{"type":"banana"}`)
	if _, err := worker.Open(context.Background(), b, &addOne{}); !errors.Is(err, schema.ErrInvalidSchema) {
		t.Errorf("Open error = %v, want ErrInvalidSchema", err)
	}

	if _, err := worker.Open(context.Background(), newFakeBinding(), nil); err == nil {
		t.Error("expected error for nil executor")
	}
}

func TestOpenDefaultsResultSchema(t *testing.T) {
	b := newFakeBinding()
	b.output = nil
	b.enqueue("job-1", `{"value":1}`)
	exec := &addOne{}
	s := openSupervisor(t, b, exec)

	s.JobLoop().RunOnce(context.Background())
	if subs := b.submissions(); len(subs) != 1 || subs[0].Status != model.StatusComplete {
		t.Errorf("submissions = %+v, want COMPLETE under the default result schema", subs)
	}
}

func TestSupervisorStartStop(t *testing.T) {
	b := newFakeBinding()
	b.enqueue("job-1", `{"value":5}`)
	s := openSupervisor(t, b, &addOne{},
		worker.WithHeartbeatInterval(time.Hour),
		worker.WithPollInterval(time.Hour),
	)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Running() {
		t.Error("Running() = false after Start")
	}
	if err := s.Start(context.Background()); !errors.Is(err, worker.ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return b.heartbeatCount() == 1 && len(b.submissions()) == 1
	})

	// Both loops are sleeping for an hour; Stop must wake them.
	start := time.Now()
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %s, want prompt exit from sleep", elapsed)
	}
	if s.Running() {
		t.Error("Running() = true after Stop")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}

	// A stopped supervisor can be started again.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return b.heartbeatCount() == 2 })
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after restart: %v", err)
	}
}

func TestSupervisorStopBeforeStart(t *testing.T) {
	s := openSupervisor(t, newFakeBinding(), &addOne{})
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start = %v, want nil", err)
	}
	if s.Done() != nil {
		t.Error("Done() should be nil before Start")
	}
}

func TestSupervisorStopTimeout(t *testing.T) {
	b := newFakeBinding()
	gate := make(chan struct{})
	b.heartbeatGate = gate
	s := openSupervisor(t, b, &addOne{},
		worker.WithPollInterval(time.Hour),
		worker.WithStopGracePeriod(50*time.Millisecond),
	)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-b.heartbeatEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat was never sent")
	}

	// The heartbeat call is blocked; Stop must not interrupt it.
	if err := s.Stop(context.Background()); !errors.Is(err, worker.ErrStopTimeout) {
		t.Fatalf("Stop = %v, want ErrStopTimeout", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, worker.ErrAlreadyRunning) {
		t.Errorf("Start while stopping = %v, want ErrAlreadyRunning", err)
	}

	close(gate)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loops did not exit after the blocked call returned")
	}
}

func TestSupervisorStopsOnContextCancel(t *testing.T) {
	s := openSupervisor(t, newFakeBinding(), &addOne{}, worker.WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loops did not exit after context cancellation")
	}
	if s.Running() {
		t.Error("Running() = true after context cancellation")
	}
}

func TestHeartbeatFailuresDoNotStopLoop(t *testing.T) {
	b := newFakeBinding()
	b.heartbeatErrs = []error{errUnavailable, errUnavailable}
	s := openSupervisor(t, b, &addOne{},
		worker.WithHeartbeatInterval(10*time.Millisecond),
		worker.WithPollInterval(time.Hour),
	)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool { return b.heartbeatCount() >= 4 })

	st := s.Status()
	if st.HeartbeatFailures != 2 {
		t.Errorf("HeartbeatFailures = %d, want 2", st.HeartbeatFailures)
	}
	if st.LastHeartbeat == nil {
		t.Error("LastHeartbeat = nil after successful heartbeats")
	}
	if st.LastHeartbeatError != "" {
		t.Errorf("LastHeartbeatError = %q, want cleared after success", st.LastHeartbeatError)
	}
}

func TestSupervisorStatus(t *testing.T) {
	b := newFakeBinding()
	b.enqueue("ok", `{"value":1}`)
	b.enqueue("bad", `{"value":99}`)
	s := openSupervisor(t, b, &addOne{}, worker.WithInstanceID("instance-1"))

	s.JobLoop().RunOnce(context.Background())
	s.JobLoop().RunOnce(context.Background())

	st := s.Status()
	if st.ServiceID != b.ID() || st.InstanceID != "instance-1" {
		t.Errorf("ids = %q/%q", st.ServiceID, st.InstanceID)
	}
	if st.Running {
		t.Error("Running = true before Start")
	}
	if st.Phase != "idle" {
		t.Errorf("Phase = %q, want idle", st.Phase)
	}
	if st.JobsCompleted != 1 || st.JobsFailed != 1 {
		t.Errorf("completed/failed = %d/%d, want 1/1", st.JobsCompleted, st.JobsFailed)
	}
	if st.LastPoll == nil {
		t.Error("LastPoll = nil")
	}
	if st.LastJob == nil || st.LastJob.ID != "bad" {
		t.Errorf("LastJob = %+v, want bad", st.LastJob)
	}
}

func TestWorkerAgainstServer(t *testing.T) {
	srv, url := topcheftest.Start(t)
	serviceID := srv.AddService("adder", json.RawMessage(valueSchema), json.RawMessage(resultSchema))
	good := srv.AddJob(serviceID, json.RawMessage(`{"value":5}`))
	bad := srv.AddJob(serviceID, json.RawMessage(`{"value":11}`))

	client, err := topchef.New(url, topchef.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("topchef.New: %v", err)
	}
	svc, err := client.Lookup(context.Background(), serviceID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	exec := &addOne{}
	s := openSupervisor(t, svc, exec,
		worker.WithHeartbeatInterval(20*time.Millisecond),
		worker.WithPollInterval(20*time.Millisecond),
	)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		g, _ := srv.Job(good)
		b, _ := srv.Job(bad)
		return g.Status.IsTerminal() && b.Status.IsTerminal()
	})
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	g, _ := srv.Job(good)
	if g.Status != model.StatusComplete || string(g.Result) != `{"value":6}` {
		t.Errorf("good job = %s %s, want COMPLETE {\"value\":6}", g.Status, g.Result)
	}
	b, _ := srv.Job(bad)
	if b.Status != model.StatusFailed || b.Error == nil || b.Error.Kind != model.ErrorKindInputValidation {
		t.Errorf("bad job = %s %+v, want FAILED input_validation", b.Status, b.Error)
	}
	if exec.callCount() != 1 {
		t.Errorf("executor calls = %d, want 1", exec.callCount())
	}
	if srv.Heartbeats(serviceID) == 0 {
		t.Error("server received no heartbeats")
	}
}
