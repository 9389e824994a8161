package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/topchef/internal/executor"
)

func TestFuncAndEcho(t *testing.T) {
	called := false
	f := executor.Func(func(_ context.Context, p json.RawMessage) (json.RawMessage, error) {
		called = true
		return json.RawMessage(`{"value":6}`), nil
	})
	out, err := f.Run(context.Background(), json.RawMessage(`{"value":5}`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !called {
		t.Error("Func was not called")
	}
	if string(out) != `{"value":6}` {
		t.Errorf("out = %s, want {\"value\":6}", out)
	}

	in := json.RawMessage(`{"a":1}`)
	out, err = executor.Echo().Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if string(out) != string(in) {
		t.Errorf("Echo = %s, want %s", out, in)
	}
	out[0] = 'x'
	if in[0] != '{' {
		t.Error("Echo result aliases its parameters")
	}
}

func TestRegistry(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register("echo", executor.Echo())
	reg.Register("add", executor.Func(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}))

	names := reg.List()
	if len(names) != 2 || names[0] != "add" || names[1] != "echo" {
		t.Errorf("List() = %v, want [add echo]", names)
	}

	if _, err := reg.Resolve("echo"); err != nil {
		t.Errorf("Resolve(echo): %v", err)
	}
	if _, err := reg.Resolve("missing"); err == nil {
		t.Error("expected error for unregistered executor")
	}
}

func TestLogSinkFromDefault(t *testing.T) {
	// Must not panic without a sink.
	executor.LogSinkFrom(context.Background())("dropped")

	var got []string
	ctx := executor.WithLogSink(context.Background(), func(line string) { got = append(got, line) })
	executor.LogSinkFrom(ctx)("hello")
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("sink lines = %v, want [hello]", got)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestProcessSuccess(t *testing.T) {
	requireShell(t)

	p := &executor.Process{Command: []string{"sh", "-c", `cat >/dev/null; echo "working" >&2; echo '{"value":6}'`}}

	var mu sync.Mutex
	var lines []string
	ctx := executor.WithLogSink(context.Background(), func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})

	out, err := p.Run(ctx, json.RawMessage(`{"value":5}`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != `{"value":6}` {
		t.Errorf("out = %s, want {\"value\":6}", out)
	}
	if len(lines) != 1 || lines[0] != "working" {
		t.Errorf("stderr lines = %v, want [working]", lines)
	}
}

func TestProcessReceivesParameters(t *testing.T) {
	requireShell(t)

	p, err := executor.NewProcess("cat")
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	out, err := p.Run(context.Background(), json.RawMessage(`{"echo":true}`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != `{"echo":true}` {
		t.Errorf("out = %s, want parameters back", out)
	}
}

func TestProcessNonZeroExit(t *testing.T) {
	requireShell(t)

	p := &executor.Process{Command: []string{"sh", "-c", `echo "bad input" >&2; exit 3`}}
	_, err := p.Run(context.Background(), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "code 3") || !strings.Contains(err.Error(), "bad input") {
		t.Errorf("error = %q, want exit code and stderr tail", err)
	}
}

func TestProcessTimeout(t *testing.T) {
	requireShell(t)

	p := &executor.Process{Command: []string{"sleep", "10"}}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Run(ctx, json.RawMessage(`{}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run took %s after timeout", elapsed)
	}
}

func TestNewProcessEmpty(t *testing.T) {
	if _, err := executor.NewProcess("   "); err == nil {
		t.Error("expected error for empty command")
	}
}
