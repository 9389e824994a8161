package executor_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/topchef/internal/executor"
)

// pipeDialer returns a dialer handing out the client half of a net.Pipe and
// runs guest on the server half.
func pipeDialer(t *testing.T, guest func(conn net.Conn)) executor.DialFunc {
	t.Helper()
	return func(context.Context) (net.Conn, error) {
		server, client := net.Pipe()
		go func() {
			defer server.Close()
			guest(server)
		}()
		return client, nil
	}
}

func TestVsockRunResult(t *testing.T) {
	dial := pipeDialer(t, func(conn net.Conn) {
		var req executor.GuestRequest
		if err := executor.ReadMessage(conn, &req); err != nil {
			t.Errorf("mock read: %v", err)
			return
		}
		if string(req.Parameters) != `{"value":5}` {
			t.Errorf("Parameters = %s, want {\"value\":5}", req.Parameters)
		}
		for _, line := range []string{"starting", "done"} {
			executor.WriteMessage(conn, &executor.GuestMessage{Type: executor.MsgTypeLog, Line: line})
		}
		executor.WriteMessage(conn, &executor.GuestMessage{
			Type:     executor.MsgTypeResult,
			Response: &executor.GuestResponse{Result: json.RawMessage(`{"value":6}`)},
		})
	})

	var lines []string
	ctx := executor.WithLogSink(context.Background(), func(line string) { lines = append(lines, line) })

	out, err := executor.NewVsockWithDialer(dial).Run(ctx, json.RawMessage(`{"value":5}`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != `{"value":6}` {
		t.Errorf("out = %s, want {\"value\":6}", out)
	}
	if strings.Join(lines, ",") != "starting,done" {
		t.Errorf("log lines = %v, want [starting done]", lines)
	}
}

func TestVsockGuestError(t *testing.T) {
	dial := pipeDialer(t, func(conn net.Conn) {
		var req executor.GuestRequest
		executor.ReadMessage(conn, &req)
		executor.WriteMessage(conn, &executor.GuestMessage{
			Type:     executor.MsgTypeResult,
			Response: &executor.GuestResponse{Error: "division by zero"},
		})
	})

	_, err := executor.NewVsockWithDialer(dial).Run(context.Background(), json.RawMessage(`{}`))
	if err == nil || !strings.Contains(err.Error(), "division by zero") {
		t.Errorf("error = %v, want guest error", err)
	}
}

func TestVsockUnknownMessage(t *testing.T) {
	dial := pipeDialer(t, func(conn net.Conn) {
		var req executor.GuestRequest
		executor.ReadMessage(conn, &req)
		executor.WriteMessage(conn, &executor.GuestMessage{Type: "bogus"})
	})

	_, err := executor.NewVsockWithDialer(dial).Run(context.Background(), json.RawMessage(`{}`))
	if err == nil || !strings.Contains(err.Error(), "unknown message type") {
		t.Errorf("error = %v, want unknown message type", err)
	}
}

func TestVsockCancelledWhileWaiting(t *testing.T) {
	dial := pipeDialer(t, func(conn net.Conn) {
		var req executor.GuestRequest
		executor.ReadMessage(conn, &req)
		// Never answer; wait for the worker to hang up.
		var msg executor.GuestMessage
		executor.ReadMessage(conn, &msg)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := executor.NewVsockWithDialer(dial).Run(ctx, json.RawMessage(`{}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}

func TestVsockDialRetry(t *testing.T) {
	var attempts atomic.Int32
	dial := func(context.Context) (net.Conn, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	}

	start := time.Now()
	_, err := executor.NewVsockWithDialer(dial).Run(context.Background(), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected dial error")
	}
	if got := attempts.Load(); got != 5 {
		t.Errorf("attempts = %d, want 5", got)
	}
	// 100 + 200 + 400 + 800 ms of backoff.
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("retries finished in %s, want exponential backoff", elapsed)
	}
}

func TestVsockDialRetryCancelled(t *testing.T) {
	dial := func(context.Context) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := executor.NewVsockWithDialer(dial).Run(ctx, json.RawMessage(`{}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}

func TestProtocolRoundTrip(t *testing.T) {
	original := executor.GuestRequest{JobID: "job-1", Parameters: json.RawMessage(`{"value":5}`), TimeoutS: 30}

	var buf bytes.Buffer
	if err := executor.WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	var decoded executor.GuestRequest
	if err := executor.ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if decoded.JobID != original.JobID {
		t.Errorf("JobID = %q, want %q", decoded.JobID, original.JobID)
	}
	if string(decoded.Parameters) != string(original.Parameters) {
		t.Errorf("Parameters = %s, want %s", decoded.Parameters, original.Parameters)
	}
	if decoded.TimeoutS != 30 {
		t.Errorf("TimeoutS = %d, want 30", decoded.TimeoutS)
	}
}

func TestReadMessageErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"truncated length", []byte{0x00, 0x01}},
		{"truncated payload", []byte{0x00, 0x00, 0x00, 0x64, '{', '}'}},
		{"oversized", []byte{0x01, 0x00, 0x00, 0x01}},
		{"bad json", []byte{0x00, 0x00, 0x00, 0x01, '{'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req executor.GuestRequest
			if err := executor.ReadMessage(bytes.NewReader(tt.frame), &req); err == nil {
				t.Error("expected error")
			}
		})
	}
}
