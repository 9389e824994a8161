// Package guest implements the agent that runs job bodies inside an isolated
// guest VM. The worker's vsock executor connects to it, sends one request per
// job, and receives streamed log lines followed by the result.
package guest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/seantiz/topchef/internal/executor"
)

// Agent handles vsock connections and runs each request through an executor.
type Agent struct {
	listener net.Listener
	exec     executor.Executor
	logger   *slog.Logger

	// maxTimeout caps the timeout a request may ask for; zero means no cap.
	maxTimeout time.Duration
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithMaxTimeout caps per-request timeouts.
func WithMaxTimeout(d time.Duration) Option {
	return func(a *Agent) { a.maxTimeout = d }
}

// New creates a guest agent serving listener with exec.
func New(listener net.Listener, exec executor.Executor, opts ...Option) *Agent {
	a := &Agent{
		listener: listener,
		exec:     exec,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// In-flight requests are cancelled with ctx and waited for.
func (a *Agent) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { a.listener.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Go(func() { a.handleConnection(ctx, conn) })
	}
}

// handleConnection processes a single job request on conn.
func (a *Agent) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req executor.GuestRequest
	if err := executor.ReadMessage(conn, &req); err != nil {
		a.logger.Warn("read request", "error", err)
		a.sendResult(conn, executor.GuestResponse{Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	logger := a.logger.With("job_id", req.JobID)
	logger.Info("job received")
	start := time.Now()

	resp := a.run(ctx, conn, &req)
	if resp.Error != "" {
		logger.Info("job failed", "error", resp.Error, "duration", time.Since(start))
	} else {
		logger.Info("job finished", "duration", time.Since(start))
	}
	a.sendResult(conn, resp)
}

// run executes req, streaming log lines to conn.
func (a *Agent) run(ctx context.Context, conn net.Conn, req *executor.GuestRequest) executor.GuestResponse {
	timeout := time.Duration(req.TimeoutS) * time.Second
	if a.maxTimeout > 0 && (timeout == 0 || timeout > a.maxTimeout) {
		timeout = a.maxTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Log lines may come from several goroutines of the executor.
	var writeMu sync.Mutex
	sink := func(line string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := executor.WriteMessage(conn, &executor.GuestMessage{Type: executor.MsgTypeLog, Line: line}); err != nil {
			a.logger.Debug("write log line", "error", err)
		}
	}

	ctx = executor.WithJobID(ctx, req.JobID)
	ctx = executor.WithLogSink(ctx, sink)

	result, err := a.safeRun(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return executor.GuestResponse{Error: fmt.Sprintf("timeout after %s: %v", timeout, err)}
		}
		return executor.GuestResponse{Error: err.Error()}
	}
	if len(result) == 0 {
		return executor.GuestResponse{Error: "executor returned an empty result"}
	}
	return executor.GuestResponse{Result: result}
}

func (a *Agent) safeRun(ctx context.Context, req *executor.GuestRequest) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return a.exec.Run(ctx, req.Parameters)
}

// sendResult sends the final GuestResponse wrapped in a GuestMessage.
func (a *Agent) sendResult(conn net.Conn, resp executor.GuestResponse) {
	msg := executor.GuestMessage{
		Type:     executor.MsgTypeResult,
		Response: &resp,
	}
	if err := executor.WriteMessage(conn, &msg); err != nil {
		a.logger.Warn("write result", "error", err)
	}
}
