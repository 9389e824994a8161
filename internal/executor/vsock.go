package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/vsock"
)

// Retry defaults for guest connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// DefaultGuestPort is the vsock port the guest agent listens on.
const DefaultGuestPort uint32 = 1024

// DialFunc opens a connection to a guest agent.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Vsock delegates each job to a guest agent reached over AF_VSOCK.
// Each Run uses its own connection.
type Vsock struct {
	dial DialFunc
}

// NewVsock returns an executor that talks to the guest agent listening on
// port inside the VM with the given context id.
func NewVsock(cid, port uint32) *Vsock {
	return NewVsockWithDialer(func(context.Context) (net.Conn, error) {
		conn, err := vsock.Dial(cid, port, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock dial cid %d port %d: %w", cid, port, err)
		}
		return conn, nil
	})
}

// NewVsockWithDialer returns a Vsock executor that opens connections with dial.
func NewVsockWithDialer(dial DialFunc) *Vsock {
	return &Vsock{dial: dial}
}

// Run implements Executor.
func (v *Vsock) Run(ctx context.Context, parameters json.RawMessage) (json.RawMessage, error) {
	conn, err := v.dialWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// Closing the connection unblocks reads and writes once the job is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	req := GuestRequest{JobID: JobIDFrom(ctx), Parameters: parameters}
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutS = max(1, int(time.Until(deadline).Seconds()))
	}
	if err := WriteMessage(conn, &req); err != nil {
		return nil, v.wrap(ctx, fmt.Errorf("send request: %w", err))
	}

	resp, err := readMessages(conn, LogSinkFrom(ctx))
	if err != nil {
		return nil, v.wrap(ctx, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("guest: %s", resp.Error)
	}
	return resp.Result, nil
}

func (v *Vsock) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("guest: %w", ctxErr)
	}
	return err
}

// dialWithRetry retries with exponential backoff on connection failure.
func (v *Vsock) dialWithRetry(ctx context.Context) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dial guest: %w", err)
		}

		conn, err := v.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial guest: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}

// readMessages reads GuestMessage frames until the result arrives.
// Log lines are delivered to sink as they come in.
func readMessages(conn net.Conn, sink LogSink) (GuestResponse, error) {
	for {
		var msg GuestMessage
		if err := ReadMessage(conn, &msg); err != nil {
			return GuestResponse{}, fmt.Errorf("read guest message: %w", err)
		}

		switch msg.Type {
		case MsgTypeLog:
			sink(msg.Line)
		case MsgTypeResult:
			if msg.Response == nil {
				return GuestResponse{}, errors.New("received result message with nil response")
			}
			return *msg.Response, nil
		default:
			return GuestResponse{}, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}
