package topchef

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/seantiz/topchef/internal/model"
)

// ErrTransport is the class every TopChef API failure belongs to.
var ErrTransport = errors.New("topchef transport error")

// Operation sentinels. An *Error unwraps to exactly one of these.
var (
	ErrRegistration    = errors.New("service registration failed")
	ErrMalformedSchema = errors.New("server rejected schema as malformed")
	ErrServiceNotFound = errors.New("service not found")
	ErrHeartbeat       = errors.New("heartbeat failed")
	ErrPoll            = errors.New("poll failed")
	ErrClaim           = errors.New("claim failed")
	ErrSubmission      = errors.New("result submission failed")
)

// Error describes a failed call to the TopChef API.
type Error struct {
	Op         string
	Endpoint   string
	StatusCode int // 0 when no response was received
	Kind       error
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("topchef: %s %s", e.Op, e.Endpoint)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": unexpected status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the operation sentinel, ErrTransport and the cause.
func (e *Error) Unwrap() []error {
	errs := []error{ErrTransport}
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Permanent reports whether repeating the call cannot succeed: the server
// answered with a client error other than 408 or 429, or the job was
// rejected locally before anything was sent.
func (e *Error) Permanent() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return false
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return true
	case e.StatusCode == 0:
		return errors.Is(e.Err, model.ErrInvalidTransition) || errors.Is(e.Err, model.ErrInvariant)
	}
	return false
}

func newError(op string, kind error, endpoint string, status int, err error) *Error {
	return &Error{Op: op, Kind: kind, Endpoint: endpoint, StatusCode: status, Err: err}
}
