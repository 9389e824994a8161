package worker

import (
	"errors"
	"fmt"

	"github.com/seantiz/topchef/internal/model"
	"github.com/seantiz/topchef/internal/schema"
)

var (
	// ErrAlreadyRunning is returned by Start when the loops are already running
	// or have not finished stopping.
	ErrAlreadyRunning = errors.New("worker already running")

	// ErrStopTimeout is returned by Stop when the loops did not exit within
	// the grace period. They still exit at their next checkpoint.
	ErrStopTimeout = errors.New("worker did not stop within grace period")
)

// Validation stages.
const (
	StageInput  = "input"
	StageOutput = "output"
)

// ValidationError reports a job payload that does not satisfy its schema.
type ValidationError struct {
	JobID      string
	Stage      string
	Violations schema.Violations
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("job %s: %s validation: %v", e.JobID, e.Stage, e.Violations)
}

func (e *ValidationError) Unwrap() error {
	return e.Violations
}

// JobError converts e into the error payload reported for the job.
func (e *ValidationError) JobError() model.JobError {
	kind, subject := model.ErrorKindInputValidation, "parameters do not satisfy the job registration schema"
	if e.Stage == StageOutput {
		kind, subject = model.ErrorKindOutputValidation, "result does not satisfy the job result schema"
	}
	return model.JobError{
		Kind:       kind,
		Message:    subject,
		Violations: e.Violations.Strings(),
	}
}

// EngineError reports a failure raised by the executor, including panics.
type EngineError struct {
	JobID string
	Panic bool
	Err   error
}

func (e *EngineError) Error() string {
	if e.Panic {
		return fmt.Sprintf("job %s: executor panicked: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("job %s: executor failed: %v", e.JobID, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// JobError converts e into the error payload reported for the job.
func (e *EngineError) JobError() model.JobError {
	msg := e.Err.Error()
	if e.Panic {
		msg = "executor panicked: " + msg
	}
	return model.JobError{Kind: model.ErrorKindEngine, Message: msg}
}
