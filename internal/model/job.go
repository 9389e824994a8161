package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

// Job status constants.
const (
	StatusPending  Status = "PENDING"
	StatusWorking  Status = "WORKING"
	StatusComplete Status = "COMPLETE"
	StatusFailed   Status = "FAILED"
)

// Legacy spellings still emitted by older TopChef servers.
const (
	legacyRegistered = "REGISTERED"
	legacyCompleted  = "COMPLETED"
)

// Job failure kinds.
const (
	ErrorKindInputValidation  = "input_validation"
	ErrorKindOutputValidation = "output_validation"
	ErrorKindEngine           = "engine"
)

// ErrInvalidTransition is returned when a job status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrInvariant is returned by Validate when a job's payload fields disagree
// with its status.
var ErrInvariant = errors.New("job invariant violated")

// validTransitions maps each status to the set of statuses it may transition to.
// COMPLETE and FAILED have no outgoing edges.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusWorking: true,
	},
	StatusWorking: {
		StatusComplete: true,
		StatusFailed:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether s is COMPLETE or FAILED.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// ParseStatus converts a wire status into a Status, accepting legacy spellings.
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(StatusPending), legacyRegistered:
		return StatusPending, nil
	case string(StatusWorking):
		return StatusWorking, nil
	case string(StatusComplete), legacyCompleted:
		return StatusComplete, nil
	case string(StatusFailed):
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// UnmarshalJSON decodes a status, normalising legacy spellings.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// JobError is the error payload attached to a FAILED job.
type JobError struct {
	Kind       string   `json:"kind"`
	Message    string   `json:"message"`
	Violations []string `json:"violations,omitempty"`
}

func (e *JobError) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, strings.Join(e.Violations, "; "))
}

// Job is one unit of work claimed from a service queue.
//
// Result is set iff Status is COMPLETE and Error is set iff Status is FAILED.
// Use Claim, Complete and Fail to move a job forward; they refuse any
// transition outside the table above.
type Job struct {
	ID         string          `json:"id"`
	ServiceID  string          `json:"service_id,omitempty"`
	Parameters json.RawMessage `json:"parameters"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *JobError       `json:"error,omitempty"`
	ClaimedAt  *time.Time      `json:"claimed_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Claim moves a PENDING job to WORKING.
func (j *Job) Claim() error {
	if err := j.transition(StatusWorking); err != nil {
		return err
	}
	now := time.Now().UTC()
	j.ClaimedAt = &now
	return nil
}

// Complete moves a WORKING job to COMPLETE with the given result.
func (j *Job) Complete(result json.RawMessage) error {
	if len(result) == 0 {
		return fmt.Errorf("complete job %s: result is required", j.ID)
	}
	if err := j.transition(StatusComplete); err != nil {
		return err
	}
	j.Result = result
	j.Error = nil
	j.finish()
	return nil
}

// Fail moves a WORKING job to FAILED with the given error payload.
func (j *Job) Fail(jobErr JobError) error {
	if err := j.transition(StatusFailed); err != nil {
		return err
	}
	j.Result = nil
	j.Error = &jobErr
	j.finish()
	return nil
}

// IsTerminal reports whether the job reached COMPLETE or FAILED.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Validate checks the result/error presence invariant.
func (j *Job) Validate() error {
	hasResult := len(j.Result) > 0
	hasError := j.Error != nil

	switch {
	case j.Status == StatusComplete && (!hasResult || hasError):
		return fmt.Errorf("%w: COMPLETE job %s must carry a result and no error", ErrInvariant, j.ID)
	case j.Status == StatusFailed && (!hasError || hasResult):
		return fmt.Errorf("%w: FAILED job %s must carry an error and no result", ErrInvariant, j.ID)
	case !j.Status.IsTerminal() && (hasResult || hasError):
		return fmt.Errorf("%w: %s job %s must not carry a result or error", ErrInvariant, j.Status, j.ID)
	}
	return nil
}

func (j *Job) transition(to Status) error {
	if !ValidTransition(j.Status, to) {
		return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, j.ID, j.Status, to)
	}
	j.Status = to
	return nil
}

func (j *Job) finish() {
	now := time.Now().UTC()
	j.FinishedAt = &now
}
