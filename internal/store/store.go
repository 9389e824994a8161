package store

import (
	"context"
	"errors"

	"github.com/seantiz/topchef/internal/model"
	"github.com/seantiz/topchef/internal/worker"
)

// ErrNotFound is returned when a job is not in the local history.
var ErrNotFound = errors.New("job not found")

// JobStats holds aggregate statistics over the local job history.
type JobStats struct {
	Total              int            `json:"total"`
	CountByStatus      map[string]int `json:"count_by_status"`
	PendingSubmissions int            `json:"pending_submissions"` // excludes abandoned results
	AvgDurationMS      float64        `json:"avg_duration_ms"`
}

// Record is a job as kept in the local history, with its submission state.
type Record struct {
	model.Job
	Submitted       bool   `json:"submitted"`
	SubmitAttempts  int    `json:"submit_attempts"`
	LastSubmitError string `json:"last_submit_error,omitempty"`
	Abandoned       bool   `json:"abandoned,omitempty"` // the server rejected the result outright
}

// Store is the local job history. It doubles as the worker's submission
// outbox.
type Store interface {
	worker.Recorder

	GetJob(ctx context.Context, id string) (*Record, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*Record, int, error)
	GetJobStats(ctx context.Context) (*JobStats, error)
	GetLogLines(ctx context.Context, jobID string) ([]model.LogLine, error)
	Close() error
}
