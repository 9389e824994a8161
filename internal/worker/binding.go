package worker

import (
	"context"
	"encoding/json"
	"errors"
	"iter"

	"github.com/seantiz/topchef/internal/model"
)

// Binding is the part of a TopChef service binding the loops use.
// *topchef.Service implements it.
type Binding interface {
	ID() string
	Schemas(ctx context.Context) (input, output json.RawMessage, err error)
	Heartbeat(ctx context.Context) error
	PendingJobs(ctx context.Context) iter.Seq2[*model.Job, error]
	Claim(ctx context.Context, job *model.Job) error
	SubmitResult(ctx context.Context, job *model.Job) error
}

// Recorder keeps a local history of finished jobs and the submissions that
// have not reached the server yet.
type Recorder interface {
	RecordJob(ctx context.Context, job *model.Job, submitErr error) error
	RecordSubmission(ctx context.Context, jobID string, submitErr error) error
	PendingSubmissions(ctx context.Context, limit int) ([]*model.Job, error)
	AbandonSubmission(ctx context.Context, jobID string, reason error) error
	InsertLogLine(ctx context.Context, jobID string, seq int, line string) error
}

// permanent is implemented by errors that retrying cannot fix, such as a
// *topchef.Error carrying a 404.
type permanent interface {
	Permanent() bool
}

func isPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

// Archiver stores a copy of each finished job.
type Archiver interface {
	Archive(ctx context.Context, job *model.Job) error
}
