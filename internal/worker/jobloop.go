package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/topchef/internal/executor"
	"github.com/seantiz/topchef/internal/model"
	"github.com/seantiz/topchef/internal/schema"
)

// Phase is the job loop's position in its state machine.
type Phase int32

// Job loop phases.
const (
	PhaseIdle Phase = iota
	PhasePolling
	PhaseValidatingInput
	PhaseExecuting
	PhaseValidatingOutput
	PhaseReporting
)

var phaseNames = [...]string{
	PhaseIdle:             "idle",
	PhasePolling:          "polling",
	PhaseValidatingInput:  "validating_input",
	PhaseExecuting:        "executing",
	PhaseValidatingOutput: "validating_output",
	PhaseReporting:        "reporting",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// JobLoop polls the service queue and drives each claimed job to a terminal
// status. Per-job failures never escape it.
type JobLoop struct {
	binding Binding
	exec    executor.Executor
	input   *schema.Schema
	output  *schema.Schema
	state   *RunState
	opts    *options
	logger  *slog.Logger

	phase          atomic.Int32
	completed      atomic.Int64
	failed         atomic.Int64
	submitFailures atomic.Int64

	mu       sync.Mutex
	current  string
	lastJob  *model.Job
	lastPoll time.Time
}

// Phase returns the current phase.
func (l *JobLoop) Phase() Phase {
	return Phase(l.phase.Load())
}

func (l *JobLoop) setPhase(p Phase) {
	l.phase.Store(int32(p))
}

// run repeats RunOnce until the run state is stopped or ctx is cancelled.
// It sleeps the poll interval only when an iteration found no job.
func (l *JobLoop) run(ctx context.Context) {
	for l.state.Running() && ctx.Err() == nil {
		if l.RunOnce(ctx) {
			continue
		}
		if !l.state.sleep(ctx, l.opts.pollInterval) {
			return
		}
	}
}

// RunOnce performs a single iteration: retry stored submissions, poll, and
// process at most one job. It reports whether a job was processed.
func (l *JobLoop) RunOnce(ctx context.Context) bool {
	defer l.setPhase(PhaseIdle)

	l.retrySubmissions(ctx)

	l.setPhase(PhasePolling)
	job, err := l.poll(ctx)

	l.mu.Lock()
	l.lastPoll = time.Now().UTC()
	l.mu.Unlock()

	switch {
	case err != nil:
		pollsTotal.WithLabelValues(resultError).Inc()
		l.logger.Warn("poll failed", "error", err)
		return false
	case job == nil:
		pollsTotal.WithLabelValues(resultEmpty).Inc()
		return false
	}

	pollsTotal.WithLabelValues(resultOK).Inc()
	l.process(ctx, job)
	return true
}

// poll returns the first pending job the server offers, or nil.
func (l *JobLoop) poll(ctx context.Context) (*model.Job, error) {
	for job, err := range l.binding.PendingJobs(ctx) {
		if err != nil {
			return nil, err
		}
		if job.Status != model.StatusPending {
			continue
		}
		return job, nil
	}
	return nil, nil
}

func (l *JobLoop) process(ctx context.Context, job *model.Job) {
	logger := l.logger.With("job_id", job.ID)

	if err := job.Claim(); err != nil {
		logger.Warn("skipping job", "error", err)
		return
	}
	if err := l.binding.Claim(ctx, job); err != nil {
		logger.Warn("claim failed, abandoning job", "error", err)
		return
	}
	logger.Info("job claimed")

	start := time.Now()
	l.setCurrent(job.ID)
	defer l.setCurrent("")

	if l.opts.broker != nil {
		l.opts.broker.Open(job.ID)
		defer l.opts.broker.Close(job.ID)
	}

	result, err := l.evaluate(ctx, job)
	if err != nil {
		jobErr := toJobError(err)
		if ferr := job.Fail(jobErr); ferr != nil {
			logger.Error("failed to mark job failed", "error", ferr)
			return
		}
		logger.Warn("job failed", "kind", jobErr.Kind, "error", err)
	} else {
		if cerr := job.Complete(result); cerr != nil {
			logger.Error("failed to mark job complete", "error", cerr)
			return
		}
		logger.Info("job complete", "duration", time.Since(start))
	}

	l.report(ctx, job, logger)

	jobsTotal.WithLabelValues(string(job.Status)).Inc()
	jobDuration.Observe(time.Since(start).Seconds())
	if job.Status == model.StatusComplete {
		l.completed.Add(1)
	} else {
		l.failed.Add(1)
	}

	done := *job
	l.mu.Lock()
	l.lastJob = &done
	l.mu.Unlock()

	if l.opts.onJobDone != nil {
		l.opts.onJobDone(done)
	}
}

// evaluate runs the validation gates around the executor.
func (l *JobLoop) evaluate(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	l.setPhase(PhaseValidatingInput)
	if err := l.input.Validate(job.Parameters); err != nil {
		return nil, &ValidationError{JobID: job.ID, Stage: StageInput, Violations: violations(err)}
	}

	l.setPhase(PhaseExecuting)
	out, err := l.execute(ctx, job)
	if err != nil {
		return nil, err
	}

	l.setPhase(PhaseValidatingOutput)
	if err := l.output.Validate(out); err != nil {
		return nil, &ValidationError{JobID: job.ID, Stage: StageOutput, Violations: violations(err)}
	}
	return out, nil
}

// execute runs the executor, turning errors and panics into EngineError.
func (l *JobLoop) execute(ctx context.Context, job *model.Job) (out json.RawMessage, err error) {
	if l.opts.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.jobTimeout)
		defer cancel()
	}
	ctx = executor.WithJobID(ctx, job.ID)
	ctx = executor.WithLogSink(ctx, l.logSink(ctx, job.ID))

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("executor panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			out, err = nil, &EngineError{JobID: job.ID, Panic: true, Err: fmt.Errorf("%v", r)}
		}
	}()

	out, err = l.exec.Run(ctx, job.Parameters)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && l.opts.jobTimeout > 0 {
			err = fmt.Errorf("timed out after %s: %w", l.opts.jobTimeout, err)
		}
		return nil, &EngineError{JobID: job.ID, Err: err}
	}
	return out, nil
}

// logSink persists and publishes executor log lines for one job.
func (l *JobLoop) logSink(ctx context.Context, jobID string) executor.LogSink {
	var seq atomic.Int32
	recordCtx := context.WithoutCancel(ctx)
	return func(line string) {
		n := int(seq.Add(1) - 1)
		l.logger.Debug("executor output", "job_id", jobID, "seq", n, "line", line)
		if l.opts.recorder != nil {
			if err := l.opts.recorder.InsertLogLine(recordCtx, jobID, n, line); err != nil {
				l.logger.Error("failed to persist log line", "job_id", jobID, "seq", n, "error", err)
			}
		}
		if l.opts.broker != nil {
			l.opts.broker.Publish(jobID, line)
		}
	}
}

// report submits a terminal job, then records and archives it locally.
func (l *JobLoop) report(ctx context.Context, job *model.Job, logger *slog.Logger) {
	l.setPhase(PhaseReporting)

	submitErr := l.binding.SubmitResult(ctx, job)
	if submitErr != nil {
		submissionsTotal.WithLabelValues(resultError).Inc()
		l.submitFailures.Add(1)
		logger.Error("submit result failed", "status", job.Status, "error", submitErr)
	} else {
		submissionsTotal.WithLabelValues(resultOK).Inc()
		logger.Info("result submitted", "status", job.Status)
	}

	localCtx := context.WithoutCancel(ctx)
	if l.opts.recorder != nil {
		if err := l.opts.recorder.RecordJob(localCtx, job, submitErr); err != nil {
			logger.Error("failed to record job", "error", err)
		} else if submitErr != nil && isPermanent(submitErr) {
			l.abandon(localCtx, job.ID, submitErr)
		}
	}
	if l.opts.archiver != nil {
		if err := l.opts.archiver.Archive(localCtx, job); err != nil {
			logger.Warn("failed to archive job", "error", err)
		}
	}
}

// retrySubmissions resends stored results that never reached the server.
// A result the server rejects outright is dropped from the outbox. Any other
// failure ends the batch since the server is likely still unreachable.
func (l *JobLoop) retrySubmissions(ctx context.Context) {
	if l.opts.recorder == nil {
		return
	}

	jobs, err := l.opts.recorder.PendingSubmissions(ctx, l.opts.retryBatch)
	if err != nil {
		l.logger.Error("failed to load pending submissions", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	l.setPhase(PhaseReporting)
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		submitErr := l.binding.SubmitResult(ctx, job)
		if err := l.opts.recorder.RecordSubmission(context.WithoutCancel(ctx), job.ID, submitErr); err != nil {
			l.logger.Error("failed to record submission", "job_id", job.ID, "error", err)
		}
		if submitErr != nil {
			submissionsTotal.WithLabelValues(resultError).Inc()
			if isPermanent(submitErr) {
				l.abandon(context.WithoutCancel(ctx), job.ID, submitErr)
				continue
			}
			l.logger.Warn("retried submission failed", "job_id", job.ID, "error", submitErr)
			return
		}
		submissionsTotal.WithLabelValues(resultOK).Inc()
		l.logger.Info("retried submission succeeded", "job_id", job.ID, "status", job.Status)
	}
}

func (l *JobLoop) abandon(ctx context.Context, jobID string, reason error) {
	l.logger.Error("server rejected result, dropping it from the outbox", "job_id", jobID, "error", reason)
	if err := l.opts.recorder.AbandonSubmission(ctx, jobID, reason); err != nil {
		l.logger.Error("failed to abandon submission", "job_id", jobID, "error", err)
	}
}

func (l *JobLoop) setCurrent(id string) {
	l.mu.Lock()
	l.current = id
	l.mu.Unlock()
}

func violations(err error) schema.Violations {
	var vs schema.Violations
	if errors.As(err, &vs) {
		return vs
	}
	return schema.Violations{{Path: "/", Keyword: "schema", Message: err.Error()}}
}

func toJobError(err error) model.JobError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.JobError()
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.JobError()
	}
	return model.JobError{Kind: model.ErrorKindEngine, Message: err.Error()}
}
