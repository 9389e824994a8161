package worker

import (
	"log/slog"
	"time"

	"github.com/seantiz/topchef/internal/model"
)

// Defaults applied by Open.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPollInterval      = 5 * time.Second
	DefaultStopGracePeriod   = 10 * time.Second
	DefaultRetryBatch        = 10
)

type options struct {
	logger            *slog.Logger
	instanceID        string
	heartbeatInterval time.Duration
	pollInterval      time.Duration
	jobTimeout        time.Duration
	stopGrace         time.Duration
	retryBatch        int
	recorder          Recorder
	archiver          Archiver
	broker            *LogBroker
	onJobDone         func(model.Job)
}

// Option configures a Supervisor.
type Option func(*options)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithInstanceID sets the id this worker reports in its status.
func WithInstanceID(id string) Option {
	return func(o *options) { o.instanceID = id }
}

// WithHeartbeatInterval sets the pause between heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithPollInterval sets the pause after an empty or failed poll.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithJobTimeout bounds each executor run. Zero means no bound.
func WithJobTimeout(d time.Duration) Option {
	return func(o *options) { o.jobTimeout = d }
}

// WithStopGracePeriod sets how long Stop waits for the loops to exit.
func WithStopGracePeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.stopGrace = d
		}
	}
}

// WithRecorder keeps job history and retries failed submissions from it.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithRetryBatch sets how many stored submissions are retried per iteration.
func WithRetryBatch(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.retryBatch = n
		}
	}
}

// WithArchiver stores a copy of every finished job.
func WithArchiver(a Archiver) Option {
	return func(o *options) { o.archiver = a }
}

// WithLogBroker publishes executor log lines to live subscribers.
func WithLogBroker(b *LogBroker) Option {
	return func(o *options) { o.broker = b }
}

// WithJobObserver registers a callback invoked with every job that reaches a
// terminal status, after it has been reported.
func WithJobObserver(fn func(model.Job)) Option {
	return func(o *options) { o.onJobDone = fn }
}

func defaultOptions() options {
	return options{
		logger:            slog.New(slog.DiscardHandler),
		instanceID:        model.NewID(),
		heartbeatInterval: DefaultHeartbeatInterval,
		pollInterval:      DefaultPollInterval,
		stopGrace:         DefaultStopGracePeriod,
		retryBatch:        DefaultRetryBatch,
	}
}
