package executor

import "context"

// LogSink receives log lines emitted while a job runs.
type LogSink func(line string)

type logSinkKey struct{}

// WithLogSink returns a context carrying sink.
func WithLogSink(ctx context.Context, sink LogSink) context.Context {
	return context.WithValue(ctx, logSinkKey{}, sink)
}

// LogSinkFrom returns the sink carried by ctx, or one that drops every line.
func LogSinkFrom(ctx context.Context) LogSink {
	if sink, ok := ctx.Value(logSinkKey{}).(LogSink); ok && sink != nil {
		return sink
	}
	return func(string) {}
}

type jobIDKey struct{}

// WithJobID returns a context carrying the id of the job being run.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// JobIDFrom returns the job id carried by ctx, if any.
func JobIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}
