package executor

import (
	"context"
	"encoding/json"
)

// Executor runs one job. Parameters have already passed input validation;
// the returned payload is validated by the caller before it is reported.
type Executor interface {
	Run(ctx context.Context, parameters json.RawMessage) (json.RawMessage, error)
}

// Func adapts an ordinary function to the Executor interface.
type Func func(ctx context.Context, parameters json.RawMessage) (json.RawMessage, error)

// Run calls f(ctx, parameters).
func (f Func) Run(ctx context.Context, parameters json.RawMessage) (json.RawMessage, error) {
	return f(ctx, parameters)
}

// Echo returns an executor whose result is its parameters.
func Echo() Executor {
	return Func(func(_ context.Context, parameters json.RawMessage) (json.RawMessage, error) {
		return append(json.RawMessage(nil), parameters...), nil
	})
}
