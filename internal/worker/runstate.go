package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// RunState is the RUNNING/STOPPED flag shared by the supervisor and its loops.
// Loops check it at iteration boundaries; sleeps between iterations end early
// when it flips to stopped.
type RunState struct {
	running atomic.Bool

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewRunState returns a stopped RunState.
func NewRunState() *RunState {
	ch := make(chan struct{})
	close(ch)
	return &RunState{stopCh: ch}
}

// Running reports whether the state is RUNNING.
func (r *RunState) Running() bool {
	return r.running.Load()
}

// start moves STOPPED to RUNNING. It returns false if already running.
func (r *RunState) start() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running.CompareAndSwap(false, true) {
		return false
	}
	r.stopCh = make(chan struct{})
	return true
}

// stop moves RUNNING to STOPPED and wakes sleeping loops. It returns false if
// already stopped.
func (r *RunState) stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running.CompareAndSwap(true, false) {
		return false
	}
	close(r.stopCh)
	return true
}

func (r *RunState) stopped() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopCh
}

// sleep waits for d. It returns false if the state was stopped or ctx was
// cancelled before d elapsed.
func (r *RunState) sleep(ctx context.Context, d time.Duration) bool {
	stopped := r.stopped()
	if !r.Running() {
		return false
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return r.Running()
	case <-stopped:
		return false
	case <-ctx.Done():
		return false
	}
}
