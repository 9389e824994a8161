package worker

import (
	"context"
	"time"
)

// heartbeatLoop sends a heartbeat, then sleeps the heartbeat interval, until
// the run state is stopped. Failures are logged and retried next interval.
func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	for s.state.Running() && ctx.Err() == nil {
		s.beat(ctx)
		if !s.state.sleep(ctx, s.opts.heartbeatInterval) {
			return
		}
	}
}

func (s *Supervisor) beat(ctx context.Context) {
	err := s.binding.Heartbeat(ctx)

	s.hbMu.Lock()
	s.lastHBError = err
	if err != nil {
		s.hbFailures++
	} else {
		s.lastHeartbeat = time.Now().UTC()
	}
	s.hbMu.Unlock()

	if err != nil {
		heartbeatsTotal.WithLabelValues(resultError).Inc()
		s.logger.Warn("heartbeat failed", "error", err)
		return
	}
	heartbeatsTotal.WithLabelValues(resultOK).Inc()
	s.logger.Debug("heartbeat sent")
}
