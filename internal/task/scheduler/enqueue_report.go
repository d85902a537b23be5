package scheduler

import (
	"errors"
	"time"

	"shiftbell/internal/task/engine"
	logx "shiftbell/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs trigger failures, at most once per throttle window
// per schedule. Overlap skips are expected when a tick runs long.
func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	throttled := !last.IsZero() && now.Sub(last) < enqueueWarnThrottle
	if !throttled {
		s.lastEnqWarn[name] = now
	}
	s.enqMu.Unlock()

	if !throttled {
		s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
	}
}
