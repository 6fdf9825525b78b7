package scheduler

import (
	"errors"
	"time"

	"termsync/internal/task/engine"
	logx "termsync/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// A tick landing on an active run is normal operation.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Info("trigger skipped: previous run still active", logx.String("schedule", name))
		return
	}

	now := s.now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to enqueue run", logx.String("schedule", name), logx.Err(err))
}
