package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"termsync/internal/eventbus"
	logx "termsync/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt, ok := <-queue:
			if !ok {
				return
			}
			_ = s.execOne(ctx, stopCh, qt)
		}
	}
}

// execOne runs one task to completion and returns its final error.
// stopCh may be nil (inline execution through Do).
func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask) error {
	if qt.track && qt.state != nil {
		defer qt.state.release()
	}
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if stopCh != nil && cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		return fmt.Errorf("stale queue delay %s", queueDelay)
	}

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	log := s.log.With(logx.String("task", qt.task.Name), logx.String("id", qt.task.ID))
	log.Debug("task.started", logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.JobStarted, qt.task, start, queueDelay, 0, 0, "")

	rng := rand.New(rand.NewSource(start.UnixNano()))
	maxAttempts := 1 + max(qt.opt.RetryMax, 0)

	var (
		err      error
		attempts int
	)
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = s.runAttempt(ctx, qt, log)
		if err == nil || IsNoRetry(err) || IsSkipped(err) || attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopping
			break attemptLoop
		case <-tmr.C:
		}
	}
	var nr noRetryError
	if errors.As(err, &nr) {
		err = nr.err
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay, Outcome: OutcomeSucceeded}
	switch {
	case err == nil:
		log.Debug("task.completed", logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(eventbus.JobSucceeded, qt.task, start, queueDelay, dur, attempts, "")
	case IsSkipped(err):
		item.Outcome, item.Error = OutcomeSkipped, err.Error()
		log.Info("task.skipped", logx.Err(err))
		s.publish(eventbus.JobSkipped, qt.task, start, queueDelay, dur, attempts, item.Error)
	default:
		item.Outcome, item.Error = OutcomeFailed, err.Error()
		log.Warn("task.failed", logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(eventbus.JobFailed, qt.task, start, queueDelay, dur, attempts, item.Error)
	}
	s.record(item)
	return err
}

// runAttempt converts a panic into an error so one bad run cannot kill a worker.
func (s *Service) runAttempt(ctx context.Context, qt queuedTask, log logx.Logger) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = NoRetry(fmt.Errorf("panic: %v", r))
			log.Error("task.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return jitter(min(ra.RetryAfter(), opt.RetryMaxDelay), opt, rng)
	}
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return jitter(min(d, opt.RetryMaxDelay), opt, rng)
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if d <= 0 || opt.RetryJitter <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * opt.RetryJitter
	d = time.Duration(float64(d) * (1 + r))
	return min(max(d, 0), opt.RetryMaxDelay)
}
