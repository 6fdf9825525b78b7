package notifier

import (
	"context"
	"math/rand"
	"time"

	"termsync/internal/storage"
	logx "termsync/pkg/logx"
)

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	channel := j.sender.Name()
	log := s.log.With(logx.String("channel", channel))
	attempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := j.sender.Send(callCtx, j.n)
		cancel()
		if err == nil {
			log.Debug("notification sent", logx.Int("attempt", attempt))
			s.appendHistory(HistoryItem{At: s.now(), Channel: channel, Title: j.n.Title, Text: j.n.Text})
			s.publish(EventSent, channel, j.key, "")
			return
		}
		lastErr = err
		if IsPermanent(err) || attempt >= attempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		log.Debug("notification send failed; retrying", logx.Err(err), logx.Int("attempt", attempt), logx.Duration("delay", delay))
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	log.Warn("notification not delivered", logx.Err(lastErr))
	s.appendHistory(HistoryItem{At: s.now(), Channel: channel, Title: j.n.Title, Text: j.n.Text, Error: lastErr.Error()})
	s.publish(EventFailed, channel, j.key, lastErr.Error())
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, time.Second)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("persist dedup entry failed", logx.Err(err))
			}
			cancel()
		}
	}
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1) with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	j := 0.7 + rand.Float64()*0.6
	return min(time.Duration(float64(d)*j), cfg.RetryMaxDelay)
}
