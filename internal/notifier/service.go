package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"termsync/internal/eventbus"
	"termsync/internal/runtime/supervisor"
	"termsync/internal/storage"
	logx "termsync/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrNoSenders = errors.New("notifier has no senders")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historyMax = 300

type job struct {
	sender Sender
	n      Notification
	key    string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service is queue + worker pool + rate limit + retry + dedup.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	senders []Sender
	bus     eventbus.Bus
	store   storage.Store
	now     func() time.Time

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *supervisor.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time // key -> suppressed until

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds the service. bus and store may be nil.
func New(cfg Config, senders []Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		senders: senders,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		store:   store,
		now:     time.Now,
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && len(s.senders) > 0
}

// Senders lists the configured channel names.
func (s *Service) Senders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.senders))
	for _, sd := range s.senders {
		out = append(out, sd.Name())
	}
	return out
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 500
	}

	s.cfg = cfg
	// burst = rate so a failure plus a summary go out together.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled || len(s.senders) == 0 {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 64)
	}
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		// Delivery is best effort and must not take the app down.
		supervisor.WithCancelOnError(false),
	)
	sup, q, pch, st, workers := s.sup, s.queue, s.persistCh, s.store, s.cfg.Workers
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return s.exitErr(c, "persist loop")
		})
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart("worker", func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitErr(c, "worker")
		}, supervisor.WithPublishFirstError(true))
	}
	s.log.Debug("notifier started", logx.Int("workers", workers), logx.Strings("senders", s.Senders()))
}

// exitErr classifies a loop exit: clean during shutdown, an error otherwise
// so the supervisor restarts it.
func (s *Service) exitErr(c context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return errors.New("notifier " + what + " exited unexpectedly")
}

// Stop stops intake and drains queued messages until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight Notify calls finish before the queue closes.
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.persistCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("notifier stop deadline reached; dropping queued messages")
		sup.Cancel()
	}
}

// Notify queues n for every sender. Suppressed duplicates return nil.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if len(s.senders) == 0 {
		s.mu.Unlock()
		return ErrNoSenders
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	senders := s.senders
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	persist := s.cfg.PersistDedup && s.store != nil
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	var firstErr error
	for _, sd := range senders {
		key := dedupKey(sd.Name(), n)
		if window > 0 && !s.dedupAllow(ctx, key, window, maxEntries, persist, pch) {
			s.log.Debug("notification suppressed as duplicate", logx.String("channel", sd.Name()))
			s.publish(EventDeduped, sd.Name(), key, "")
			continue
		}
		select {
		case q <- job{sender: sd, n: n, key: key}:
			s.publish(EventQueued, sd.Name(), key, "")
		default:
			s.log.Warn("notifier queue full; dropping message", logx.String("channel", sd.Name()))
			s.publish(EventDropped, sd.Name(), key, ErrQueueFull.Error())
			if firstErr == nil {
				firstErr = ErrQueueFull
			}
		}
	}
	return firstErr
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ, channel, key, errStr string) {
	if s.bus == nil {
		return
	}
	now := s.now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: NotificationEvent{Channel: channel, Key: key, At: now, Error: errStr}})
}
