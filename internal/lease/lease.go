// Package lease implements the single-run lock: an expiring record in the
// shared store that at most one holder owns at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"

	"termsync/internal/storage"
	logx "termsync/pkg/logx"
)

var (
	// ErrHeld means another holder owns an unexpired lease.
	ErrHeld = errors.New("lease held by another run")
	// ErrLost means the lease expired or was taken while we held it.
	ErrLost = storage.ErrLeaseLost
)

const (
	DefaultTTL   = 2 * time.Minute
	pollInterval = 2 * time.Second
)

// HeldError carries the current holder of a contended lease.
type HeldError struct {
	Lease storage.Lease
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lease %q held by %s until %s", e.Lease.Name, e.Lease.Holder, e.Lease.ExpiresAt.Format(time.RFC3339))
}

func (e *HeldError) Is(target error) bool { return target == ErrHeld }

// Manager acquires leases for one process identity.
type Manager struct {
	store  storage.Store
	holder string
	log    logx.Logger
	now    func() time.Time
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

// WithHolder overrides the generated holder id.
func WithHolder(id string) Option { return func(m *Manager) { m.holder = id } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(store storage.Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("lease: store is required")
	}
	m := &Manager{store: store, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	if m.holder == "" {
		id, err := HolderID()
		if err != nil {
			return nil, err
		}
		m.holder = id
	}
	return m, nil
}

// HolderID returns "hostname:pid:uuid".
func HolderID() (string, error) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	u, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("lease holder id: %w", err)
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), u), nil
}

func (m *Manager) Holder() string { return m.holder }

// Acquire takes the lease or returns a *HeldError (errors.Is ErrHeld).
// The returned Held renews itself every ttl/3 until Release.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Held, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cur, ok, err := m.store.AcquireLease(ctx, name, m.holder, m.now(), ttl)
	if err != nil {
		return nil, fmt.Errorf("lease acquire %q: %w", name, err)
	}
	if !ok {
		return nil, &HeldError{Lease: cur}
	}
	m.log.Debug("lease acquired", logx.String("lease", name), logx.Time("expires_at", cur.ExpiresAt))
	return m.hold(name, ttl), nil
}

// AcquireWait polls until the lease is free, wait elapses or ctx is done.
func (m *Manager) AcquireWait(ctx context.Context, name string, ttl, wait time.Duration) (*Held, error) {
	deadline := m.now().Add(wait)
	for {
		h, err := m.Acquire(ctx, name, ttl)
		if err == nil || !errors.Is(err, ErrHeld) {
			return h, err
		}
		if !m.now().Before(deadline) {
			return nil, err
		}
		t := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// ForceRelease removes the lease whoever holds it. Operators use it after a crash.
func (m *Manager) ForceRelease(ctx context.Context, name string) (bool, error) {
	return m.store.ForceReleaseLease(ctx, name)
}

func (m *Manager) Current(ctx context.Context, name string) (storage.Lease, bool, error) {
	return m.store.GetLease(ctx, name)
}

func (m *Manager) hold(name string, ttl time.Duration) *Held {
	h := &Held{
		m:    m,
		name: name,
		ttl:  ttl,
		stop: make(chan struct{}),
		done: make(chan struct{}),
		lost: make(chan struct{}),
	}
	go h.renewLoop()
	return h
}

// Held is an acquired lease.
type Held struct {
	m    *Manager
	name string
	ttl  time.Duration

	stop     chan struct{}
	done     chan struct{}
	lost     chan struct{}
	lostOnce sync.Once
	once     sync.Once
}

func (h *Held) Name() string { return h.name }

// Lost is closed when a renewal finds the lease gone.
func (h *Held) Lost() <-chan struct{} { return h.lost }

func (h *Held) renewLoop() {
	defer close(h.done)
	every := h.ttl / 3
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		_, err := h.m.store.RenewLease(ctx, h.name, h.m.holder, h.m.now(), h.ttl)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrLeaseLost):
			h.m.log.Warn("lease lost", logx.String("lease", h.name))
			h.lostOnce.Do(func() { close(h.lost) })
			return
		default:
			// Transient store errors are retried on the next tick; the lease
			// survives as long as one renewal lands within ttl.
			h.m.log.Warn("lease renew failed", logx.String("lease", h.name), logx.Err(err))
		}
	}
}

// Release stops renewal and deletes the lease. Safe to call more than once.
func (h *Held) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		close(h.stop)
		<-h.done
		err = h.m.store.ReleaseLease(ctx, h.name, h.m.holder)
		if err == nil {
			h.m.log.Debug("lease released", logx.String("lease", h.name))
		}
	})
	return err
}
