package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in maps guarded by one mutex.
type memoryStore struct {
	mu     sync.Mutex
	leases map[string]Lease
	runs   map[string]RunRecord
	events map[string]SyncedEvent
	dedup  map[string]time.Time
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{
		leases: map[string]Lease{},
		runs:   map[string]RunRecord{},
		events: map[string]SyncedEvent{},
		dedup:  map[string]time.Time{},
	}
}

func (m *memoryStore) AcquireLease(_ context.Context, name, holder string, now time.Time, ttl time.Duration) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[name]
	switch {
	case !ok || cur.Expired(now):
		cur = Lease{Name: name, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	case cur.Holder == holder:
		cur.ExpiresAt = now.Add(ttl)
	default:
		return cur, false, nil
	}
	m.leases[name] = cur
	return cur, true, nil
}

func (m *memoryStore) RenewLease(_ context.Context, name, holder string, now time.Time, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[name]
	if !ok || cur.Holder != holder {
		return Lease{}, ErrLeaseLost
	}
	cur.ExpiresAt = now.Add(ttl)
	m.leases[name] = cur
	return cur, nil
}

func (m *memoryStore) ReleaseLease(_ context.Context, name, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[name]
	if !ok || cur.Holder != holder {
		return ErrLeaseLost
	}
	delete(m.leases, name)
	return nil
}

func (m *memoryStore) ForceReleaseLease(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.leases[name]
	delete(m.leases, name)
	return ok, nil
}

func (m *memoryStore) GetLease(_ context.Context, name string) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[name]
	return l, ok, nil
}

func (m *memoryStore) SaveRun(_ context.Context, r RunRecord) error {
	if r.ID == "" {
		return errors.New("run id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Steps = append([]StepRecord(nil), r.Steps...)
	m.runs[r.ID] = r
	return nil
}

func (m *memoryStore) ListRuns(_ context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	out := make([]RunRecord, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) GetSyncedEvent(_ context.Context, key string) (SyncedEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[key]
	return e, ok, nil
}

func (m *memoryStore) PutSyncedEvent(_ context.Context, e SyncedEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.events[e.Key] = e
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.dedup[key]
	return until, ok, nil
}

func (m *memoryStore) Close() error { return nil }
