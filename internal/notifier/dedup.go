package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"
)

func dedupKey(channel string, n Notification) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%s|%s", channel, n.Priority, n.Title, n.Text)
	return fmt.Sprintf("notify:%x", h.Sum64())
}

// dedupAllow reports whether key may be sent now and, if so, opens a new
// suppression window for it.
func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, maxEntries int, persist bool, pch chan<- dedupWrite) bool {
	now := s.now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// Cross-restart check; a slow store must not delay the caller.
	if persist {
		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var oldest string
		var oldestAt time.Time
		for k, u := range s.dedup {
			if oldest == "" || u.Before(oldestAt) {
				oldest, oldestAt = k, u
			}
		}
		delete(s.dedup, oldest)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}
