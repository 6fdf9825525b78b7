package scheduler

import (
	"time"

	"termsync/internal/task/engine"
)

type engineSnapshotter interface {
	Snapshot() engine.Snapshot
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	eng := s.engine
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	out := Snapshot{Enabled: enabled, Timezone: tz, Schedules: make([]ScheduleInfo, 0, len(defs))}
	for _, d := range defs {
		it := ScheduleInfo{ID: d.id, Name: d.name, Spec: d.spec, Timeout: d.timeout, Running: d.state.Running()}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		out.Schedules = append(out.Schedules, it)
	}

	if es, ok := eng.(engineSnapshotter); ok {
		snap := es.Snapshot()
		out.QueueLen = snap.QueueLen
		out.QueueCap = snap.QueueCap
		out.InFlight = snap.InFlight
		out.Dropped = snap.Dropped
		out.History = snap.History
	}
	return out
}
