package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"termsync/internal/task/engine"
	logx "termsync/pkg/logx"
)

// ErrUnknownSchedule is returned by Dispatch for a name that was never added.
var ErrUnknownSchedule = errors.New("unknown schedule")

// AddSchedule parses schedule (see ParseSchedule) and registers the job.
// Scheduled runs skip while a previous run is queued or executing.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddScheduleOpt(name, schedule, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCronOpt(name, ps.Cron, timeout, opt, job)
	case SpecInterval:
		return s.AddIntervalOpt(name, ps.Every, timeout, opt, job)
	default:
		return "", fmt.Errorf("unsupported schedule kind")
	}
}

func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("invalid cron %q: %w", spec, err)
	}
	return s.upsert(name, "cron", spec, timeout, opt, job)
}

func (s *Service) AddIntervalOpt(name string, every time.Duration, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("interval must be > 0")
	}
	return s.upsert(name, "interval", "@every "+every.String(), timeout, opt, job)
}

// upsert replaces any schedule with the same name so hot reloads never duplicate triggers.
// The RunState survives replacement: a reload cannot start a second overlapping run.
func (s *Service) upsert(name, kind, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := &engine.RunState{}
	for _, d := range s.defs {
		if d.name == name && d.state != nil {
			state = d.state
		}
	}
	_ = s.removeScheduleLocked(name)

	d := scheduleDef{
		id:      fmt.Sprintf("%s:%d", kind, s.now().UnixNano()),
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		opt:     opt,
		state:   state,
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Registered with cron on Start.
		return name, nil
	}
	err := s.addCronLocked(&s.defs[len(s.defs)-1])
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return name, err
	}
	fields := []logx.Field{logx.String("name", name), logx.String("id", d.id), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 4); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return name, nil
}

// Remove unschedules name. It reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Dispatch enqueues one manual run of a registered schedule, outside its cadence.
// It shares the schedule's overlap gate, so a dispatch while a run is active is
// skipped with engine.ErrOverlapSkip.
func (s *Service) Dispatch(name, source string) error {
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	if s.engine == nil {
		return engine.ErrDisabled
	}
	now := s.now()
	trig := Trigger{Kind: TriggerManual, Schedule: def.spec, Source: source, ScheduledAt: now, FiredAt: now}
	err := s.engine.Enqueue(s.taskFor(*def, trig))
	if err != nil {
		s.reportEnqueueError(name, err)
	}
	return err
}

func (s *Service) taskFor(d scheduleDef, trig Trigger) engine.Task {
	job := d.job
	return engine.Task{
		Name:    d.name,
		Timeout: d.timeout,
		Run: func(ctx context.Context) error {
			return job(WithTrigger(ctx, trig))
		},
		Opt:   d.opt,
		State: d.state,
	}
}

// removeScheduleLocked drops every def named name and its cron entry.
func (s *Service) removeScheduleLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name != name {
			s.defs[n] = d
			n++
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		removed = true
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	fire := func(scheduledAt time.Time) {
		if s.engine == nil {
			return
		}
		trig := Trigger{Kind: TriggerSchedule, Schedule: def.spec, ScheduledAt: scheduledAt, FiredAt: s.now()}
		if err := s.engine.Enqueue(s.taskFor(def, trig)); err != nil {
			s.reportEnqueueError(def.name, err)
		}
	}
	job := cron.FuncJob(func() { fire(s.now().Truncate(time.Second)) })

	// Interval schedules get a startup spread; cron schedules keep their wall clock alignment.
	spec := strings.TrimSpace(d.spec)
	if everyStr, ok := strings.CutPrefix(spec, "@every"); ok {
		if every, err := time.ParseDuration(strings.TrimSpace(everyStr)); err == nil && every > 0 {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			sched, jitter := makeIntervalScheduleWithSpread(every, s.now().In(loc), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

// previewNextRunsLocked renders the next n fire times for debug logging.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if n <= 0 || !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := s.now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
