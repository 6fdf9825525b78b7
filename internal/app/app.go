package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"termsync/internal/adapters/pushover"
	"termsync/internal/adapters/telegram"
	"termsync/internal/config"
	"termsync/internal/control"
	"termsync/internal/eventbus"
	"termsync/internal/httpx"
	"termsync/internal/lease"
	"termsync/internal/notifier"
	"termsync/internal/pipeline"
	"termsync/internal/secrets"
	"termsync/internal/storage"
	"termsync/internal/syncer"
	"termsync/internal/synchron"
	"termsync/internal/task/engine"
	"termsync/internal/task/scheduler"
	logx "termsync/pkg/logx"
	"termsync/pkg/systemd"
)

// ErrConfig wraps every failure caused by configuration or missing secrets.
// The CLI maps it to the usage exit code.
var ErrConfig = errors.New("configuration error")

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	store  storage.Store
	leases *lease.Manager

	engine  *engine.Service
	sched   *scheduler.Service
	control *control.Service

	// Built by prepare: they need the secrets.
	prepMu  sync.Mutex
	secrets secrets.Set
	syncer  *syncer.Syncer
	runner  *pipeline.Runner
	notif   *notifier.Service

	// Name the job is registered under with the scheduler.
	jobMu   sync.Mutex
	jobName string
}

func configErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfig, err)
}

// NewApp loads the config and opens logging and storage. Secrets and the job
// are loaded lazily so read-only commands (history, unlock) work without them.
func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, configErr(err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
	}

	sc, enabled, err := mapStorageConfig(cfg, cfgPath)
	if err != nil {
		logSvc.Close()
		return nil, configErr(err)
	}
	if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.store = st
		log.Debug("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

		a.leases, err = lease.NewManager(st, lease.WithLogger(log.With(logx.String("comp", "lease"))))
		if err != nil {
			a.Close()
			return nil, err
		}
	} else {
		log.Warn("storage disabled: no run history and no cross-process run lock")
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		a.Close()
		return nil, configErr(err)
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, log.With(logx.String("comp", "scheduler")), bus)

	ctlCfg, err := mapControlConfig(cfg)
	if err != nil {
		a.Close()
		return nil, configErr(err)
	}
	a.control = control.New(ctlCfg, a, log.With(logx.String("comp", "control")))
	return a, nil
}

// prepare loads the secrets and builds the job runner and the notifier.
func (a *App) prepare() error {
	a.prepMu.Lock()
	defer a.prepMu.Unlock()
	if a.runner != nil {
		return nil
	}
	cfg := a.cfgm.Get()

	src, err := secrets.NewSource(mapSecretsConfig(cfg))
	if err != nil {
		return configErr(err)
	}
	if fs, ok := src.(*secrets.FileSource); ok && fs.Insecure() {
		a.log.Warn("credentials file is readable by group or others", logx.String("path", cfg.Secrets.File))
	}
	set, err := secrets.Load(src)
	if err != nil {
		return configErr(err)
	}
	a.log.Debug("secrets loaded", logx.Strings("names", set.Present()))

	syncCfg, err := mapSyncConfig(cfg)
	if err != nil {
		return configErr(err)
	}
	var syncStore syncer.Store
	if a.store != nil {
		syncStore = a.store
	}
	sy, err := syncer.New(syncCfg, syncStore, a.log.With(logx.String("comp", "sync")))
	if err != nil {
		return configErr(err)
	}

	jobCfg, err := mapJobConfig(cfg)
	if err != nil {
		return configErr(err)
	}
	runner, err := pipeline.New(jobCfg, set, a.log.With(logx.String("comp", "job")),
		pipeline.WithStore(a.store),
		pipeline.WithLeases(a.leases),
		pipeline.WithBuiltin(sy),
		pipeline.OnFinish(a.onRunFinished),
	)
	if err != nil {
		return configErr(err)
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return configErr(err)
	}
	senders, err := buildSenders(cfg, set, a.log)
	if err != nil {
		return configErr(err)
	}
	a.notif = notifier.New(ncfg, senders, a.log.With(logx.String("comp", "notifier")), a.bus, a.store)

	a.secrets, a.syncer, a.runner = set, sy, runner
	return nil
}

func buildSenders(cfg *Config, set secrets.Set, log logx.Logger) ([]notifier.Sender, error) {
	var out []notifier.Sender
	if pushoverEnabled(cfg) {
		hc, err := mapHTTPConfig(cfg)
		if err != nil {
			return nil, err
		}
		// Notifier workers retry on their own; the HTTP layer must not multiply it.
		hc.RetryMax = -1
		po, err := pushover.New(pushover.Config{
			APIURL:  cfg.Pushover.APIURL,
			Token:   set.Get(secrets.PushoverToken),
			UserKey: set.Get(secrets.PushoverUserKey),
			Title:   cfg.Pushover.Title,
			Device:  cfg.Pushover.Device,
			Sound:   cfg.Pushover.Sound,
		}, httpx.New(hc, log.With(logx.String("comp", "pushover"))))
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	if cfg.Telegram.Enabled {
		tg, err := telegram.New(telegram.Config{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			ThreadID: cfg.Telegram.ThreadID,
			APIURL:   cfg.Telegram.APIURL,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		out = append(out, tg)
	}
	return out, nil
}

// onRunFinished turns a run outcome into an owner notification.
// Notification problems never change the run result.
func (a *App) onRunFinished(run pipeline.Run) {
	if a.notif == nil || !a.notif.Enabled() {
		return
	}
	cfg := a.cfgm.Get()
	n, ok := runNotification(run, notifySuccess(cfg), notifySkipped(cfg))
	if !ok {
		return
	}
	err := a.notif.Notify(context.Background(), n)
	switch {
	case err == nil:
	case errors.Is(err, notifier.ErrNoSenders), errors.Is(err, notifier.ErrDisabled):
		a.log.Debug("run notification not sent", logx.Err(err))
	default:
		a.log.Warn("run notification failed", logx.String("run", run.ID), logx.Err(err))
	}
}

// runNotification renders the message for a finished run, if one is due.
func runNotification(run pipeline.Run, onSuccess, onSkipped bool) (notifier.Notification, bool) {
	switch run.Status {
	case pipeline.StatusFailed:
		var b strings.Builder
		b.WriteString(run.Error)
		for _, s := range run.Steps {
			fmt.Fprintf(&b, "\n%s: %s (%s)", s.Name, s.Status, s.Duration.Round(time.Millisecond))
		}
		if run.Summary != "" {
			b.WriteString("\n" + run.Summary)
		}
		return notifier.Notification{
			Title:    run.Job + " failed",
			Text:     b.String(),
			Priority: notifier.PriorityHigh,
		}, true
	case pipeline.StatusSucceeded:
		if !onSuccess {
			return notifier.Notification{}, false
		}
		text := "run completed"
		if run.Summary != "" {
			text = run.Summary
		}
		return notifier.Notification{
			Title:    run.Job + " succeeded",
			Text:     text,
			Priority: notifier.PriorityNormal,
		}, true
	case pipeline.StatusSkipped:
		if !onSkipped {
			return notifier.Notification{}, false
		}
		return notifier.Notification{
			Title:    run.Job + " skipped",
			Text:     run.Error,
			Priority: notifier.PriorityLow,
		}, true
	}
	return notifier.Notification{}, false
}

// validateConfig is the single gate for startup and hot reloads.
func validateConfig(_ context.Context, cfg *Config) error {
	var errs *multierror.Error
	if err := config.Validate(cfg); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := scheduler.ValidateSchedule(scheduleSpec(cfg)); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("scheduler.schedule: %w", err))
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := mapControlConfig(cfg); err != nil {
		errs = multierror.Append(errs, err)
	}
	if cfg.Storage != nil {
		if _, _, err := mapStorageConfig(cfg, ""); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Start runs the daemon: scheduled and manually dispatched job runs until Stop.
func (a *App) Start(ctx context.Context) error {
	if err := a.prepare(); err != nil {
		return err
	}
	cfg := a.cfgm.Get()
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
		a.log.Debug("notifier started", logx.Strings("senders", a.notif.Senders()))
	}
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if err := a.registerJob(cfg); err != nil {
		return configErr(err)
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.control.Enabled() {
		a.control.Start(a.sup.Context())
	}
	if cfg.Scheduler.RunOnStart {
		if err := a.Dispatch("startup"); err != nil {
			a.log.Warn("startup run not queued", logx.Err(err))
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go0("signals.dispatch", a.watchDispatchSignal)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		_, _ = systemd.Status("waiting for triggers")
	}

	a.log.Info("app started",
		logx.String("job", a.currentJobName()),
		logx.String("kind", a.runner.Config().Kind),
		logx.String("schedule", scheduleSpec(cfg)),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("control", a.control.Enabled()),
	)
	return nil
}

// registerJob (re)binds the job to the configured schedule.
func (a *App) registerJob(cfg *Config) error {
	name := jobName(cfg)
	a.jobMu.Lock()
	prev := a.jobName
	a.jobName = name
	a.jobMu.Unlock()
	if prev != "" && prev != name {
		a.sched.Remove(prev)
	}
	_, err := a.sched.AddSchedule(name, scheduleSpec(cfg), 0, a.runner.Job)
	return err
}

func (a *App) currentJobName() string {
	a.jobMu.Lock()
	defer a.jobMu.Unlock()
	if a.jobName == "" {
		return jobName(a.cfgm.Get())
	}
	return a.jobName
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Dispatch enqueues one manual run outside the schedule.
func (a *App) Dispatch(source string) error {
	err := a.sched.Dispatch(a.currentJobName(), source)
	if err == nil {
		a.log.Info("manual run queued", logx.String("source", source))
	}
	return err
}

// Runs returns the newest runs first.
func (a *App) Runs(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.ListRuns(ctx, limit)
}

// Lease returns the current job lease record.
func (a *App) Lease(ctx context.Context) (storage.Lease, bool, error) {
	if a.leases == nil {
		return storage.Lease{}, false, storage.ErrDisabled
	}
	return a.leases.Current(ctx, leaseName(a.cfgm.Get()))
}

// Unlock force-releases the job lease after a crashed run.
func (a *App) Unlock(ctx context.Context) (bool, error) {
	if a.leases == nil {
		return false, storage.ErrDisabled
	}
	name := leaseName(a.cfgm.Get())
	ok, err := a.leases.ForceRelease(ctx, name)
	if err == nil && ok {
		a.log.Warn("lease force-released", logx.String("lease", name))
	}
	return ok, err
}

// RunOnce executes the job in the foreground and waits for its notifications.
func (a *App) RunOnce(ctx context.Context, source string) (pipeline.Run, error) {
	if err := a.prepare(); err != nil {
		return pipeline.Run{}, err
	}
	if a.notif.Enabled() {
		a.notif.Start(ctx)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			a.notif.Stop(stopCtx)
		}()
	}
	return a.runner.Run(ctx, scheduler.TriggerManual+":"+source)
}

// Appointments logs in to the portal and returns what it lists, without syncing.
func (a *App) Appointments(ctx context.Context) ([]synchron.Appointment, error) {
	if err := a.prepare(); err != nil {
		return nil, err
	}
	return a.syncer.Fetch(ctx, a.secrets)
}

// CheckReport summarizes a validated setup.
type CheckReport struct {
	ConfigPath string
	JobName    string
	JobKind    string
	Schedule   string
	Timezone   string
	NextRuns   []time.Time
	Storage    string
	Secrets    []string
	Senders    []string
}

// Check validates config and secrets and previews the schedule.
func (a *App) Check() (CheckReport, error) {
	if err := a.prepare(); err != nil {
		return CheckReport{}, err
	}
	cfg := a.cfgm.Get()
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	next, err := scheduler.NextRuns(scheduleSpec(cfg), loc, time.Now(), 3)
	if err != nil {
		return CheckReport{}, configErr(err)
	}
	storageDesc := "disabled"
	if sc, ok, _ := mapStorageConfig(cfg, a.cfgPath); ok {
		storageDesc = strings.TrimSpace(sc.Driver + " " + sc.Path)
	}
	return CheckReport{
		ConfigPath: a.cfgPath,
		JobName:    jobName(cfg),
		JobKind:    a.runner.Config().Kind,
		Schedule:   scheduleSpec(cfg),
		Timezone:   loc.String(),
		NextRuns:   next,
		Storage:    storageDesc,
		Secrets:    a.secrets.Present(),
		Senders:    a.notif.Senders(),
	}, nil
}

// Stop shuts the daemon down in dependency order.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	var errs *multierror.Error
	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Triggers first, then the running job, then the messages it produced.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("control", 2*time.Second, func(c context.Context) error { a.control.Stop(c); return nil })
	step("taskengine", 30*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 10*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	a.logs.Close()
	return errs.ErrorOrNil()
}

// Close releases storage and log sinks for short-lived commands.
func (a *App) Close() error {
	err := a.closeStore()
	if a.logs != nil {
		a.logs.Close()
	}
	return err
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	st := a.store
	a.store = nil
	return st.Close()
}
