package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	JobKindSync = "sync"
	JobKindExec = "exec"

	OverlapSkip  = "skip"
	OverlapQueue = "queue"

	DefaultSchedule = "*/15 * * * *"
)

// Validate reports every static problem in cfg at once.
// Schedule syntax is checked by the scheduler itself when it is applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var errs *multierror.Error
	add := func(err error) {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := Duration(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Job.Kind)) {
	case "", JobKindSync:
	case JobKindExec:
		if strings.TrimSpace(cfg.Job.Script) == "" {
			add(fmt.Errorf("job.script: required when job.kind is %q", JobKindExec))
		}
	default:
		add(fmt.Errorf("job.kind: unknown value %q", cfg.Job.Kind))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Job.Overlap)) {
	case "", OverlapSkip, OverlapQueue:
	default:
		add(fmt.Errorf("job.overlap: unknown value %q", cfg.Job.Overlap))
	}

	dur("job.timeout", cfg.Job.Timeout)
	dur("job.lease.ttl", cfg.Job.Lease.TTL)
	dur("job.lease.wait", cfg.Job.Lease.Wait)
	if cfg.Job.Checkout != nil {
		add(validateCommand("job.checkout", *cfg.Job.Checkout))
	}
	if cfg.Job.Runtime != nil {
		add(validateCommand("job.runtime", *cfg.Job.Runtime))
	}
	for i, c := range cfg.Job.Install {
		add(validateCommand(fmt.Sprintf("job.install[%d]", i), c))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Secrets.Source)) {
	case "", "env":
	case "file":
		if strings.TrimSpace(cfg.Secrets.File) == "" {
			add(fmt.Errorf("secrets.file: required when secrets.source is \"file\""))
		}
	default:
		add(fmt.Errorf("secrets.source: unknown value %q", cfg.Secrets.Source))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Google.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("google.timezone: %w", err))
		}
	}
	if cfg.Synchron.MaxAppointments != nil && *cfg.Synchron.MaxAppointments < 0 {
		add(fmt.Errorf("synchron.max_appointments: must be >= 0"))
	}
	dur("synchron.timeout", cfg.Synchron.Timeout)
	dur("sync.match_window", cfg.Sync.MatchWindow)
	dur("http.timeout", cfg.HTTP.Timeout)
	dur("http.retry_wait_min", cfg.HTTP.RetryWaitMin)
	dur("http.retry_wait_max", cfg.HTTP.RetryWaitMax)

	if te := cfg.TaskEngine; te != nil {
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
		if te.RetryMax < 0 {
			add(fmt.Errorf("task_engine.retry_max: must be >= 0"))
		}
	}
	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}
	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			add(fmt.Errorf("telegram.token: required when telegram is enabled"))
		}
		if cfg.Telegram.ChatID == 0 {
			add(fmt.Errorf("telegram.chat_id: required when telegram is enabled"))
		}
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "sqlite", "memory", "none":
		default:
			add(fmt.Errorf("storage.driver: unknown value %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}
	dur("control.read_timeout", cfg.Control.ReadTimeout)
	dur("control.write_timeout", cfg.Control.WriteTimeout)
	dur("control.idle_timeout", cfg.Control.IdleTimeout)

	return errs.ErrorOrNil()
}

func validateCommand(path string, c CommandConfig) error {
	if len(c.Args) == 0 || strings.TrimSpace(c.Args[0]) == "" {
		return fmt.Errorf("%s.args: command is empty", path)
	}
	_, err := Duration(path+".timeout", c.Timeout)
	return err
}
