package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"termsync/internal/config"
	"termsync/internal/control"
	"termsync/internal/gcal"
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
)

const defaultJobTimeout = 10 * time.Minute

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}
}

func scheduleSpec(cfg *Config) string {
	if s := strings.TrimSpace(cfg.Scheduler.Schedule); s != "" {
		return s
	}
	return config.DefaultSchedule
}

// mapTaskEngineConfig applies the job runner defaults: one worker and no
// retries, so runs are sequential and fail fast.
func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     true,
		Workers:     1,
		QueueSize:   16,
		HistorySize: 200,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !out.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.retry_max must be >= 0")
	}
	out.RetryMax = te.RetryMax

	var err error
	if out.DefaultTimeout, err = parseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = parseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapJobConfig(cfg *Config) (pipeline.Config, error) {
	j := cfg.Job
	timeout, err := parseDurationOrDefault("job.timeout", j.Timeout, defaultJobTimeout)
	if err != nil {
		return pipeline.Config{}, err
	}
	ttl, err := parseDurationOrDefault("job.lease.ttl", j.Lease.TTL, lease.DefaultTTL)
	if err != nil {
		return pipeline.Config{}, err
	}
	// A queued run waits at most one job timeout unless told otherwise.
	wait, err := parseDurationOrDefault("job.lease.wait", j.Lease.Wait, timeout)
	if err != nil {
		return pipeline.Config{}, err
	}

	out := pipeline.Config{
		Name:          j.Name,
		Kind:          j.Kind,
		Timeout:       timeout,
		Overlap:       j.Overlap,
		LeaseName:     j.Lease.Name,
		LeaseTTL:      ttl,
		LeaseWait:     wait,
		WorkspaceRoot: j.Workspace.Root,
		KeepWorkspace: j.Workspace.Keep,
		Script:        j.Script,
		Interpreter:   j.Interpreter,
		PassEnv:       j.PassEnv,
	}
	if j.Checkout != nil {
		c, err := mapCommand("job.checkout", *j.Checkout)
		if err != nil {
			return pipeline.Config{}, err
		}
		out.Checkout = &c
	}
	if j.Runtime != nil {
		c, err := mapCommand("job.runtime", *j.Runtime)
		if err != nil {
			return pipeline.Config{}, err
		}
		out.Runtime = &c
	}
	for i, ic := range j.Install {
		c, err := mapCommand(fmt.Sprintf("job.install[%d]", i), ic)
		if err != nil {
			return pipeline.Config{}, err
		}
		out.Install = append(out.Install, c)
	}
	return out, nil
}

func mapCommand(path string, c config.CommandConfig) (pipeline.Command, error) {
	timeout, err := parseDurationField(path+".timeout", c.Timeout)
	if err != nil {
		return pipeline.Command{}, err
	}
	return pipeline.Command{Name: c.Name, Args: c.Args, Dir: c.Dir, Timeout: timeout}, nil
}

func jobName(cfg *Config) string {
	if n := strings.TrimSpace(cfg.Job.Name); n != "" {
		return n
	}
	return "termsync"
}

func leaseName(cfg *Config) string {
	if n := strings.TrimSpace(cfg.Job.Lease.Name); n != "" {
		return n
	}
	return jobName(cfg)
}

func mapSecretsConfig(cfg *Config) secrets.SourceConfig {
	return secrets.SourceConfig{
		Source: cfg.Secrets.Source,
		File:   cfg.Secrets.File,
		Refs:   cfg.Secrets.Refs,
	}
}

func mapHTTPConfig(cfg *Config) (httpx.Config, error) {
	h := cfg.HTTP
	out := httpx.Config{UserAgent: h.UserAgent}
	if h.RetryMax != nil {
		out.RetryMax = *h.RetryMax
		if out.RetryMax == 0 {
			out.RetryMax = -1
		}
	}
	var err error
	if out.Timeout, err = parseDurationField("http.timeout", h.Timeout); err != nil {
		return httpx.Config{}, err
	}
	if out.RetryWaitMin, err = parseDurationField("http.retry_wait_min", h.RetryWaitMin); err != nil {
		return httpx.Config{}, err
	}
	if out.RetryWaitMax, err = parseDurationField("http.retry_wait_max", h.RetryWaitMax); err != nil {
		return httpx.Config{}, err
	}
	return out, nil
}

func mapSyncConfig(cfg *Config) (syncer.Config, error) {
	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return syncer.Config{}, err
	}
	window, err := parseDurationOrDefault("sync.match_window", cfg.Sync.MatchWindow, syncer.DefaultMatchWindow)
	if err != nil {
		return syncer.Config{}, err
	}

	portalHTTP := hc
	if t, err := parseDurationField("synchron.timeout", cfg.Synchron.Timeout); err != nil {
		return syncer.Config{}, err
	} else if t > 0 {
		portalHTTP.Timeout = t
	}
	limit := synchron.DefaultMaxAppointments
	if cfg.Synchron.MaxAppointments != nil {
		limit = *cfg.Synchron.MaxAppointments
	}

	tz := cfg.Google.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = gcal.DefaultTimezone
	}
	return syncer.Config{
		CalendarID:      cfg.Google.CalendarID,
		Timezone:        tz,
		DryRun:          cfg.Sync.DryRun,
		MatchWindow:     window,
		LookaheadEvents: cfg.Sync.LookaheadEvents,
		TrustLocalState: cfg.Sync.TrustLocalState,
		Synchron: synchron.Config{
			BaseURL:         cfg.Synchron.BaseURL,
			MaxAppointments: limit,
			HTTP:            portalHTTP,
		},
		TokenURL: cfg.Google.TokenURL,
		Endpoint: cfg.Google.Endpoint,
		HTTP:     hc,
	}, nil
}

// mapNotifierConfig enables the notifier with defaults when the section is omitted.
func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true}, nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
	var err error
	if out.RetryBase, err = parseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = parseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = parseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func notifySuccess(cfg *Config) bool {
	return cfg.Notifier == nil || cfg.Notifier.NotifySuccess == nil || *cfg.Notifier.NotifySuccess
}

func pushoverEnabled(cfg *Config) bool {
	return cfg.Pushover.Enabled == nil || *cfg.Pushover.Enabled
}

func notifySkipped(cfg *Config) bool {
	return cfg.Notifier != nil && cfg.Notifier.NotifySkipped
}

// mapStorageConfig defaults to a sqlite file next to the config file:
// the lease only excludes other processes when it is persisted.
func mapStorageConfig(cfg *Config, cfgPath string) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{
			Driver: "sqlite",
			Path:   filepath.Join(filepath.Dir(cfgPath), "data", "termsync.db"),
		}, true, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "none":
		return storage.Config{}, false, nil
	case "memory":
		return storage.Config{Driver: "memory"}, true, nil
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapControlConfig(cfg *Config) (control.Config, error) {
	c := cfg.Control
	out := control.Config{
		Enabled:       c.Enabled,
		Addr:          c.Addr,
		Token:         c.Token,
		AllowInsecure: c.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("control.read_timeout", c.ReadTimeout, 10*time.Second); err != nil {
		return control.Config{}, err
	}
	if out.WriteTimeout, err = parseDurationOrDefault("control.write_timeout", c.WriteTimeout, 10*time.Second); err != nil {
		return control.Config{}, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("control.idle_timeout", c.IdleTimeout, time.Minute); err != nil {
		return control.Config{}, err
	}
	return out, nil
}
