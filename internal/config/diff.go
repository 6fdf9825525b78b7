package config

import (
	"reflect"
	"strings"

	logx "termsync/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Tokens are reported only as "*_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.schedule", strings.TrimSpace(newCfg.Scheduler.Schedule)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		te := newCfg.TaskEngine
		if te == nil {
			te = &TaskEngineConfig{}
		}
		mark("task_engine",
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.Int("task_engine.retry_max", te.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Job, newCfg.Job) {
		mark("job",
			logx.String("job.name", newCfg.Job.Name),
			logx.String("job.kind", newCfg.Job.Kind),
			logx.String("job.overlap", newCfg.Job.Overlap),
			logx.Int("job.install_steps", len(newCfg.Job.Install)),
		)
	}

	// Refs can embed file paths; report counts only.
	if !reflect.DeepEqual(oldCfg.Secrets, newCfg.Secrets) {
		mark("secrets",
			logx.String("secrets.source", newCfg.Secrets.Source),
			logx.Int("secrets.refs", len(newCfg.Secrets.Refs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Synchron, newCfg.Synchron) {
		mark("synchron", logx.String("synchron.base_url", newCfg.Synchron.BaseURL))
	}
	if !reflect.DeepEqual(oldCfg.Google, newCfg.Google) {
		mark("google",
			logx.String("google.calendar_id", newCfg.Google.CalendarID),
			logx.String("google.timezone", newCfg.Google.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.Sync, newCfg.Sync) {
		mark("sync", logx.Bool("sync.dry_run", newCfg.Sync.DryRun))
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		mark("http", logx.String("http.timeout", newCfg.HTTP.Timeout))
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		enabled := newCfg.Notifier == nil || newCfg.Notifier.Enabled
		mark("notifier", logx.Bool("notifier.enabled", enabled))
	}
	if !reflect.DeepEqual(oldCfg.Pushover, newCfg.Pushover) {
		mark("pushover", logx.Bool("pushover.enabled", newCfg.Pushover.Enabled == nil || *newCfg.Pushover.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		mark("telegram",
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		driver, path := "", ""
		if newCfg.Storage != nil {
			driver, path = newCfg.Storage.Driver, newCfg.Storage.Path
		}
		mark("storage", logx.String("storage.driver", driver), logx.String("storage.path", path))
	}

	if !reflect.DeepEqual(oldCfg.Control, newCfg.Control) {
		mark("control",
			logx.Bool("control.enabled", newCfg.Control.Enabled),
			logx.String("control.addr", newCfg.Control.Addr),
			logx.Bool("control.token_set", strings.TrimSpace(newCfg.Control.Token) != ""),
		)
	}

	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a restart.
// Logging, scheduling, engine, job, notifier and control changes are applied live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "logging", "scheduler", "task_engine", "job", "notifier", "control":
		default:
			out = append(out, s)
		}
	}
	return out
}
