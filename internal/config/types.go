package config

// Config is the root document. It is decoded strictly: unknown keys fail the load.
//
// Secrets are deliberately absent: the seven job credentials come from the
// secrets section's source (environment, credentials file or references),
// never from this file.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls when the job is triggered (cron/interval).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of triggered runs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Job      JobConfig      `json:"job"`
	Secrets  SecretsConfig  `json:"secrets"`
	Synchron SynchronConfig `json:"synchron"`
	Google   GoogleConfig   `json:"google"`
	Sync     SyncConfig     `json:"sync"`
	HTTP     HTTPConfig     `json:"http"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Pushover PushoverConfig  `json:"pushover"`
	Telegram TelegramConfig  `json:"telegram"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Control ControlConfig  `json:"control,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the trigger service.
//
// Schedule accepts cron ("*/15 * * * *", "@every 15m"), Go durations ("15m")
// and HH:MM intervals ("00:15"). Default: "*/15 * * * *".
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	// Timezone is an IANA name used for cron evaluation. Empty means local time.
	Timezone string `json:"timezone,omitempty"`
	// RunOnStart enqueues one run right after the daemon starts.
	RunOnStart bool `json:"run_on_start,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings.
//
// Defaults:
//   - enabled: true
//   - workers: 1
//   - queue_size: 16
//   - default_timeout: "0s" (job.timeout applies per run)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0 (job runs fail fast)
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// JobConfig describes one job run: the ordered steps and how overlapping
// triggers are handled.
//
// Kind "sync" runs the built-in Synchron -> Google Calendar engine.
// Kind "exec" runs Script with only the seven secrets in its environment.
type JobConfig struct {
	Name    string `json:"name,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Timeout string `json:"timeout,omitempty"`

	// Overlap is "skip" (default) or "queue".
	Overlap string      `json:"overlap,omitempty"`
	Lease   LeaseConfig `json:"lease"`

	Workspace WorkspaceConfig `json:"workspace"`

	Checkout *CommandConfig  `json:"checkout,omitempty"`
	Runtime  *CommandConfig  `json:"runtime,omitempty"`
	Install  []CommandConfig `json:"install,omitempty"`

	// Script is executed with no arguments (optionally through Interpreter).
	// Relative paths resolve against the run workspace.
	Script      string   `json:"script,omitempty"`
	Interpreter []string `json:"interpreter,omitempty"`

	// PassEnv lists non-secret variables copied from the parent environment
	// into child processes. Default: PATH, HOME, LANG, TZ, TMPDIR.
	PassEnv []string `json:"pass_env,omitempty"`
}

type LeaseConfig struct {
	Name string `json:"name,omitempty"`
	// TTL is the lease expiry; the holder renews it every TTL/3.
	TTL string `json:"ttl,omitempty"`
	// Wait bounds how long overlap=queue waits for the lease.
	Wait string `json:"wait,omitempty"`
}

type WorkspaceConfig struct {
	// Root is the parent directory of per-run workspaces. Default: os.TempDir().
	Root string `json:"root,omitempty"`
	// Keep leaves the workspace on disk after the run (debugging only).
	Keep bool `json:"keep,omitempty"`
}

// CommandConfig is one external command run inside the workspace.
type CommandConfig struct {
	Name    string   `json:"name,omitempty"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

// SecretsConfig selects where the seven job credentials come from.
//
// Source values:
//   - "env" (default): process environment
//   - "file": TOML credentials file (File)
//
// Refs overrides single secrets with "env://NAME" or "file:///path" references.
type SecretsConfig struct {
	Source string            `json:"source,omitempty"`
	File   string            `json:"file,omitempty"`
	Refs   map[string]string `json:"refs,omitempty"`
}

type SynchronConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	// MaxAppointments caps how many appointment rows are read. nil means 5, 0 means unlimited.
	MaxAppointments *int   `json:"max_appointments,omitempty"`
	Timeout         string `json:"timeout,omitempty"`
}

type GoogleConfig struct {
	CalendarID string `json:"calendar_id,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	// TokenURL and Endpoint override Google's defaults (testing, proxies).
	TokenURL string `json:"token_url,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

type SyncConfig struct {
	DryRun bool `json:"dry_run,omitempty"`
	// MatchWindow widens the existing-event lookup around each appointment. Default "1m".
	MatchWindow     string `json:"match_window,omitempty"`
	LookaheadEvents int    `json:"lookahead_events,omitempty"`
	// TrustLocalState skips the Google lookup when the store already recorded the event.
	TrustLocalState bool `json:"trust_local_state,omitempty"`
}

// HTTPConfig tunes the shared outbound HTTP client.
type HTTPConfig struct {
	Timeout      string `json:"timeout,omitempty"`
	RetryMax     *int   `json:"retry_max,omitempty"`
	RetryWaitMin string `json:"retry_wait_min,omitempty"`
	RetryWaitMax string `json:"retry_wait_max,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings. If the section is omitted the
// notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	// NotifySuccess sends a normal-priority message after successful runs. Default true.
	NotifySuccess *bool `json:"notify_success,omitempty"`
	// NotifySkipped reports runs skipped because another run held the lease.
	NotifySkipped bool `json:"notify_skipped,omitempty"`
}

// PushoverConfig tunes the Pushover sender. Token and user key are the
// PUSHOVER_TOKEN and PUSHOVER_USER_KEY secrets. The sender is on unless
// enabled is explicitly false.
type PushoverConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	APIURL  string `json:"api_url,omitempty"`
	Title   string `json:"title,omitempty"`
	Device  string `json:"device,omitempty"`
	Sound   string `json:"sound,omitempty"`
}

// TelegramConfig enables the optional Telegram sender.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}

// StorageConfig controls persistence (leases, run history, synced events, dedup).
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/termsync.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ControlConfig controls the optional HTTP control server.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8717").
//   - A non-loopback address requires a token or allow_insecure.
type ControlConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
