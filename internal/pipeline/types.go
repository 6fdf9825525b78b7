// Package pipeline runs one job: a fresh workspace, optional checkout,
// runtime and install commands, then the job itself. Steps run in order and
// the first failure ends the run.
package pipeline

import (
	"time"

	"termsync/internal/storage"
)

// Job kinds.
const (
	KindExec = "exec"
	KindSync = "sync"
)

// Overlap policies applied when the job lease is held elsewhere.
const (
	OverlapSkip  = "skip"
	OverlapQueue = "queue"
)

// Step names, in execution order.
const (
	StepWorkspace = "workspace"
	StepCheckout  = "checkout"
	StepRuntime   = "runtime"
	StepInstall   = "install"
	StepExecute   = "execute"
)

// Run statuses.
const (
	StatusPending   = storage.RunPending
	StatusRunning   = storage.RunRunning
	StatusSucceeded = storage.RunSucceeded
	StatusFailed    = storage.RunFailed
	StatusSkipped   = storage.RunSkipped
)

// DefaultPassEnv is the non-secret environment copied into child processes.
var DefaultPassEnv = []string{"PATH", "HOME", "LANG", "TZ", "TMPDIR"}

// Config is the job definition. The app layer maps config.job into it.
type Config struct {
	Name    string
	Kind    string
	Timeout time.Duration

	Overlap   string
	LeaseName string
	LeaseTTL  time.Duration
	LeaseWait time.Duration

	WorkspaceRoot string
	KeepWorkspace bool

	Checkout *Command
	Runtime  *Command
	Install  []Command

	Script      string
	Interpreter []string
	PassEnv     []string
}

// Command is one external command run inside the workspace.
type Command struct {
	Name    string
	Args    []string
	Dir     string // relative to the workspace
	Timeout time.Duration
}

func (c Command) label(fallback string) string {
	if c.Name != "" {
		return c.Name
	}
	return fallback
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name     string
	Status   string
	Error    string
	Duration time.Duration
}

// Run is one job execution.
//
// Status moves pending -> running -> succeeded|failed|skipped.
type Run struct {
	ID        string
	Job       string
	Trigger   string
	Workspace string
	Started   time.Time
	Finished  time.Time
	Status    string
	Steps     []StepResult
	Error     string
	// Summary is a one-line result of the execute step (sync counts).
	Summary string
}

// Record converts r into its storage form.
func (r Run) Record() storage.RunRecord {
	rec := storage.RunRecord{
		ID:         r.ID,
		Job:        r.Job,
		Trigger:    r.Trigger,
		Status:     r.Status,
		StartedAt:  r.Started,
		FinishedAt: r.Finished,
		Error:      r.Error,
	}
	for _, s := range r.Steps {
		rec.Steps = append(rec.Steps, storage.StepRecord{
			Name:     s.Name,
			Status:   s.Status,
			Error:    s.Error,
			Duration: s.Duration.Milliseconds(),
		})
	}
	return rec
}
