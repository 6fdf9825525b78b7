package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("storage disabled")
	ErrLeaseLost = errors.New("lease not held")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-local maps
//
// "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Lease is the persisted single-run lock record.
type Lease struct {
	Name       string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease is free to steal at now.
func (l Lease) Expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

// Run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunSkipped   = "skipped"
)

// RunRecord is one job run as stored in history.
type RunRecord struct {
	ID         string
	Job        string
	Trigger    string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
	Steps      []StepRecord
}

type StepRecord struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration int64  `json:"duration_ms"`
}

// SyncedEvent records a calendar event created by the sync engine.
type SyncedEvent struct {
	Key        string
	EventID    string
	CalendarID string
	Summary    string
	Start      time.Time
	End        time.Time
	CreatedAt  time.Time
}
