package notifier

import (
	"context"
	"errors"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Priorities follow the Pushover scale.
const (
	PriorityLow    = -1
	PriorityNormal = 0
	PriorityHigh   = 1
)

// Notification is one owner-facing message.
type Notification struct {
	Title    string
	Text     string
	Priority int
	URL      string
}

// Sender delivers a notification over one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Permanent marks a send error that retrying cannot fix (bad credentials,
// rejected payload).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

type HistoryItem struct {
	At      time.Time
	Channel string
	Title   string
	Text    string
	Error   string `json:",omitempty"`
}

// Event types published on the bus.
const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
)

// NotificationEvent is the Data of notifier bus events.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
