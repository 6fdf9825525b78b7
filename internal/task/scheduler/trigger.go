package scheduler

import (
	"context"
	"time"
)

// Trigger kinds.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Trigger describes what started a run. It carries no payload.
type Trigger struct {
	Kind        string
	Schedule    string
	Source      string // manual: "cli", "signal", "http", ...
	ScheduledAt time.Time
	FiredAt     time.Time
}

type triggerKey struct{}

func WithTrigger(ctx context.Context, t Trigger) context.Context {
	return context.WithValue(ctx, triggerKey{}, t)
}

// TriggerFromContext returns the trigger stored by the scheduler, if any.
func TriggerFromContext(ctx context.Context) (Trigger, bool) {
	t, ok := ctx.Value(triggerKey{}).(Trigger)
	return t, ok
}
