// Package scheduler turns schedules into job triggers.
//
// The scheduler never runs jobs itself. On every cron or interval tick, and
// on every manual Dispatch, it enqueues one task into the task engine. The
// task's context carries the Trigger that caused it.
package scheduler
