// Package notifier delivers run outcome messages to the owner.
//
// Notify never blocks on the network: each message is queued once per
// configured Sender (Pushover, Telegram) and delivered by a small worker
// pool behind a shared token bucket. Failed sends are retried with
// exponential backoff unless the sender marks the error permanent.
// Identical messages to the same channel are suppressed for DedupWindow;
// with PersistDedup the suppression survives restarts through storage.
//
// Delivery problems are logged and published on the event bus. They never
// change the outcome of the run being reported.
package notifier
