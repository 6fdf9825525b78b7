// Package storage persists the state that must survive a process:
//
//   - the single-run lease (cross-process mutual exclusion)
//   - run history
//   - calendar events created by the sync engine
//   - notifier dedup state
//
// The sqlite driver (modernc.org/sqlite, no cgo) is the default. The memory
// driver is process-local and meant for tests and dry runs.
package storage
