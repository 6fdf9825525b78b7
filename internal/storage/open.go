package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "termsync/pkg/logx"
)

// Store is the persistence API used by the lease manager, the job runner,
// the sync engine and the notifier.
type Store interface {
	// AcquireLease takes name for holder if it is free, expired or already
	// held by holder. It returns the lease as stored and whether holder owns it.
	AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (Lease, bool, error)
	// RenewLease extends a lease held by holder; ErrLeaseLost otherwise.
	RenewLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (Lease, error)
	// ReleaseLease drops a lease held by holder; ErrLeaseLost otherwise.
	ReleaseLease(ctx context.Context, name, holder string) error
	// ForceReleaseLease drops the lease whoever holds it.
	ForceReleaseLease(ctx context.Context, name string) (bool, error)
	GetLease(ctx context.Context, name string) (Lease, bool, error)

	SaveRun(ctx context.Context, r RunRecord) error
	// ListRuns returns the newest runs first.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	GetSyncedEvent(ctx context.Context, key string) (SyncedEvent, bool, error)
	PutSyncedEvent(ctx context.Context, e SyncedEvent) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
