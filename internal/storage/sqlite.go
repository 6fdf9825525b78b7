package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "termsync/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: statements are serialized in-process and sqlite's
	// write lock serializes them across processes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- leases ----

func (s *sqliteStore) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (Lease, bool, error) {
	if s == nil || s.db == nil {
		return Lease{}, false, ErrDisabled
	}
	nowMS := now.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leases(name, holder, acquired_at, expires_at) VALUES(?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET
		   acquired_at = CASE WHEN leases.holder = excluded.holder THEN leases.acquired_at ELSE excluded.acquired_at END,
		   holder = excluded.holder,
		   expires_at = excluded.expires_at
		 WHERE leases.expires_at <= ? OR leases.holder = excluded.holder`,
		name, holder, nowMS, now.Add(ttl).UnixMilli(), nowMS,
	)
	if err != nil {
		return Lease{}, false, err
	}
	l, ok, err := s.GetLease(ctx, name)
	if err != nil {
		return Lease{}, false, err
	}
	if !ok {
		return Lease{}, false, fmt.Errorf("lease %q vanished after acquire", name)
	}
	return l, l.Holder == holder, nil
}

func (s *sqliteStore) RenewLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (Lease, error) {
	if s == nil || s.db == nil {
		return Lease{}, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE name = ? AND holder = ?`,
		now.Add(ttl).UnixMilli(), name, holder,
	)
	if err != nil {
		return Lease{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Lease{}, ErrLeaseLost
	}
	l, _, err := s.GetLease(ctx, name)
	return l, err
}

func (s *sqliteStore) ReleaseLease(ctx context.Context, name, holder string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *sqliteStore) ForceReleaseLease(ctx context.Context, name string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) GetLease(ctx context.Context, name string) (Lease, bool, error) {
	if s == nil || s.db == nil {
		return Lease{}, false, ErrDisabled
	}
	var (
		l                 = Lease{Name: name}
		acquired, expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT holder, acquired_at, expires_at FROM leases WHERE name = ?`, name,
	).Scan(&l.Holder, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	l.AcquiredAt = time.UnixMilli(acquired)
	l.ExpiresAt = time.UnixMilli(expires)
	return l, true, nil
}

// ---- runs ----

func (s *sqliteStore) SaveRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.ID == "" {
		return errors.New("run id is required")
	}
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return err
	}
	var finished any
	if !r.FinishedAt.IsZero() {
		finished = r.FinishedAt.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs(id, job, trigger_kind, status, started_at, finished_at, err, steps)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   finished_at = excluded.finished_at,
		   err = excluded.err,
		   steps = excluded.steps`,
		r.ID, r.Job, r.Trigger, r.Status, r.StartedAt.UnixMilli(), finished, nullStr(r.Error), string(steps),
	)
	return err
}

func (s *sqliteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job, trigger_kind, status, started_at, finished_at, err, steps
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r        RunRecord
			started  int64
			finished sql.NullInt64
			errStr   sql.NullString
			steps    sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Job, &r.Trigger, &r.Status, &started, &finished, &errStr, &steps); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64)
		}
		r.Error = errStr.String
		if steps.Valid && steps.String != "" && steps.String != "null" {
			if err := json.Unmarshal([]byte(steps.String), &r.Steps); err != nil {
				s.log.Warn("run steps decode failed", logx.String("run_id", r.ID), logx.Err(err))
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- synced events ----

func (s *sqliteStore) GetSyncedEvent(ctx context.Context, key string) (SyncedEvent, bool, error) {
	if s == nil || s.db == nil {
		return SyncedEvent{}, false, ErrDisabled
	}
	var (
		e                         = SyncedEvent{Key: key}
		start, end, createdAtUnix int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT event_id, calendar_id, summary, start_at, end_at, created_at FROM synced_events WHERE key = ?`, key,
	).Scan(&e.EventID, &e.CalendarID, &e.Summary, &start, &end, &createdAtUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncedEvent{}, false, nil
	}
	if err != nil {
		return SyncedEvent{}, false, err
	}
	e.Start = time.UnixMilli(start)
	e.End = time.UnixMilli(end)
	e.CreatedAt = time.UnixMilli(createdAtUnix)
	return e, true, nil
}

func (s *sqliteStore) PutSyncedEvent(ctx context.Context, e SyncedEvent) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO synced_events(key, event_id, calendar_id, summary, start_at, end_at, created_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET event_id = excluded.event_id, calendar_id = excluded.calendar_id`,
		e.Key, e.EventID, e.CalendarID, e.Summary, e.Start.UnixMilli(), e.End.UnixMilli(), e.CreatedAt.UnixMilli(),
	)
	return err
}

// ---- dedup ----

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
