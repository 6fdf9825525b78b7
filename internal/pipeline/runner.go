package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"

	"termsync/internal/lease"
	"termsync/internal/secrets"
	"termsync/internal/storage"
	"termsync/internal/syncer"
	"termsync/internal/task/engine"
	"termsync/internal/task/scheduler"
	logx "termsync/pkg/logx"
)

var (
	ErrNoSecrets = errors.New("pipeline: secrets are required")
	ErrNoBuiltin = errors.New("pipeline: kind sync needs the sync engine")
)

// Builtin is the in-process job used by kind "sync". *syncer.Syncer implements it.
type Builtin interface {
	Sync(ctx context.Context, set secrets.Set) (syncer.Report, error)
}

type Runner struct {
	mu  sync.RWMutex
	cfg Config

	secrets secrets.Set
	store   storage.Store
	leases  *lease.Manager
	builtin Builtin
	log     logx.Logger

	now       func() time.Time
	lookupEnv func(string) (string, bool)
	onFinish  []func(Run)
}

type Option func(*Runner)

// WithStore records every run in store.
func WithStore(store storage.Store) Option { return func(r *Runner) { r.store = store } }

// WithLeases enables the cross-process single-run lock.
func WithLeases(m *lease.Manager) Option { return func(r *Runner) { r.leases = m } }

func WithBuiltin(b Builtin) Option { return func(r *Runner) { r.builtin = b } }

func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// WithEnviron replaces os.LookupEnv as the source of pass-through variables.
func WithEnviron(lookup func(string) (string, bool)) Option {
	return func(r *Runner) { r.lookupEnv = lookup }
}

// OnFinish registers a callback invoked after every run, skipped ones included.
func OnFinish(fn func(Run)) Option {
	return func(r *Runner) { r.onFinish = append(r.onFinish, fn) }
}

func New(cfg Config, set secrets.Set, log logx.Logger, opts ...Option) (*Runner, error) {
	if set.IsZero() {
		return nil, ErrNoSecrets
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{secrets: set, log: log, now: time.Now, lookupEnv: os.LookupEnv}
	for _, o := range opts {
		o(r)
	}
	cfg, err := r.normalize(cfg)
	if err != nil {
		return nil, err
	}
	r.cfg = cfg
	return r, nil
}

// Apply swaps the job definition. Runs already started keep the old one.
func (r *Runner) Apply(cfg Config) error {
	cfg, err := r.normalize(cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	return nil
}

func (r *Runner) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *Runner) normalize(cfg Config) (Config, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = "termsync"
	}
	cfg.Kind = strings.ToLower(strings.TrimSpace(cfg.Kind))
	if cfg.Kind == "" {
		cfg.Kind = KindSync
	}
	cfg.Overlap = strings.ToLower(strings.TrimSpace(cfg.Overlap))
	if cfg.Overlap == "" {
		cfg.Overlap = OverlapSkip
	}
	if cfg.LeaseName == "" {
		cfg.LeaseName = cfg.Name
	}
	if cfg.PassEnv == nil {
		cfg.PassEnv = DefaultPassEnv
	}

	switch cfg.Kind {
	case KindExec:
		if strings.TrimSpace(cfg.Script) == "" {
			return cfg, errors.New("pipeline: kind exec needs a script")
		}
	case KindSync:
		if r.builtin == nil {
			return cfg, ErrNoBuiltin
		}
	default:
		return cfg, fmt.Errorf("pipeline: unknown job kind %q", cfg.Kind)
	}
	if cfg.Overlap != OverlapSkip && cfg.Overlap != OverlapQueue {
		return cfg, fmt.Errorf("pipeline: unknown overlap policy %q", cfg.Overlap)
	}
	cmds := append([]Command{}, cfg.Install...)
	if cfg.Checkout != nil {
		cmds = append(cmds, *cfg.Checkout)
	}
	if cfg.Runtime != nil {
		cmds = append(cmds, *cfg.Runtime)
	}
	for _, c := range cmds {
		if len(c.Args) == 0 || strings.TrimSpace(c.Args[0]) == "" {
			return cfg, fmt.Errorf("pipeline: command %q has no args", c.Name)
		}
	}
	return cfg, nil
}

// Job adapts the runner to a scheduler job. The trigger is taken from ctx.
func (r *Runner) Job(ctx context.Context) error {
	_, err := r.Run(ctx, TriggerLabel(ctx))
	return err
}

// TriggerLabel renders the scheduler trigger stored in ctx ("schedule", "manual:cli").
func TriggerLabel(ctx context.Context) string {
	t, ok := scheduler.TriggerFromContext(ctx)
	if !ok {
		return scheduler.TriggerManual
	}
	if t.Source != "" {
		return t.Kind + ":" + t.Source
	}
	return t.Kind
}

// Run executes the job once.
//
// The error is nil iff the run succeeded. A run skipped because the lease is
// held returns an engine.Skipped error; failures are engine.NoRetry.
func (r *Runner) Run(ctx context.Context, trigger string) (Run, error) {
	cfg := r.Config()
	run := Run{
		ID:      newRunID(),
		Job:     cfg.Name,
		Trigger: trigger,
		Started: r.now(),
		Status:  StatusPending,
	}
	log := r.log.With(logx.String("run", run.ID), logx.String("job", cfg.Name))

	held, err := r.acquire(ctx, cfg)
	if err != nil {
		run.Error = err.Error()
		if errors.Is(err, lease.ErrHeld) {
			run.Status = StatusSkipped
			log.Info("run skipped", logx.String("trigger", trigger), logx.Err(err))
			r.finish(ctx, &run)
			return run, engine.Skipped(err)
		}
		run.Status = StatusFailed
		log.Error("run failed", logx.Err(err))
		r.finish(ctx, &run)
		return run, engine.NoRetry(err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if cfg.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, cfg.Timeout)
		defer cancelTimeout()
	}
	if held != nil {
		defer func() {
			relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer relCancel()
			if err := held.Release(relCtx); err != nil {
				log.Warn("lease release failed", logx.Err(err))
			}
		}()
		go func() {
			select {
			case <-held.Lost():
				cancel(lease.ErrLost)
			case <-runCtx.Done():
			}
		}()
	}

	run.Status = StatusRunning
	r.save(ctx, run)
	log.Info("run started", logx.String("trigger", trigger), logx.String("kind", cfg.Kind))

	err = r.steps(runCtx, cfg, &run, log)
	if cause := context.Cause(runCtx); err != nil && errors.Is(cause, lease.ErrLost) {
		err = fmt.Errorf("%w (%w)", err, cause)
	}
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
	} else {
		run.Status = StatusSucceeded
	}
	r.finish(ctx, &run)

	fields := []logx.Field{logx.String("status", run.Status), logx.Duration("took", run.Finished.Sub(run.Started))}
	if run.Summary != "" {
		fields = append(fields, logx.String("summary", run.Summary))
	}
	if err != nil {
		log.Error("run finished", append(fields, logx.Err(err))...)
		return run, engine.NoRetry(err)
	}
	log.Info("run finished", fields...)
	return run, nil
}

func (r *Runner) acquire(ctx context.Context, cfg Config) (*lease.Held, error) {
	if r.leases == nil {
		return nil, nil
	}
	if cfg.Overlap == OverlapQueue && cfg.LeaseWait > 0 {
		return r.leases.AcquireWait(ctx, cfg.LeaseName, cfg.LeaseTTL, cfg.LeaseWait)
	}
	return r.leases.Acquire(ctx, cfg.LeaseName, cfg.LeaseTTL)
}

func (r *Runner) finish(ctx context.Context, run *Run) {
	run.Finished = r.now()
	r.save(ctx, *run)
	for _, fn := range r.onFinish {
		fn(*run)
	}
}

// save writes run to history. It survives ctx cancellation so a timed out
// run is still recorded.
func (r *Runner) save(ctx context.Context, run Run) {
	if r.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.SaveRun(sctx, run.Record()); err != nil {
		r.log.Warn("run history write failed", logx.String("run", run.ID), logx.Err(err))
	}
}

// History returns the newest runs first.
func (r *Runner) History(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	if r.store == nil {
		return nil, storage.ErrDisabled
	}
	return r.store.ListRuns(ctx, limit)
}

func newRunID() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	return id
}
