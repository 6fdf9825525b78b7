package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"termsync/internal/secrets"
	logx "termsync/pkg/logx"
)

// waitDelay bounds how long a cancelled child may keep its output pipes open.
const waitDelay = 5 * time.Second

func (r *Runner) steps(ctx context.Context, cfg Config, run *Run, log logx.Logger) error {
	var ws string
	err := r.step(ctx, run, StepWorkspace, log, func(context.Context) error {
		dir, err := makeWorkspace(cfg.WorkspaceRoot)
		ws = dir
		return err
	})
	if err != nil {
		return err
	}
	run.Workspace = ws
	if !cfg.KeepWorkspace {
		defer func() {
			if err := os.RemoveAll(ws); err != nil {
				log.Warn("workspace cleanup failed", logx.String("dir", ws), logx.Err(err))
			}
		}()
	}

	base := r.childEnv(cfg, false)
	if cfg.Checkout != nil {
		c := *cfg.Checkout
		if err := r.step(ctx, run, StepCheckout, log, func(ctx context.Context) error {
			return runCommand(ctx, ws, c, base, log.With(logx.String("step", StepCheckout)))
		}); err != nil {
			return err
		}
	}
	if cfg.Runtime != nil {
		c := *cfg.Runtime
		if err := r.step(ctx, run, StepRuntime, log, func(ctx context.Context) error {
			return runCommand(ctx, ws, c, base, log.With(logx.String("step", StepRuntime)))
		}); err != nil {
			return err
		}
	}
	if len(cfg.Install) > 0 {
		if err := r.step(ctx, run, StepInstall, log, func(ctx context.Context) error {
			for i, c := range cfg.Install {
				clog := log.With(logx.String("step", StepInstall), logx.String("cmd", c.label(fmt.Sprintf("install[%d]", i))))
				if err := runCommand(ctx, ws, c, base, clog); err != nil {
					return fmt.Errorf("%s: %w", c.label(fmt.Sprintf("install[%d]", i)), err)
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}

	return r.step(ctx, run, StepExecute, log, func(ctx context.Context) error {
		if cfg.Kind == KindSync {
			rep, err := r.builtin.Sync(ctx, r.secrets)
			run.Summary = rep.String()
			return err
		}
		script := cfg.Script
		if !filepath.IsAbs(script) {
			script = filepath.Join(ws, script)
		}
		c := Command{Name: "script", Args: append(append([]string{}, cfg.Interpreter...), script)}
		return runCommand(ctx, ws, c, r.childEnv(cfg, true), log.With(logx.String("step", StepExecute)))
	})
}

// step runs fn and appends its result to run.
func (r *Runner) step(ctx context.Context, run *Run, name string, log logx.Logger, fn func(context.Context) error) error {
	start := r.now()
	err := fn(ctx)
	res := StepResult{Name: name, Status: StatusSucceeded, Duration: r.now().Sub(start)}
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		err = fmt.Errorf("%s: %w", name, err)
	}
	run.Steps = append(run.Steps, res)
	log.Debug("step finished", logx.String("step", name), logx.String("status", res.Status), logx.Duration("took", res.Duration))
	return err
}

// makeWorkspace creates a fresh, private directory for one run.
func makeWorkspace(root string) (string, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o700); err != nil {
			return "", fmt.Errorf("workspace root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(root, "termsync-run-")
	if err != nil {
		return "", fmt.Errorf("workspace: %w", err)
	}
	return dir, nil
}

// childEnv builds a child environment from scratch: the pass-through
// allowlist and, for the job itself, the seven secrets. Nothing else from the
// parent environment reaches the child.
func (r *Runner) childEnv(cfg Config, withSecrets bool) []string {
	env := make([]string, 0, len(cfg.PassEnv)+len(secrets.Names))
	for _, k := range cfg.PassEnv {
		if secrets.IsKnown(secrets.Name(k)) {
			continue
		}
		if v, ok := r.lookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	if withSecrets {
		env = append(env, r.secrets.Env()...)
	}
	return env
}

func runCommand(ctx context.Context, ws string, c Command, env []string, log logx.Logger) error {
	if len(c.Args) == 0 {
		return errors.New("command has no args")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = ws
	if c.Dir != "" {
		cmd.Dir = filepath.Join(ws, c.Dir)
	}
	cmd.Env = env
	cmd.WaitDelay = waitDelay
	stdout := logx.NewLineWriter(log, logx.LevelInfo, "output")
	stderr := logx.NewLineWriter(log, logx.LevelWarn, "output")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", c.Args[0], ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%s: exit status %d", c.Args[0], exitErr.ExitCode())
	}
	return fmt.Errorf("%s: %w", c.Args[0], err)
}
