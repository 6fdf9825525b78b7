package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"termsync/internal/lease"
	"termsync/internal/secrets"
	"termsync/internal/storage"
	"termsync/internal/syncer"
	"termsync/internal/task/engine"
	logx "termsync/pkg/logx"
)

func testSecrets(t *testing.T) secrets.Set {
	t.Helper()
	vals := map[secrets.Name]string{}
	for _, n := range secrets.Names {
		vals[n] = "v-" + strings.ToLower(string(n))
	}
	set, err := secrets.New(vals)
	if err != nil {
		t.Fatalf("secrets.New: %v", err)
	}
	return set
}

// fakeEnviron is the parent environment seen by the runner.
func fakeEnviron(key string) (string, bool) {
	switch key {
	case "PATH":
		return os.Getenv("PATH"), true
	case "LANG":
		return "C.UTF-8", true
	case "AWS_SECRET_ACCESS_KEY":
		return "leak", true
	case "USERNAME":
		return "parent-user", true
	}
	return "", false
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	p := filepath.Join(t.TempDir(), "job.sh")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return p
}

func newExecRunner(t *testing.T, cfg Config, opts ...Option) *Runner {
	t.Helper()
	cfg.Kind = KindExec
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(t.TempDir(), "ws")
	}
	opts = append([]Option{WithEnviron(fakeEnviron)}, opts...)
	r, err := New(cfg, testSecrets(t), logx.Nop(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestChildSeesOnlySecretsAndAllowlist(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `env > "$(dirname "$0")/env.out"; echo "args=$#" >> "$(dirname "$0")/env.out"`)
	r := newExecRunner(t, Config{Script: script, PassEnv: []string{"PATH", "LANG", "USERNAME"}})

	run, err := r.Run(context.Background(), "manual:test")
	if err != nil {
		t.Fatalf("Run: %v (%+v)", err, run)
	}
	raw, err := os.ReadFile(filepath.Join(filepath.Dir(script), "env.out"))
	if err != nil {
		t.Fatalf("read env: %v", err)
	}
	got := string(raw)
	for _, n := range secrets.Names {
		want := string(n) + "=v-" + strings.ToLower(string(n)) + "\n"
		if !strings.Contains(got, want) {
			t.Fatalf("child env missing %s:\n%s", n, got)
		}
	}
	if strings.Contains(got, "AWS_SECRET_ACCESS_KEY") || strings.Contains(got, "parent-user") {
		t.Fatalf("child env leaked parent variables:\n%s", got)
	}
	if !strings.Contains(got, "LANG=C.UTF-8\n") || !strings.Contains(got, "args=0\n") {
		t.Fatalf("child env = \n%s", got)
	}
}

func TestInstallFailureStopsRun(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `touch "$(dirname "$0")/executed"`)
	r := newExecRunner(t, Config{
		Script: script,
		Install: []Command{
			{Name: "deps", Args: []string{"sh", "-c", "exit 0"}},
			{Name: "extras", Args: []string{"sh", "-c", "exit 3"}},
		},
	})

	run, err := r.Run(context.Background(), "schedule")
	if err == nil || !engine.IsNoRetry(err) {
		t.Fatalf("err = %v, want no-retry failure", err)
	}
	if run.Status != StatusFailed || !strings.Contains(run.Error, "extras") || !strings.Contains(run.Error, "exit status 3") {
		t.Fatalf("run = %+v", run)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(script), "executed")); !os.IsNotExist(err) {
		t.Fatalf("script ran after install failure (stat err %v)", err)
	}
	var names []string
	for _, s := range run.Steps {
		names = append(names, s.Name)
	}
	if strings.Join(names, ",") != "workspace,install" {
		t.Fatalf("steps = %v", names)
	}
}

func TestExitStatusDecidesResult(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		body   string
		status string
	}{
		{"zero", "exit 0", StatusSucceeded},
		{"nonzero", "exit 7", StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := newExecRunner(t, Config{Script: writeScript(t, tc.body)})
			run, err := r.Run(context.Background(), "schedule")
			if run.Status != tc.status {
				t.Fatalf("status = %q, want %q (err %v)", run.Status, tc.status, err)
			}
			if (err == nil) != (tc.status == StatusSucceeded) {
				t.Fatalf("err = %v for status %q", err, run.Status)
			}
			if tc.status == StatusFailed && !strings.Contains(run.Error, "exit status 7") {
				t.Fatalf("error = %q", run.Error)
			}
		})
	}
}

func TestRunsGetDistinctWorkspaces(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `pwd >> "$(dirname "$0")/ws.out"; ls -A | wc -l >> "$(dirname "$0")/ws.out"; touch leftover`)
	r := newExecRunner(t, Config{Script: script})

	first, err := r.Run(context.Background(), "schedule")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := r.Run(context.Background(), "schedule")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.Workspace == "" || first.Workspace == second.Workspace {
		t.Fatalf("workspaces %q and %q", first.Workspace, second.Workspace)
	}
	for _, ws := range []string{first.Workspace, second.Workspace} {
		if _, err := os.Stat(ws); !os.IsNotExist(err) {
			t.Fatalf("workspace %s not removed (stat err %v)", ws, err)
		}
	}
	raw, _ := os.ReadFile(filepath.Join(filepath.Dir(script), "ws.out"))
	lines := strings.Fields(string(raw))
	if len(lines) != 4 || lines[0] == lines[2] || lines[1] != "0" || lines[3] != "0" {
		t.Fatalf("ws.out = %q", raw)
	}
}

func TestTimeoutCancelsChild(t *testing.T) {
	t.Parallel()
	r := newExecRunner(t, Config{Script: writeScript(t, "exec sleep 5"), Timeout: 200 * time.Millisecond})

	start := time.Now()
	run, err := r.Run(context.Background(), "schedule")
	if err == nil || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if run.Status != StatusFailed || time.Since(start) > 3*time.Second {
		t.Fatalf("run = %+v after %s", run, time.Since(start))
	}
}

func TestHeldLeaseSkipsRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	other, err := lease.NewManager(store, lease.WithHolder("other"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	held, err := other.Acquire(ctx, "termsync", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release(ctx)

	mine, _ := lease.NewManager(store, lease.WithHolder("me"))
	script := writeScript(t, `touch "$(dirname "$0")/executed"`)
	r := newExecRunner(t, Config{Script: script}, WithLeases(mine), WithStore(store))

	run, err := r.Run(ctx, "schedule")
	if !engine.IsSkipped(err) || !errors.Is(err, lease.ErrHeld) {
		t.Fatalf("err = %v, want skipped lease error", err)
	}
	if run.Status != StatusSkipped || len(run.Steps) != 0 {
		t.Fatalf("run = %+v", run)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(script), "executed")); !os.IsNotExist(err) {
		t.Fatalf("script ran while lease was held")
	}
	hist, err := r.History(ctx, 10)
	if err != nil || len(hist) != 1 || hist[0].Status != storage.RunSkipped {
		t.Fatalf("history = %+v, %v", hist, err)
	}
}

func TestLeaseReleasedAfterRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	mgr, _ := lease.NewManager(store, lease.WithHolder("me"))
	r := newExecRunner(t, Config{Script: writeScript(t, "exit 0")}, WithLeases(mgr), WithStore(store))

	if _, err := r.Run(ctx, "schedule"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok, _ := store.GetLease(ctx, "termsync"); ok {
		t.Fatalf("lease still present after run")
	}
	hist, _ := store.ListRuns(ctx, 10)
	if len(hist) != 1 || hist[0].Status != storage.RunSucceeded || len(hist[0].Steps) != 2 {
		t.Fatalf("history = %+v", hist)
	}
}

type fakeBuiltin struct {
	rep syncer.Report
	err error
}

func (f fakeBuiltin) Sync(context.Context, secrets.Set) (syncer.Report, error) { return f.rep, f.err }

func TestSyncKind(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		b      fakeBuiltin
		status string
	}{
		{"ok", fakeBuiltin{rep: syncer.Report{Fetched: 3, Future: 2, Created: 2}}, StatusSucceeded},
		{"fail", fakeBuiltin{rep: syncer.Report{Fetched: 1, Failed: 1}, err: errors.New("insert failed")}, StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var (
				mu       sync.Mutex
				finished []Run
			)
			r, err := New(Config{Kind: KindSync, WorkspaceRoot: t.TempDir()}, testSecrets(t), logx.Nop(),
				WithBuiltin(tc.b),
				OnFinish(func(run Run) {
					mu.Lock()
					finished = append(finished, run)
					mu.Unlock()
				}))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			run, _ := r.Run(context.Background(), "manual:cli")
			if run.Status != tc.status || run.Summary != tc.b.rep.String() {
				t.Fatalf("run = %+v", run)
			}
			mu.Lock()
			defer mu.Unlock()
			if len(finished) != 1 || finished[0].ID != run.ID {
				t.Fatalf("finish callbacks = %+v", finished)
			}
		})
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	set := testSecrets(t)
	cases := []struct {
		name string
		cfg  Config
		set  secrets.Set
		opts []Option
		want string
	}{
		{"no secrets", Config{Kind: KindExec, Script: "x"}, secrets.Set{}, nil, "secrets are required"},
		{"exec without script", Config{Kind: KindExec}, set, nil, "needs a script"},
		{"sync without engine", Config{Kind: KindSync}, set, nil, "needs the sync engine"},
		{"bad kind", Config{Kind: "shell"}, set, nil, "unknown job kind"},
		{"bad overlap", Config{Kind: KindExec, Script: "x", Overlap: "parallel"}, set, nil, "unknown overlap"},
		{"empty install", Config{Kind: KindExec, Script: "x", Install: []Command{{Name: "deps"}}}, set, nil, "has no args"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tc.cfg, tc.set, logx.Nop(), tc.opts...)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}
