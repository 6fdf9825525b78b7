package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"termsync/internal/app"
	"termsync/internal/config"
	"termsync/internal/pipeline"
	"termsync/internal/storage"
	"termsync/internal/task/engine"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	exitSkipped = 3
)

const usage = `usage: termsync [-config path] <command> [flags]

commands:
  run           run the job once in the foreground
  daemon        run the job on its schedule until SIGINT/SIGTERM
  check         validate config and secrets, show the next runs
  appointments  list portal appointments without syncing
  history       show recent runs
  unlock        force-release a stale run lease
  init          write an example config
`

var (
	okColor   = color.New(color.FgGreen, color.Bold).SprintFunc()
	failColor = color.New(color.FgRed, color.Bold).SprintFunc()
	warnColor = color.New(color.FgYellow, color.Bold).SprintFunc()
	subtle    = color.New(color.FgHiBlack).SprintFunc()
	header    = color.New(color.FgCyan, color.Bold).SprintFunc()
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("termsync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	cfgPath := fs.String("config", envOr("TERMSYNC_CONFIG", "./config.yaml"), "path to config (yaml, json)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "init":
		return cmdInit(*cfgPath, rest, stdout, stderr)
	case "run":
		return withApp(*cfgPath, stderr, func(a *app.App) int { return cmdRun(ctx, a, stdout, stderr) })
	case "daemon":
		return cmdDaemon(ctx, *cfgPath, stderr)
	case "check":
		return withApp(*cfgPath, stderr, func(a *app.App) int { return cmdCheck(a, stdout, stderr) })
	case "appointments":
		return withApp(*cfgPath, stderr, func(a *app.App) int { return cmdAppointments(ctx, a, stdout, stderr) })
	case "history":
		return cmdHistory(ctx, *cfgPath, rest, stdout, stderr)
	case "unlock":
		return withApp(*cfgPath, stderr, func(a *app.App) int { return cmdUnlock(ctx, a, stdout, stderr) })
	case "help":
		fs.Usage()
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		fs.Usage()
		return exitUsage
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(stderr io.Writer, err error) int {
	fmt.Fprintln(stderr, failColor("fatal:"), err)
	if errors.Is(err, app.ErrConfig) {
		return exitUsage
	}
	return exitFailed
}

func withApp(cfgPath string, stderr io.Writer, fn func(a *app.App) int) int {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return fatal(stderr, err)
	}
	defer a.Close()
	return fn(a)
}

func cmdInit(cfgPath string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if err := config.WriteExample(cfgPath); err != nil {
		return fatal(stderr, err)
	}
	fmt.Fprintln(stdout, okColor("wrote"), cfgPath)
	return exitOK
}

func cmdRun(ctx context.Context, a *app.App, stdout, stderr io.Writer) int {
	r, err := a.RunOnce(ctx, "cli")
	switch {
	case errors.Is(err, app.ErrConfig):
		return fatal(stderr, err)
	case engine.IsSkipped(err):
		fmt.Fprintln(stdout, warnColor("skipped:"), r.Error)
		return exitSkipped
	case err != nil:
		printRun(stdout, r)
		fmt.Fprintln(stderr, failColor("failed:"), err)
		return exitFailed
	}
	printRun(stdout, r)
	return exitOK
}

func printRun(w io.Writer, r pipeline.Run) {
	if r.ID == "" {
		return
	}
	status := okColor(r.Status)
	if r.Status != pipeline.StatusSucceeded {
		status = failColor(r.Status)
	}
	fmt.Fprintf(w, "%s %s %s\n", header(r.Job), status, subtle(r.ID))
	for _, s := range r.Steps {
		line := fmt.Sprintf("  %-10s %-10s %s", s.Name, s.Status, s.Duration.Round(time.Millisecond))
		if s.Error != "" {
			line += "  " + s.Error
		}
		fmt.Fprintln(w, line)
	}
	if r.Summary != "" {
		fmt.Fprintln(w, "  "+r.Summary)
	}
}

func cmdDaemon(ctx context.Context, cfgPath string, stderr io.Writer) int {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return fatal(stderr, err)
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fatal(stderr, err)
	}

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	fatalErr := a.Err()

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(stderr, warnColor("stop:"), err)
	}
	if fatalErr != nil {
		return fatal(stderr, fatalErr)
	}
	return exitOK
}

func cmdCheck(a *app.App, stdout, stderr io.Writer) int {
	rep, err := a.Check()
	if err != nil {
		return fatal(stderr, err)
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "config\t%s\n", rep.ConfigPath)
	fmt.Fprintf(tw, "job\t%s (%s)\n", rep.JobName, rep.JobKind)
	fmt.Fprintf(tw, "schedule\t%s [%s]\n", rep.Schedule, rep.Timezone)
	fmt.Fprintf(tw, "storage\t%s\n", rep.Storage)
	fmt.Fprintf(tw, "secrets\t%s\n", strings.Join(rep.Secrets, ", "))
	senders := "none"
	if len(rep.Senders) > 0 {
		senders = strings.Join(rep.Senders, ", ")
	}
	fmt.Fprintf(tw, "notify\t%s\n", senders)
	for i, t := range rep.NextRuns {
		label := ""
		if i == 0 {
			label = "next runs"
		}
		fmt.Fprintf(tw, "%s\t%s\n", label, t.Format("Mon 2006-01-02 15:04 MST"))
	}
	_ = tw.Flush()
	fmt.Fprintln(stdout, okColor("ok"))
	return exitOK
}

func cmdAppointments(ctx context.Context, a *app.App, stdout, stderr io.Writer) int {
	list, err := a.Appointments(ctx)
	if err != nil {
		return fatal(stderr, err)
	}
	if len(list) == 0 {
		fmt.Fprintln(stdout, subtle("no appointments"))
		return exitOK
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, header("DATE")+"\t"+header("TIME")+"\t"+header("STUDIO")+"\t"+header("ADDRESS"))
	for _, ap := range list {
		fmt.Fprintf(tw, "%s\t%s-%s\t%s\t%s\n", ap.Date, ap.StartTime, ap.EndTime, ap.Studio, ap.Address)
	}
	_ = tw.Flush()
	return exitOK
}

func cmdHistory(ctx context.Context, cfgPath string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("n", 10, "number of runs")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	return withApp(cfgPath, stderr, func(a *app.App) int {
		runs, err := a.Runs(ctx, *limit)
		if errors.Is(err, storage.ErrDisabled) {
			fmt.Fprintln(stderr, warnColor("history unavailable:"), "storage is disabled")
			return exitFailed
		}
		if err != nil {
			return fatal(stderr, err)
		}
		tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		for _, r := range runs {
			status := r.Status
			switch r.Status {
			case storage.RunSucceeded:
				status = okColor(status)
			case storage.RunFailed:
				status = failColor(status)
			default:
				status = warnColor(status)
			}
			took := ""
			if !r.FinishedAt.IsZero() {
				took = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				r.StartedAt.Local().Format("2006-01-02 15:04:05"), status, r.Trigger, took, r.Error)
		}
		_ = tw.Flush()
		return exitOK
	})
}

func cmdUnlock(ctx context.Context, a *app.App, stdout, stderr io.Writer) int {
	cur, held, err := a.Lease(ctx)
	if err != nil {
		return fatal(stderr, err)
	}
	if !held {
		fmt.Fprintln(stdout, subtle("no lease held"))
		return exitOK
	}
	if !cur.Expired(time.Now()) {
		fmt.Fprintln(stdout, warnColor("releasing live lease"), "held by", cur.Holder, "until", cur.ExpiresAt.Local().Format(time.TimeOnly))
	}
	if _, err := a.Unlock(ctx); err != nil {
		return fatal(stderr, err)
	}
	fmt.Fprintln(stdout, okColor("released"), cur.Name)
	return exitOK
}
