package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunUsage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "no command", args: nil, want: exitUsage},
		{name: "unknown command", args: []string{"frobnicate"}, want: exitUsage},
		{name: "bad flag", args: []string{"-nope", "run"}, want: exitUsage},
		{name: "help", args: []string{"help"}, want: exitOK},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out, errOut bytes.Buffer
			if got := run(tt.args, &out, &errOut); got != tt.want {
				t.Fatalf("exit = %d, want %d (stderr %q)", got, tt.want, errOut.String())
			}
		})
	}
}

func TestInitThenCheckConfigError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	var out, errOut bytes.Buffer
	if code := run([]string{"-config", path, "init"}, &out, &errOut); code != exitOK {
		t.Fatalf("init exit = %d: %s", code, errOut.String())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if code := run([]string{"-config", path, "init"}, &out, &errOut); code != exitFailed {
		t.Fatalf("second init exit = %d, want %d", code, exitFailed)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("job:\n  overlap: sometimes\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	errOut.Reset()
	if code := run([]string{"-config", bad, "check"}, &out, &errOut); code != exitUsage {
		t.Fatalf("check exit = %d, want %d", code, exitUsage)
	}
	if !strings.Contains(errOut.String(), "job.overlap") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}
