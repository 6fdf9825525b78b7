package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(ln), &m); err != nil {
			t.Fatalf("decode %q: %v", ln, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLineWriterSplitsLines(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug")
	w := NewLineWriter(log.With(String("stream", "stdout")), LevelInfo, "job output")

	_, _ = w.Write([]byte("first\nsec"))
	_, _ = w.Write([]byte("ond\r\n\n"))
	_, _ = w.Write([]byte("tail"))
	w.Flush()

	got := decodeLines(t, buf.Bytes())
	if len(got) != 3 {
		t.Fatalf("lines = %d, want 3: %s", len(got), buf.String())
	}
	want := []string{"first", "second", "tail"}
	for i, m := range got {
		if m["line"] != want[i] {
			t.Fatalf("line[%d] = %v, want %q", i, m["line"], want[i])
		}
		if m["stream"] != "stdout" {
			t.Fatalf("line[%d] missing fixed field: %v", i, m)
		}
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	log.Warn("shown", Int("n", 1))

	got := decodeLines(t, buf.Bytes())
	if len(got) != 1 || got[0]["message"] != "shown" {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled at warn level")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}
