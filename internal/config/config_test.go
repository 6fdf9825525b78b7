package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDecodeFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		data    string
		wantErr string
	}{
		{name: "json", file: "c.json", data: `{"job":{"kind":"exec","script":"./run.sh"}}`},
		{name: "yaml", file: "c.yaml", data: "job:\n  kind: exec\n  script: ./run.sh\n"},
		{name: "unknown field", file: "c.json", data: `{"job":{"kind":"exec","scrpt":"x"}}`, wantErr: "unknown field"},
		{name: "unknown yaml field", file: "c.yml", data: "nope: 1\n", wantErr: "unknown field"},
		{name: "trailing data", file: "c.json", data: `{"job":{}}{"job":{}}`, wantErr: "trailing data"},
		{name: "trailing garbage", file: "c.json", data: `{"job":{}} x`, wantErr: "trailing data"},
		{name: "second yaml document", file: "c.yaml", data: "job:\n  kind: exec\n---\njob:\n  kind: termin\n", wantErr: "trailing data"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(tt.file, []byte(tt.data))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if cfg.Job.Kind != "exec" || cfg.Job.Script != "./run.sh" {
				t.Fatalf("unexpected job: %+v", cfg.Job)
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	for _, data := range []string{"", "# nothing yet\n"} {
		cfg, err := Decode("config.yaml", []byte(data))
		if err != nil {
			t.Fatalf("Decode(%q): %v", data, err)
		}
		if cfg.Job.Kind != "" {
			t.Fatalf("Decode(%q) = %+v", data, cfg.Job)
		}
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: " 90s ", want: 90 * time.Second},
		{raw: "90", want: 90 * time.Second},
		{raw: "1h30m", want: 90 * time.Minute},
		{raw: "soon", wantErr: true},
		{raw: "-5s", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Duration("job.timeout", tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("Duration(%q) err = %v", tt.raw, err)
		}
		if err != nil {
			if !strings.Contains(err.Error(), "job.timeout") {
				t.Fatalf("error %q does not name the field", err)
			}
			continue
		}
		if got != tt.want {
			t.Fatalf("Duration(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
	if d, _ := DurationOr("job.timeout", "", time.Minute); d != time.Minute {
		t.Fatalf("DurationOr default = %v", d)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Parallel()
	neg := -1
	cfg := &Config{
		Job: JobConfig{
			Kind:    "exec",
			Overlap: "sometimes",
			Timeout: "soon",
			Install: []CommandConfig{{Name: "empty"}},
		},
		Secrets:  SecretsConfig{Source: "file"},
		Synchron: SynchronConfig{MaxAppointments: &neg},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"job.script", "job.overlap", "job.timeout", "job.install[0].args", "secrets.file", "synchron.max_appointments",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidateExample(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("example.yaml", []byte(ExampleYAML))
	if err != nil {
		t.Fatalf("Decode example: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate example: %v", err)
	}
	if cfg.Scheduler.Schedule != DefaultSchedule {
		t.Fatalf("schedule = %q", cfg.Scheduler.Schedule)
	}
}

func TestManagerLoadAndPublish(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "termsync.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected committed config: %+v", m.Get())
	}

	ch := m.Subscribe(1)
	m.publish(&Config{Logging: LoggingConfig{Level: "warn"}})
	m.publish(&Config{Logging: LoggingConfig{Level: "error"}})
	got := <-ch
	if got.Logging.Level != "error" {
		t.Fatalf("subscriber should keep the newest config, got %q", got.Logging.Level)
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}

func TestSummarizeConfigChangeHidesTokens(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	newCfg := &Config{
		Telegram: TelegramConfig{Enabled: true, Token: "123:secret", ChatID: 42},
		Logging:  LoggingConfig{Level: "debug"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "logging,telegram" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := RestartRequired(changed); len(got) != 1 || got[0] != "telegram" {
		t.Fatalf("RestartRequired = %v", got)
	}
}
