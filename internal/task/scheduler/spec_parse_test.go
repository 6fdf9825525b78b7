package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   SpecKind
		source string
		cron   string
		every  time.Duration
	}{
		{name: "default cron", raw: "*/15 * * * *", kind: SpecCron, source: "cron", cron: "*/15 * * * *"},
		{name: "descriptor", raw: "@every 15m", kind: SpecCron, source: "cron", cron: "@every 15m"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", cron: "0 0 * * *"},
		{name: "daily", raw: "daily:06:30", kind: SpecCron, source: "daily", cron: "30 6 * * *"},
		{name: "duration", raw: "15m", kind: SpecInterval, source: "duration", every: 15 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", every: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", every: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("got kind=%v source=%s, want kind=%v source=%s", got.Kind, got.Source, tt.kind, tt.source)
			}
			if got.Cron != tt.cron || got.Every != tt.every {
				t.Fatalf("got cron=%q every=%v, want cron=%q every=%v", got.Cron, got.Every, tt.cron, tt.every)
			}
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "61 * * * *", "00:00", "daily:24:00", "-5m"} {
		if err := ValidateSchedule(raw); err == nil {
			t.Fatalf("ValidateSchedule(%q) = nil, want error", raw)
		}
	}
	for _, raw := range []string{"*/15 * * * *", "@hourly", "15m", "daily:23:59"} {
		if err := ValidateSchedule(raw); err != nil {
			t.Fatalf("ValidateSchedule(%q) = %v", raw, err)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM(" 23:15 ")
	if err != nil || h != 23 || m != 15 {
		t.Fatalf("parseHHMM = %d:%d, %v", h, m, err)
	}
	for _, bad := range []string{"24:00", "12:60", "1230", "ab:cd"} {
		if _, _, err := parseHHMM(bad); err == nil {
			t.Fatalf("parseHHMM(%q) = nil error", bad)
		}
	}
}

func TestNextRuns(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("CET", 3600)
	from := time.Date(2026, 3, 2, 10, 7, 30, 0, loc)

	got, err := NextRuns("*/15 * * * *", loc, from, 3)
	if err != nil {
		t.Fatalf("NextRuns: %v", err)
	}
	want := []string{"10:15", "10:30", "10:45"}
	for i, w := range want {
		if got[i].Format("15:04") != w {
			t.Fatalf("cron run %d = %s, want %s", i, got[i].Format("15:04"), w)
		}
	}

	got, err = NextRuns("20m", loc, from, 2)
	if err != nil || len(got) != 2 || got[1].Sub(from) != 40*time.Minute {
		t.Fatalf("interval runs = %v, %v", got, err)
	}

	if _, err := NextRuns("61 * * * *", loc, from, 1); err == nil {
		t.Fatal("expected invalid cron error")
	}
}
