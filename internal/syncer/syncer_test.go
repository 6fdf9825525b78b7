package syncer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"termsync/internal/gcal"
	"termsync/internal/secrets"
	"termsync/internal/storage"
	"termsync/internal/synchron"
	logx "termsync/pkg/logx"
)

type fakePortal struct {
	loginErr error
	apps     []synchron.Appointment
}

func (p *fakePortal) Login(ctx context.Context, username, password string) error {
	if username != "user" || password != "pass" {
		return synchron.ErrLoginFailed
	}
	return p.loginErr
}

func (p *fakePortal) Appointments(ctx context.Context) ([]synchron.Appointment, error) {
	return p.apps, nil
}

type fakeCalendar struct {
	mu        sync.Mutex
	events    []gcal.Event
	lists     int
	failFor   string
	insertTZs []string
}

func (f *fakeCalendar) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time, limit int) ([]gcal.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	var out []gcal.Event
	for _, ev := range f.events {
		if ev.End.After(timeMin) && (timeMax.IsZero() || ev.Start.Before(timeMax)) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeCalendar) InsertEvent(ctx context.Context, calendarID string, ev gcal.Event, tz string) (gcal.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.Summary == f.failFor {
		return gcal.Event{}, errors.New("googleapi: Error 500")
	}
	ev.ID = "ev" + string(rune('a'+len(f.events)))
	f.events = append(f.events, ev)
	f.insertTZs = append(f.insertTZs, tz)
	return ev, nil
}

func (f *fakeCalendar) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testSecrets(t *testing.T) secrets.Set {
	t.Helper()
	vals := map[secrets.Name]string{}
	for _, n := range secrets.Names {
		vals[n] = "x"
	}
	vals[secrets.Username] = "user"
	vals[secrets.Password] = "pass"
	set, err := secrets.New(vals)
	if err != nil {
		t.Fatalf("secrets.New: %v", err)
	}
	return set
}

// Monday 2 March 2026, 08:00 Berlin.
var testNow = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

func sampleApps() []synchron.Appointment {
	return []synchron.Appointment{
		{Date: "01.03.2026", StartTime: "09:00", EndTime: "10:00", Studio: "Studio Alt", Address: "Past 1"},
		{Date: "02.03.2026", StartTime: "09:00", EndTime: "12:30", Studio: "Studio Nord", Address: "Hauptstraße 1"},
		{Date: "03.03.2026", StartTime: "14:00", EndTime: "15:00", Studio: "Studio Süd", Address: "Am Markt 7"},
	}
}

func newTestSyncer(t *testing.T, cfg Config, p *fakePortal, cal *fakeCalendar, store Store) *Syncer {
	t.Helper()
	s, err := New(cfg, store, logx.Nop(),
		WithPortal(func() (Portal, error) { return p, nil }),
		WithProvider(func(ctx context.Context, set secrets.Set) (gcal.Provider, error) { return cal, nil }),
		WithClock(func() time.Time { return testNow }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSyncIsIdempotent(t *testing.T) {
	t.Parallel()
	cal := &fakeCalendar{}
	s := newTestSyncer(t, Config{}, &fakePortal{apps: sampleApps()}, cal, storage.NewMemory())

	rep, err := s.Sync(context.Background(), testSecrets(t))
	if err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	if rep.Fetched != 3 || rep.Future != 2 || rep.Created != 2 || rep.Existing != 0 {
		t.Fatalf("first report = %+v", rep)
	}
	if cal.insertTZs[0] != gcal.DefaultTimezone {
		t.Fatalf("insert tz = %q", cal.insertTZs[0])
	}
	berlin, _ := time.LoadLocation(gcal.DefaultTimezone)
	if want := time.Date(2026, 3, 2, 9, 0, 0, 0, berlin); !cal.events[0].Start.Equal(want) {
		t.Fatalf("start = %s, want %s", cal.events[0].Start, want)
	}

	rep, err = s.Sync(context.Background(), testSecrets(t))
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if rep.Created != 0 || rep.Existing != 2 || cal.count() != 2 {
		t.Fatalf("second report = %+v, events = %d", rep, cal.count())
	}
}

func TestExistingEventMatchesNormalizedSummary(t *testing.T) {
	t.Parallel()
	berlin, _ := time.LoadLocation(gcal.DefaultTimezone)
	cal := &fakeCalendar{events: []gcal.Event{
		// Decomposed "ü" with surrounding space.
		{ID: "old", Summary: " Studio Su\u0308d ", Start: time.Date(2026, 3, 3, 14, 0, 0, 0, berlin), End: time.Date(2026, 3, 3, 15, 0, 0, 0, berlin)},
		// Same summary, different end: not a match.
		{ID: "other", Summary: "Studio Nord", Start: time.Date(2026, 3, 2, 9, 0, 0, 0, berlin), End: time.Date(2026, 3, 2, 12, 0, 0, 0, berlin)},
	}}
	s := newTestSyncer(t, Config{}, &fakePortal{apps: sampleApps()}, cal, nil)

	rep, err := s.Sync(context.Background(), testSecrets(t))
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if rep.Existing != 1 || rep.Created != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestInsertFailuresAreAggregated(t *testing.T) {
	t.Parallel()
	apps := append(sampleApps(), synchron.Appointment{Date: "04.03.2026", StartTime: "10:00", EndTime: "", Studio: "Broken"})
	cal := &fakeCalendar{failFor: "Studio Nord"}
	s := newTestSyncer(t, Config{}, &fakePortal{apps: apps}, cal, nil)

	rep, err := s.Sync(context.Background(), testSecrets(t))
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !errors.Is(err, ErrInvalidAppointment) || !strings.Contains(err.Error(), "Error 500") {
		t.Fatalf("err = %v", err)
	}
	if rep.Created != 1 || rep.Failed != 2 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestPastRowsAreNotValidated(t *testing.T) {
	t.Parallel()
	apps := append(sampleApps(),
		synchron.Appointment{Date: "28.02.2026", StartTime: "09:00", EndTime: "", Studio: "Studio Alt"},
		synchron.Appointment{Date: "01.03.2026", StartTime: "11:00", EndTime: "10:00", Studio: "Studio Alt"},
	)
	cal := &fakeCalendar{}
	s := newTestSyncer(t, Config{}, &fakePortal{apps: apps}, cal, nil)

	rep, err := s.Sync(context.Background(), testSecrets(t))
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if rep.Failed != 0 || rep.Future != 2 || rep.Created != 2 || cal.count() != 2 {
		t.Fatalf("report = %+v, events = %d", rep, cal.count())
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	t.Parallel()
	cal := &fakeCalendar{}
	store := storage.NewMemory()
	s := newTestSyncer(t, Config{DryRun: true}, &fakePortal{apps: sampleApps()}, cal, store)

	rep, err := s.Sync(context.Background(), testSecrets(t))
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if rep.Planned != 2 || rep.Created != 0 || cal.count() != 0 || !strings.Contains(rep.String(), "dry run") {
		t.Fatalf("report = %+v", rep)
	}
}

func TestTrustLocalStateSkipsLookup(t *testing.T) {
	t.Parallel()
	cal := &fakeCalendar{}
	store := storage.NewMemory()
	portal := &fakePortal{apps: sampleApps()}
	if _, err := newTestSyncer(t, Config{}, portal, cal, store).Sync(context.Background(), testSecrets(t)); err != nil {
		t.Fatalf("seed Sync: %v", err)
	}

	cal.lists = 0
	s := newTestSyncer(t, Config{TrustLocalState: true}, portal, cal, store)
	rep, err := s.Sync(context.Background(), testSecrets(t))
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if rep.Existing != 2 || cal.lists != 0 {
		t.Fatalf("report = %+v, lists = %d", rep, cal.lists)
	}
}

func TestLoginFailureFailsRun(t *testing.T) {
	t.Parallel()
	cal := &fakeCalendar{}
	s := newTestSyncer(t, Config{}, &fakePortal{loginErr: synchron.ErrLoginFailed}, cal, nil)
	if _, err := s.Sync(context.Background(), testSecrets(t)); !errors.Is(err, synchron.ErrLoginFailed) {
		t.Fatalf("err = %v, want ErrLoginFailed", err)
	}
	if cal.lists != 0 {
		t.Fatal("calendar must not be touched after a failed login")
	}
}

func TestEventKeyIgnoresZoneAndNormalization(t *testing.T) {
	t.Parallel()
	berlin, _ := time.LoadLocation(gcal.DefaultTimezone)
	start := time.Date(2026, 3, 3, 14, 0, 0, 0, berlin)
	end := start.Add(time.Hour)
	a := EventKey("Studio Süd", start, end)
	b := EventKey(" Studio Su\u0308d", start.UTC(), end.UTC())
	if a != b || len(a) != 64 {
		t.Fatalf("keys differ: %s vs %s", a, b)
	}
	if a == EventKey("Studio Süd", start, end.Add(time.Minute)) {
		t.Fatal("different end must change the key")
	}
}
