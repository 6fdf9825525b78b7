// Package syncer copies future Synchron appointments into Google Calendar.
//
// An appointment becomes one event (summary = studio, location = address).
// It is inserted only when no event with the same normalized summary and the
// same start and end instants exists in the target calendar, so repeated runs
// are idempotent. Events are never updated or deleted.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/text/unicode/norm"

	"termsync/internal/gcal"
	"termsync/internal/httpx"
	"termsync/internal/secrets"
	"termsync/internal/storage"
	"termsync/internal/synchron"
	logx "termsync/pkg/logx"
)

const (
	DefaultMatchWindow     = time.Minute
	DefaultLookaheadEvents = 20
)

var ErrInvalidAppointment = errors.New("invalid appointment")

// Portal is the appointment source; *synchron.Client implements it.
type Portal interface {
	Login(ctx context.Context, username, password string) error
	Appointments(ctx context.Context) ([]synchron.Appointment, error)
}

// Store remembers which appointments were already written.
type Store interface {
	GetSyncedEvent(ctx context.Context, key string) (storage.SyncedEvent, bool, error)
	PutSyncedEvent(ctx context.Context, e storage.SyncedEvent) error
}

type Config struct {
	CalendarID string
	Timezone   string

	DryRun          bool
	MatchWindow     time.Duration
	LookaheadEvents int
	TrustLocalState bool

	Synchron synchron.Config
	// TokenURL and Endpoint override Google's defaults.
	TokenURL string
	Endpoint string
	HTTP     httpx.Config
}

type (
	PortalFactory   func() (Portal, error)
	ProviderFactory func(ctx context.Context, set secrets.Set) (gcal.Provider, error)
)

type Option func(*Syncer)

func WithPortal(f PortalFactory) Option { return func(s *Syncer) { s.newPortal = f } }

func WithProvider(f ProviderFactory) Option { return func(s *Syncer) { s.newProvider = f } }

func WithClock(now func() time.Time) Option { return func(s *Syncer) { s.now = now } }

type Syncer struct {
	cfg   Config
	loc   *time.Location
	store Store
	log   logx.Logger
	now   func() time.Time

	newPortal   PortalFactory
	newProvider ProviderFactory
}

// Report counts what one sync did.
type Report struct {
	Fetched  int  `json:"fetched"`
	Future   int  `json:"future"`
	Existing int  `json:"existing"`
	Created  int  `json:"created"`
	Planned  int  `json:"planned,omitempty"`
	Failed   int  `json:"failed"`
	DryRun   bool `json:"dry_run,omitempty"`
}

func (r Report) String() string {
	s := fmt.Sprintf("fetched=%d future=%d existing=%d created=%d failed=%d", r.Fetched, r.Future, r.Existing, r.Created, r.Failed)
	if r.DryRun {
		s += fmt.Sprintf(" planned=%d (dry run)", r.Planned)
	}
	return s
}

// New builds a Syncer. store may be nil.
func New(cfg Config, store Store, log logx.Logger, opts ...Option) (*Syncer, error) {
	if cfg.CalendarID == "" {
		cfg.CalendarID = gcal.DefaultCalendarID
	}
	if cfg.Timezone == "" {
		cfg.Timezone = gcal.DefaultTimezone
	}
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = DefaultMatchWindow
	}
	if cfg.LookaheadEvents == 0 {
		cfg.LookaheadEvents = DefaultLookaheadEvents
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("syncer: timezone %q: %w", cfg.Timezone, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Syncer{cfg: cfg, loc: loc, store: store, log: log.With(logx.String("comp", "sync")), now: time.Now}
	s.newPortal = func() (Portal, error) {
		pc := cfg.Synchron
		if pc.HTTP == (httpx.Config{}) {
			pc.HTTP = cfg.HTTP
		}
		return synchron.New(pc, log)
	}
	s.newProvider = func(ctx context.Context, set secrets.Set) (gcal.Provider, error) {
		return gcal.New(ctx, gcal.Config{
			ClientID:     set.Get(secrets.ClientID),
			ClientSecret: set.Get(secrets.ClientSecret),
			RefreshToken: set.Get(secrets.RefreshToken),
			TokenURL:     cfg.TokenURL,
			Endpoint:     cfg.Endpoint,
			HTTPClient:   httpx.New(cfg.HTTP, log).Standard(),
		}, log)
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Fetch logs in to the portal and returns the scraped appointments.
func (s *Syncer) Fetch(ctx context.Context, set secrets.Set) ([]synchron.Appointment, error) {
	p, err := s.newPortal()
	if err != nil {
		return nil, err
	}
	if err := p.Login(ctx, set.Get(secrets.Username), set.Get(secrets.Password)); err != nil {
		return nil, err
	}
	return p.Appointments(ctx)
}

// Sync runs one full pass. Per-appointment failures do not stop the pass;
// they are collected and returned together after every appointment was tried.
func (s *Syncer) Sync(ctx context.Context, set secrets.Set) (Report, error) {
	rep := Report{DryRun: s.cfg.DryRun}

	apps, err := s.Fetch(ctx, set)
	if err != nil {
		return rep, err
	}
	rep.Fetched = len(apps)

	var merr *multierror.Error
	now := s.now().In(s.loc)
	future := make([]slot, 0, len(apps))
	for _, a := range apps {
		start, err := a.Start(s.loc)
		if err != nil {
			rep.Failed++
			merr = multierror.Append(merr, fmt.Errorf("%w %s: %v", ErrInvalidAppointment, a, err))
			continue
		}
		if start.Before(now) {
			continue
		}
		sl, err := s.slotFor(a, start)
		if err != nil {
			rep.Failed++
			merr = multierror.Append(merr, err)
			continue
		}
		future = append(future, sl)
	}
	rep.Future = len(future)
	s.log.Info("appointments fetched", logx.Int("fetched", rep.Fetched), logx.Int("future", rep.Future))
	if len(future) == 0 {
		return rep, merr.ErrorOrNil()
	}

	prov, err := s.newProvider(ctx, set)
	if err != nil {
		return rep, multierror.Append(merr, fmt.Errorf("google: %w", err)).ErrorOrNil()
	}
	s.logLookahead(ctx, prov, now)

	for _, sl := range future {
		if err := ctx.Err(); err != nil {
			merr = multierror.Append(merr, err)
			break
		}
		if err := s.syncOne(ctx, prov, sl, &rep); err != nil {
			rep.Failed++
			merr = multierror.Append(merr, err)
		}
	}
	return rep, merr.ErrorOrNil()
}

type slot struct {
	app        synchron.Appointment
	start, end time.Time
	key        string
}

// slotFor completes a row whose start is already known to be upcoming.
func (s *Syncer) slotFor(a synchron.Appointment, start time.Time) (slot, error) {
	end, err := a.End(s.loc)
	if err != nil {
		return slot{}, fmt.Errorf("%w %s: %v", ErrInvalidAppointment, a, err)
	}
	if !end.After(start) {
		return slot{}, fmt.Errorf("%w %s: end is not after start", ErrInvalidAppointment, a)
	}
	return slot{app: a, start: start, end: end, key: EventKey(a.Studio, start, end)}, nil
}

func (s *Syncer) syncOne(ctx context.Context, prov gcal.Provider, sl slot, rep *Report) error {
	log := s.log.With(logx.String("studio", sl.app.Studio), logx.Time("start", sl.start), logx.Time("end", sl.end))

	if s.cfg.TrustLocalState && s.store != nil {
		if _, ok, err := s.store.GetSyncedEvent(ctx, sl.key); err != nil {
			log.Warn("synced event lookup failed", logx.Err(err))
		} else if ok {
			rep.Existing++
			log.Debug("event already synced (local state)")
			return nil
		}
	}

	found, err := s.exists(ctx, prov, sl)
	if err != nil {
		return fmt.Errorf("check %s: %w", sl.app, err)
	}
	if found != nil {
		rep.Existing++
		log.Info("event already exists", logx.String("event", found.ID))
		s.remember(ctx, sl, found.ID)
		return nil
	}

	if s.cfg.DryRun {
		rep.Planned++
		log.Info("dry run: would create event", logx.String("address", sl.app.Address))
		return nil
	}
	created, err := prov.InsertEvent(ctx, s.cfg.CalendarID, gcal.Event{
		Summary:  sl.app.Studio,
		Location: sl.app.Address,
		Start:    sl.start,
		End:      sl.end,
	}, s.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("create %s: %w", sl.app, err)
	}
	rep.Created++
	log.Info("event created", logx.String("event", created.ID), logx.String("link", created.HTMLLink))
	s.remember(ctx, sl, created.ID)
	return nil
}

// exists looks for a matching event in a window slightly wider than the slot.
func (s *Syncer) exists(ctx context.Context, prov gcal.Provider, sl slot) (*gcal.Event, error) {
	w := s.cfg.MatchWindow
	evs, err := prov.ListEvents(ctx, s.cfg.CalendarID, sl.start.Add(-w), sl.end.Add(w), 0)
	if err != nil {
		return nil, err
	}
	want := normalizeSummary(sl.app.Studio)
	for i := range evs {
		ev := evs[i]
		s.log.Trace("comparing with event", logx.String("summary", ev.Summary), logx.Time("start", ev.Start), logx.Time("end", ev.End))
		if ev.AllDay() || ev.Status == "cancelled" {
			continue
		}
		if normalizeSummary(ev.Summary) == want && ev.Start.Equal(sl.start) && ev.End.Equal(sl.end) {
			return &ev, nil
		}
	}
	return nil, nil
}

func (s *Syncer) remember(ctx context.Context, sl slot, eventID string) {
	if s.store == nil {
		return
	}
	err := s.store.PutSyncedEvent(ctx, storage.SyncedEvent{
		Key:        sl.key,
		EventID:    eventID,
		CalendarID: s.cfg.CalendarID,
		Summary:    sl.app.Studio,
		Start:      sl.start,
		End:        sl.end,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.log.Warn("record synced event failed", logx.Err(err))
	}
}

func (s *Syncer) logLookahead(ctx context.Context, prov gcal.Provider, now time.Time) {
	if s.cfg.LookaheadEvents < 0 || !s.log.Enabled(logx.LevelDebug) {
		return
	}
	evs, err := prov.ListEvents(ctx, s.cfg.CalendarID, now, time.Time{}, s.cfg.LookaheadEvents)
	if err != nil {
		s.log.Debug("list upcoming events failed", logx.Err(err))
		return
	}
	for _, ev := range evs {
		start, end := ev.StartDate, ev.EndDate
		if !ev.AllDay() {
			start, end = ev.Start.In(s.loc).Format(time.RFC3339), ev.End.In(s.loc).Format(time.RFC3339)
		}
		s.log.Debug("upcoming event", logx.String("summary", ev.Summary), logx.String("start", start), logx.String("end", end))
	}
}

// EventKey identifies an appointment slot independent of the calendar event ID.
func EventKey(summary string, start, end time.Time) string {
	h := sha256.New()
	h.Write([]byte(normalizeSummary(summary)))
	h.Write([]byte{0})
	h.Write([]byte(start.UTC().Format(time.RFC3339)))
	h.Write([]byte{0})
	h.Write([]byte(end.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeSummary(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
