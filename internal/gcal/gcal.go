// Package gcal is the Google Calendar side of the sync: listing events in a
// window and inserting new ones, authenticated by an OAuth2 refresh token.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	logx "termsync/pkg/logx"
)

const (
	DefaultCalendarID = "primary"
	DefaultTimezone   = "Europe/Berlin"

	pageSize = 250
)

var ErrMissingCredentials = errors.New("gcal: client id, client secret and refresh token are required")

// Event is the subset of a Google Calendar event the sync needs.
// All-day events keep their dates in StartDate/EndDate and have zero Start/End.
type Event struct {
	ID        string
	Summary   string
	Location  string
	Start     time.Time
	End       time.Time
	StartDate string
	EndDate   string
	Status    string
	HTMLLink  string
}

func (e Event) AllDay() bool { return e.StartDate != "" }

// Provider is implemented by *Client and by test fakes.
type Provider interface {
	ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time, limit int) ([]Event, error)
	InsertEvent(ctx context.Context, calendarID string, ev Event, timezone string) (Event, error)
}

type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string

	// TokenURL and Endpoint override Google's defaults.
	TokenURL string
	Endpoint string

	// HTTPClient carries token refreshes and API calls. nil means http.DefaultClient.
	HTTPClient *http.Client
}

type Client struct {
	svc *calendar.Service
	log logx.Logger
}

func New(ctx context.Context, cfg Config, log logx.Logger) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, ErrMissingCredentials
	}
	endpoint := google.Endpoint
	if u := strings.TrimSpace(cfg.TokenURL); u != "" {
		endpoint.TokenURL = u
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       []string{calendar.CalendarEventsScope},
	}
	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}
	hc := oc.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if ep := strings.TrimSpace(cfg.Endpoint); ep != "" {
		if !strings.HasSuffix(ep, "/") {
			ep += "/"
		}
		opts = append(opts, option.WithEndpoint(ep))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcal: create calendar service: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{svc: svc, log: log.With(logx.String("comp", "gcal"))}, nil
}

// Calendar returns the calendar's display name and time zone.
// It is the cheapest authenticated call and doubles as a credentials check.
func (c *Client) Calendar(ctx context.Context, calendarID string) (summary, timezone string, err error) {
	cal, err := c.svc.Calendars.Get(calendarID).Context(ctx).Do()
	if err != nil {
		return "", "", fmt.Errorf("gcal: get calendar %s: %w", calendarID, err)
	}
	return cal.Summary, cal.TimeZone, nil
}

// ListEvents returns single (expanded) events overlapping [timeMin, timeMax),
// ordered by start time. A zero timeMax leaves the window open; limit <= 0
// means no limit.
func (c *Client) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time, limit int) ([]Event, error) {
	call := c.svc.Events.List(calendarID).
		Context(ctx).
		SingleEvents(true).
		OrderBy("startTime").
		TimeMin(timeMin.Format(time.RFC3339))
	if !timeMax.IsZero() {
		call = call.TimeMax(timeMax.Format(time.RFC3339))
	}
	size := pageSize
	if limit > 0 {
		size = min(limit, pageSize)
	}
	call = call.MaxResults(int64(size))

	var out []Event
	for {
		res, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("gcal: list events: %w", err)
		}
		for _, item := range res.Items {
			out = append(out, fromAPI(item))
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if res.NextPageToken == "" {
			return out, nil
		}
		call = call.PageToken(res.NextPageToken)
	}
}

// InsertEvent creates ev with start and end pinned to timezone.
func (c *Client) InsertEvent(ctx context.Context, calendarID string, ev Event, timezone string) (Event, error) {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	body := &calendar.Event{
		Summary:  ev.Summary,
		Location: ev.Location,
		Start:    &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: timezone},
		End:      &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: timezone},
	}
	created, err := c.svc.Events.Insert(calendarID, body).Context(ctx).Do()
	if err != nil {
		return Event{}, fmt.Errorf("gcal: insert event: %w", err)
	}
	out := fromAPI(created)
	c.log.Info("event created", logx.String("id", out.ID), logx.String("link", out.HTMLLink))
	return out, nil
}

func fromAPI(item *calendar.Event) Event {
	ev := Event{
		ID:       item.Id,
		Summary:  item.Summary,
		Location: item.Location,
		Status:   item.Status,
		HTMLLink: item.HtmlLink,
	}
	if item.Start != nil {
		if item.Start.Date != "" {
			ev.StartDate = item.Start.Date
		} else {
			ev.Start, _ = time.Parse(time.RFC3339, item.Start.DateTime)
		}
	}
	if item.End != nil {
		if item.End.Date != "" {
			ev.EndDate = item.End.Date
		} else {
			ev.End, _ = time.Parse(time.RFC3339, item.End.DateTime)
		}
	}
	return ev
}
