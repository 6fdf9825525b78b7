package synchron

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"termsync/internal/httpx"
	logx "termsync/pkg/logx"
)

func readFixture(t *testing.T) []byte {
	t.Helper()
	b, err := os.ReadFile("testdata/events.html")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return b
}

func TestParseEventsPage(t *testing.T) {
	t.Parallel()
	page := readFixture(t)

	tests := []struct {
		name    string
		limit   int
		studios []string
	}{
		// The limit counts appointment rows before the five-cell filter.
		{name: "default limit", limit: DefaultMaxAppointments, studios: []string{"Studio Nord", "Studio Süd", "Studio West", "Studio Ost"}},
		{name: "unlimited", limit: 0, studios: []string{"Studio Nord", "Studio Süd", "Studio West", "Studio Ost", "Studio Mitte", "Studio Spät"}},
		{name: "one", limit: 1, studios: []string{"Studio Nord"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(strings.NewReader(string(page)), "text/html; charset=utf-8", tt.limit)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(got) != len(tt.studios) {
				t.Fatalf("got %d appointments, want %d: %+v", len(got), len(tt.studios), got)
			}
			for i, s := range tt.studios {
				if got[i].Studio != s {
					t.Fatalf("appointment %d studio = %q, want %q", i, got[i].Studio, s)
				}
			}
		})
	}
}

func TestParseRowFields(t *testing.T) {
	t.Parallel()
	got, err := Parse(strings.NewReader(string(readFixture(t))), "", 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []Appointment{
		{Date: "02.03.2026", StartTime: "09:00", EndTime: "12:30", Studio: "Studio Nord", Address: "Hauptstraße 1, 20095 Hamburg"},
		{Date: "02.03.2026", StartTime: "14:00", EndTime: "15:00", Studio: "Studio Süd", Address: "Am Markt 7"},
		{Date: "03.03.2026", StartTime: "10:15", EndTime: "11:45", Studio: "Studio West", Address: "Westweg 3"},
	}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("appointment %d = %+v, want %+v", i, got[i], w)
		}
	}

	loc := time.FixedZone("CET", 3600)
	start, err := got[0].Start(loc)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	end, err := got[0].End(loc)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if !start.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, loc)) || end.Sub(start) != 3*time.Hour+30*time.Minute {
		t.Fatalf("start=%s end=%s", start, end)
	}
}

func TestParseDecodesLatin1(t *testing.T) {
	t.Parallel()
	page := "<table><tr style=\"color: black; background: whitesmoke\"><td>09:00 - 10:00</td>" +
		"<td><b>Studio</b>Stra\xdfe 5</td><td></td><td></td><td></td></tr></table>"
	got, err := Parse(strings.NewReader(page), "text/html; charset=iso-8859-1", 5)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 1 || got[0].Address != "Straße 5" || got[0].Date != "" {
		t.Fatalf("got %+v", got)
	}
	if _, err := got[0].Start(time.UTC); err == nil {
		t.Fatal("expected error for a row without date header")
	}
}

type fakePortal struct {
	password string
	events   []byte
}

func (p fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	switch {
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		_, _ = w.Write([]byte(`<form><input type="hidden" name="_token" value="tok123"></form>`))
	case r.URL.Path == "/login" && r.Method == http.MethodPost:
		if r.URL.Query().Get("is_app") != "0" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = r.ParseForm()
		if r.PostForm.Get("_token") != "tok123" || r.PostForm.Get("username") != "alice" || r.PostForm.Get("password") != p.password {
			_, _ = w.Write([]byte("<p>Anmeldung fehlgeschlagen</p>"))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "s1", Path: "/"})
		_, _ = w.Write([]byte("<h1>Termine</h1>"))
	case r.URL.Path == "/events":
		if c, err := r.Cookie("sid"); err != nil || c.Value != "s1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write(p.events)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:         srv.URL + "/",
		MaxAppointments: DefaultMaxAppointments,
		HTTP:            httpx.Config{RetryMax: -1, Timeout: 5 * time.Second},
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestLoginAndFetch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(fakePortal{password: "secret", events: readFixture(t)})
	defer srv.Close()

	c := newTestClient(t, srv)
	if _, err := c.Appointments(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("err = %v, want ErrNotLoggedIn", err)
	}
	if err := c.Login(context.Background(), "alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	apps, err := c.Appointments(context.Background())
	if err != nil {
		t.Fatalf("Appointments: %v", err)
	}
	if len(apps) != 4 {
		t.Fatalf("appointments = %d, want 4", len(apps))
	}
}

func TestLoginFailsWithoutMarker(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(fakePortal{password: "secret"})
	defer srv.Close()

	err := newTestClient(t, srv).Login(context.Background(), "alice", "wrong")
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("err = %v, want ErrLoginFailed", err)
	}
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{BaseURL: "login.synchron.de"}, logx.Nop()); err == nil {
		t.Fatal("expected error for base url without scheme")
	}
}
