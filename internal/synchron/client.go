// Package synchron logs in to the Synchron booking portal and reads the
// account's upcoming appointments from the events page.
package synchron

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"termsync/internal/httpx"
	logx "termsync/pkg/logx"
)

const DefaultBaseURL = "https://login.synchron.de"

// loginMarker appears on the page served after a successful login.
const loginMarker = "Termine"

var (
	ErrLoginFailed = errors.New("synchron: login failed")
	ErrNotLoggedIn = errors.New("synchron: not logged in")
)

type Config struct {
	BaseURL string
	// MaxAppointments caps the rows read from the events page (0 = all).
	MaxAppointments int
	HTTP            httpx.Config
}

// Client is a single portal session. It is not safe for concurrent logins.
type Client struct {
	base     string
	max      int
	http     *httpx.Client
	log      logx.Logger
	loggedIn bool
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("synchron: invalid base url %q", base)
	}
	jar, err := httpx.NewJar()
	if err != nil {
		return nil, fmt.Errorf("synchron: cookie jar: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base: base,
		max:  cfg.MaxAppointments,
		http: httpx.New(cfg.HTTP, log, httpx.WithCookieJar(jar)),
		log:  log.With(logx.String("comp", "synchron")),
	}, nil
}

// Login fetches the CSRF token from the landing page and posts the
// credentials. A missing token is sent as an empty value.
func (c *Client) Login(ctx context.Context, username, password string) error {
	resp, err := c.http.Get(ctx, c.base)
	if err != nil {
		return fmt.Errorf("synchron: get landing page: %w", err)
	}
	body, err := httpx.ReadBody(resp)
	if err != nil {
		return fmt.Errorf("synchron: landing page: %w", err)
	}
	token, err := csrfToken(bytes.NewReader(body), resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("synchron: %w", err)
	}
	c.log.Debug("csrf token retrieved", logx.Bool("present", token != ""))

	form := url.Values{
		"username": {username},
		"password": {password},
		"_token":   {token},
	}
	resp, err = c.http.PostForm(ctx, c.base+"/login?is_app=0", form)
	if err != nil {
		return fmt.Errorf("synchron: post login: %w", err)
	}
	body, err = httpx.ReadBody(resp)
	if err != nil {
		return fmt.Errorf("synchron: login response: %w", err)
	}
	c.log.Debug("login response", logx.Int("status", resp.StatusCode))
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(loginMarker)) {
		return fmt.Errorf("%w (status %d)", ErrLoginFailed, resp.StatusCode)
	}
	c.loggedIn = true
	return nil
}

// Appointments reads the events page of the logged-in session.
func (c *Client) Appointments(ctx context.Context) ([]Appointment, error) {
	if !c.loggedIn {
		return nil, ErrNotLoggedIn
	}
	resp, err := c.http.Get(ctx, c.base+"/events?is_app=0")
	if err != nil {
		return nil, fmt.Errorf("synchron: get events: %w", err)
	}
	body, err := httpx.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("synchron: events page: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("synchron: events page status %d", resp.StatusCode)
	}
	apps, err := Parse(bytes.NewReader(body), resp.Header.Get("Content-Type"), c.max)
	if err != nil {
		return nil, fmt.Errorf("synchron: %w", err)
	}
	for _, a := range apps {
		c.log.Debug("appointment", logx.String("date", a.Date), logx.String("start", a.StartTime),
			logx.String("end", a.EndTime), logx.String("studio", a.Studio), logx.String("address", a.Address))
	}
	return apps, nil
}
