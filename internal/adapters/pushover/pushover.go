// Package pushover sends run notifications through the Pushover messages API.
package pushover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"termsync/internal/httpx"
	"termsync/internal/notifier"
)

const (
	DefaultAPIURL = "https://api.pushover.net/1/messages.json"

	maxMessage = 1024
	maxTitle   = 250
)

var ErrMissingCredentials = errors.New("pushover: token and user key are required")

type Config struct {
	APIURL  string
	Token   string // PUSHOVER_TOKEN
	UserKey string // PUSHOVER_USER_KEY
	Title   string
	Device  string
	Sound   string
}

type Sender struct {
	cfg  Config
	http *httpx.Client
}

func New(cfg Config, client *httpx.Client) (*Sender, error) {
	if cfg.Token == "" || cfg.UserKey == "" {
		return nil, ErrMissingCredentials
	}
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = DefaultAPIURL
	}
	return &Sender{cfg: cfg, http: client}, nil
}

func (s *Sender) Name() string { return "pushover" }

type apiResponse struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors"`
}

func (s *Sender) Send(ctx context.Context, n notifier.Notification) error {
	title := n.Title
	if title == "" {
		title = s.cfg.Title
	}
	form := url.Values{
		"token":    {s.cfg.Token},
		"user":     {s.cfg.UserKey},
		"message":  {truncate(n.Text, maxMessage)},
		"priority": {strconv.Itoa(n.Priority)},
	}
	if title != "" {
		form.Set("title", truncate(title, maxTitle))
	}
	if n.URL != "" {
		form.Set("url", n.URL)
	}
	if s.cfg.Device != "" {
		form.Set("device", s.cfg.Device)
	}
	if s.cfg.Sound != "" {
		form.Set("sound", s.cfg.Sound)
	}

	resp, err := s.http.PostForm(ctx, s.cfg.APIURL, form)
	if err != nil {
		// Never surface the request URL with the form: it carries the token.
		return fmt.Errorf("pushover: request failed: %w", stripURL(err))
	}
	body, err := httpx.ReadBody(resp)
	if err != nil {
		return fmt.Errorf("pushover: %w", err)
	}

	var ar apiResponse
	_ = json.Unmarshal(body, &ar)
	switch {
	case resp.StatusCode == 200 && ar.Status == 1:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429:
		return notifier.Permanent(fmt.Errorf("pushover: rejected (%d): %s", resp.StatusCode, strings.Join(ar.Errors, "; ")))
	default:
		return fmt.Errorf("pushover: unexpected response (%d) status=%d", resp.StatusCode, ar.Status)
	}
}

func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}
