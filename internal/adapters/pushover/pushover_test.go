package pushover

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"termsync/internal/httpx"
	"termsync/internal/notifier"
	logx "termsync/pkg/logx"
)

func newSender(t *testing.T, srvURL string) *Sender {
	t.Helper()
	client := httpx.New(httpx.Config{RetryMax: -1, Timeout: 5 * time.Second}, logx.Nop())
	s, err := New(Config{APIURL: srvURL, Token: "apptoken", UserKey: "userkey", Title: "termsync"}, client)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSendFormPayload(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		form url.Values
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = r.ParseForm()
		form = r.PostForm
		_, _ = w.Write([]byte(`{"status":1,"request":"abc"}`))
	}))
	defer srv.Close()

	err := newSender(t, srv.URL).Send(context.Background(), notifier.Notification{Text: strings.Repeat("x", 2000), Priority: notifier.PriorityHigh})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if form.Get("token") != "apptoken" || form.Get("user") != "userkey" || form.Get("priority") != "1" || form.Get("title") != "termsync" {
		t.Fatalf("form = %v", form)
	}
	if n := len([]rune(form.Get("message"))); n != maxMessage {
		t.Fatalf("message runes = %d, want %d", n, maxMessage)
	}
}

func TestRejectedIsPermanent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"user":"invalid","errors":["user identifier is invalid"],"status":0}`))
	}))
	defer srv.Close()

	err := newSender(t, srv.URL).Send(context.Background(), notifier.Notification{Text: "x"})
	if !notifier.IsPermanent(err) || !strings.Contains(err.Error(), "user identifier is invalid") {
		t.Fatalf("err = %v", err)
	}
}

func TestServerErrorIsRetryable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newSender(t, srv.URL).Send(context.Background(), notifier.Notification{Text: "x"})
	if err == nil || notifier.IsPermanent(err) {
		t.Fatalf("err = %v, want retryable error", err)
	}
	if strings.Contains(err.Error(), "apptoken") {
		t.Fatalf("error leaks token: %v", err)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "x"}, nil); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err = %v", err)
	}
}
