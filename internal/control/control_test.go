package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"termsync/internal/storage"
	"termsync/internal/task/engine"
	logx "termsync/pkg/logx"
)

type fakeBackend struct {
	mu          sync.Mutex
	dispatchErr error
	dispatched  []string
	runs        []storage.RunRecord
	lastLimit   int
	lease       storage.Lease
	leaseOK     bool
}

func (f *fakeBackend) Dispatch(source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatchErr != nil {
		return f.dispatchErr
	}
	f.dispatched = append(f.dispatched, source)
	return nil
}

func (f *fakeBackend) Runs(_ context.Context, limit int) ([]storage.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	return f.runs, nil
}

func (f *fakeBackend) Lease(context.Context) (storage.Lease, bool, error) {
	return f.lease, f.leaseOK, nil
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeBackend{}, logx.Nop())
	h := s.Handler("s3cret")

	cases := []struct {
		method, path, token string
		want                int
	}{
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/v1/runs", "", http.StatusUnauthorized},
		{http.MethodGet, "/v1/runs", "wrong", http.StatusUnauthorized},
		{http.MethodGet, "/v1/runs", "s3cret", http.StatusOK},
		{http.MethodPost, "/v1/dispatch", "", http.StatusUnauthorized},
		{http.MethodPost, "/v1/dispatch", "s3cret", http.StatusAccepted},
		{http.MethodGet, "/v1/dispatch", "s3cret", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		if rec := do(t, h, tc.method, tc.path, tc.token); rec.Code != tc.want {
			t.Fatalf("%s %s token=%q: code %d, want %d", tc.method, tc.path, tc.token, rec.Code, tc.want)
		}
	}
}

func TestDispatch(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"queued", nil, http.StatusAccepted},
		{"overlap", engine.ErrOverlapSkip, http.StatusConflict},
		{"engine stopped", fmt.Errorf("enqueue: %w", engine.ErrStopped), http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := &fakeBackend{dispatchErr: tc.err}
			rec := do(t, New(Config{}, b, logx.Nop()).Handler(""), http.MethodPost, "/v1/dispatch", "")
			if rec.Code != tc.want {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tc.want, rec.Body.String())
			}
			if tc.err == nil && (len(b.dispatched) != 1 || b.dispatched[0] != "http") {
				t.Fatalf("dispatched = %v", b.dispatched)
			}
		})
	}
}

func TestRuns(t *testing.T) {
	t.Parallel()
	started := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
	b := &fakeBackend{runs: []storage.RunRecord{
		{ID: "r2", Job: "termsync", Trigger: "schedule", Status: storage.RunRunning, StartedAt: started},
		{ID: "r1", Job: "termsync", Trigger: "manual:cli", Status: storage.RunFailed, StartedAt: started.Add(-15 * time.Minute),
			FinishedAt: started.Add(-14 * time.Minute), Error: "execute: exit status 1"},
	}}
	h := New(Config{}, b, logx.Nop()).Handler("")

	rec := do(t, h, http.MethodGet, "/v1/runs?limit=5000", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body struct {
		Runs []runView `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Runs) != 2 || body.Runs[0].FinishedAt != nil || body.Runs[1].FinishedAt == nil || body.Runs[1].Error == "" {
		t.Fatalf("runs = %+v", body.Runs)
	}
	if b.lastLimit != maxRunsLimit {
		t.Fatalf("limit = %d, want %d", b.lastLimit, maxRunsLimit)
	}
	if rec := do(t, h, http.MethodGet, "/v1/runs?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit code = %d", rec.Code)
	}
}

func TestLease(t *testing.T) {
	t.Parallel()
	now := time.Now()
	b := &fakeBackend{leaseOK: true, lease: storage.Lease{Name: "termsync", Holder: "host:1:abc", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}}
	rec := do(t, New(Config{}, b, logx.Nop()).Handler(""), http.MethodGet, "/v1/lease", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"held":true`) || !strings.Contains(rec.Body.String(), "host:1:abc") {
		t.Fatalf("lease = %d %s", rec.Code, rec.Body.String())
	}

	b.lease.ExpiresAt = now.Add(-time.Second)
	rec = do(t, New(Config{}, b, logx.Nop()).Handler(""), http.MethodGet, "/v1/lease", "")
	if !strings.Contains(rec.Body.String(), `"held":false`) {
		t.Fatalf("expired lease = %s", rec.Body.String())
	}
}

func TestCheckBind(t *testing.T) {
	t.Parallel()
	cases := []struct {
		addr, token string
		insecure    bool
		ok          bool
	}{
		{"127.0.0.1:8717", "", false, true},
		{"localhost:8717", "", false, true},
		{"[::1]:8717", "", false, true},
		{":8717", "", false, false},
		{"0.0.0.0:8717", "", false, false},
		{"0.0.0.0:8717", "tok", false, true},
		{"0.0.0.0:8717", "", true, true},
	}
	for _, tc := range cases {
		err := checkBind(tc.addr, tc.token, tc.insecure)
		if (err == nil) != tc.ok {
			t.Fatalf("checkBind(%q, %q, %v) = %v", tc.addr, tc.token, tc.insecure, err)
		}
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, &fakeBackend{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Start(ctx)

	var addr string
	for addr == "" && ctx.Err() == nil {
		addr = s.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatalf("still bound after disable")
	}
}
