package control

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"termsync/internal/storage"
	"termsync/internal/task/engine"
	"termsync/internal/task/scheduler"
	logx "termsync/pkg/logx"
)

const maxRunsLimit = 200

// Handler returns the API mux. A non-empty token is required as
// "Authorization: Bearer <token>" on every endpoint except /healthz.
func (s *Service) Handler(token string) http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /v1/runs", auth(s.handleRuns))
	mux.HandleFunc("GET /v1/lease", auth(s.handleLease))
	mux.HandleFunc("POST /v1/dispatch", auth(s.handleDispatch))
	return mux
}

type runView struct {
	ID         string               `json:"id"`
	Job        string               `json:"job"`
	Trigger    string               `json:"trigger"`
	Status     string               `json:"status"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	Error      string               `json:"error,omitempty"`
	Steps      []storage.StepRecord `json:"steps,omitempty"`
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRunsLimit)
	}
	runs, err := s.backend.Runs(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]runView, 0, len(runs))
	for _, rec := range runs {
		v := runView{
			ID:        rec.ID,
			Job:       rec.Job,
			Trigger:   rec.Trigger,
			Status:    rec.Status,
			StartedAt: rec.StartedAt,
			Error:     rec.Error,
			Steps:     rec.Steps,
		}
		if !rec.FinishedAt.IsZero() {
			f := rec.FinishedAt
			v.FinishedAt = &f
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Service) handleLease(w http.ResponseWriter, r *http.Request) {
	l, ok, err := s.backend.Lease(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok || l.Expired(time.Now()) {
		writeJSON(w, http.StatusOK, map[string]any{"held": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"held":        true,
		"name":        l.Name,
		"holder":      l.Holder,
		"acquired_at": l.AcquiredAt,
		"expires_at":  l.ExpiresAt,
	})
}

func (s *Service) handleDispatch(w http.ResponseWriter, r *http.Request) {
	err := s.backend.Dispatch("http")
	switch {
	case err == nil:
		s.log.Info("manual run dispatched", logx.String("source", "http"), logx.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	case errors.Is(err, engine.ErrOverlapSkip):
		writeJSON(w, http.StatusConflict, map[string]string{"status": "skipped", "error": "a run is already queued or running"})
	default:
		s.writeError(w, err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrUnknownSchedule):
		code = http.StatusNotFound
	case errors.Is(err, storage.ErrDisabled),
		errors.Is(err, engine.ErrDisabled),
		errors.Is(err, engine.ErrStopped),
		errors.Is(err, engine.ErrStopping),
		errors.Is(err, engine.ErrQueueFull):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.log.Warn("control request failed", logx.Err(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if ok && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) == 1 {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}
