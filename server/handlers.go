package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/tgscribe/db"
	"github.com/onnwee/tgscribe/session"
)

// SessionLister is the live session registry.
type SessionLister interface {
	Keys() []session.Info
}

// PublishLister reads the publish log.
type PublishLister interface {
	Recent(ctx context.Context, chatKey string, limit int) ([]db.PublishRecord, error)
}

// Check is one readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers. Publishes may be nil
// when no database is configured.
type Handlers struct {
	Sessions  SessionLister
	Publishes PublishLister
	Checks    []Check
}

// HandleHealthz is the liveness probe.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs every check and reports the first failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range h.Checks {
		if err := check.Fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.Name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleSessions lists sessions currently recording.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	infos := h.Sessions.Keys()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(infos), "sessions": infos})
}

// HandlePublishes lists recent publish runs. Query: chat, limit.
func (h *Handlers) HandlePublishes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Publishes == nil {
		http.Error(w, "publish log requires DB_DSN", http.StatusNotImplemented)
		return
	}
	recs, err := h.Publishes.Recent(r.Context(), r.URL.Query().Get("chat"), parseIntQuery(r, "limit", 50))
	if err != nil {
		slog.Error("publish log query failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []db.PublishRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
