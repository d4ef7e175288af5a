package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/voice-bridge/internal/connection"
	"github.com/rickgao/voice-bridge/internal/entity"
	"github.com/rickgao/voice-bridge/internal/ledger"
	"github.com/rickgao/voice-bridge/internal/metrics"
)

const (
	defaultSessionLimit    = 20
	defaultTranscriptLimit = 200
	resumptionMessages     = 20
)

// bridgeClient is the part of the connection manager the HTTP surface uses.
type bridgeClient interface {
	Stats() connection.ManagerStats
	Subscriptions() []connection.SubscriptionInfo
	DropConnection()
	IsConnected() bool
}

// sessionStore is implemented by ledger stores that keep session metadata.
type sessionStore interface {
	CreateSession(ctx context.Context, id string) (ledger.Session, error)
	GetSession(ctx context.Context, id string) (ledger.Session, error)
	EndSession(ctx context.Context, id, reason, details string) (ledger.Session, error)
	ListSessions(ctx context.Context, status string, limit int) ([]ledger.Session, error)
	Stats(ctx context.Context) (ledger.SessionStats, error)
}

// transcriptReader reads a session's ledger entries.
type transcriptReader interface {
	Read(ctx context.Context, sessionID string, limit int) ([]ledger.Entry, error)
	Stats() ledger.RecorderStats
}

type serverConfig struct {
	Gatherer    prometheus.Gatherer
	MetricsPath string
	Client      bridgeClient
	Cache       *entity.Cache
	Recorder    transcriptReader
	Sessions    sessionStore
	SessionID   string
}

// server serves health, metrics, debug and ledger endpoints.
type server struct {
	cfg    serverConfig
	logger *slog.Logger
}

func newServer(cfg serverConfig, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &server{cfg: cfg, logger: logger.With("component", "http")}
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.Gatherer != nil {
		r.Handle(s.cfg.MetricsPath, metrics.Handler(s.cfg.Gatherer)).Methods(http.MethodGet)
	}

	r.HandleFunc("/debug/subscriptions", s.handleSubscriptions).Methods(http.MethodGet)
	r.HandleFunc("/debug/disconnect", s.handleDisconnect).Methods(http.MethodPost)

	r.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/stats", s.handleSessionStats).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/transcript", s.handleTranscript).Methods(http.MethodGet)

	r.HandleFunc("/entities", s.handleListEntities).Methods(http.MethodGet)
	r.HandleFunc("/entities/{id}", s.handleGetEntity).Methods(http.MethodGet)

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := struct {
		Status     string         `json:"status"`
		SessionID  string         `json:"session_id,omitempty"`
		Components map[string]any `json:"components"`
	}{
		Status:     "healthy",
		SessionID:  s.cfg.SessionID,
		Components: make(map[string]any),
	}

	// Check connection
	stats := s.cfg.Client.Stats()
	if !s.cfg.Client.IsConnected() {
		health.Status = "unhealthy"
	}
	health.Components["home_assistant"] = stats

	// Check entity cache
	if s.cfg.Cache != nil {
		cache := map[string]any{
			"entities":    s.cfg.Cache.Len(),
			"unavailable": len(s.cfg.Cache.Unavailable()),
			"dropped":     s.cfg.Cache.Dropped(),
		}
		if last := s.cfg.Cache.LastSyncAt(); !last.IsZero() {
			cache["last_sync_at"] = last
		}
		health.Components["entities"] = cache
		if s.cfg.Cache.Len() == 0 && health.Status == "healthy" {
			health.Status = "degraded"
		}
	}

	// Check ledger
	if s.cfg.Recorder != nil {
		ls := s.cfg.Recorder.Stats()
		health.Components["ledger"] = ls
		if ls.Errors > 0 && health.Status == "healthy" {
			health.Status = "degraded"
		}
	}

	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, health)
}

func (s *server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := s.cfg.Client.Subscriptions()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":         len(subs),
		"subscriptions": subs,
	})
}

func (s *server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("dropping connection on request", "remote", r.RemoteAddr)
	s.cfg.Client.DropConnection()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "dropped"})
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sessions == nil {
		s.writeError(w, http.StatusNotImplemented, "ledger backend does not keep sessions")
		return
	}
	limit, err := queryInt(r, "limit", defaultSessionLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, err := s.cfg.Sessions.ListSessions(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		s.logger.Error("list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "list sessions failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sessions == nil {
		s.writeError(w, http.StatusNotImplemented, "ledger backend does not keep sessions")
		return
	}
	stats, err := s.cfg.Sessions.Stats(r.Context())
	if err != nil {
		s.logger.Error("session stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "session stats failed")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sessions == nil {
		s.writeError(w, http.StatusNotImplemented, "ledger backend does not keep sessions")
		return
	}
	session, err := s.cfg.Sessions.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, ledger.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("get session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "get session failed")
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

// handleTranscript returns a session's entries. format=context returns the
// resumption context instead.
func (s *server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Recorder == nil {
		s.writeError(w, http.StatusNotImplemented, "ledger disabled")
		return
	}
	id := mux.Vars(r)["id"]
	limit, err := queryInt(r, "limit", defaultTranscriptLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	entries, err := s.cfg.Recorder.Read(ctx, id, limit)
	if err != nil {
		if errors.Is(err, ledger.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("read transcript", "session_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "read transcript failed")
		return
	}

	if r.URL.Query().Get("format") == "context" {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"session_id": id,
			"messages":   ledger.ResumptionContext(entries, resumptionMessages),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"count":      len(entries),
		"entries":    entries,
	})
}

func (s *server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cache == nil {
		s.writeError(w, http.StatusNotImplemented, "entity cache disabled")
		return
	}
	var entities any
	switch domain := r.URL.Query().Get("domain"); {
	case r.URL.Query().Get("unavailable") == "true":
		entities = s.cfg.Cache.Unavailable()
	case domain != "":
		entities = s.cfg.Cache.ByDomain(domain)
	default:
		entities = s.cfg.Cache.List()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"domains":  s.cfg.Cache.Domains(),
		"entities": entities,
	})
}

func (s *server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cache == nil {
		s.writeError(w, http.StatusNotImplemented, "entity cache disabled")
		return
	}
	e, ok := s.cfg.Cache.Get(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", "error", err)
	}
}

func (s *server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}
