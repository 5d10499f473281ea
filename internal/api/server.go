// Package api exposes the local control surface as a small HTTP API. It is
// the seam a UI (or curl during development) drives the practice flow
// through:
//
//	POST /session/connect   start a session from scenario instructions
//	POST /session/reset     tear the session down
//	POST /recording/start   open the microphone
//	POST /recording/stop    close the microphone
//	POST /message           send a typed user message
//	GET  /history           full history, or a prefix via ?upto=N
//	GET  /state             current flow state
//	GET  /sessions          archived session ids (when archiving is on)
//	GET  /sessions/{id}     one archived transcript
//	GET  /healthz, /readyz  probes
//	GET  /metrics           Prometheus scrape endpoint
//
// All responses are JSON. Failures keep their stage-specific type through
// the status code: a microphone problem is a 409 the user can fix, a
// translation or agent failure is a 502 worth retrying.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tandemvox/tandem/internal/archive"
	"github.com/tandemvox/tandem/internal/health"
	"github.com/tandemvox/tandem/internal/observe"
	"github.com/tandemvox/tandem/internal/practice"
	"github.com/tandemvox/tandem/internal/translate"
	"github.com/tandemvox/tandem/internal/transport"
	"github.com/tandemvox/tandem/pkg/audio/capture"
	"github.com/tandemvox/tandem/pkg/session"
)

// recentWindow is how far back /sessions looks for archived transcripts.
const recentWindow = 7 * 24 * time.Hour

// Archive is the read side of the transcript store, as the API sees it.
type Archive interface {
	GetSession(ctx context.Context, sessionID string) ([]archive.Entry, error)
	RecentSessions(ctx context.Context, window time.Duration) ([]string, error)
}

// Server routes control requests to a [practice.Controller].
type Server struct {
	ctrl    *practice.Controller
	health  *health.Handler
	archive Archive
	metrics *observe.Metrics
	log     *slog.Logger
	mux     *http.ServeMux
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithArchive exposes archived transcripts under /sessions. Without it the
// routes respond 503.
func WithArchive(a Archive) Option {
	return func(s *Server) { s.archive = a }
}

// New builds a Server for ctrl. The health handler may be nil, in which
// case an empty one (always ready) is registered.
func New(ctrl *practice.Controller, h *health.Handler, opts ...Option) *Server {
	if h == nil {
		h = health.New()
	}
	s := &Server{
		ctrl:   ctrl,
		health: h,
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	s.mux.HandleFunc("POST /session/connect", s.handleConnect)
	s.mux.HandleFunc("POST /session/reset", s.handleReset)
	s.mux.HandleFunc("POST /recording/start", s.handleRecordingStart)
	s.mux.HandleFunc("POST /recording/stop", s.handleRecordingStop)
	s.mux.HandleFunc("POST /message", s.handleMessage)
	s.mux.HandleFunc("GET /history", s.handleHistory)
	s.mux.HandleFunc("GET /state", s.handleState)
	s.mux.HandleFunc("GET /sessions", s.handleSessions)
	s.mux.HandleFunc("GET /sessions/{id}", s.handleSession)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(s.mux)

	return s
}

// Handler returns the route tree wrapped in the tracing middleware.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.metrics)(s.mux)
}

// ── Handlers ──────────────────────────────────────────────────────────────────

type connectRequest struct {
	Instructions string `json:"instructions"`
	PracticeLang string `json:"practice_lang,omitempty"`
	NativeLang   string `json:"native_lang,omitempty"`
	Modality     string `json:"modality,omitempty"`
}

type stateResponse struct {
	State     practice.State `json:"state"`
	SessionID string         `json:"session_id,omitempty"`
	Recording bool           `json:"recording"`
	Messages  int            `json:"messages"`
}

type historyResponse struct {
	SessionID string          `json:"session_id,omitempty"`
	Messages  session.History `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Instructions == "" {
		writeError(w, http.StatusBadRequest, "instructions is required")
		return
	}

	err := s.ctrl.Connect(r.Context(), req.Instructions,
		practice.WithLanguages(req.PracticeLang, req.NativeLang),
		practice.WithModality(req.Modality),
	)
	if err != nil {
		s.log.Warn("connect failed", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stateResponse{
		State:     s.ctrl.State(),
		SessionID: s.ctrl.SessionID(),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Reset(r.Context())
	writeJSON(w, http.StatusOK, stateResponse{State: s.ctrl.State()})
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StartRecording(r.Context()); err != nil {
		s.log.Warn("recording start failed", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recording": true})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.StopRecording(); err != nil {
		s.log.Warn("recording stop failed", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recording": false})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.ctrl.SendMessage(req.Text); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"messages": len(s.ctrl.History())})
}

// handleHistory returns the merged history. The optional ?upto=N query
// returns only the first N messages, for replaying the timeline; the
// history is immutable so the prefix is always a valid past state.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	hist := s.ctrl.History()

	if upto := r.URL.Query().Get("upto"); upto != "" {
		n, err := strconv.Atoi(upto)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "upto must be a non-negative integer")
			return
		}
		if n < len(hist) {
			hist = hist[:n]
		}
	}
	if hist == nil {
		hist = session.History{}
	}

	writeJSON(w, http.StatusOK, historyResponse{
		SessionID: s.ctrl.SessionID(),
		Messages:  hist,
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{
		State:     s.ctrl.State(),
		SessionID: s.ctrl.SessionID(),
		Recording: s.ctrl.Recording(),
		Messages:  len(s.ctrl.History()),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "session archive is not configured")
		return
	}
	ids, err := s.archive.RecentSessions(r.Context(), recentWindow)
	if err != nil {
		s.log.Error("listing archived sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "archive query failed")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"sessions": ids})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "session archive is not configured")
		return
	}
	id := r.PathValue("id")
	entries, err := s.archive.GetSession(r.Context(), id)
	if err != nil {
		s.log.Error("loading archived session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "archive query failed")
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "entries": entries})
}

// statusFor maps a controller error onto an HTTP status. Device problems
// are conflicts the user can resolve locally; upstream failures are bad
// gateways worth retrying.
func statusFor(err error) int {
	var devErr *capture.DeviceAccessError
	var trErr *translate.TranslationError
	var connErr *transport.ConnectionError
	switch {
	case errors.Is(err, practice.ErrNoSession):
		return http.StatusConflict
	case errors.As(err, &devErr):
		return http.StatusConflict
	case errors.As(err, &trErr), errors.As(err, &connErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
