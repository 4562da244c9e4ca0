// Package control serves the HTTP control surface of awim: starting and
// stopping the streaming session, querying its status and pushing status
// events to websocket clients. It also mounts the health probes and the
// metrics endpoint.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/MrWong99/awim/internal/app"
	"github.com/MrWong99/awim/internal/health"
	"github.com/MrWong99/awim/internal/observe"
	"github.com/MrWong99/awim/internal/status"
	"github.com/MrWong99/awim/internal/transport"
	"github.com/MrWong99/awim/pkg/audio"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 10

// Manager is the part of [app.SessionManager] the control server drives.
type Manager interface {
	Start(ctx context.Context, port int, mode transport.Mode) error
	Stop(ctx context.Context) error
	Status() app.Status
	TriggerCurrent()
	Subscribe(buffer int) (<-chan status.Event, func())
}

// Config configures a [Server].
type Config struct {
	// Manager is required.
	Manager Manager

	// Health mounts /healthz and /readyz when set.
	Health *health.Handler

	// MetricsPath and MetricsHandler mount the metrics endpoint when both
	// are set.
	MetricsPath    string
	MetricsHandler http.Handler

	// Metrics records HTTP request durations. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// EventBuffer is the per-client event queue length. Default 32.
	EventBuffer int
}

// Server routes control requests to a [Manager].
type Server struct {
	mgr     Manager
	handler http.Handler
	buffer  int
}

// New builds the control server.
func New(cfg Config) *Server {
	if cfg.Manager == nil {
		panic("control: nil manager")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}
	s := &Server{mgr: cfg.Manager, buffer: cfg.EventBuffer}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/session", s.getSession)
	mux.HandleFunc("POST /v1/session", s.startSession)
	mux.HandleFunc("DELETE /v1/session", s.stopSession)
	mux.HandleFunc("POST /v1/session/trigger", s.trigger)
	mux.HandleFunc("GET /v1/events", s.events)
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	if cfg.MetricsPath != "" && cfg.MetricsHandler != nil {
		mux.Handle("GET "+cfg.MetricsPath, cfg.MetricsHandler)
	}
	s.handler = observe.Middleware(cfg.Metrics)(mux)
	return s
}

// Handler returns the root handler, wrapped in tracing and metrics
// middleware.
func (s *Server) Handler() http.Handler { return s.handler }

// StartRequest is the body of POST /v1/session. Both fields are optional:
// port 0 auto-assigns and an empty mode uses the configured default.
type StartRequest struct {
	Port int    `json:"port"`
	Mode string `json:"mode"`
}

type errorBody struct {
	Error  string      `json:"error"`
	Status *app.Status `json:"status,omitempty"`
}

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Status())
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err, nil)
		return
	}
	var mode transport.Mode
	if req.Mode != "" {
		m, err := transport.ParseMode(req.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err, nil)
			return
		}
		mode = m
	}
	if req.Port < 0 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, errors.New("control: port out of range [0, 65535]"), nil)
		return
	}

	err := s.mgr.Start(r.Context(), req.Port, mode)
	st := s.mgr.Status()
	if err != nil {
		code := startErrorCode(err)
		observe.Logger(r.Context()).Warn("control: start session failed", "port", req.Port, "mode", mode, "err", err)
		writeError(w, code, err, &st)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func startErrorCode(err error) int {
	var be *transport.BindError
	switch {
	case errors.Is(err, app.ErrSessionActive), errors.As(err, &be):
		return http.StatusConflict
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Stop(r.Context()); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, app.ErrNoSession) {
			code = http.StatusNotFound
		}
		writeError(w, code, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.mgr.Status())
}

func (s *Server) trigger(w http.ResponseWriter, _ *http.Request) {
	s.mgr.TriggerCurrent()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("control: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error, st *app.Status) {
	writeJSON(w, code, errorBody{Error: err.Error(), Status: st})
}
