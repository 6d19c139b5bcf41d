// Package httpapi exposes the controller to local operator tooling.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/eliteGoblin/hs3guard/internal/domain"
	"github.com/eliteGoblin/hs3guard/internal/policy"
	"github.com/eliteGoblin/hs3guard/internal/usecase"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	readHeaderTimeout = 5 * time.Second
)

// Caller runs fn on the goroutine that owns the engine, monitor and link.
type Caller interface {
	Call(ctx context.Context, fn func() error) error
}

// SessionControl is the engine surface the API drives.
type SessionControl interface {
	Status() usecase.SessionReport
	Pause() error
	Resume() error
	Stop()
	EmergencyStop(reason string) bool
}

// SafetyView is the monitor surface the API reads.
type SafetyView interface {
	Status() usecase.SafetyStatus
	Events() *usecase.EventLog
}

// DeviceView is the link surface the API reads.
type DeviceView interface {
	Status() domain.DeviceStatus
}

// Deps are the collaborators behind the routes. Store and Gatherer are
// optional.
type Deps struct {
	Loop      Caller
	Engine    SessionControl
	Monitor   SafetyView
	Device    DeviceView
	Validator *policy.Validator
	Store     domain.SessionRecordStore
	Events    domain.SafetyEventStore
	Gatherer  prometheus.Gatherer
}

// Server serves the JSON API and /metrics.
type Server struct {
	deps   Deps
	logger *zap.Logger
	http   *http.Server
}

// NewServer builds the router. Call ListenAndServe to start it.
func NewServer(addr string, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Router returns the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	r.HandleFunc("/limits", s.limits).Methods(http.MethodGet)
	r.HandleFunc("/safety", s.safety).Methods(http.MethodGet)
	r.HandleFunc("/safety/events", s.safetyEvents).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.sessions).Methods(http.MethodGet)
	r.HandleFunc("/session/{action:pause|resume|stop}", s.sessionAction).Methods(http.MethodPost)
	r.HandleFunc("/session/emergency-stop", s.emergencyStop).Methods(http.MethodPost)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// Handler wraps the router with access logging and panic recovery. Both
// write through the server's zap logger.
func (s *Server) Handler() http.Handler {
	access := zap.NewStdLog(s.logger.Named("access")).Writer()
	recovered := handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(s.logger)),
		handlers.PrintRecoveryStack(true),
	)(s.Router())
	return handlers.CombinedLoggingHandler(access, recovered)
}

// ListenAndServe blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP API listening", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Error: err.Error()})
}

// errorCode maps lifecycle errors to HTTP status codes.
func errorCode(err error) int {
	var ve *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNoActiveSession):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotPaused),
		errors.Is(err, domain.ErrSessionActive),
		errors.Is(err, domain.ErrDeviceNotReady):
		return http.StatusConflict
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Device  domain.DeviceStatus   `json:"device"`
	Session usecase.SessionReport `json:"session"`
	Safety  string                `json:"safety_level"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	var resp StatusResponse
	err := s.deps.Loop.Call(r.Context(), func() error {
		resp.Device = s.deps.Device.Status()
		resp.Session = s.deps.Engine.Status()
		resp.Safety = s.deps.Monitor.Status().Level
		return nil
	})
	if err != nil {
		writeError(w, errorCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) limits(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Validator == nil {
		writeError(w, http.StatusNotFound, errors.New("limits unavailable"))
		return
	}
	l := s.deps.Validator.Limits()
	writeJSON(w, http.StatusOK, map[string]any{
		"amplitude":    map[string]float64{"min": l.MinAmplitude, "max": l.MaxAmplitude, "default": l.DefaultAmplitude},
		"offset":       map[string]float64{"min": l.MinOffset, "max": l.MaxOffset, "default": l.DefaultOffset},
		"frequency":    map[string]float64{"min": l.MinFrequency, "max": l.MaxFrequency, "default": l.DefaultFrequency},
		"duration_min": map[string]int{"min": l.MinDurationMinutes, "max": l.MaxDurationMinutes, "default": l.DefaultDurationMinutes},
	})
}

func (s *Server) safety(w http.ResponseWriter, r *http.Request) {
	var st usecase.SafetyStatus
	err := s.deps.Loop.Call(r.Context(), func() error {
		st = s.deps.Monitor.Status()
		return nil
	})
	if err != nil {
		writeError(w, errorCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultEventLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxEventLimit {
		n = maxEventLimit
	}
	return n, nil
}

// safetyEvents serves the durable audit trail when a store is configured,
// otherwise the in-memory log.
func (s *Server) safetyEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("since must be RFC3339"))
			return
		}
	}

	var out []domain.SafetyEvent
	if s.deps.Events != nil {
		out, err = s.deps.Events.ListSafetyEvents(r.Context(), since, limit)
	} else {
		err = s.deps.Loop.Call(r.Context(), func() error {
			out = s.deps.Monitor.Events().Since(since)
			return nil
		})
		if len(out) > limit {
			out = out[len(out)-limit:]
		}
	}
	if err != nil {
		writeError(w, errorCode(err), err)
		return
	}
	if out == nil {
		out = []domain.SafetyEvent{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) sessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusNotFound, errors.New("session history unavailable"))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	recs, err := s.deps.Store.ListSessionRecords(r.Context(), r.URL.Query().Get("patient"), limit)
	if err != nil {
		s.logger.Error("Failed to list sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []domain.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) sessionAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	var report usecase.SessionReport
	err := s.deps.Loop.Call(r.Context(), func() error {
		var err error
		switch action {
		case "pause":
			err = s.deps.Engine.Pause()
		case "resume":
			err = s.deps.Engine.Resume()
		case "stop":
			if !s.deps.Engine.Status().Active {
				return domain.ErrNoActiveSession
			}
			s.deps.Engine.Stop()
		}
		report = s.deps.Engine.Status()
		return err
	})
	if err != nil {
		writeError(w, errorCode(err), err)
		return
	}
	s.logger.Info("Session action", zap.String("action", action), zap.String("session_id", report.SessionID))
	writeJSON(w, http.StatusOK, report)
}

type emergencyRequest struct {
	Reason string `json:"reason"`
}

type emergencyResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

func (s *Server) emergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
			return
		}
	}
	var ok bool
	err := s.deps.Loop.Call(r.Context(), func() error {
		ok = s.deps.Engine.EmergencyStop(req.Reason)
		return nil
	})
	if err != nil {
		writeError(w, errorCode(err), err)
		return
	}
	s.logger.Warn("Emergency stop requested over HTTP", zap.String("reason", req.Reason), zap.Bool("acknowledged", ok))
	code := http.StatusOK
	if !ok {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, emergencyResponse{Acknowledged: ok})
}
