// Package httpserver exposes the chat-completion surface and the worker
// WebSocket endpoint, and wires an incoming completion call through worker
// selection, dispatch, translation, and the response bridge.
package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tabrelay/tabrelay-gateway/internal/anthropic"
	"github.com/tabrelay/tabrelay-gateway/internal/broker"
	"github.com/tabrelay/tabrelay-gateway/internal/ingress"
	"github.com/tabrelay/tabrelay-gateway/internal/openai"
	"github.com/tabrelay/tabrelay-gateway/internal/session"
)

// Server exposes REST endpoints for the tabrelay gateway.
type Server struct {
	registry *session.Registry
	broker   *broker.Broker
	hub      *ingress.Hub

	logger   *log.Logger
	logLevel string
}

// New constructs a Server with the required dependencies.
func New(registry *session.Registry, br *broker.Broker, hub *ingress.Hub) *Server {
	return &Server{
		registry: registry,
		broker:   br,
		hub:      hub,
	}
}

// SetLogger configures server-level logger and verbosity ("debug", "info", ...).
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	if logger != nil {
		s.logger = logger
	}
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Get("/healthz", s.handleHealth)
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"time":      time.Now().UTC().Format(time.RFC3339),
		"workers":   s.registry.Len(),
		"in_flight": s.broker.InFlight(),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, errType, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	s.respondJSON(w, status, openai.ErrorBody{Error: openai.ErrorDetail{
		Message: msg,
		Type:    errType,
		Code:    code,
	}})
}

// classifyTerminal maps a bridge terminal error onto the HTTP error
// taxonomy: worker loss is a 503, vendor error events and adapter faults
// are 500s isolated to the owning request.
func classifyTerminal(err error) (status int, errType, code string) {
	var vendorErr *anthropic.APIError
	switch {
	case errors.Is(err, broker.ErrWorkerGone), errors.Is(err, ingress.ErrWorkerNotConnected):
		return http.StatusServiceUnavailable, "service_unavailable", "WORKER_DISCONNECTED"
	case errors.As(err, &vendorErr):
		return http.StatusInternalServerError, "api_error", "VENDOR_STREAM_ERROR"
	default:
		return http.StatusInternalServerError, "internal_error", "ADAPTER_INTERNAL_EXCEPTION"
	}
}
