// Package admin exposes the operational HTTP surface: health, metrics
// and the recent alert window.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/x0tta6bl4-ai/mesh-identity/internal/autonomic"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/controller"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/telemetry"
)

// Server serves /healthz, /metrics and /alerts.
type Server struct {
	controller *controller.Controller
	loop       *autonomic.Loop
	metrics    *telemetry.Metrics
	log        *slog.Logger
	httpServer *http.Server
}

// NewServer builds the admin server on addr. The loop and metrics may
// be nil; their endpoints then degrade gracefully.
func NewServer(addr string, ctrl *controller.Controller, loop *autonomic.Loop, metrics *telemetry.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		controller: ctrl,
		loop:       loop,
		metrics:    metrics,
		log:        log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/knowledge", s.handleKnowledge)
	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, "meshident.admin"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background. Listen failures after
// startup are logged.
func (s *Server) Start() {
	go func() {
		s.log.Info("admin server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin server failed", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.controller.HealthCheck(r.Context())

	code := http.StatusOK
	if !status.Agent || !status.IdentityValid {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	if s.loop == nil {
		writeJSON(w, http.StatusOK, []autonomic.Alert{})
		return
	}
	writeJSON(w, http.StatusOK, s.loop.Knowledge().RecentAlerts)
}

func (s *Server) handleKnowledge(w http.ResponseWriter, _ *http.Request) {
	if s.loop == nil {
		writeJSON(w, http.StatusNoContent, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.loop.Knowledge())
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Warn("admin response encode failed", "error", err)
	}
}
