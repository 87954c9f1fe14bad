package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/smarzola/ldapgate/internal/backend"
	"github.com/smarzola/ldapgate/internal/metrics"
	"github.com/smarzola/ldapgate/internal/web/middleware"
	"github.com/smarzola/ldapgate/pkg/config"
)

// ConnectionLister reports the open LDAP client connections
type ConnectionLister interface {
	Connections() []int64
}

// SessionsResponse is the body of /sessions
type SessionsResponse struct {
	Backend     string  `json:"backend"`
	Connections []int64 `json:"connections"`
	Sessions    []int64 `json:"sessions"`
}

// Server is the admin HTTP surface: health, metrics and active sessions
type Server struct {
	cfg        *config.Config
	registry   *backend.Registry
	conns      ConnectionLister
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer creates a new admin server
func NewServer(cfg *config.Config, registry *backend.Registry, conns ConnectionLister) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		conns:    conns,
		mux:      http.NewServeMux(),
	}
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes()
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// setupRoutes configures all HTTP routes. /metrics and /sessions require
// Basic Auth when the backend can verify credentials.
func (s *Server) setupRoutes() {
	protect := func(h http.Handler) http.Handler { return h }
	if authenticator, ok := s.registry.Backend().(backend.Authenticator); ok {
		protect = middleware.NewAuth(authenticator, s.cfg.LDAP.BaseDN).RequireAuth
	} else {
		slog.Warn("Backend cannot verify credentials, admin endpoints are unauthenticated", "backend", s.cfg.Backend.Class)
	}

	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", protect(metrics.Handler()))
	s.mux.Handle("/sessions", protect(http.HandlerFunc(s.handleSessions)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := SessionsResponse{
		Backend:     s.cfg.Backend.Class,
		Connections: []int64{},
		Sessions:    s.registry.Active(),
	}
	if s.conns != nil {
		resp.Connections = append(resp.Connections, s.conns.Connections()...)
	}
	if resp.Sessions == nil {
		resp.Sessions = []int64{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode sessions", "error", err)
	}
}

// Start starts the web server. It blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Web.BindAddress, s.cfg.Web.Port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("web server failed: %w", err)
	}
	return s.Serve(l)
}

// Serve serves HTTP on l until the server stops
func (s *Server) Serve(l net.Listener) error {
	slog.Info("Starting admin HTTP server", "address", l.Addr().String())

	if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the web server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("web server shutdown failed: %w", err)
	}
	return nil
}
