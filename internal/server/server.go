package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

// Server is the HTTP front of the sandbox service.
type Server struct {
	cfg       *config.Config
	svc       *sandbox.Service
	log       *zap.Logger
	metrics   *metrics.Metrics
	terminals *TerminalManager
	router    chi.Router
	http      *http.Server
}

// New creates a new Server.
func New(cfg *config.Config, svc *sandbox.Service, log *zap.Logger, m *metrics.Metrics) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	s := &Server{
		cfg:       cfg,
		svc:       svc,
		log:       log.Named("http"),
		metrics:   m,
		terminals: NewTerminalManager(),
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.log, s.metrics))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	// Terminal and proxy traffic is not JSON.
	r.Get("/api/terminal/{sessionId}", s.handleTerminal)
	if s.cfg.Server.ProxyEnabled {
		r.Handle("/proxy/{sessionId}", http.HandlerFunc(s.handleProxy))
		r.Handle("/proxy/{sessionId}/*", http.HandlerFunc(s.handleProxy))
	}

	r.Group(func(r chi.Router) {
		r.Use(jsonContentType)

		r.Post("/execute/command", s.handleExecuteCommand)
		r.Post("/execute/node", s.handleExecuteNode)
		r.Post("/cleanup", s.handleCleanup)
		r.Post("/exam/execute/{mode}", s.handleExamExecute)

		r.Route("/api", func(r chi.Router) {
			r.Get("/sessions", s.handleListSessions)

			r.Post("/node-server/start", s.handleServerStart)
			r.Post("/node-server/stop", s.handleServerStop)
			r.Get("/node-server/status/{sessionId}", s.handleServerStatus)

			r.Get("/files/list", s.handleListFiles)
			r.Get("/files/content", s.handleFileContent)
			r.Post("/files/save", s.handleSaveFile)
			r.Post("/files/create", s.handleCreateFile)
		})
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("runbox server starting", zap.String("addr", addr))
	return s.http.ListenAndServe()
}

// Shutdown closes terminals and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	s.terminals.CloseAll()
	if s.http == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
