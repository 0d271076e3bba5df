// Package server exposes the session manager over HTTP and MCP.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comigor/jarvis-chat/internal/config"
	"github.com/comigor/jarvis-chat/internal/logger"
	"github.com/comigor/jarvis-chat/internal/session"
)

// ChatHandler runs one conversation turn. *session.Manager implements it.
type ChatHandler interface {
	Handle(ctx context.Context, req session.Request) (session.Response, error)
}

// Server wires the chat handler, the metrics endpoint and the MCP endpoint to one router.
type Server struct {
	cfg      config.ServerConfig
	chat     ChatHandler
	gatherer prometheus.Gatherer
	version  string
}

// New creates a server. A nil gatherer disables /metrics.
func New(cfg config.ServerConfig, chat ChatHandler, gatherer prometheus.Gatherer, version string) *Server {
	return &Server{cfg: cfg, chat: chat, gatherer: gatherer, version: version}
}

// Handler builds the chi router with all routes wired.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleHello())
	r.Post("/", s.handleChat())
	r.Post("/chat", s.handleChat())
	r.Get("/healthz", s.handleHealth())

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Handle("/mcp", newMCPHandler(s.chat, s.version))

	return r
}

// Run listens on the configured address until ctx is cancelled, then shuts down
// gracefully within server.shutdown_timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	logger.L.Info("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
