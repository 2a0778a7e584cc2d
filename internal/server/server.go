// Package server exposes the memory store over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rcliao/velos-memory/internal/config"
	"github.com/rcliao/velos-memory/internal/velos"
)

const shutdownTimeout = 10 * time.Second

// Server serves the memory store API.
type Server struct {
	cfg    config.ServerConfig
	svc    *velos.Service
	log    *slog.Logger
	router chi.Router
	http   *http.Server
}

// New builds a server for svc. The handler is ready before Run is called.
func New(svc *velos.Service, cfg config.ServerConfig, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, svc: svc, log: log.With("component", "http")}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run listens on the configured address until ctx is done, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", "addr", ln.Addr().String())
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down HTTP server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(sctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.log.Info("HTTP server stopped")
	return nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID(s.log))
	r.Use(requestLogger(s.svc.Metrics()))
	r.Use(recovery)
	r.Use(newLimiter(s.cfg.RateLimit, s.cfg.Burst).middleware)

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", s.svc.Metrics().Handler())

	r.Get("/search", s.search)
	r.Get("/context", s.contextPack)
	r.Get("/export", s.export)
	r.Post("/ingest", s.ingest)
	r.Post("/maintenance/{kind}", s.maintenance)

	r.Route("/records", func(r chi.Router) {
		r.Get("/", s.list)
		r.Post("/", s.insert)
		r.Get("/{id}", s.get)
		r.Patch("/{id}", s.update)
		r.Delete("/{id}", s.remove)
	})
	return r
}
