package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/fraudproof/internal/domain"
	"github.com/opensource-finance/fraudproof/internal/metrics"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

// Server binds the fraud detection handlers to an HTTP listener.
type Server struct {
	router *chi.Mux
	server *http.Server
	config domain.ServerConfig
}

// NewServer wires handlers and middleware; call Start to listen.
func NewServer(cfg domain.ServerConfig, svc Assessor, deps Dependencies, version string) *Server {
	s := &Server{router: chi.NewRouter(), config: cfg}
	s.routes(NewHandler(svc, deps, version))
	return s
}

func (s *Server) routes(h *Handler) {
	r := s.router

	r.Use(
		CORSMiddleware(s.config.CORSOrigins),
		RecoverMiddleware,
		TracingMiddleware,
		LoggingMiddleware,
		metrics.Middleware,
		middleware.RealIP,
		middleware.Compress(5),
	)

	// Health and introspection.
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Get("/info", h.Info)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/detect", h.Detect)
	r.Route("/assessments", func(r chi.Router) {
		r.Get("/", h.ListAssessments)
		r.Get("/{id}", h.GetAssessment)
		r.Post("/{id}/anchor", h.AnchorAssessment)
	})
	r.Get("/chain/{txHash}", h.ReadChain)
}

// Addr is the host:port the server listens on.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Start blocks serving HTTP until Shutdown. It returns
// http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       idleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for httptest.
func (s *Server) Router() *chi.Mux {
	return s.router
}
