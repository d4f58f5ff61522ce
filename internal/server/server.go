// Package server exposes the process contract and the run relay over HTTP.
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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"chatsync/internal/logging"
	"chatsync/internal/process"
	"chatsync/internal/relay"
)

// Config holds the listen address.
type Config struct {
	Host string
	Port int
}

// DefaultConfig listens on localhost:7433.
func DefaultConfig() Config {
	return Config{Host: "127.0.0.1", Port: 7433}
}

// Processes answers liveness and kill requests.
type Processes interface {
	Check(queries []process.Query) []process.Result
	Kill(pid int) (bool, error)
}

// Server 进程接口与运行转发的 HTTP 服务
// Server serves the process endpoints and the relay websocket
type Server struct {
	hub    *relay.Hub
	procs  Processes
	logger *slog.Logger
	config Config
	router chi.Router
}

// New creates a server. procs may be nil, in which case the process
// endpoints answer 503.
func New(hub *relay.Hub, procs Processes, config Config, logger *slog.Logger) *Server {
	s := &Server{
		hub:    hub,
		procs:  procs,
		logger: logging.OrDiscard(logger),
		config: config,
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/api", func(r chi.Router) {
		r.Post("/processes/check", s.handleCheck)
		r.Post("/processes/kill", s.handleKill)
		r.Get("/chats/{chatID}/stream", s.handleStream)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
