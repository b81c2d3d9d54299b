package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server wraps an http.Server and manages the full lifecycle including
// startup and graceful shutdown. Both emulator surfaces run on one of these.
type Server struct {
	httpServer *http.Server
	config     ServerConfig
	logger     *slog.Logger

	beforeShutdown []func(context.Context)
}

// ServerConfig holds configuration for a transport server.
type ServerConfig struct {
	Name            string
	Addr            string
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Name:            "server",
		Addr:            ":8080",
		ShutdownTimeout: 10 * time.Second,
		Logger:          slog.Default(),
	}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithName sets the server name used in log entries.
func WithName(name string) ServerOption {
	return func(s *Server) { s.config.Name = name }
}

// WithAddr sets the listen address.
func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.config.Addr = addr }
}

// WithShutdownTimeout sets the graceful shutdown deadline.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.config.ShutdownTimeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.config.Logger = l; s.logger = l }
}

// WithBeforeShutdown registers a hook that runs after the stop signal but
// before the HTTP server drains. Hooks unblock handlers that would otherwise
// hold the drain open, such as the worker's long poll on the control plane.
func WithBeforeShutdown(fn func(context.Context)) ServerOption {
	return func(s *Server) { s.beforeShutdown = append(s.beforeShutdown, fn) }
}

// NewServer creates a transport server serving the given handler.
func NewServer(handler http.Handler, opts ...ServerOption) *Server {
	s := &Server{
		config: DefaultServerConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpServer = &http.Server{Handler: handler}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.config.Addr
}

// Run binds the configured address and serves until ctx is cancelled or the
// listener fails. Bind errors surface before any request is accepted.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("%s: bind %s: %w", s.config.Name, s.config.Addr, err)
	}

	s.logger.Info("server starting",
		slog.String("server", s.config.Name),
		slog.String("addr", ln.Addr().String()))

	return s.RunOn(ctx, ln)
}

// RunOn serves on an already-bound listener until ctx is cancelled or the
// listener fails. On cancellation it drains in-flight requests.
func (s *Server) RunOn(ctx context.Context, ln net.Listener) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutdown requested", slog.String("server", s.config.Name))
	return s.drain()
}

// drain runs the before-shutdown hooks and then waits for in-flight
// requests to finish, up to the configured timeout.
func (s *Server) drain() error {
	drainCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	for _, fn := range s.beforeShutdown {
		fn(drainCtx)
	}

	if err := s.httpServer.Shutdown(drainCtx); err != nil {
		s.logger.Error("shutdown error",
			slog.String("server", s.config.Name),
			slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("server stopped", slog.String("server", s.config.Name))
	return nil
}
