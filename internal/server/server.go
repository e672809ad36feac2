// Package server manages the listening socket of an HTTP handler: binding,
// accepting and forced teardown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ErrNotRunning is returned by Port while the server is stopped.
var ErrNotRunning = errors.New("server: not running")

// Server serves an http.Handler on host:port. It is either stopped (no
// listener) or running; Start and Stop move between the two and are both
// idempotent. A stopped Server can be started again.
type Server struct {
	host    string
	port    int
	handler http.Handler
	logger  *slog.Logger
	onStop  []func()

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithOnStop registers fn to run after the listener is closed by Stop.
func WithOnStop(fn func()) Option {
	return func(s *Server) {
		s.onStop = append(s.onStop, fn)
	}
}

// New creates a stopped Server. Port 0 asks the OS for an ephemeral port.
func New(host string, port int, handler http.Handler, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		host:    host,
		port:    port,
		handler: handler,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listener and begins serving in the background. It returns
// once the socket accepts connections. Calling Start on a running Server is
// a no-op. Binding does not block, so ctx is unused.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return nil
	}

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler: s.handler,
		// Inbound header timeout to mitigate slow-client attacks. Bodies are
		// streamed in both directions, so read and write stay unbounded.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	s.srv, s.ln = srv, ln
	s.logger.Info("listening", "addr", ln.Addr().String())

	go func() {
		// Serve retries temporary accept errors itself; anything else ends
		// the loop and is reported here.
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "err", err)
		}
	}()

	return nil
}

// Stop closes the listener and every open connection without waiting for
// in-flight exchanges, then runs the OnStop hooks. Calling Stop on a stopped
// Server is a no-op. Nothing is drained, so ctx's deadline never applies.
func (s *Server) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}

	err := s.srv.Close()
	s.srv, s.ln = nil, nil
	for _, fn := range s.onStop {
		fn()
	}
	s.logger.Info("stopped")

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

// IsRunning reports whether the server is between Start and Stop.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}

// Port returns the bound port, which differs from the configured one when
// that was 0. It returns ErrNotRunning while stopped.
func (s *Server) Port() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return 0, ErrNotRunning
	}
	addr, ok := s.ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("server: unexpected listener address %v", s.ln.Addr())
	}
	return addr.Port, nil
}

// Addr returns the bound address as host:port, or "" while stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
