// Package server provides the HTTP server implementation. The proxy binds
// localhost only: it serves a single local player, never remote clients.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"manifest-proxy-go/pkg/config"
	"manifest-proxy-go/pkg/logging"
	"manifest-proxy-go/pkg/middleware"
)

// Server is the main HTTP server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	cfg        *config.Config
	log        *logging.Logger
	router     *mux.Router
	port       int

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a new server with the given configuration.
func New(cfg *config.Config, log *logging.Logger) *Server {
	router := mux.NewRouter()
	// Targets are full URLs embedded in the path; never clean or decode them.
	router.SkipClean(true)
	router.UseEncodedPath()

	return &Server{
		cfg:    cfg,
		log:    log.WithComponent("server"),
		router: router,
		done:   make(chan struct{}),
	}
}

// Router returns the server's router for registering handlers.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Listen binds the preferred port, falling back to an ephemeral one when it
// is taken. Must be called before Start; the bound port is available from
// Port afterwards.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Warn("preferred port unavailable, using ephemeral", "addr", addr, "error", err)
		listener, err = net.Listen("tcp", fmt.Sprintf("%s:0", s.cfg.Host))
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	return nil
}

// Port returns the bound port. Valid only after Listen.
func (s *Server) Port() int {
	return s.port
}

// Start serves on the bound listener and blocks until shutdown.
func (s *Server) Start() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	handler := middleware.Chain(
		s.router,
		middleware.Recovery(s.log),
		middleware.Logging(s.log),
		middleware.RequestID,
	)

	s.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-quit:
		case <-s.done:
			return
		}
		s.log.Info("server shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.Shutdown(ctx); err != nil {
			s.log.Error("server shutdown error", "error", err)
		}
	}()

	s.log.Info("server starting", "host", s.cfg.Host, "port", s.port)

	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-s.done
	s.log.Info("server stopped")
	return nil
}

// Shutdown gracefully shuts down the server. Safe to call whether the stop
// came from a signal or from the embedding application.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.doneOnce.Do(func() { close(s.done) })
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
