// Package healthserver provides the liveness/readiness HTTP endpoints every
// long-running pipeline process (matcher, ingest validator, project
// validator) exposes for k8s probes, built on the same
// ListenAndServe/graceful-shutdown pattern used throughout this codebase,
// trimmed to the two health endpoints these processes need instead of a
// full route table: none of them serve a public API.
package healthserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

const (
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Checker reports whether a single dependency (database, object store,
// message bus) is currently healthy.
type Checker func(ctx context.Context) error

// Server serves /healthz (liveness: the process is up) and /readyz
// (readiness: every registered Checker currently succeeds).
type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	shutdownTimeout time.Duration
	startTime       time.Time

	mu     sync.RWMutex
	checks map[string]Checker
}

// New builds a Server listening on addr. Checks may be added later with
// AddCheck; a nil logger falls back to a JSON logger on stdout.
func New(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	s := &Server{
		logger:          logger,
		shutdownTimeout: defaultShutdownTimeout,
		checks:          map[string]Checker{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReadiness)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}

	return s
}

// AddCheck registers a named dependency check consulted by /readyz.
func (s *Server) AddCheck(name string, check Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checks[name] = check
}

// Start starts the HTTP server and blocks until a SIGINT/SIGTERM arrives or
// the server fails, then performs a graceful shutdown.
func (s *Server) Start() error {
	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting health server", slog.String("address", s.httpServer.Addr))

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("healthserver: listen and serve: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("healthserver: shutdown: %w", err)
	}

	s.logger.Info("health server shutdown complete")

	return nil
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s.mu.RLock()
	checks := make(map[string]Checker, len(s.checks))

	for name, check := range s.checks {
		checks[name] = check
	}
	s.mu.RUnlock()

	failures := map[string]string{}

	for name, check := range checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")

	if len(failures) > 0 {
		s.logger.WarnContext(ctx, "readiness check failed", slog.Any("failures", failures))
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "unavailable", "failures": failures})

		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}
