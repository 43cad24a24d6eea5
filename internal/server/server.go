// Package server exposes the HTTP API: download submission and task polling,
// integrity checks with report rendering, remediation endpoints, kline reads,
// and the symbol registry. All routes live under /api and speak JSON.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/klinesync/klinesync/internal/config"
)

// Server wraps the net/http server with the configured timeouts and a
// graceful drain on shutdown.
type Server struct {
	cfg    config.HTTPConfig
	logger *slog.Logger
	http   *http.Server
}

// New builds a server around the handler. The handler is usually
// Handler.Routes().
func New(cfg config.HTTPConfig, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		http: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeoutDuration(),
			WriteTimeout: cfg.WriteTimeoutDuration(),
		},
	}
}

// Run serves until ctx is canceled, then drains in-flight requests within the
// configured shutdown deadline.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeoutDuration())
	defer cancel()
	s.logger.Info("http server draining", "deadline", s.cfg.ShutdownTimeoutDuration())
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
