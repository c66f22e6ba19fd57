package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/config"
	"go.uber.org/zap"
)

// Server wraps an http.Server serving the health and status endpoints.
type Server struct {
	*http.Server
	Logger *zap.Logger
}

// NewServer creates a Server listening on cfg.Port.
func NewServer(cfg *config.Config, handler http.Handler, logger *zap.Logger) *Server {
	logger.Info("Configuring HTTP server",
		zap.String("port", cfg.Port),
		zap.Duration("request_timeout", cfg.RequestTimeout),
	)

	httpSrv := &http.Server{
		Addr:              cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.RequestTimeout,
		WriteTimeout:      cfg.RequestTimeout * 2,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}
	return &Server{Server: httpSrv, Logger: logger}
}

// Start serves in the background. The returned channel receives the
// listener error, if any, and is closed once the server stopped.
func (s *Server) Start() <-chan error {
	errs := make(chan error, 1)
	s.Logger.Info("Starting HTTP server", zap.String("address", s.Addr))
	go func() {
		defer close(errs)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("HTTP server ListenAndServe error", zap.Error(err))
			errs <- err
		}
	}()
	return errs
}

// Stop shuts the server down gracefully, closing it if ctx expires first.
func (s *Server) Stop(ctx context.Context) {
	s.Logger.Info("Shutting down HTTP server")
	if err := s.Shutdown(ctx); err != nil {
		s.Logger.Error("HTTP server graceful shutdown failed", zap.Error(err))
		if err := s.Close(); err != nil {
			s.Logger.Error("HTTP server close failed after shutdown attempt", zap.Error(err))
		}
		return
	}
	s.Logger.Info("HTTP server stopped")
}
