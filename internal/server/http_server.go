// Package server constructs and starts the carpool chat HTTP service with
// helpers that apply the configured listener limits.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/carpool-chat/internal/config"
)

// CreateServer creates an HTTP server listening on cfg.Port with the
// configured timeouts.
func CreateServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// StartServer starts the HTTP server and blocks until it exits. A server
// closed by ShutdownServer is not an error.
func StartServer(server *http.Server, log *zap.Logger) error {
	log.Info("server listening", zap.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, log *zap.Logger) error {
	log.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}

	log.Info("HTTP server shutdown completed")
	return nil
}
