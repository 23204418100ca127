package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"outpost/internal/config"
	"outpost/internal/models"
	"outpost/internal/service"

	"github.com/rs/zerolog"
)

// Pipeline is what the API needs from the service layer.
type Pipeline interface {
	Submit(ctx context.Context, req service.SubmitRequest) (models.OptimisticEntry, error)
	Retry(ctx context.Context, id string) (models.OptimisticEntry, error)
	Discard(ctx context.Context, id string) error
	Entries() []models.OptimisticEntry
	Entry(id string) (models.OptimisticEntry, bool)
	Operations() []models.QueuedOperation
	Failed() []models.QueuedOperation
	Conflicts() []models.SyncConflict
	ResolveConflict(id, choice string) (models.SyncConflict, error)
	Drain()
	Status() service.Status
}

// HTTPServer exposes the pipeline to a local UI shell.
type HTTPServer struct {
	pipeline Pipeline
	server   *http.Server
	handler  http.Handler
	logger   *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, pipeline Pipeline, logger *zerolog.Logger) *HTTPServer {
	l := logger.With().Str("component", "api").Logger()
	srv := &HTTPServer{pipeline: pipeline, logger: &l}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.HandleFunc("GET /api/v1/status", srv.handleStatus)
	mux.HandleFunc("POST /api/v1/drain", srv.handleDrain)

	mux.HandleFunc("POST /api/v1/operations", srv.handleSubmit)
	mux.HandleFunc("GET /api/v1/operations", srv.handleOperations)
	mux.HandleFunc("POST /api/v1/operations/{id}/retry", srv.handleRetry)
	mux.HandleFunc("DELETE /api/v1/operations/{id}", srv.handleDiscard)

	mux.HandleFunc("GET /api/v1/entries", srv.handleEntries)
	mux.HandleFunc("GET /api/v1/entries/{id}", srv.handleEntry)

	mux.HandleFunc("GET /api/v1/conflicts", srv.handleConflicts)
	mux.HandleFunc("POST /api/v1/conflicts/{id}/resolve", srv.handleResolve)

	var handler http.Handler = mux
	handler = rateLimitMiddleware(newRateLimiter(cfg.RateLimit), handler)
	handler = authMiddleware(cfg.KeyHeader, cfg.Key, handler)
	handler = loggingMiddleware(srv.logger, handler)
	srv.handler = handler

	srv.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
