// Package api serves the read-only HTTP view of batches, canonical records
// and the change log.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/rpattn/catalogmerge/internal/logging"
	"github.com/rpattn/catalogmerge/internal/merge"
	"github.com/rpattn/catalogmerge/internal/metrics"
	"github.com/rpattn/catalogmerge/internal/middleware"
	"github.com/rpattn/catalogmerge/internal/repository"
)

const shutdownTimeout = 30 * time.Second

// Options configures the optional parts of the API.
type Options struct {
	AllowedOrigins []string
	// Preview, when set, is mounted at POST /api/preview.
	Preview http.Handler
	Metrics *metrics.Collector
	// Registry names the known fields; nil uses the default table.
	Registry *merge.Registry
}

// Server routes API requests to the store.
type Server struct {
	store    repository.Store
	registry *merge.Registry
	logger   *zap.Logger
	handler  http.Handler
}

// NewServer builds the router and wraps it with CORS, access logging and the
// per-request record loader.
func NewServer(store repository.Store, opts Options, logger *zap.Logger) *Server {
	registry := opts.Registry
	if registry == nil {
		registry = merge.MustDefaultRegistry()
	}
	s := &Server{store: store, registry: registry, logger: logging.OrNop(logger)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/batches", s.handleListBatches)
	mux.HandleFunc("GET /api/batches/{id}", s.handleGetBatch)
	mux.HandleFunc("GET /api/batches/{id}/failures", s.handleBatchFailures)
	mux.HandleFunc("GET /api/batches/{id}/changes", s.handleBatchChanges)
	mux.HandleFunc("GET /api/records", s.handleListRecords)
	mux.HandleFunc("GET /api/records/{key}", s.handleGetRecord)
	mux.HandleFunc("GET /api/records/{key}/history", s.handleRecordHistory)
	mux.HandleFunc("GET /api/records/{key}/diff", s.handleRecordDiff)
	mux.HandleFunc("GET /api/records/{key}/explain/{field}", s.handleExplainField)
	if opts.Preview != nil {
		mux.Handle("/api/preview", opts.Preview)
	}
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
	})

	s.handler = corsHandler.Handler(
		middleware.LoggingMiddleware(s.logger)(
			middleware.DataLoaderMiddleware(store.Records())(mux),
		),
	)
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting api server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
