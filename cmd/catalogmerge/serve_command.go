package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/catalogmerge/internal/api"
	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/ingestion"
	"github.com/rpattn/catalogmerge/internal/repository"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addr string
	var pollInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only HTTP API and Prometheus metrics",
		Long: "Serve the read-only HTTP API. With --poll-interval the server also\n" +
			"processes staged batches in the background.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				listen := a.cfg.HTTP.Addr
				if addr != "" {
					listen = addr
				}
				server := api.NewServer(a.store, api.Options{
					AllowedOrigins: a.cfg.HTTP.AllowedOrigins,
					Preview:        ingestion.NewPreviewHandler(a.ingestion),
					Metrics:        a.metrics,
					Registry:       a.registry,
				}, a.logger)

				group, groupCtx := errgroup.WithContext(cmd.Context())
				group.Go(func() error {
					return server.ListenAndServe(groupCtx, listen)
				})
				if pollInterval > 0 {
					group.Go(func() error {
						pollStaged(groupCtx, a, pollInterval)
						return nil
					})
				}
				return group.Wait()
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides http.addr)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "Process staged batches at this interval (0 disables)")
	return cmd
}

// pollStaged processes staged batches, oldest first, until ctx ends.
func pollStaged(ctx context.Context, a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		staged, err := a.store.Batches().List(ctx, repository.BatchFilter{
			Statuses: []domain.BatchStatus{domain.BatchStaged},
		})
		if err != nil {
			a.logger.Warn("failed to list staged batches", zap.Error(err))
			continue
		}
		if len(staged) == 0 {
			continue
		}
		ids := make([]uuid.UUID, 0, len(staged))
		for i := len(staged) - 1; i >= 0; i-- {
			ids = append(ids, staged[i].ID)
		}
		if _, err := a.processor.ProcessMany(ctx, ids, a.cfg.Processing.BatchConcurrency); err != nil {
			a.logger.Warn("background processing finished with errors", zap.Error(err))
		}
	}
}
