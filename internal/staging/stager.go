// Package staging persists normalized candidate records as immutable staged
// entries tied to an ingestion batch.
package staging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/logging"
	"github.com/rpattn/catalogmerge/internal/merge"
	"github.com/rpattn/catalogmerge/internal/metrics"
	"github.com/rpattn/catalogmerge/internal/repository"
)

// DefaultChunkSize bounds how many entries go into one insert round trip.
const DefaultChunkSize = 500

// BatchSpec describes an upload about to be staged.
type BatchSpec struct {
	Source   domain.SourceType
	FileName string
	Checksum string
	Actor    string
}

// Options tunes a Stager.
type Options struct {
	ChunkSize int
}

// Stager writes batches and staged entries. It never touches canonical
// records or the change log.
type Stager struct {
	store     repository.Store
	registry  *merge.Registry
	chunkSize int
	logger    *zap.Logger
	metrics   *metrics.Collector
}

// NewStager creates a stager. collector may be nil.
func NewStager(store repository.Store, registry *merge.Registry, opts Options, logger *zap.Logger, collector *metrics.Collector) *Stager {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &Stager{
		store:     store,
		registry:  registry,
		chunkSize: chunk,
		logger:    logging.OrNop(logger),
		metrics:   collector,
	}
}

// Begin creates a pending batch. An earlier batch with the same checksum is
// reported as a warning; duplicate uploads still get their own batch.
func (s *Stager) Begin(ctx context.Context, spec BatchSpec) (domain.IngestionBatch, error) {
	if !spec.Source.Valid() {
		return domain.IngestionBatch{}, fmt.Errorf("unknown source %q", spec.Source)
	}
	if strings.TrimSpace(spec.FileName) == "" {
		return domain.IngestionBatch{}, errors.New("file name is required")
	}

	if spec.Checksum != "" {
		earlier, err := s.store.Batches().ListByChecksum(ctx, spec.Source, spec.Checksum)
		if err != nil {
			return domain.IngestionBatch{}, fmt.Errorf("failed to check for duplicate uploads: %w", err)
		}
		if len(earlier) > 0 {
			s.logger.Warn("file was uploaded before",
				zap.String("source", string(spec.Source)),
				zap.String("file", spec.FileName),
				zap.String("checksum", spec.Checksum),
				zap.String("previous_batch_id", earlier[len(earlier)-1].ID.String()),
				zap.Int("previous_uploads", len(earlier)),
			)
		}
	}

	batch, err := s.store.Batches().Create(ctx, domain.NewIngestionBatch(spec.Source, spec.FileName, spec.Checksum, spec.Actor))
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("failed to create batch: %w", err)
	}
	s.logger.Info("batch created",
		zap.String("batch_id", batch.ID.String()),
		zap.String("source", string(batch.Source)),
		zap.String("file", batch.FileName),
	)
	return batch, nil
}

// Stage persists candidates for a pending batch and moves it to staged.
// rejectedRows are the source row numbers the normalizer refused. Any error
// after the batch is claimed leaves it failed.
func (s *Stager) Stage(ctx context.Context, batchID uuid.UUID, candidates []domain.CandidateRecord, rejectedRows []int) (domain.IngestionBatch, error) {
	batch, err := s.store.Batches().Transition(ctx, batchID, domain.BatchPending, domain.BatchStaging)
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("failed to claim batch for staging: %w", err)
	}
	log := s.logger.With(zap.String("batch_id", batchID.String()), zap.String("source", string(batch.Source)))

	staged, err := s.insert(ctx, batch, candidates)
	if err != nil {
		return s.fail(ctx, log, batchID, err)
	}

	batch, err = s.store.Batches().MarkStaged(ctx, batchID, staged, rejectedRows)
	if err != nil {
		return s.fail(ctx, log, batchID, fmt.Errorf("failed to mark batch staged: %w", err))
	}

	if s.metrics != nil {
		s.metrics.BatchesStaged.WithLabelValues(string(batch.Source)).Inc()
		s.metrics.RowsRejected.WithLabelValues(string(batch.Source)).Add(float64(len(rejectedRows)))
	}
	log.Info("batch staged",
		zap.Int("rows_staged", staged),
		zap.Int("rows_rejected", len(rejectedRows)),
	)
	return batch, nil
}

func (s *Stager) insert(ctx context.Context, batch domain.IngestionBatch, candidates []domain.CandidateRecord) (int, error) {
	entries := make([]domain.StagedEntry, 0, len(candidates))
	for _, candidate := range candidates {
		if strings.TrimSpace(candidate.ExternalKey) == "" {
			return 0, fmt.Errorf("row %d has no external key", candidate.RowNumber)
		}
		if err := s.registry.CheckEntryFields(batch.Source, candidate.Fields); err != nil {
			return 0, fmt.Errorf("row %d: %w", candidate.RowNumber, err)
		}
		entries = append(entries, domain.NewStagedEntry(batch.ID, batch.Source, candidate))
	}

	staged := 0
	for start := 0; start < len(entries); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(entries) {
			end = len(entries)
		}
		n, err := s.store.Entries().InsertBatch(ctx, entries[start:end])
		if err != nil {
			return staged, fmt.Errorf("failed to insert staged entries: %w", err)
		}
		staged += n
	}
	return staged, nil
}

func (s *Stager) fail(ctx context.Context, log *zap.Logger, batchID uuid.UUID, cause error) (domain.IngestionBatch, error) {
	log.Error("staging failed", zap.Error(cause))
	batch, err := s.store.Batches().Fail(ctx, batchID, cause.Error())
	if err != nil {
		log.Error("failed to mark batch failed", zap.Error(err))
	}
	return batch, cause
}
