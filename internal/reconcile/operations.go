package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/repository"
)

// BatchResult is the outcome of one batch in ProcessMany.
type BatchResult struct {
	BatchID uuid.UUID
	Stats   domain.BatchStats
	Err     error
}

// ProcessMany processes distinct batches concurrently, at most limit at a
// time. One batch failing does not stop the others; the returned error joins
// every batch error.
func (p *Processor) ProcessMany(ctx context.Context, batchIDs []uuid.UUID, limit int) ([]BatchResult, error) {
	seen := make(map[uuid.UUID]struct{}, len(batchIDs))
	ids := make([]uuid.UUID, 0, len(batchIDs))
	for _, id := range batchIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	results := make([]BatchResult, len(ids))
	var group errgroup.Group
	if limit > 0 {
		group.SetLimit(limit)
	}
	for i, id := range ids {
		i, id := i, id
		group.Go(func() error {
			stats, err := p.Process(ctx, id)
			results[i] = BatchResult{BatchID: id, Stats: stats, Err: err}
			return nil
		})
	}
	_ = group.Wait()

	var errs []error
	for _, result := range results {
		if result.Err != nil {
			errs = append(errs, fmt.Errorf("batch %s: %w", result.BatchID, result.Err))
		}
	}
	return results, errors.Join(errs...)
}

// Requeue returns a batch abandoned in processing to staged. Entries that
// were committed keep their outcome and are not applied again.
func (p *Processor) Requeue(ctx context.Context, batchID uuid.UUID) (domain.IngestionBatch, error) {
	batch, err := p.store.Batches().Transition(ctx, batchID, domain.BatchProcessing, domain.BatchStaged)
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("failed to requeue batch: %w", err)
	}
	p.logger.Info("batch requeued", zap.String("batch_id", batchID.String()), zap.String("source", string(batch.Source)))
	return batch, nil
}

// Replay copies the staged entries of a finished batch into a new batch and
// processes it. Reconciliation is idempotent, so replaying a batch whose
// effects are already in place writes no changes.
func (p *Processor) Replay(ctx context.Context, batchID uuid.UUID, actor string) (domain.IngestionBatch, domain.BatchStats, error) {
	original, err := p.store.Batches().Get(ctx, batchID)
	if err != nil {
		return domain.IngestionBatch{}, domain.BatchStats{}, err
	}
	if !original.Status.Terminal() {
		return domain.IngestionBatch{}, domain.BatchStats{}, fmt.Errorf("%w: batch %s is %s, only finished batches can be replayed",
			domain.ErrBatchNotClaimable, batchID, original.Status)
	}
	entries, err := p.store.Entries().ListByBatch(ctx, batchID, repository.EntryListOptions{})
	if err != nil {
		return domain.IngestionBatch{}, domain.BatchStats{}, fmt.Errorf("failed to load entries to replay: %w", err)
	}

	if actor == "" {
		actor = original.Actor
	}
	replay := domain.NewIngestionBatch(original.Source, original.FileName, original.Checksum, actor)
	replay.ReplayOf = &original.ID
	replay, err = p.store.Batches().Create(ctx, replay)
	if err != nil {
		return domain.IngestionBatch{}, domain.BatchStats{}, fmt.Errorf("failed to create replay batch: %w", err)
	}
	if _, err := p.store.Batches().Transition(ctx, replay.ID, domain.BatchPending, domain.BatchStaging); err != nil {
		return replay, domain.BatchStats{}, fmt.Errorf("failed to start replay staging: %w", err)
	}

	copies := make([]domain.StagedEntry, 0, len(entries))
	for _, entry := range entries {
		copies = append(copies, domain.StagedEntry{
			BatchID:     replay.ID,
			Source:      entry.Source,
			RowNumber:   entry.RowNumber,
			ExternalKey: entry.ExternalKey,
			Fields:      domain.CloneFields(entry.Fields),
			Raw:         entry.Raw,
		})
	}
	staged, err := p.store.Entries().InsertBatch(ctx, copies)
	if err != nil {
		_, _ = p.store.Batches().Fail(ctx, replay.ID, err.Error())
		return replay, domain.BatchStats{}, fmt.Errorf("failed to copy entries for replay: %w", err)
	}
	if _, err := p.store.Batches().MarkStaged(ctx, replay.ID, staged, original.RejectedRows); err != nil {
		return replay, domain.BatchStats{}, fmt.Errorf("failed to stage replay batch: %w", err)
	}
	p.logger.Info("replaying batch",
		zap.String("batch_id", replay.ID.String()),
		zap.String("replay_of", original.ID.String()),
		zap.Int("entries", staged),
	)

	stats, err := p.Process(ctx, replay.ID)
	if err != nil {
		return replay, stats, err
	}
	replay, err = p.store.Batches().Get(ctx, replay.ID)
	return replay, stats, err
}
