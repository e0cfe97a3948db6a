// Package reconcile applies staged entries to canonical records under the
// field ownership rules and writes the change log.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/logging"
	"github.com/rpattn/catalogmerge/internal/merge"
	"github.com/rpattn/catalogmerge/internal/metrics"
	"github.com/rpattn/catalogmerge/internal/repository"
)

// DefaultActor is recorded on changes from batches without an actor.
const DefaultActor = "system"

// Options tunes a Processor.
type Options struct {
	// Workers is the number of per-key lanes used inside one batch.
	Workers int
	// Actor is used when a batch does not name one.
	Actor string
}

// Processor reconciles staged batches into canonical records.
type Processor struct {
	store    repository.Store
	registry *merge.Registry
	workers  int
	actor    string
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

// NewProcessor creates a processor. collector may be nil.
func NewProcessor(store repository.Store, registry *merge.Registry, opts Options, logger *zap.Logger, collector *metrics.Collector) *Processor {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	actor := opts.Actor
	if actor == "" {
		actor = DefaultActor
	}
	return &Processor{
		store:    store,
		registry: registry,
		workers:  workers,
		actor:    actor,
		logger:   logging.OrNop(logger),
		metrics:  collector,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Process claims a staged batch and reconciles its unprocessed entries. Entry
// failures are recorded and never stop the batch. A cancelled context leaves
// the batch in processing; Requeue makes it claimable again.
func (p *Processor) Process(ctx context.Context, batchID uuid.UUID) (domain.BatchStats, error) {
	log := p.logger.With(zap.String("batch_id", batchID.String()))

	batch, err := p.store.Batches().Transition(ctx, batchID, domain.BatchStaged, domain.BatchProcessing)
	if err != nil {
		return domain.BatchStats{}, fmt.Errorf("failed to claim batch: %w", err)
	}

	// Only the claiming worker may fail the batch.
	if p.registry == nil {
		return domain.BatchStats{}, p.abort(ctx, log, batchID, errors.New("no field ownership registry configured"))
	}
	if err := p.registry.Validate(); err != nil {
		return domain.BatchStats{}, p.abort(ctx, log, batchID, fmt.Errorf("invalid field ownership registry: %w", err))
	}
	log = log.With(zap.String("source", string(batch.Source)))
	started := time.Now()
	if p.metrics != nil {
		p.metrics.BatchesInFlight.Inc()
		defer p.metrics.BatchesInFlight.Dec()
		defer p.metrics.ObserveBatch(string(batch.Source), started)
	}

	entries, err := p.store.Entries().ListByBatch(ctx, batchID, repository.EntryListOptions{UnprocessedOnly: true})
	if err != nil {
		return domain.BatchStats{}, p.abort(ctx, log, batchID, fmt.Errorf("failed to load staged entries: %w", err))
	}
	log.Info("processing batch", zap.Int("entries", len(entries)), zap.Int("workers", p.workers))

	if err := p.runLanes(ctx, batch, entries); err != nil {
		if ctx.Err() != nil {
			log.Warn("batch abandoned in processing", zap.Error(err))
			return domain.BatchStats{}, fmt.Errorf("batch %s interrupted: %w", batchID, err)
		}
		return domain.BatchStats{}, p.abort(ctx, log, batchID, err)
	}

	stats, err := p.store.Entries().CountOutcomes(ctx, batchID)
	if err != nil {
		return domain.BatchStats{}, p.abort(ctx, log, batchID, fmt.Errorf("failed to count outcomes: %w", err))
	}
	status := domain.FinalStatus(stats)
	message := ""
	if stats.Failed > 0 && stats.Succeeded() == 0 {
		message = fmt.Sprintf("all %d entries failed", stats.Failed)
	}
	if _, err := p.store.Batches().Finish(ctx, batchID, status, stats, message); err != nil {
		return stats, fmt.Errorf("failed to finish batch: %w", err)
	}
	if p.metrics != nil {
		p.metrics.BatchesFinished.WithLabelValues(string(batch.Source), string(status)).Inc()
	}

	log.Info("batch processed",
		zap.String("status", string(status)),
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
		zap.Duration("elapsed", time.Since(started)),
	)
	return stats, nil
}

// runLanes partitions entries by external key so that every entry of a key
// is applied in file order by the same lane.
func (p *Processor) runLanes(ctx context.Context, batch domain.IngestionBatch, entries []domain.StagedEntry) error {
	lanes := make([][]domain.StagedEntry, p.workers)
	for _, entry := range entries {
		idx := laneFor(entry.ExternalKey, p.workers)
		lanes[idx] = append(lanes[idx], entry)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, lane := range lanes {
		if len(lane) == 0 {
			continue
		}
		lane := lane
		group.Go(func() error {
			for _, entry := range lane {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				if err := p.processEntry(groupCtx, batch, entry); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return group.Wait()
}

func laneFor(key string, lanes int) int {
	if lanes <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(lanes))
}

// processEntry applies one entry. Only errors that make the batch unusable
// are returned; entry failures are recorded instead.
func (p *Processor) processEntry(ctx context.Context, batch domain.IngestionBatch, entry domain.StagedEntry) error {
	outcome, changes, err := p.applyEntry(ctx, batch, entry)
	if errors.Is(err, repository.ErrRecordExists) {
		// Another batch created the key between lookup and insert.
		outcome, changes, err = p.applyEntry(ctx, batch, entry)
	}
	switch {
	case err == nil:
		p.observe(entry, outcome, changes)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, repository.ErrEntryProcessed):
		p.logger.Warn("entry already processed", zap.Int64("entry_id", entry.ID), zap.String("external_key", entry.ExternalKey))
		return nil
	}

	failure := domain.NewProcessingFailure(entry, err)
	p.logger.Warn("entry failed",
		zap.String("batch_id", batch.ID.String()),
		zap.String("external_key", entry.ExternalKey),
		zap.Int("row", entry.RowNumber),
		zap.String("kind", string(failure.Kind)),
		zap.Error(err),
	)
	recordErr := p.store.WithTx(ctx, func(tx repository.Tx) error {
		if err := tx.RecordFailure(ctx, failure); err != nil {
			return err
		}
		return tx.MarkProcessed(ctx, entry.ID, domain.OutcomeFailed)
	})
	if recordErr != nil && !errors.Is(recordErr, repository.ErrEntryProcessed) {
		return fmt.Errorf("failed to record failure of row %d: %w", entry.RowNumber, recordErr)
	}
	p.observe(entry, domain.OutcomeFailed, nil)
	return nil
}

// applyEntry runs the lookup, merge, record write, change log append and
// processed flag of one entry in a single transaction.
func (p *Processor) applyEntry(ctx context.Context, batch domain.IngestionBatch, entry domain.StagedEntry) (domain.EntryOutcome, []domain.ChangeLogEntry, error) {
	actor := batch.Actor
	if actor == "" {
		actor = p.actor
	}

	var (
		outcome domain.EntryOutcome
		rows    []domain.ChangeLogEntry
	)
	err := p.store.WithTx(ctx, func(tx repository.Tx) error {
		now := p.now()
		record, err := tx.LockRecord(ctx, entry.ExternalKey)
		switch {
		case errors.Is(err, domain.ErrRecordNotFound):
			if entry.Source != domain.SourceSystem {
				return domain.NewEntryError(domain.FailureMissingRecord,
					fmt.Errorf("no canonical record for %s; only %s rows create records", entry.ExternalKey, domain.SourceSystem))
			}
			fields, changes, err := planCreate(p.registry, entry)
			if err != nil {
				return err
			}
			record = domain.NewCanonicalRecord(entry.ExternalKey)
			record.Fields = fields
			record.CreatedAt, record.UpdatedAt = now, now
			if _, err := tx.InsertRecord(ctx, record); err != nil {
				return err
			}
			outcome = domain.OutcomeCreated
			rows = buildChangeLog(batch, entry, domain.ChangeCreated, actor, now, changes)

		case err != nil:
			return fmt.Errorf("failed to load record: %w", err)

		default:
			changes, err := planUpdate(p.registry, record, entry)
			if err != nil {
				return err
			}
			if len(changes) == 0 {
				outcome = domain.OutcomeSkipped
				break
			}
			updated := applyChanges(record, changes)
			updated.UpdatedAt = now
			if _, err := tx.UpdateRecord(ctx, updated); err != nil {
				return err
			}
			outcome = domain.OutcomeUpdated
			rows = buildChangeLog(batch, entry, domain.ChangeUpdated, actor, now, changes)
		}

		if err := tx.AppendChanges(ctx, rows); err != nil {
			return err
		}
		return tx.MarkProcessed(ctx, entry.ID, outcome)
	})
	if err != nil {
		return "", nil, err
	}
	return outcome, rows, nil
}

func (p *Processor) observe(entry domain.StagedEntry, outcome domain.EntryOutcome, rows []domain.ChangeLogEntry) {
	if p.metrics == nil {
		return
	}
	p.metrics.EntriesProcessed.WithLabelValues(string(entry.Source), string(outcome)).Inc()
	for _, row := range rows {
		p.metrics.FieldChanges.WithLabelValues(string(row.Source), string(row.ChangeType)).Inc()
	}
}

// abort marks the batch failed and returns cause.
func (p *Processor) abort(ctx context.Context, log *zap.Logger, batchID uuid.UUID, cause error) error {
	log.Error("batch failed", zap.Error(cause))
	batch, err := p.store.Batches().Fail(ctx, batchID, cause.Error())
	if err != nil {
		log.Error("failed to mark batch failed", zap.Error(err))
		return cause
	}
	if p.metrics != nil {
		p.metrics.BatchesFinished.WithLabelValues(string(batch.Source), string(domain.BatchFailed)).Inc()
	}
	return cause
}
