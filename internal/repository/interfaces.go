package repository

import (
	"context"
	"errors"

	"github.com/rpattn/catalogmerge/internal/domain"

	"github.com/google/uuid"
)

var (
	// ErrRecordExists is returned by InsertRecord when another writer created
	// the same external key first.
	ErrRecordExists = errors.New("canonical record already exists")
	// ErrEntryProcessed is returned by MarkProcessed for an entry that already
	// carries an outcome.
	ErrEntryProcessed = errors.New("staged entry already processed")
)

// Store bundles the repositories of one backing database.
type Store interface {
	Batches() BatchRepository
	Entries() StagedEntryRepository
	Records() RecordRepository
	Changes() ChangeLogRepository
	Failures() FailureRepository
	// WithTx runs fn in one transaction. Returning an error, or panicking,
	// rolls everything back.
	WithTx(ctx context.Context, fn func(Tx) error) error
	Close()
}

// BatchFilter narrows batch listings.
type BatchFilter struct {
	Source   domain.SourceType
	Statuses []domain.BatchStatus
	Limit    int
	Offset   int
}

// BatchRepository persists ingestion batches and guards their lifecycle.
type BatchRepository interface {
	Create(ctx context.Context, batch domain.IngestionBatch) (domain.IngestionBatch, error)
	Get(ctx context.Context, id uuid.UUID) (domain.IngestionBatch, error)
	List(ctx context.Context, filter BatchFilter) ([]domain.IngestionBatch, error)
	ListByChecksum(ctx context.Context, source domain.SourceType, checksum string) ([]domain.IngestionBatch, error)
	// Transition moves a batch from one status to another only if it is
	// currently in from. It returns domain.ErrBatchNotClaimable otherwise.
	Transition(ctx context.Context, id uuid.UUID, from, to domain.BatchStatus) (domain.IngestionBatch, error)
	// MarkStaged records staging results and moves staging -> staged.
	MarkStaged(ctx context.Context, id uuid.UUID, rowsStaged int, rejectedRows []int) (domain.IngestionBatch, error)
	// Finish moves a processing batch to a terminal status with its stats.
	Finish(ctx context.Context, id uuid.UUID, status domain.BatchStatus, stats domain.BatchStats, errorMessage string) (domain.IngestionBatch, error)
	// Fail marks a non-terminal batch failed regardless of its current status.
	Fail(ctx context.Context, id uuid.UUID, errorMessage string) (domain.IngestionBatch, error)
}

// EntryListOptions narrows staged entry listings.
type EntryListOptions struct {
	UnprocessedOnly bool
}

// StagedEntryRepository persists immutable staged entries.
type StagedEntryRepository interface {
	// InsertBatch stores entries in one statement group and returns the
	// number inserted.
	InsertBatch(ctx context.Context, entries []domain.StagedEntry) (int, error)
	ListByBatch(ctx context.Context, batchID uuid.UUID, opts EntryListOptions) ([]domain.StagedEntry, error)
	// CountOutcomes tallies the outcomes of processed entries of a batch.
	CountOutcomes(ctx context.Context, batchID uuid.UUID) (domain.BatchStats, error)
}

// RecordRepository reads canonical records.
type RecordRepository interface {
	Get(ctx context.Context, externalKey string) (domain.CanonicalRecord, error)
	GetByKeys(ctx context.Context, externalKeys []string) ([]domain.CanonicalRecord, error)
	List(ctx context.Context, limit, offset int) ([]domain.CanonicalRecord, int, error)
}

// ChangeLogRepository reads the append-only change log.
type ChangeLogRepository interface {
	ListByRecord(ctx context.Context, externalKey string) ([]domain.ChangeLogEntry, error)
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]domain.ChangeLogEntry, error)
	CountByBatch(ctx context.Context, batchID uuid.UUID) (int, error)
}

// FailureRepository reads processing failures.
type FailureRepository interface {
	ListByBatch(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]domain.ProcessingFailure, error)
}

// Tx is the unit of work the processor commits for one staged entry.
type Tx interface {
	// LockRecord loads a record and holds it until the transaction ends. It
	// returns domain.ErrRecordNotFound when no record has the key.
	LockRecord(ctx context.Context, externalKey string) (domain.CanonicalRecord, error)
	// InsertRecord creates a record at version 1.
	InsertRecord(ctx context.Context, record domain.CanonicalRecord) (domain.CanonicalRecord, error)
	// UpdateRecord stores new fields and bumps the version by one.
	UpdateRecord(ctx context.Context, record domain.CanonicalRecord) (domain.CanonicalRecord, error)
	AppendChanges(ctx context.Context, changes []domain.ChangeLogEntry) error
	MarkProcessed(ctx context.Context, entryID int64, outcome domain.EntryOutcome) error
	RecordFailure(ctx context.Context, failure domain.ProcessingFailure) error
}
