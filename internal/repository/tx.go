package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rpattn/catalogmerge/internal/domain"
)

// pgTx implements Tx on a pgx transaction. Record rows are locked with
// SELECT ... FOR UPDATE so concurrent batches serialize per key.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockRecord(ctx context.Context, externalKey string) (domain.CanonicalRecord, error) {
	return getRecord(ctx, t.tx, `SELECT `+recordColumns+` FROM canonical_records WHERE external_key = $1 FOR UPDATE`, externalKey)
}

func (t *pgTx) InsertRecord(ctx context.Context, record domain.CanonicalRecord) (domain.CanonicalRecord, error) {
	fields, err := domain.MarshalFields(record.Fields)
	if err != nil {
		return domain.CanonicalRecord{}, fmt.Errorf("failed to encode record fields: %w", err)
	}
	row := t.tx.QueryRow(ctx,
		`INSERT INTO canonical_records (external_key, fields, version, created_at, updated_at)
		 VALUES ($1, $2, 1, $3, $3)
		 ON CONFLICT (external_key) DO NOTHING
		 RETURNING `+recordColumns,
		record.ExternalKey, fields, record.CreatedAt,
	)
	created, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CanonicalRecord{}, fmt.Errorf("%w: %s", ErrRecordExists, record.ExternalKey)
	}
	if err != nil {
		return domain.CanonicalRecord{}, fmt.Errorf("failed to insert record %s: %w", record.ExternalKey, err)
	}
	return created, nil
}

func (t *pgTx) UpdateRecord(ctx context.Context, record domain.CanonicalRecord) (domain.CanonicalRecord, error) {
	fields, err := domain.MarshalFields(record.Fields)
	if err != nil {
		return domain.CanonicalRecord{}, fmt.Errorf("failed to encode record fields: %w", err)
	}
	row := t.tx.QueryRow(ctx,
		`UPDATE canonical_records
		 SET fields = $2, version = version + 1, updated_at = $3
		 WHERE external_key = $1
		 RETURNING `+recordColumns,
		record.ExternalKey, fields, record.UpdatedAt,
	)
	updated, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CanonicalRecord{}, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, record.ExternalKey)
	}
	if err != nil {
		return domain.CanonicalRecord{}, fmt.Errorf("failed to update record %s: %w", record.ExternalKey, err)
	}
	return updated, nil
}

func (t *pgTx) AppendChanges(ctx context.Context, changes []domain.ChangeLogEntry) error {
	if len(changes) == 0 {
		return nil
	}
	rows, err := changeLogRows(changes)
	if err != nil {
		return err
	}
	if _, err := t.tx.CopyFrom(ctx, pgx.Identifier{"change_log_entries"}, changeLogCopyColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("failed to append change log: %w", err)
	}
	return nil
}

func (t *pgTx) MarkProcessed(ctx context.Context, entryID int64, outcome domain.EntryOutcome) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE staged_entries SET processed = TRUE, outcome = $2, processed_at = now()
		 WHERE id = $1 AND NOT processed`,
		entryID, string(outcome),
	)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d processed: %w", entryID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrEntryProcessed, entryID)
	}
	return nil
}

func (t *pgTx) RecordFailure(ctx context.Context, failure domain.ProcessingFailure) error {
	return recordFailure(ctx, t.tx, failure)
}
