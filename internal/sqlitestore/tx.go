package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/repository"
)

// sqliteTx implements repository.Tx. The store's single connection already
// serializes transactions, so LockRecord is a plain read.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) LockRecord(ctx context.Context, externalKey string) (domain.CanonicalRecord, error) {
	return getRecord(ctx, t.tx, externalKey)
}

func (t *sqliteTx) InsertRecord(ctx context.Context, record domain.CanonicalRecord) (domain.CanonicalRecord, error) {
	fields, err := domain.MarshalFields(record.Fields)
	if err != nil {
		return domain.CanonicalRecord{}, fmt.Errorf("marshal record fields: %w", err)
	}
	created := formatTime(record.CreatedAt)
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO canonical_records (external_key, fields, version, created_at, updated_at)
         VALUES (?, ?, 1, ?, ?)
         ON CONFLICT (external_key) DO NOTHING`,
		record.ExternalKey, string(fields), created, created,
	)
	if err != nil {
		return domain.CanonicalRecord{}, fmt.Errorf("insert record %s: %w", record.ExternalKey, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.CanonicalRecord{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.CanonicalRecord{}, fmt.Errorf("%w: %s", repository.ErrRecordExists, record.ExternalKey)
	}
	return getRecord(ctx, t.tx, record.ExternalKey)
}

func (t *sqliteTx) UpdateRecord(ctx context.Context, record domain.CanonicalRecord) (domain.CanonicalRecord, error) {
	fields, err := domain.MarshalFields(record.Fields)
	if err != nil {
		return domain.CanonicalRecord{}, fmt.Errorf("marshal record fields: %w", err)
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE canonical_records SET fields = ?, version = version + 1, updated_at = ? WHERE external_key = ?`,
		string(fields), formatTime(record.UpdatedAt), record.ExternalKey,
	)
	if err != nil {
		return domain.CanonicalRecord{}, fmt.Errorf("update record %s: %w", record.ExternalKey, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.CanonicalRecord{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.CanonicalRecord{}, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, record.ExternalKey)
	}
	return getRecord(ctx, t.tx, record.ExternalKey)
}

func (t *sqliteTx) AppendChanges(ctx context.Context, changes []domain.ChangeLogEntry) error {
	if len(changes) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO change_log_entries (
            batch_id, staged_entry_id, source, external_key, field,
            old_value, new_value, change_type, actor, changed_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare change log insert: %w", err)
	}
	defer stmt.Close()

	for _, change := range changes {
		oldValue, err := encodeValue(change.OldValue)
		if err != nil {
			return err
		}
		newValue, err := encodeValue(change.NewValue)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			change.BatchID.String(),
			change.StagedEntryID,
			string(change.Source),
			change.ExternalKey,
			change.Field,
			oldValue,
			newValue,
			string(change.ChangeType),
			change.Actor,
			formatTime(change.ChangedAt),
		); err != nil {
			return fmt.Errorf("append change for %s.%s: %w", change.ExternalKey, change.Field, err)
		}
	}
	return nil
}

func (t *sqliteTx) MarkProcessed(ctx context.Context, entryID int64, outcome domain.EntryOutcome) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE staged_entries SET processed = 1, outcome = ?, processed_at = ? WHERE id = ? AND processed = 0`,
		string(outcome), formatTime(time.Now()), entryID,
	)
	if err != nil {
		return fmt.Errorf("mark entry %d processed: %w", entryID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %d", repository.ErrEntryProcessed, entryID)
	}
	return nil
}

func (t *sqliteTx) RecordFailure(ctx context.Context, failure domain.ProcessingFailure) error {
	raw, err := json.Marshal(failure.Raw)
	if err != nil {
		return fmt.Errorf("marshal failure payload: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO processing_failures (batch_id, staged_entry_id, external_key, row_number, raw, kind, error_message, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		failure.BatchID.String(),
		failure.StagedEntryID,
		failure.ExternalKey,
		failure.RowNumber,
		string(raw),
		string(failure.Kind),
		failure.ErrorMessage,
		formatTime(failure.CreatedAt),
	); err != nil {
		return fmt.Errorf("record processing failure: %w", err)
	}
	return nil
}
