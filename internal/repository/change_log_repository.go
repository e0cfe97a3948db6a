package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rpattn/catalogmerge/internal/domain"
)

const changeLogColumns = `id, batch_id, staged_entry_id, source, external_key, field, old_value, new_value, change_type, actor, changed_at`

var changeLogCopyColumns = []string{"batch_id", "staged_entry_id", "source", "external_key", "field", "old_value", "new_value", "change_type", "actor", "changed_at"}

type changeLogRepository struct {
	q querier
}

func (r *changeLogRepository) ListByRecord(ctx context.Context, externalKey string) ([]domain.ChangeLogEntry, error) {
	return r.list(ctx, `SELECT `+changeLogColumns+` FROM change_log_entries WHERE external_key = $1 ORDER BY id`, externalKey)
}

func (r *changeLogRepository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]domain.ChangeLogEntry, error) {
	return r.list(ctx, `SELECT `+changeLogColumns+` FROM change_log_entries WHERE batch_id = $1 ORDER BY id`, batchID)
}

func (r *changeLogRepository) CountByBatch(ctx context.Context, batchID uuid.UUID) (int, error) {
	var count int
	if err := r.q.QueryRow(ctx, `SELECT count(*) FROM change_log_entries WHERE batch_id = $1`, batchID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count change log entries: %w", err)
	}
	return count, nil
}

func (r *changeLogRepository) list(ctx context.Context, query string, arg any) ([]domain.ChangeLogEntry, error) {
	rows, err := r.q.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list change log: %w", err)
	}
	defer rows.Close()

	changes := []domain.ChangeLogEntry{}
	for rows.Next() {
		change, scanErr := scanChange(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan change log entry: %w", scanErr)
		}
		changes = append(changes, change)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate change log: %w", rowsErr)
	}
	return changes, nil
}

func changeLogRows(changes []domain.ChangeLogEntry) ([][]any, error) {
	rows := make([][]any, 0, len(changes))
	for _, change := range changes {
		oldValue, err := encodeJSON(change.OldValue)
		if err != nil {
			return nil, err
		}
		newValue, err := encodeJSON(change.NewValue)
		if err != nil {
			return nil, err
		}
		rows = append(rows, []any{
			change.BatchID,
			change.StagedEntryID,
			string(change.Source),
			change.ExternalKey,
			change.Field,
			oldValue,
			newValue,
			string(change.ChangeType),
			change.Actor,
			change.ChangedAt,
		})
	}
	return rows, nil
}

func scanChange(row pgx.Row) (domain.ChangeLogEntry, error) {
	var (
		change     domain.ChangeLogEntry
		source     string
		oldValue   []byte
		newValue   []byte
		changeType string
		changedAt  time.Time
	)
	if err := row.Scan(
		&change.ID,
		&change.BatchID,
		&change.StagedEntryID,
		&source,
		&change.ExternalKey,
		&change.Field,
		&oldValue,
		&newValue,
		&changeType,
		&change.Actor,
		&changedAt,
	); err != nil {
		return domain.ChangeLogEntry{}, err
	}
	if err := decodeValue(oldValue, &change.OldValue); err != nil {
		return domain.ChangeLogEntry{}, err
	}
	if err := decodeValue(newValue, &change.NewValue); err != nil {
		return domain.ChangeLogEntry{}, err
	}
	change.Source = domain.SourceType(source)
	change.ChangeType = domain.ChangeType(changeType)
	change.ChangedAt = changedAt.UTC()
	return change, nil
}

// decodeValue reads a JSONB value column; SQL NULL and JSON null are both Absent.
func decodeValue(data []byte, dst *domain.Value) error {
	if len(data) == 0 {
		*dst = domain.Absent()
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode change value: %w", err)
	}
	return nil
}
