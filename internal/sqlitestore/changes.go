package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/rpattn/catalogmerge/internal/domain"
)

const changeLogColumns = "id, batch_id, staged_entry_id, source, external_key, field, old_value, new_value, change_type, actor, changed_at"

type changeLogRepository struct {
	q queryer
}

func (r *changeLogRepository) ListByRecord(ctx context.Context, externalKey string) ([]domain.ChangeLogEntry, error) {
	return r.list(ctx, `SELECT `+changeLogColumns+` FROM change_log_entries WHERE external_key = ? ORDER BY id`, externalKey)
}

func (r *changeLogRepository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]domain.ChangeLogEntry, error) {
	return r.list(ctx, `SELECT `+changeLogColumns+` FROM change_log_entries WHERE batch_id = ? ORDER BY id`, batchID.String())
}

func (r *changeLogRepository) CountByBatch(ctx context.Context, batchID uuid.UUID) (int, error) {
	var count int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(1) FROM change_log_entries WHERE batch_id = ?`, batchID.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count change log: %w", err)
	}
	return count, nil
}

func (r *changeLogRepository) list(ctx context.Context, query string, arg any) ([]domain.ChangeLogEntry, error) {
	rows, err := r.q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list change log: %w", err)
	}
	defer rows.Close()

	changes := []domain.ChangeLogEntry{}
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change log entry: %w", err)
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change log: %w", err)
	}
	return changes, nil
}

func scanChange(scanner interface{ Scan(dest ...any) error }) (domain.ChangeLogEntry, error) {
	var (
		change     domain.ChangeLogEntry
		batchRaw   string
		source     string
		oldRaw     sql.NullString
		newRaw     sql.NullString
		changeType string
		changedRaw string
	)
	if err := scanner.Scan(
		&change.ID,
		&batchRaw,
		&change.StagedEntryID,
		&source,
		&change.ExternalKey,
		&change.Field,
		&oldRaw,
		&newRaw,
		&changeType,
		&change.Actor,
		&changedRaw,
	); err != nil {
		return domain.ChangeLogEntry{}, err
	}
	batchID, err := uuid.Parse(batchRaw)
	if err != nil {
		return domain.ChangeLogEntry{}, fmt.Errorf("parse batch id: %w", err)
	}
	if err := decodeValue(oldRaw, &change.OldValue); err != nil {
		return domain.ChangeLogEntry{}, err
	}
	if err := decodeValue(newRaw, &change.NewValue); err != nil {
		return domain.ChangeLogEntry{}, err
	}
	change.BatchID = batchID
	change.Source = domain.SourceType(source)
	change.ChangeType = domain.ChangeType(changeType)
	if changed, err := parseTimeString(changedRaw); err == nil {
		change.ChangedAt = changed
	}
	return change, nil
}

func encodeValue(value domain.Value) (any, error) {
	if value.IsAbsent() {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return string(data), nil
}

func decodeValue(raw sql.NullString, dst *domain.Value) error {
	if !raw.Valid || raw.String == "" {
		*dst = domain.Absent()
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), dst); err != nil {
		return fmt.Errorf("decode change value: %w", err)
	}
	return nil
}
