package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rpattn/catalogmerge/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type failureRepository struct {
	q querier
}

func recordFailure(ctx context.Context, q querier, failure domain.ProcessingFailure) error {
	raw, err := encodeJSON(failure.Raw)
	if err != nil {
		return err
	}

	_, err = q.Exec(
		ctx,
		`INSERT INTO processing_failures (batch_id, staged_entry_id, external_key, row_number, raw, kind, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		failure.BatchID,
		failure.StagedEntryID,
		failure.ExternalKey,
		failure.RowNumber,
		raw,
		string(failure.Kind),
		failure.ErrorMessage,
		failure.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record processing failure: %w", err)
	}

	return nil
}

func (r *failureRepository) ListByBatch(ctx context.Context, batchID uuid.UUID, limit int, offset int) ([]domain.ProcessingFailure, error) {
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.q.Query(
		ctx,
		`SELECT id, batch_id, staged_entry_id, external_key, row_number, raw, kind, error_message, created_at
		 FROM processing_failures
		 WHERE batch_id = $1
		 ORDER BY row_number, id
		 LIMIT $2 OFFSET $3`,
		batchID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list processing failures: %w", err)
	}
	defer rows.Close()

	failures := []domain.ProcessingFailure{}
	for rows.Next() {
		var (
			failure   domain.ProcessingFailure
			raw       []byte
			kind      string
			createdAt pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&failure.ID,
			&failure.BatchID,
			&failure.StagedEntryID,
			&failure.ExternalKey,
			&failure.RowNumber,
			&raw,
			&kind,
			&failure.ErrorMessage,
			&createdAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan processing failure: %w", scanErr)
		}

		failure.Kind = domain.FailureKind(kind)
		failure.Raw = map[string]string{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &failure.Raw); err != nil {
				return nil, fmt.Errorf("failed to decode failure payload: %w", err)
			}
		}
		if createdAt.Valid {
			failure.CreatedAt = createdAt.Time.UTC()
		}

		failures = append(failures, failure)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate processing failures: %w", rowsErr)
	}

	return failures, nil
}
