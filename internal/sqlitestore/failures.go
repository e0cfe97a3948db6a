package sqlitestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/rpattn/catalogmerge/internal/domain"
)

type failureRepository struct {
	q queryer
}

func (r *failureRepository) ListByBatch(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]domain.ProcessingFailure, error) {
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.q.QueryContext(ctx,
		`SELECT id, batch_id, staged_entry_id, external_key, row_number, raw, kind, error_message, created_at
         FROM processing_failures
         WHERE batch_id = ?
         ORDER BY row_number, id
         LIMIT ? OFFSET ?`,
		batchID.String(), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list processing failures: %w", err)
	}
	defer rows.Close()

	failures := []domain.ProcessingFailure{}
	for rows.Next() {
		var (
			failure    domain.ProcessingFailure
			batchRaw   string
			rawPayload string
			kind       string
			createdRaw string
		)
		if err := rows.Scan(
			&failure.ID,
			&batchRaw,
			&failure.StagedEntryID,
			&failure.ExternalKey,
			&failure.RowNumber,
			&rawPayload,
			&kind,
			&failure.ErrorMessage,
			&createdRaw,
		); err != nil {
			return nil, fmt.Errorf("scan processing failure: %w", err)
		}
		if failure.BatchID, err = uuid.Parse(batchRaw); err != nil {
			return nil, fmt.Errorf("parse batch id: %w", err)
		}
		failure.Raw = map[string]string{}
		if err := json.Unmarshal([]byte(rawPayload), &failure.Raw); err != nil {
			return nil, fmt.Errorf("decode failure payload: %w", err)
		}
		failure.Kind = domain.FailureKind(kind)
		if created, err := parseTimeString(createdRaw); err == nil {
			failure.CreatedAt = created
		}
		failures = append(failures, failure)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processing failures: %w", err)
	}
	return failures, nil
}
