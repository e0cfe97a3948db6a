package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rpattn/catalogmerge/internal/domain"
)

const batchColumns = `id, source, file_name, checksum, actor, status, rows_staged, rejected_rows, stats,
	error_message, replay_of, created_at, started_at, completed_at, updated_at`

type batchRepository struct {
	q querier
}

func (r *batchRepository) Create(ctx context.Context, batch domain.IngestionBatch) (domain.IngestionBatch, error) {
	rejected, err := encodeJSON(batch.RejectedRows)
	if err != nil {
		return domain.IngestionBatch{}, err
	}
	stats, err := encodeJSON(batch.Stats)
	if err != nil {
		return domain.IngestionBatch{}, err
	}

	var replayOf any
	if batch.ReplayOf != nil {
		replayOf = *batch.ReplayOf
	}

	row := r.q.QueryRow(ctx,
		`INSERT INTO ingestion_batches (id, source, file_name, checksum, actor, status, rows_staged, rejected_rows, stats, replay_of, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		 RETURNING `+batchColumns,
		batch.ID,
		string(batch.Source),
		batch.FileName,
		textOrNil(batch.Checksum),
		batch.Actor,
		string(batch.Status),
		batch.RowsStaged,
		rejected,
		stats,
		replayOf,
		batch.CreatedAt,
	)
	created, err := scanBatch(row)
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("failed to create batch: %w", err)
	}
	return created, nil
}

func (r *batchRepository) Get(ctx context.Context, id uuid.UUID) (domain.IngestionBatch, error) {
	row := r.q.QueryRow(ctx, `SELECT `+batchColumns+` FROM ingestion_batches WHERE id = $1`, id)
	batch, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.IngestionBatch{}, fmt.Errorf("%w: %s", domain.ErrBatchNotFound, id)
	}
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("failed to get batch: %w", err)
	}
	return batch, nil
}

func (r *batchRepository) List(ctx context.Context, filter BatchFilter) ([]domain.IngestionBatch, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		conditions []string
		args       []any
	)
	if filter.Source != "" {
		args = append(args, string(filter.Source))
		conditions = append(conditions, fmt.Sprintf("source = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		args = append(args, statuses)
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + batchColumns + ` FROM ingestion_batches`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return r.queryBatches(ctx, query, args...)
}

func (r *batchRepository) ListByChecksum(ctx context.Context, source domain.SourceType, checksum string) ([]domain.IngestionBatch, error) {
	if checksum == "" {
		return []domain.IngestionBatch{}, nil
	}
	return r.queryBatches(ctx,
		`SELECT `+batchColumns+` FROM ingestion_batches WHERE source = $1 AND checksum = $2 ORDER BY created_at`,
		string(source), checksum,
	)
}

func (r *batchRepository) Transition(ctx context.Context, id uuid.UUID, from, to domain.BatchStatus) (domain.IngestionBatch, error) {
	if !domain.CanTransition(from, to) {
		return domain.IngestionBatch{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	row := r.q.QueryRow(ctx,
		`UPDATE ingestion_batches
		 SET status = $3::text,
		     started_at = CASE WHEN $3::text = 'processing' THEN now() ELSE started_at END,
		     updated_at = now()
		 WHERE id = $1 AND status = $2::text
		 RETURNING `+batchColumns,
		id, string(from), string(to),
	)
	return r.casResult(ctx, id, from, row)
}

func (r *batchRepository) MarkStaged(ctx context.Context, id uuid.UUID, rowsStaged int, rejectedRows []int) (domain.IngestionBatch, error) {
	if rejectedRows == nil {
		rejectedRows = []int{}
	}
	rejected, err := encodeJSON(rejectedRows)
	if err != nil {
		return domain.IngestionBatch{}, err
	}
	row := r.q.QueryRow(ctx,
		`UPDATE ingestion_batches
		 SET status = 'staged', rows_staged = $2, rejected_rows = $3, updated_at = now()
		 WHERE id = $1 AND status = 'staging'
		 RETURNING `+batchColumns,
		id, rowsStaged, rejected,
	)
	return r.casResult(ctx, id, domain.BatchStaging, row)
}

func (r *batchRepository) Finish(ctx context.Context, id uuid.UUID, status domain.BatchStatus, stats domain.BatchStats, errorMessage string) (domain.IngestionBatch, error) {
	if !status.Terminal() {
		return domain.IngestionBatch{}, fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, status)
	}
	encoded, err := encodeJSON(stats)
	if err != nil {
		return domain.IngestionBatch{}, err
	}
	row := r.q.QueryRow(ctx,
		`UPDATE ingestion_batches
		 SET status = $2, stats = $3, error_message = $4, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'processing'
		 RETURNING `+batchColumns,
		id, string(status), encoded, textOrNil(errorMessage),
	)
	return r.casResult(ctx, id, domain.BatchProcessing, row)
}

func (r *batchRepository) Fail(ctx context.Context, id uuid.UUID, errorMessage string) (domain.IngestionBatch, error) {
	row := r.q.QueryRow(ctx,
		`UPDATE ingestion_batches
		 SET status = 'failed', error_message = $2, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status NOT IN ('completed', 'partial', 'failed')
		 RETURNING `+batchColumns,
		id, textOrNil(errorMessage),
	)
	batch, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := r.Get(ctx, id)
		if getErr != nil {
			return domain.IngestionBatch{}, getErr
		}
		return current, fmt.Errorf("%w: batch %s is already %s", domain.ErrInvalidTransition, id, current.Status)
	}
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("failed to mark batch failed: %w", err)
	}
	return batch, nil
}

// casResult turns a guarded UPDATE ... RETURNING into a claim result.
func (r *batchRepository) casResult(ctx context.Context, id uuid.UUID, expected domain.BatchStatus, row pgx.Row) (domain.IngestionBatch, error) {
	batch, err := scanBatch(row)
	if err == nil {
		return batch, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.IngestionBatch{}, fmt.Errorf("failed to update batch status: %w", err)
	}
	current, getErr := r.Get(ctx, id)
	if getErr != nil {
		return domain.IngestionBatch{}, getErr
	}
	return current, fmt.Errorf("%w: batch %s is %s, expected %s", domain.ErrBatchNotClaimable, id, current.Status, expected)
}

func (r *batchRepository) queryBatches(ctx context.Context, query string, args ...any) ([]domain.IngestionBatch, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	batches := []domain.IngestionBatch{}
	for rows.Next() {
		batch, scanErr := scanBatch(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", scanErr)
		}
		batches = append(batches, batch)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate batches: %w", rowsErr)
	}
	return batches, nil
}

func scanBatch(row pgx.Row) (domain.IngestionBatch, error) {
	var (
		batch       domain.IngestionBatch
		source      string
		status      string
		checksum    pgtype.Text
		rejected    []byte
		stats       []byte
		errMessage  pgtype.Text
		replayOf    pgtype.UUID
		createdAt   pgtype.Timestamptz
		startedAt   pgtype.Timestamptz
		completedAt pgtype.Timestamptz
		updatedAt   pgtype.Timestamptz
	)
	if err := row.Scan(
		&batch.ID,
		&source,
		&batch.FileName,
		&checksum,
		&batch.Actor,
		&status,
		&batch.RowsStaged,
		&rejected,
		&stats,
		&errMessage,
		&replayOf,
		&createdAt,
		&startedAt,
		&completedAt,
		&updatedAt,
	); err != nil {
		return domain.IngestionBatch{}, err
	}

	batch.Source = domain.SourceType(source)
	batch.Status = domain.BatchStatus(status)
	batch.Checksum = checksum.String
	batch.ErrorMessage = errMessage.String
	batch.RejectedRows = []int{}
	if len(rejected) > 0 {
		if err := json.Unmarshal(rejected, &batch.RejectedRows); err != nil {
			return domain.IngestionBatch{}, fmt.Errorf("failed to decode rejected rows: %w", err)
		}
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &batch.Stats); err != nil {
			return domain.IngestionBatch{}, fmt.Errorf("failed to decode batch stats: %w", err)
		}
	}
	if replayOf.Valid {
		id := uuid.UUID(replayOf.Bytes)
		batch.ReplayOf = &id
	}
	if createdAt.Valid {
		batch.CreatedAt = createdAt.Time.UTC()
	}
	if updatedAt.Valid {
		batch.UpdatedAt = updatedAt.Time.UTC()
	}
	batch.StartedAt = timePtr(startedAt)
	batch.CompletedAt = timePtr(completedAt)
	return batch, nil
}
