package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/repository"
)

const batchColumns = "id, source, file_name, checksum, actor, status, rows_staged, rejected_rows, stats, error_message, replay_of, created_at, started_at, completed_at, updated_at"

type batchRepository struct {
	q queryer
}

func (r *batchRepository) Create(ctx context.Context, batch domain.IngestionBatch) (domain.IngestionBatch, error) {
	rejected := batch.RejectedRows
	if rejected == nil {
		rejected = []int{}
	}
	rejectedJSON, err := json.Marshal(rejected)
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("marshal rejected rows: %w", err)
	}
	statsJSON, err := json.Marshal(batch.Stats)
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("marshal stats: %w", err)
	}
	var replayOf any
	if batch.ReplayOf != nil {
		replayOf = batch.ReplayOf.String()
	}
	created := formatTime(batch.CreatedAt)

	if _, err := execWithRetry(ctx, r.q,
		`INSERT INTO ingestion_batches (
            id, source, file_name, checksum, actor, status, rows_staged,
            rejected_rows, stats, replay_of, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID.String(),
		string(batch.Source),
		batch.FileName,
		nullableString(batch.Checksum),
		batch.Actor,
		string(batch.Status),
		batch.RowsStaged,
		string(rejectedJSON),
		string(statsJSON),
		replayOf,
		created,
		created,
	); err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("insert batch: %w", err)
	}
	return r.Get(ctx, batch.ID)
}

func (r *batchRepository) Get(ctx context.Context, id uuid.UUID) (domain.IngestionBatch, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM ingestion_batches WHERE id = ?`, id.String())
	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IngestionBatch{}, fmt.Errorf("%w: %s", domain.ErrBatchNotFound, id)
	}
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("get batch: %w", err)
	}
	return batch, nil
}

func (r *batchRepository) List(ctx context.Context, filter repository.BatchFilter) ([]domain.IngestionBatch, error) {
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
		conditions = append(conditions, "source = ?")
		args = append(args, string(filter.Source))
	}
	if len(filter.Statuses) > 0 {
		conditions = append(conditions, "status IN ("+makePlaceholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	query := `SELECT ` + batchColumns + ` FROM ingestion_batches`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)
	return r.queryBatches(ctx, query, args...)
}

func (r *batchRepository) ListByChecksum(ctx context.Context, source domain.SourceType, checksum string) ([]domain.IngestionBatch, error) {
	if checksum == "" {
		return []domain.IngestionBatch{}, nil
	}
	return r.queryBatches(ctx,
		`SELECT `+batchColumns+` FROM ingestion_batches WHERE source = ? AND checksum = ? ORDER BY created_at`,
		string(source), checksum,
	)
}

func (r *batchRepository) Transition(ctx context.Context, id uuid.UUID, from, to domain.BatchStatus) (domain.IngestionBatch, error) {
	if !domain.CanTransition(from, to) {
		return domain.IngestionBatch{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	now := formatTime(time.Now())
	res, err := execWithRetry(ctx, r.q,
		`UPDATE ingestion_batches
         SET status = ?, started_at = CASE WHEN ? = 'processing' THEN ? ELSE started_at END, updated_at = ?
         WHERE id = ? AND status = ?`,
		string(to), string(to), now, now, id.String(), string(from),
	)
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("transition batch: %w", err)
	}
	return r.casResult(ctx, id, from, res)
}

func (r *batchRepository) MarkStaged(ctx context.Context, id uuid.UUID, rowsStaged int, rejectedRows []int) (domain.IngestionBatch, error) {
	if rejectedRows == nil {
		rejectedRows = []int{}
	}
	rejectedJSON, err := json.Marshal(rejectedRows)
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("marshal rejected rows: %w", err)
	}
	res, err := execWithRetry(ctx, r.q,
		`UPDATE ingestion_batches
         SET status = ?, rows_staged = ?, rejected_rows = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		string(domain.BatchStaged), rowsStaged, string(rejectedJSON), formatTime(time.Now()),
		id.String(), string(domain.BatchStaging),
	)
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("mark batch staged: %w", err)
	}
	return r.casResult(ctx, id, domain.BatchStaging, res)
}

func (r *batchRepository) Finish(ctx context.Context, id uuid.UUID, status domain.BatchStatus, stats domain.BatchStats, errorMessage string) (domain.IngestionBatch, error) {
	if !status.Terminal() {
		return domain.IngestionBatch{}, fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, status)
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("marshal stats: %w", err)
	}
	now := formatTime(time.Now())
	res, err := execWithRetry(ctx, r.q,
		`UPDATE ingestion_batches
         SET status = ?, stats = ?, error_message = ?, completed_at = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		string(status), string(statsJSON), nullableString(errorMessage), now, now,
		id.String(), string(domain.BatchProcessing),
	)
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("finish batch: %w", err)
	}
	return r.casResult(ctx, id, domain.BatchProcessing, res)
}

func (r *batchRepository) Fail(ctx context.Context, id uuid.UUID, errorMessage string) (domain.IngestionBatch, error) {
	now := formatTime(time.Now())
	res, err := execWithRetry(ctx, r.q,
		`UPDATE ingestion_batches
         SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
         WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(domain.BatchFailed), nullableString(errorMessage), now, now,
		id.String(), string(domain.BatchCompleted), string(domain.BatchPartial), string(domain.BatchFailed),
	)
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("fail batch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("rows affected: %w", err)
	}
	current, err := r.Get(ctx, id)
	if err != nil {
		return domain.IngestionBatch{}, err
	}
	if affected == 0 {
		return current, fmt.Errorf("%w: batch %s is already %s", domain.ErrInvalidTransition, id, current.Status)
	}
	return current, nil
}

func (r *batchRepository) casResult(ctx context.Context, id uuid.UUID, expected domain.BatchStatus, res sql.Result) (domain.IngestionBatch, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("rows affected: %w", err)
	}
	current, err := r.Get(ctx, id)
	if err != nil {
		return domain.IngestionBatch{}, err
	}
	if affected == 0 {
		return current, fmt.Errorf("%w: batch %s is %s, expected %s", domain.ErrBatchNotClaimable, id, current.Status, expected)
	}
	return current, nil
}

func (r *batchRepository) queryBatches(ctx context.Context, query string, args ...any) ([]domain.IngestionBatch, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	batches := []domain.IngestionBatch{}
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, nil
}

func scanBatch(scanner interface{ Scan(dest ...any) error }) (domain.IngestionBatch, error) {
	var (
		idRaw        string
		source       string
		fileName     string
		checksum     sql.NullString
		actor        string
		status       string
		rowsStaged   int
		rejectedRaw  string
		statsRaw     string
		errorMessage sql.NullString
		replayOf     sql.NullString
		createdRaw   string
		startedRaw   sql.NullString
		completedRaw sql.NullString
		updatedRaw   string
	)
	if err := scanner.Scan(
		&idRaw,
		&source,
		&fileName,
		&checksum,
		&actor,
		&status,
		&rowsStaged,
		&rejectedRaw,
		&statsRaw,
		&errorMessage,
		&replayOf,
		&createdRaw,
		&startedRaw,
		&completedRaw,
		&updatedRaw,
	); err != nil {
		return domain.IngestionBatch{}, err
	}

	id, err := uuid.Parse(idRaw)
	if err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("parse batch id: %w", err)
	}
	batch := domain.IngestionBatch{
		ID:           id,
		Source:       domain.SourceType(source),
		FileName:     fileName,
		Checksum:     checksum.String,
		Actor:        actor,
		Status:       domain.BatchStatus(status),
		RowsStaged:   rowsStaged,
		RejectedRows: []int{},
		ErrorMessage: errorMessage.String,
		StartedAt:    parseNullTime(startedRaw),
		CompletedAt:  parseNullTime(completedRaw),
	}
	if err := json.Unmarshal([]byte(rejectedRaw), &batch.RejectedRows); err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("decode rejected rows: %w", err)
	}
	if err := json.Unmarshal([]byte(statsRaw), &batch.Stats); err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("decode stats: %w", err)
	}
	if replayOf.Valid {
		parent, err := uuid.Parse(replayOf.String)
		if err != nil {
			return domain.IngestionBatch{}, fmt.Errorf("parse replay_of: %w", err)
		}
		batch.ReplayOf = &parent
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		batch.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		batch.UpdatedAt = updated
	}
	return batch, nil
}
