package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/catalogmerge/internal/domain"
)

const stagedEntryColumns = `id, batch_id, source, row_number, external_key, fields, raw, processed, outcome, processed_at`

var stagedEntryCopyColumns = []string{"batch_id", "source", "row_number", "external_key", "fields", "raw"}

type stagedEntryRepository struct {
	pool *pgxpool.Pool
}

// InsertBatch streams entries with COPY inside a single transaction so a
// batch is either fully staged or not at all.
func (r *stagedEntryRepository) InsertBatch(ctx context.Context, entries []domain.StagedEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(entries))
	for _, entry := range entries {
		fields, err := domain.MarshalFields(entry.Fields)
		if err != nil {
			return 0, fmt.Errorf("failed to encode fields for row %d: %w", entry.RowNumber, err)
		}
		raw, err := encodeJSON(entry.Raw)
		if err != nil {
			return 0, err
		}
		rows = append(rows, []any{entry.BatchID, string(entry.Source), entry.RowNumber, entry.ExternalKey, fields, raw})
	}

	var copied int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		n, copyErr := tx.CopyFrom(ctx, pgx.Identifier{"staged_entries"}, stagedEntryCopyColumns, pgx.CopyFromRows(rows))
		copied = n
		return copyErr
	})
	if err != nil {
		return 0, fmt.Errorf("failed to stage entries: %w", err)
	}
	return int(copied), nil
}

func (r *stagedEntryRepository) ListByBatch(ctx context.Context, batchID uuid.UUID, opts EntryListOptions) ([]domain.StagedEntry, error) {
	query := `SELECT ` + stagedEntryColumns + ` FROM staged_entries WHERE batch_id = $1`
	if opts.UnprocessedOnly {
		query += ` AND NOT processed`
	}
	query += ` ORDER BY id`

	rows, err := r.pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list staged entries: %w", err)
	}
	defer rows.Close()

	entries := []domain.StagedEntry{}
	for rows.Next() {
		entry, scanErr := scanStagedEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan staged entry: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate staged entries: %w", rowsErr)
	}
	return entries, nil
}

func (r *stagedEntryRepository) CountOutcomes(ctx context.Context, batchID uuid.UUID) (domain.BatchStats, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT outcome, count(*) FROM staged_entries
		 WHERE batch_id = $1 AND processed
		 GROUP BY outcome`,
		batchID,
	)
	if err != nil {
		return domain.BatchStats{}, fmt.Errorf("failed to count entry outcomes: %w", err)
	}
	defer rows.Close()

	var stats domain.BatchStats
	for rows.Next() {
		var (
			outcome pgtype.Text
			count   int
		)
		if scanErr := rows.Scan(&outcome, &count); scanErr != nil {
			return domain.BatchStats{}, fmt.Errorf("failed to scan outcome count: %w", scanErr)
		}
		for i := 0; i < count; i++ {
			stats.Add(domain.EntryOutcome(outcome.String))
		}
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return domain.BatchStats{}, fmt.Errorf("failed to iterate outcome counts: %w", rowsErr)
	}
	return stats, nil
}

func scanStagedEntry(row pgx.Row) (domain.StagedEntry, error) {
	var (
		entry       domain.StagedEntry
		source      string
		fields      []byte
		raw         []byte
		outcome     pgtype.Text
		processedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&entry.ID,
		&entry.BatchID,
		&source,
		&entry.RowNumber,
		&entry.ExternalKey,
		&fields,
		&raw,
		&entry.Processed,
		&outcome,
		&processedAt,
	); err != nil {
		return domain.StagedEntry{}, err
	}

	decoded, err := domain.UnmarshalFields(fields)
	if err != nil {
		return domain.StagedEntry{}, fmt.Errorf("failed to decode fields of entry %d: %w", entry.ID, err)
	}
	entry.Fields = decoded
	entry.Raw = map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &entry.Raw); err != nil {
			return domain.StagedEntry{}, fmt.Errorf("failed to decode raw payload of entry %d: %w", entry.ID, err)
		}
	}
	entry.Source = domain.SourceType(source)
	entry.Outcome = domain.EntryOutcome(outcome.String)
	entry.ProcessedAt = timePtr(processedAt)
	return entry, nil
}
