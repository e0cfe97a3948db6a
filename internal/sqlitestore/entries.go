package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/repository"
)

const stagedEntryColumns = "id, batch_id, source, row_number, external_key, fields, raw, processed, outcome, processed_at"

type stagedEntryRepository struct {
	db *sql.DB
}

func (r *stagedEntryRepository) InsertBatch(ctx context.Context, entries []domain.StagedEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin staging tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO staged_entries (batch_id, source, row_number, external_key, fields, raw)
         VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare staged entry insert: %w", err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		fields, err := domain.MarshalFields(entry.Fields)
		if err != nil {
			return 0, fmt.Errorf("marshal fields for row %d: %w", entry.RowNumber, err)
		}
		raw, err := json.Marshal(entry.Raw)
		if err != nil {
			return 0, fmt.Errorf("marshal raw row %d: %w", entry.RowNumber, err)
		}
		if _, err := stmt.ExecContext(ctx,
			entry.BatchID.String(),
			string(entry.Source),
			entry.RowNumber,
			entry.ExternalKey,
			string(fields),
			string(raw),
		); err != nil {
			return 0, fmt.Errorf("insert staged entry row %d: %w", entry.RowNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit staged entries: %w", err)
	}
	return len(entries), nil
}

func (r *stagedEntryRepository) ListByBatch(ctx context.Context, batchID uuid.UUID, opts repository.EntryListOptions) ([]domain.StagedEntry, error) {
	query := `SELECT ` + stagedEntryColumns + ` FROM staged_entries WHERE batch_id = ?`
	if opts.UnprocessedOnly {
		query += ` AND processed = 0`
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, batchID.String())
	if err != nil {
		return nil, fmt.Errorf("list staged entries: %w", err)
	}
	defer rows.Close()

	entries := []domain.StagedEntry{}
	for rows.Next() {
		entry, err := scanStagedEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan staged entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate staged entries: %w", err)
	}
	return entries, nil
}

func (r *stagedEntryRepository) CountOutcomes(ctx context.Context, batchID uuid.UUID) (domain.BatchStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT outcome, COUNT(1) FROM staged_entries WHERE batch_id = ? AND processed = 1 GROUP BY outcome`,
		batchID.String(),
	)
	if err != nil {
		return domain.BatchStats{}, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()

	var stats domain.BatchStats
	for rows.Next() {
		var (
			outcome sql.NullString
			count   int
		)
		if err := rows.Scan(&outcome, &count); err != nil {
			return domain.BatchStats{}, fmt.Errorf("scan outcome count: %w", err)
		}
		for i := 0; i < count; i++ {
			stats.Add(domain.EntryOutcome(outcome.String))
		}
	}
	if err := rows.Err(); err != nil {
		return domain.BatchStats{}, fmt.Errorf("iterate outcome counts: %w", err)
	}
	return stats, nil
}

func scanStagedEntry(scanner interface{ Scan(dest ...any) error }) (domain.StagedEntry, error) {
	var (
		entry        domain.StagedEntry
		batchRaw     string
		source       string
		fieldsRaw    string
		rawPayload   string
		processed    int
		outcome      sql.NullString
		processedRaw sql.NullString
	)
	if err := scanner.Scan(
		&entry.ID,
		&batchRaw,
		&source,
		&entry.RowNumber,
		&entry.ExternalKey,
		&fieldsRaw,
		&rawPayload,
		&processed,
		&outcome,
		&processedRaw,
	); err != nil {
		return domain.StagedEntry{}, err
	}

	batchID, err := uuid.Parse(batchRaw)
	if err != nil {
		return domain.StagedEntry{}, fmt.Errorf("parse batch id: %w", err)
	}
	fields, err := domain.UnmarshalFields([]byte(fieldsRaw))
	if err != nil {
		return domain.StagedEntry{}, fmt.Errorf("decode fields of entry %d: %w", entry.ID, err)
	}
	entry.Raw = map[string]string{}
	if err := json.Unmarshal([]byte(rawPayload), &entry.Raw); err != nil {
		return domain.StagedEntry{}, fmt.Errorf("decode raw payload of entry %d: %w", entry.ID, err)
	}
	entry.BatchID = batchID
	entry.Source = domain.SourceType(source)
	entry.Fields = fields
	entry.Processed = processed != 0
	entry.Outcome = domain.EntryOutcome(outcome.String)
	entry.ProcessedAt = parseNullTime(processedRaw)
	return entry, nil
}
