package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rpattn/catalogmerge/internal/domain"
)

const recordColumns = `external_key, fields, version, created_at, updated_at`

type recordRepository struct {
	q querier
}

func (r *recordRepository) Get(ctx context.Context, externalKey string) (domain.CanonicalRecord, error) {
	return getRecord(ctx, r.q, `SELECT `+recordColumns+` FROM canonical_records WHERE external_key = $1`, externalKey)
}

func (r *recordRepository) GetByKeys(ctx context.Context, externalKeys []string) ([]domain.CanonicalRecord, error) {
	if len(externalKeys) == 0 {
		return []domain.CanonicalRecord{}, nil
	}
	rows, err := r.q.Query(ctx,
		`SELECT `+recordColumns+` FROM canonical_records WHERE external_key = ANY($1) ORDER BY external_key`,
		externalKeys,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get records by key: %w", err)
	}
	return collectRecords(rows)
}

func (r *recordRepository) List(ctx context.Context, limit, offset int) ([]domain.CanonicalRecord, int, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := r.q.QueryRow(ctx, `SELECT count(*) FROM canonical_records`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count records: %w", err)
	}

	rows, err := r.q.Query(ctx,
		`SELECT `+recordColumns+` FROM canonical_records ORDER BY external_key LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list records: %w", err)
	}
	records, err := collectRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func getRecord(ctx context.Context, q querier, query string, externalKey string) (domain.CanonicalRecord, error) {
	record, err := scanRecord(q.QueryRow(ctx, query, externalKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CanonicalRecord{}, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, externalKey)
	}
	if err != nil {
		return domain.CanonicalRecord{}, fmt.Errorf("failed to load record %s: %w", externalKey, err)
	}
	return record, nil
}

func collectRecords(rows pgx.Rows) ([]domain.CanonicalRecord, error) {
	defer rows.Close()
	records := []domain.CanonicalRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

func scanRecord(row pgx.Row) (domain.CanonicalRecord, error) {
	var (
		record    domain.CanonicalRecord
		fields    []byte
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&record.ExternalKey, &fields, &record.Version, &createdAt, &updatedAt); err != nil {
		return domain.CanonicalRecord{}, err
	}
	decoded, err := domain.UnmarshalFields(fields)
	if err != nil {
		return domain.CanonicalRecord{}, fmt.Errorf("failed to decode fields for record %s: %w", record.ExternalKey, err)
	}
	record.Fields = decoded
	record.CreatedAt = createdAt.UTC()
	record.UpdatedAt = updatedAt.UTC()
	return record, nil
}
