package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rpattn/catalogmerge/internal/domain"
)

const recordColumns = "external_key, fields, version, created_at, updated_at"

type recordRepository struct {
	q queryer
}

func (r *recordRepository) Get(ctx context.Context, externalKey string) (domain.CanonicalRecord, error) {
	return getRecord(ctx, r.q, externalKey)
}

func (r *recordRepository) GetByKeys(ctx context.Context, externalKeys []string) ([]domain.CanonicalRecord, error) {
	if len(externalKeys) == 0 {
		return []domain.CanonicalRecord{}, nil
	}
	args := make([]any, len(externalKeys))
	for i, key := range externalKeys {
		args[i] = key
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM canonical_records WHERE external_key IN (`+makePlaceholders(len(args))+`) ORDER BY external_key`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("get records by key: %w", err)
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
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(1) FROM canonical_records`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM canonical_records ORDER BY external_key LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	records, err := collectRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func getRecord(ctx context.Context, q queryer, externalKey string) (domain.CanonicalRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM canonical_records WHERE external_key = ?`, externalKey)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CanonicalRecord{}, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, externalKey)
	}
	if err != nil {
		return domain.CanonicalRecord{}, fmt.Errorf("load record %s: %w", externalKey, err)
	}
	return record, nil
}

func collectRecords(rows *sql.Rows) ([]domain.CanonicalRecord, error) {
	defer rows.Close()
	records := []domain.CanonicalRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (domain.CanonicalRecord, error) {
	var (
		record     domain.CanonicalRecord
		fieldsRaw  string
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(&record.ExternalKey, &fieldsRaw, &record.Version, &createdRaw, &updatedRaw); err != nil {
		return domain.CanonicalRecord{}, err
	}
	fields, err := domain.UnmarshalFields([]byte(fieldsRaw))
	if err != nil {
		return domain.CanonicalRecord{}, fmt.Errorf("decode fields for record %s: %w", record.ExternalKey, err)
	}
	record.Fields = fields
	if created, err := parseTimeString(createdRaw); err == nil {
		record.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		record.UpdatedAt = updated
	}
	return record, nil
}
