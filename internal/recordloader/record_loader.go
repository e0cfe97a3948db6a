// Package recordloader batches canonical record lookups by external key.
package recordloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/repository"
)

// RecordLoader coalesces Get calls made within a short window into one
// GetByKeys query.
type RecordLoader struct {
	Loader *dataloader.Loader
}

// NewRecordLoader builds a loader over repo. Keys without a record resolve to
// domain.ErrRecordNotFound.
func NewRecordLoader(repo repository.RecordRepository) *RecordLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		externalKeys := keys.Keys()

		records, err := repo.GetByKeys(ctx, externalKeys)
		if err != nil {
			results := make([]*dataloader.Result, len(keys))
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		byKey := make(map[string]domain.CanonicalRecord, len(records))
		for _, record := range records {
			byKey[record.ExternalKey] = record
		}

		// Results must line up with keys.
		results := make([]*dataloader.Result, len(keys))
		for i, key := range externalKeys {
			if record, ok := byKey[key]; ok {
				results[i] = &dataloader.Result{Data: record}
			} else {
				results[i] = &dataloader.Result{Error: fmt.Errorf("%w: %s", domain.ErrRecordNotFound, key)}
			}
		}
		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond))
	return &RecordLoader{Loader: loader}
}

// Load fetches one record through the batch window.
func (l *RecordLoader) Load(ctx context.Context, externalKey string) (domain.CanonicalRecord, error) {
	value, err := l.Loader.Load(ctx, dataloader.StringKey(externalKey))()
	if err != nil {
		return domain.CanonicalRecord{}, err
	}
	record, ok := value.(domain.CanonicalRecord)
	if !ok {
		return domain.CanonicalRecord{}, fmt.Errorf("unexpected loader value %T", value)
	}
	return record, nil
}

// LoadMany fetches several records; the result maps each found key to its
// record and missing keys are left out.
func (l *RecordLoader) LoadMany(ctx context.Context, externalKeys []string) (map[string]domain.CanonicalRecord, error) {
	found := make(map[string]domain.CanonicalRecord, len(externalKeys))
	if len(externalKeys) == 0 {
		return found, nil
	}
	values, errs := l.Loader.LoadMany(ctx, dataloader.NewKeysFromStrings(externalKeys))()
	for i, value := range values {
		if i < len(errs) && errs[i] != nil {
			if errors.Is(errs[i], domain.ErrRecordNotFound) {
				continue
			}
			return nil, errs[i]
		}
		if record, ok := value.(domain.CanonicalRecord); ok {
			found[record.ExternalKey] = record
		}
	}
	return found, nil
}
