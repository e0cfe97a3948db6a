package sqlitestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/repository"
	"github.com/rpattn/catalogmerge/internal/testsupport"
)

func stagedBatch(t *testing.T, store repository.Store, source domain.SourceType, entries ...domain.CandidateRecord) (domain.IngestionBatch, []domain.StagedEntry) {
	t.Helper()
	ctx := context.Background()

	batch, err := store.Batches().Create(ctx, domain.NewIngestionBatch(source, "export.csv", "abc", "tester"))
	require.NoError(t, err)
	_, err = store.Batches().Transition(ctx, batch.ID, domain.BatchPending, domain.BatchStaging)
	require.NoError(t, err)

	staged := make([]domain.StagedEntry, 0, len(entries))
	for _, candidate := range entries {
		staged = append(staged, domain.NewStagedEntry(batch.ID, source, candidate))
	}
	n, err := store.Entries().InsertBatch(ctx, staged)
	require.NoError(t, err)
	require.Equal(t, len(entries), n)

	batch, err = store.Batches().MarkStaged(ctx, batch.ID, n, []int{7})
	require.NoError(t, err)

	listed, err := store.Entries().ListByBatch(ctx, batch.ID, repository.EntryListOptions{})
	require.NoError(t, err)
	return batch, listed
}

func TestOpenAppliesMigrations(t *testing.T) {
	store := testsupport.MustOpenStore(t)
	version, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0001_catalog", version)
}

func TestBatchLifecycle(t *testing.T) {
	ctx := context.Background()
	store := testsupport.MustOpenStore(t)

	batch, entries := stagedBatch(t, store, domain.SourceSystem,
		testsupport.Candidate(2, "M-1", map[string]domain.Value{"title": domain.Text("Intro")}),
	)
	assert.Equal(t, domain.BatchStaged, batch.Status)
	assert.Equal(t, 1, batch.RowsStaged)
	assert.Equal(t, []int{7}, batch.RejectedRows)
	require.Len(t, entries, 1)
	assert.Equal(t, "Intro", entries[0].Get("title").TextValue())
	assert.False(t, entries[0].Processed)

	claimed, err := store.Batches().Transition(ctx, batch.ID, domain.BatchStaged, domain.BatchProcessing)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchProcessing, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)

	_, err = store.Batches().Transition(ctx, batch.ID, domain.BatchStaged, domain.BatchProcessing)
	assert.True(t, errors.Is(err, domain.ErrBatchNotClaimable), "second claim must fail, got %v", err)

	_, err = store.Batches().Transition(ctx, batch.ID, domain.BatchCompleted, domain.BatchProcessing)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	finished, err := store.Batches().Finish(ctx, batch.ID, domain.BatchCompleted, domain.BatchStats{Created: 1}, "")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCompleted, finished.Status)
	assert.Equal(t, 1, finished.Stats.Created)
	assert.NotNil(t, finished.CompletedAt)

	_, err = store.Batches().Fail(ctx, batch.ID, "late")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestBatchGetUnknown(t *testing.T) {
	store := testsupport.MustOpenStore(t)
	_, err := store.Batches().Get(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, domain.ErrBatchNotFound))
}

func TestBatchListFilters(t *testing.T) {
	ctx := context.Background()
	store := testsupport.MustOpenStore(t)

	stagedBatch(t, store, domain.SourceSystem)
	stagedBatch(t, store, domain.SourceHuman)

	all, err := store.Batches().List(ctx, repository.BatchFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	human, err := store.Batches().List(ctx, repository.BatchFilter{Source: domain.SourceHuman})
	require.NoError(t, err)
	require.Len(t, human, 1)
	assert.Equal(t, domain.SourceHuman, human[0].Source)

	staged, err := store.Batches().List(ctx, repository.BatchFilter{Statuses: []domain.BatchStatus{domain.BatchProcessing}})
	require.NoError(t, err)
	assert.Empty(t, staged)

	dupes, err := store.Batches().ListByChecksum(ctx, domain.SourceSystem, "abc")
	require.NoError(t, err)
	assert.Len(t, dupes, 1)
}

func TestTxRecordWritesAndChangeLog(t *testing.T) {
	ctx := context.Background()
	store := testsupport.MustOpenStore(t)
	batch, entries := stagedBatch(t, store, domain.SourceSystem,
		testsupport.Candidate(2, "M-1", map[string]domain.Value{"page_count": domain.Int(10)}),
	)
	entry := entries[0]

	err := store.WithTx(ctx, func(tx repository.Tx) error {
		_, err := tx.LockRecord(ctx, "M-1")
		require.True(t, errors.Is(err, domain.ErrRecordNotFound))

		record := domain.NewCanonicalRecord("M-1").WithField("page_count", domain.Int(10))
		created, err := tx.InsertRecord(ctx, record)
		if err != nil {
			return err
		}
		require.Equal(t, int64(1), created.Version)

		_, err = tx.InsertRecord(ctx, record)
		require.True(t, errors.Is(err, repository.ErrRecordExists))

		updated, err := tx.UpdateRecord(ctx, created.WithField("page_count", domain.Int(12)))
		if err != nil {
			return err
		}
		require.Equal(t, int64(2), updated.Version)

		if err := tx.AppendChanges(ctx, []domain.ChangeLogEntry{{
			BatchID:       batch.ID,
			StagedEntryID: entry.ID,
			Source:        domain.SourceSystem,
			ExternalKey:   "M-1",
			Field:         "page_count",
			OldValue:      domain.Absent(),
			NewValue:      domain.Int(12),
			ChangeType:    domain.ChangeCreated,
			Actor:         "tester",
			ChangedAt:     time.Now(),
		}}); err != nil {
			return err
		}
		return tx.MarkProcessed(ctx, entry.ID, domain.OutcomeCreated)
	})
	require.NoError(t, err)

	record, err := store.Records().Get(ctx, "M-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), record.Get("page_count").IntValue())
	assert.Equal(t, int64(2), record.Version)

	changes, err := store.Changes().ListByRecord(ctx, "M-1")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].OldValue.IsAbsent())
	assert.True(t, changes[0].NewValue.Equal(domain.Int(12)))
	assert.Equal(t, entry.ID, changes[0].StagedEntryID)

	count, err := store.Changes().CountByBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stats, err := store.Entries().CountOutcomes(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStats{Created: 1}, stats)

	err = store.WithTx(ctx, func(tx repository.Tx) error {
		return tx.MarkProcessed(ctx, entry.ID, domain.OutcomeUpdated)
	})
	assert.True(t, errors.Is(err, repository.ErrEntryProcessed))

	pending, err := store.Entries().ListByBatch(ctx, batch.ID, repository.EntryListOptions{UnprocessedOnly: true})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := testsupport.MustOpenStore(t)

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.InsertRecord(ctx, domain.NewCanonicalRecord("M-9")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.Records().Get(ctx, "M-9")
	assert.True(t, errors.Is(err, domain.ErrRecordNotFound))
}

func TestChangeLogIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := testsupport.MustOpenStore(t)
	batch, entries := stagedBatch(t, store, domain.SourceSystem,
		testsupport.Candidate(2, "M-1", map[string]domain.Value{"title": domain.Text("A")}),
	)

	require.NoError(t, store.WithTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.InsertRecord(ctx, domain.NewCanonicalRecord("M-1")); err != nil {
			return err
		}
		return tx.AppendChanges(ctx, []domain.ChangeLogEntry{{
			BatchID:       batch.ID,
			StagedEntryID: entries[0].ID,
			Source:        domain.SourceSystem,
			ExternalKey:   "M-1",
			Field:         "title",
			NewValue:      domain.Text("A"),
			ChangeType:    domain.ChangeCreated,
			ChangedAt:     time.Now(),
		}})
	}))

	raw := store.DB()
	_, err := raw.ExecContext(ctx, `UPDATE change_log_entries SET field = 'x'`)
	assert.Error(t, err)
	_, err = raw.ExecContext(ctx, `DELETE FROM change_log_entries`)
	assert.Error(t, err)
}

func TestRecordListingAndFailures(t *testing.T) {
	ctx := context.Background()
	store := testsupport.MustOpenStore(t)
	batch, entries := stagedBatch(t, store, domain.SourceHuman,
		testsupport.Candidate(2, "A", nil),
		testsupport.Candidate(3, "B", nil),
	)

	require.NoError(t, store.WithTx(ctx, func(tx repository.Tx) error {
		for _, key := range []string{"A", "B", "C"} {
			if _, err := tx.InsertRecord(ctx, domain.NewCanonicalRecord(key)); err != nil {
				return err
			}
		}
		failure := domain.NewProcessingFailure(entries[1], domain.NewEntryError(domain.FailureMissingRecord, errors.New("no record")))
		if err := tx.RecordFailure(ctx, failure); err != nil {
			return err
		}
		return tx.MarkProcessed(ctx, entries[1].ID, domain.OutcomeFailed)
	}))

	records, total, err := store.Records().List(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, records, 2)
	assert.Equal(t, "A", records[0].ExternalKey)

	byKey, err := store.Records().GetByKeys(ctx, []string{"C", "missing", "A"})
	require.NoError(t, err)
	require.Len(t, byKey, 2)
	assert.Equal(t, "A", byKey[0].ExternalKey)
	assert.Equal(t, "C", byKey[1].ExternalKey)

	failures, err := store.Failures().ListByBatch(ctx, batch.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, domain.FailureMissingRecord, failures[0].Kind)
	assert.Equal(t, 3, failures[0].RowNumber)
	assert.Equal(t, "B", failures[0].Raw["material_id"])
}
