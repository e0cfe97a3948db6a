package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/merge"
	"github.com/rpattn/catalogmerge/internal/metrics"
	"github.com/rpattn/catalogmerge/internal/repository"
	"github.com/rpattn/catalogmerge/internal/staging"
	"github.com/rpattn/catalogmerge/internal/testsupport"
)

type harness struct {
	t         *testing.T
	store     repository.Store
	stager    *staging.Stager
	processor *Processor
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()
	store := testsupport.MustOpenStore(t)
	registry := merge.MustDefaultRegistry()
	collector := metrics.NewCollector("test")
	return &harness{
		t:         t,
		store:     store,
		stager:    staging.NewStager(store, registry, staging.Options{}, nil, collector),
		processor: NewProcessor(store, registry, Options{Workers: workers, Actor: "tester"}, nil, collector),
	}
}

func (h *harness) stage(source domain.SourceType, candidates ...domain.CandidateRecord) uuid.UUID {
	h.t.Helper()
	ctx := context.Background()
	batch, err := h.stager.Begin(ctx, staging.BatchSpec{Source: source, FileName: string(source) + ".csv", Actor: "tester"})
	require.NoError(h.t, err)
	_, err = h.stager.Stage(ctx, batch.ID, candidates, nil)
	require.NoError(h.t, err)
	return batch.ID
}

func (h *harness) run(source domain.SourceType, candidates ...domain.CandidateRecord) (uuid.UUID, domain.BatchStats) {
	h.t.Helper()
	id := h.stage(source, candidates...)
	stats, err := h.processor.Process(context.Background(), id)
	require.NoError(h.t, err)
	return id, stats
}

func (h *harness) record(key string) domain.CanonicalRecord {
	h.t.Helper()
	record, err := h.store.Records().Get(context.Background(), key)
	require.NoError(h.t, err)
	return record
}

func (h *harness) batch(id uuid.UUID) domain.IngestionBatch {
	h.t.Helper()
	batch, err := h.store.Batches().Get(context.Background(), id)
	require.NoError(h.t, err)
	return batch
}

func (h *harness) changes(id uuid.UUID) []domain.ChangeLogEntry {
	h.t.Helper()
	changes, err := h.store.Changes().ListByBatch(context.Background(), id)
	require.NoError(h.t, err)
	return changes
}

func candidate(row int, key string, fields map[string]domain.Value) domain.CandidateRecord {
	return testsupport.Candidate(row, key, fields)
}

func TestScenariosAThroughD(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	// A: system row creates the record with the default workflow state.
	batchA, stats := h.run(domain.SourceSystem, candidate(2, "1001", map[string]domain.Value{
		merge.FieldFilename: domain.Text("a.pdf"),
	}))
	assert.Equal(t, domain.BatchStats{Created: 1}, stats)
	record := h.record("1001")
	assert.Equal(t, "a.pdf", record.Get(merge.FieldFilename).TextValue())
	assert.Equal(t, merge.WorkflowToDo, record.Get(merge.FieldWorkflowState).TextValue())
	assert.Equal(t, int64(1), record.Version)
	changesA := h.changes(batchA)
	require.Len(t, changesA, 2)
	for _, change := range changesA {
		assert.Equal(t, domain.ChangeCreated, change.ChangeType)
		assert.True(t, change.OldValue.IsAbsent())
		assert.Equal(t, "tester", change.Actor)
	}
	assert.Equal(t, domain.BatchCompleted, h.batch(batchA).Status)

	// B: human row advances the workflow state.
	batchB, stats := h.run(domain.SourceHuman, candidate(2, "1001", map[string]domain.Value{
		merge.FieldWorkflowState: domain.Text("Done"),
	}))
	assert.Equal(t, domain.BatchStats{Updated: 1}, stats)
	assert.Equal(t, merge.WorkflowDone, h.record("1001").Get(merge.FieldWorkflowState).TextValue())
	changesB := h.changes(batchB)
	require.Len(t, changesB, 1)
	assert.Equal(t, merge.FieldWorkflowState, changesB[0].Field)
	assert.Equal(t, "ToDo", changesB[0].OldValue.TextValue())
	assert.Equal(t, "Done", changesB[0].NewValue.TextValue())
	assert.Equal(t, domain.ChangeUpdated, changesB[0].ChangeType)

	// C: system row overwrites its own field and leaves the human one alone.
	// The normalizer injects the creation default into every system row.
	_, stats = h.run(domain.SourceSystem, candidate(2, "1001", map[string]domain.Value{
		merge.FieldFilename:      domain.Text("b.pdf"),
		merge.FieldWorkflowState: domain.Text(merge.WorkflowToDo),
	}))
	assert.Equal(t, domain.BatchStats{Updated: 1}, stats)
	record = h.record("1001")
	assert.Equal(t, "b.pdf", record.Get(merge.FieldFilename).TextValue())
	assert.Equal(t, merge.WorkflowDone, record.Get(merge.FieldWorkflowState).TextValue())
	assert.Equal(t, int64(3), record.Version)

	// D: human row for an unknown key fails without creating anything.
	batchD, stats := h.run(domain.SourceHuman, candidate(2, "9999", map[string]domain.Value{
		merge.FieldRemarks: domain.Text("note"),
	}))
	assert.Equal(t, domain.BatchStats{Failed: 1}, stats)
	_, err := h.store.Records().Get(ctx, "9999")
	assert.True(t, errors.Is(err, domain.ErrRecordNotFound))
	failures, err := h.store.Failures().ListByBatch(ctx, batchD, 0, 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "9999", failures[0].ExternalKey)
	assert.Equal(t, domain.FailureMissingRecord, failures[0].Kind)
	assert.Empty(t, h.changes(batchD))
	finishedD := h.batch(batchD)
	assert.Equal(t, domain.BatchPartial, finishedD.Status)
	assert.Equal(t, "all 1 entries failed", finishedD.ErrorMessage)

	history, err := h.store.Changes().ListByRecord(ctx, "1001")
	require.NoError(t, err)
	snapshot := domain.ReplayChanges("1001", history)
	assert.Equal(t, record.Version, snapshot.Version)
}

func TestPartialFailureIsolation(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.run(domain.SourceSystem,
		candidate(2, "A", map[string]domain.Value{merge.FieldTitle: domain.Text("A")}),
		candidate(3, "B", map[string]domain.Value{merge.FieldTitle: domain.Text("B")}),
		candidate(4, "C", map[string]domain.Value{merge.FieldTitle: domain.Text("C")}),
	)

	id, stats := h.run(domain.SourceHuman,
		candidate(2, "A", map[string]domain.Value{merge.FieldRemarks: domain.Text("ok")}),
		candidate(3, "B", map[string]domain.Value{merge.FieldWorkflowState: domain.Text("Archived")}),
		candidate(4, "C", map[string]domain.Value{merge.FieldRemarks: domain.Text("ok")}),
	)
	assert.Equal(t, domain.BatchStats{Updated: 2, Failed: 1}, stats)

	batch := h.batch(id)
	assert.Equal(t, domain.BatchPartial, batch.Status)
	assert.Equal(t, stats, batch.Stats)

	failures, err := h.store.Failures().ListByBatch(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "B", failures[0].ExternalKey)
	assert.Equal(t, 3, failures[0].RowNumber)
	assert.Equal(t, domain.FailureInvalidValue, failures[0].Kind)

	assert.Equal(t, "ToDo", h.record("B").Get(merge.FieldWorkflowState).TextValue())
	assert.Equal(t, "ok", h.record("C").Get(merge.FieldRemarks).TextValue())
}

func TestHumanRowsNeverCreateRecords(t *testing.T) {
	h := newHarness(t, 2)
	_, stats := h.run(domain.SourceHuman,
		candidate(2, "X1", map[string]domain.Value{merge.FieldWorkflowState: domain.Text("Done")}),
		candidate(3, "X2", map[string]domain.Value{merge.FieldClassification: domain.Text("open")}),
	)
	assert.Equal(t, domain.BatchStats{Failed: 2}, stats)

	_, total, err := h.store.Records().List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	systemBatch, _ := h.run(domain.SourceSystem,
		candidate(2, "K1", map[string]domain.Value{merge.FieldTitle: domain.Text("T"), merge.FieldPageCount: domain.Int(4)}),
		candidate(3, "K2", map[string]domain.Value{merge.FieldTitle: domain.Text("U")}),
	)
	humanBatch, _ := h.run(domain.SourceHuman,
		candidate(2, "K1", map[string]domain.Value{merge.FieldWorkflowState: domain.Text("Review")}),
	)
	before := h.record("K1")

	for _, id := range []uuid.UUID{systemBatch, humanBatch} {
		replay, stats, err := h.processor.Replay(ctx, id, "auditor")
		require.NoError(t, err)
		require.NotNil(t, replay.ReplayOf)
		assert.Equal(t, id, *replay.ReplayOf)
		assert.Equal(t, domain.BatchCompleted, replay.Status)
		assert.Zero(t, stats.Created+stats.Updated)
		assert.Equal(t, stats.Total(), stats.Skipped)

		count, err := h.store.Changes().CountByBatch(ctx, replay.ID)
		require.NoError(t, err)
		assert.Zero(t, count)
	}

	after := h.record("K1")
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Fields, after.Fields)
}

func TestReplayRequiresFinishedBatch(t *testing.T) {
	h := newHarness(t, 1)
	id := h.stage(domain.SourceSystem, candidate(2, "K", nil))

	_, _, err := h.processor.Replay(context.Background(), id, "")
	assert.True(t, errors.Is(err, domain.ErrBatchNotClaimable))
}

func TestFieldIsolation(t *testing.T) {
	h := newHarness(t, 1)
	h.run(domain.SourceSystem, candidate(2, "F", map[string]domain.Value{
		merge.FieldTitle:     domain.Text("Original"),
		merge.FieldPageCount: domain.Int(10),
	}))
	h.run(domain.SourceHuman, candidate(2, "F", map[string]domain.Value{
		merge.FieldRemarks:         domain.Text("checked"),
		merge.FieldOrgUnitOverride: domain.Text("ME"),
	}))
	h.run(domain.SourceSystem, candidate(2, "F", map[string]domain.Value{
		merge.FieldTitle:     domain.Text("Renamed"),
		merge.FieldPageCount: domain.Int(8),
	}))

	record := h.record("F")
	assert.Equal(t, "Renamed", record.Get(merge.FieldTitle).TextValue())
	assert.Equal(t, int64(10), record.Get(merge.FieldPageCount).IntValue(), "numeric max keeps the larger value")
	assert.Equal(t, "checked", record.Get(merge.FieldRemarks).TextValue())
	assert.Equal(t, "ME", record.Get(merge.FieldOrgUnitOverride).TextValue())

	history, err := h.store.Changes().ListByRecord(context.Background(), "F")
	require.NoError(t, err)
	registry := merge.MustDefaultRegistry()
	for _, change := range history {
		owner, ok := registry.OwnerOf(change.Field)
		require.True(t, ok)
		if change.ChangeType == domain.ChangeCreated && change.Field == merge.FieldWorkflowState {
			continue
		}
		assert.Equal(t, owner, change.Source, "field %s written by %s", change.Field, change.Source)
	}
}

func TestRankedPriorityOrderIndependence(t *testing.T) {
	orders := [][]string{
		{"InProgress", "Done", "Review"},
		{"Done", "Review", "InProgress"},
		{"Review", "InProgress", "Done"},
	}
	for _, order := range orders {
		order := order
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			h := newHarness(t, 1)
			h.run(domain.SourceSystem, candidate(2, "R", map[string]domain.Value{merge.FieldTitle: domain.Text("r")}))
			for _, state := range order {
				h.run(domain.SourceHuman, candidate(2, "R", map[string]domain.Value{merge.FieldWorkflowState: domain.Text(state)}))
			}
			assert.Equal(t, merge.WorkflowDone, h.record("R").Get(merge.FieldWorkflowState).TextValue())
		})
	}
}

func TestSameKeyRowsApplyInFileOrder(t *testing.T) {
	h := newHarness(t, 4)
	var candidates []domain.CandidateRecord
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("K%02d", i%5)
		candidates = append(candidates, candidate(i+2, key, map[string]domain.Value{
			merge.FieldTitle: domain.Text(fmt.Sprintf("title-%d", i)),
		}))
	}
	_, stats := h.run(domain.SourceSystem, candidates...)
	assert.Equal(t, 5, stats.Created)
	assert.Equal(t, 15, stats.Updated)

	for k := 0; k < 5; k++ {
		record := h.record(fmt.Sprintf("K%02d", k))
		assert.Equal(t, fmt.Sprintf("title-%d", 15+k), record.Get(merge.FieldTitle).TextValue())
		assert.Equal(t, int64(4), record.Version)
	}
}

func TestProcessRejectsReentrantClaim(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	id := h.stage(domain.SourceSystem, candidate(2, "Z", map[string]domain.Value{merge.FieldTitle: domain.Text("z")}))

	_, err := h.store.Batches().Transition(ctx, id, domain.BatchStaged, domain.BatchProcessing)
	require.NoError(t, err)
	_, err = h.processor.Process(ctx, id)
	assert.True(t, errors.Is(err, domain.ErrBatchNotClaimable))

	_, err = h.processor.Requeue(ctx, id)
	require.NoError(t, err)
	_, err = h.processor.Process(ctx, id)
	require.NoError(t, err)

	_, err = h.processor.Process(ctx, id)
	assert.True(t, errors.Is(err, domain.ErrBatchNotClaimable))
}

func TestRequeueResumesWithoutReapplying(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	id := h.stage(domain.SourceSystem,
		candidate(2, "P1", map[string]domain.Value{merge.FieldTitle: domain.Text("one")}),
		candidate(3, "P2", map[string]domain.Value{merge.FieldTitle: domain.Text("two")}),
	)

	// Simulate a worker that committed the first entry and then died.
	batch, err := h.store.Batches().Transition(ctx, id, domain.BatchStaged, domain.BatchProcessing)
	require.NoError(t, err)
	entries, err := h.store.Entries().ListByBatch(ctx, id, repository.EntryListOptions{})
	require.NoError(t, err)
	require.NoError(t, h.processor.processEntry(ctx, batch, entries[0]))

	_, err = h.processor.Requeue(ctx, id)
	require.NoError(t, err)
	stats, err := h.processor.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStats{Created: 2}, stats)

	assert.Len(t, h.changes(id), 4)
	assert.Equal(t, int64(1), h.record("P1").Version)
}

func TestProcessManyRunsBatchesIndependently(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	first := h.stage(domain.SourceSystem, candidate(2, "M1", map[string]domain.Value{merge.FieldTitle: domain.Text("m1")}))
	second := h.stage(domain.SourceSystem, candidate(2, "M2", map[string]domain.Value{merge.FieldTitle: domain.Text("m2")}))
	missing := uuid.New()

	results, err := h.processor.ProcessMany(ctx, []uuid.UUID{first, second, first, missing}, 2)
	require.Error(t, err)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Error(t, results[2].Err)
	assert.Equal(t, 1, results[0].Stats.Created)
	assert.Equal(t, 1, results[1].Stats.Created)
}

func TestEmptyBatchCompletes(t *testing.T) {
	h := newHarness(t, 1)
	id, stats := h.run(domain.SourceHuman)
	assert.Zero(t, stats.Total())
	assert.Equal(t, domain.BatchCompleted, h.batch(id).Status)
}

func TestInvalidRegistryFailsBatch(t *testing.T) {
	h := newHarness(t, 1)
	id := h.stage(domain.SourceSystem, candidate(2, "Q", nil))

	processor := NewProcessor(h.store, nil, Options{}, nil, nil)
	_, err := processor.Process(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, domain.BatchFailed, h.batch(id).Status)
}

func TestUnclaimedBatchIsNotFailedByMisconfiguredProcessor(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	pending, err := h.stager.Begin(ctx, staging.BatchSpec{Source: domain.SourceSystem, FileName: "system.csv"})
	require.NoError(t, err)
	claimed := h.stage(domain.SourceSystem, candidate(2, "Q", nil))
	_, err = h.store.Batches().Transition(ctx, claimed, domain.BatchStaged, domain.BatchProcessing)
	require.NoError(t, err)

	processor := NewProcessor(h.store, nil, Options{}, nil, nil)
	for _, id := range []uuid.UUID{pending.ID, claimed} {
		_, err := processor.Process(ctx, id)
		assert.True(t, errors.Is(err, domain.ErrBatchNotClaimable), "batch %s: %v", id, err)
	}
	assert.Equal(t, domain.BatchPending, h.batch(pending.ID).Status)
	assert.Equal(t, domain.BatchProcessing, h.batch(claimed).Status)
}

// failingStore fails change log writes for one external key inside the
// entry transaction, after the record has been written.
type failingStore struct {
	repository.Store
	key string
}

func (s failingStore) WithTx(ctx context.Context, fn func(repository.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx repository.Tx) error {
		return fn(failingTx{Tx: tx, key: s.key})
	})
}

type failingTx struct {
	repository.Tx
	key string
}

func (tx failingTx) AppendChanges(ctx context.Context, changes []domain.ChangeLogEntry) error {
	for _, change := range changes {
		if change.ExternalKey == tx.key {
			return errors.New("change log unavailable")
		}
	}
	return tx.Tx.AppendChanges(ctx, changes)
}

func TestWriteFailureRollsBackOnlyThatEntry(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.run(domain.SourceSystem,
		candidate(2, "A", map[string]domain.Value{merge.FieldTitle: domain.Text("A")}),
		candidate(3, "B", map[string]domain.Value{merge.FieldTitle: domain.Text("B")}),
	)

	id := h.stage(domain.SourceSystem,
		candidate(2, "A", map[string]domain.Value{merge.FieldTitle: domain.Text("A2")}),
		candidate(3, "B", map[string]domain.Value{merge.FieldTitle: domain.Text("B2")}),
	)
	processor := NewProcessor(failingStore{Store: h.store, key: "B"}, merge.MustDefaultRegistry(), Options{Workers: 2}, nil, nil)
	stats, err := processor.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStats{Updated: 1, Failed: 1}, stats)
	assert.Equal(t, domain.BatchPartial, h.batch(id).Status)

	a := h.record("A")
	assert.Equal(t, "A2", a.Get(merge.FieldTitle).TextValue())
	assert.Equal(t, int64(2), a.Version)

	b := h.record("B")
	assert.Equal(t, "B", b.Get(merge.FieldTitle).TextValue())
	assert.Equal(t, int64(1), b.Version)

	failures, err := h.store.Failures().ListByBatch(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "B", failures[0].ExternalKey)
	assert.Equal(t, 3, failures[0].RowNumber)
	assert.Equal(t, domain.FailureStorage, failures[0].Kind)
	assert.Contains(t, failures[0].ErrorMessage, "change log unavailable")

	changes := h.changes(id)
	require.Len(t, changes, 1)
	assert.Equal(t, "A", changes[0].ExternalKey)
}
