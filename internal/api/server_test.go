package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/merge"
	"github.com/rpattn/catalogmerge/internal/metrics"
	"github.com/rpattn/catalogmerge/internal/reconcile"
	"github.com/rpattn/catalogmerge/internal/staging"
	"github.com/rpattn/catalogmerge/internal/testsupport"
)

type fixture struct {
	handler     http.Handler
	systemBatch uuid.UUID
	humanBatch  uuid.UUID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	store := testsupport.MustOpenStore(t)
	registry := merge.MustDefaultRegistry()
	collector := metrics.NewCollector("api_test")
	stager := staging.NewStager(store, registry, staging.Options{}, nil, collector)
	processor := reconcile.NewProcessor(store, registry, reconcile.Options{Workers: 2}, nil, collector)

	run := func(source domain.SourceType, candidates ...domain.CandidateRecord) uuid.UUID {
		batch, err := stager.Begin(ctx, staging.BatchSpec{Source: source, FileName: string(source) + ".csv", Actor: "tester"})
		require.NoError(t, err)
		_, err = stager.Stage(ctx, batch.ID, candidates, nil)
		require.NoError(t, err)
		_, err = processor.Process(ctx, batch.ID)
		require.NoError(t, err)
		return batch.ID
	}

	systemBatch := run(domain.SourceSystem,
		testsupport.Candidate(2, "1001", map[string]domain.Value{
			merge.FieldTitle:         domain.Text("Intro to Statics"),
			merge.FieldWorkflowState: domain.Text(merge.WorkflowToDo),
		}),
	)
	humanBatch := run(domain.SourceHuman,
		testsupport.Candidate(2, "1001", map[string]domain.Value{merge.FieldWorkflowState: domain.Text(merge.WorkflowDone)}),
		testsupport.Candidate(3, "9999", map[string]domain.Value{merge.FieldRemarks: domain.Text("orphan")}),
	)

	server := NewServer(store, Options{
		AllowedOrigins: []string{"http://localhost:3000"},
		Metrics:        collector,
		Registry:       registry,
	}, nil)
	return fixture{handler: server.Handler(), systemBatch: systemBatch, humanBatch: humanBatch}
}

func (f fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)

	rec = f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "api_test_batches_staged_total")
}

func TestListAndGetBatches(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/batches")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[listResponse[domain.IngestionBatch]](t, rec)
	assert.Len(t, all.Items, 2)

	rec = f.get(t, "/api/batches?source=human&status=partial")
	require.Equal(t, http.StatusOK, rec.Code)
	filtered := decode[listResponse[domain.IngestionBatch]](t, rec)
	require.Len(t, filtered.Items, 1)
	assert.Equal(t, f.humanBatch, filtered.Items[0].ID)

	rec = f.get(t, "/api/batches/"+f.systemBatch.String())
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[batchView](t, rec)
	assert.Equal(t, domain.BatchCompleted, view.Status)
	assert.Equal(t, 1, view.Stats.Created)
	assert.Equal(t, 2, view.ChangeCount)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/batches?status=lost").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/batches/not-a-uuid").Code)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/batches/"+uuid.NewString()).Code)
}

func TestBatchFailuresAndChanges(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/batches/"+f.humanBatch.String()+"/failures")
	require.Equal(t, http.StatusOK, rec.Code)
	failures := decode[listResponse[domain.ProcessingFailure]](t, rec)
	require.Len(t, failures.Items, 1)
	assert.Equal(t, "9999", failures.Items[0].ExternalKey)
	assert.Equal(t, domain.FailureMissingRecord, failures.Items[0].Kind)

	rec = f.get(t, "/api/batches/"+f.humanBatch.String()+"/changes")
	require.Equal(t, http.StatusOK, rec.Code)
	changes := decode[listResponse[changeView]](t, rec)
	require.Len(t, changes.Items, 1)
	assert.Equal(t, merge.FieldWorkflowState, changes.Items[0].Field)
	assert.Equal(t, "Done", changes.Items[0].NewValue.TextValue())
	assert.Equal(t, "Intro to Statics", changes.Items[0].RecordTitle)
}

func TestRecordEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/records/1001")
	require.Equal(t, http.StatusOK, rec.Code)
	record := decode[domain.CanonicalRecord](t, rec)
	assert.Equal(t, int64(2), record.Version)
	assert.Equal(t, "Done", record.Get(merge.FieldWorkflowState).TextValue())

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/records/9999").Code)

	rec = f.get(t, "/api/records")
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[listResponse[domain.CanonicalRecord]](t, rec)
	assert.Equal(t, 1, listed.Total)

	rec = f.get(t, "/api/records/1001/history")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[listResponse[domain.ChangeLogEntry]](t, rec)
	assert.Len(t, history.Items, 3)

	rec = f.get(t, "/api/records/1001/diff")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `-  workflow_state: text "ToDo"`)
	assert.Contains(t, rec.Body.String(), `+  workflow_state: text "Done"`)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/records/1001/diff?to=7").Code)

	rec = f.get(t, "/api/records/1001/explain/workflow_state")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "human source")
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/records/1001/explain/colour").Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/batches", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
