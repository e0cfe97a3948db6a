package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/merge"
	"github.com/rpattn/catalogmerge/internal/middleware"
	"github.com/rpattn/catalogmerge/internal/reconcile"
	"github.com/rpattn/catalogmerge/internal/repository"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total,omitempty"`
}

// changeView is a change log row with the record's current title.
type changeView struct {
	domain.ChangeLogEntry
	RecordTitle string `json:"record_title,omitempty"`
}

type batchView struct {
	domain.IngestionBatch
	ChangeCount int `json:"change_count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Batches().List(r.Context(), repository.BatchFilter{Limit: 1}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}

	filter := repository.BatchFilter{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(query.Get("source")); raw != "" {
		source, err := domain.ParseSourceType(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Source = source
	}
	statuses, err := parseStatuses(query["status"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter.Statuses = statuses

	batches, err := s.store.Batches().List(r.Context(), filter)
	if err != nil {
		s.serverError(w, "list batches", err)
		return
	}
	if batches == nil {
		batches = []domain.IngestionBatch{}
	}
	writeJSON(w, http.StatusOK, listResponse[domain.IngestionBatch]{Items: batches, Limit: limit, Offset: offset})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := parseBatchID(w, r)
	if !ok {
		return
	}
	batch, err := s.store.Batches().Get(r.Context(), id)
	if err != nil {
		s.lookupError(w, "get batch", err)
		return
	}
	count, err := s.store.Changes().CountByBatch(r.Context(), id)
	if err != nil {
		s.serverError(w, "count batch changes", err)
		return
	}
	writeJSON(w, http.StatusOK, batchView{IngestionBatch: batch, ChangeCount: count})
}

func (s *Server) handleBatchFailures(w http.ResponseWriter, r *http.Request) {
	id, ok := parseBatchID(w, r)
	if !ok {
		return
	}
	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}
	if _, err := s.store.Batches().Get(r.Context(), id); err != nil {
		s.lookupError(w, "get batch", err)
		return
	}
	failures, err := s.store.Failures().ListByBatch(r.Context(), id, limit, offset)
	if err != nil {
		s.serverError(w, "list failures", err)
		return
	}
	if failures == nil {
		failures = []domain.ProcessingFailure{}
	}
	writeJSON(w, http.StatusOK, listResponse[domain.ProcessingFailure]{Items: failures, Limit: limit, Offset: offset})
}

func (s *Server) handleBatchChanges(w http.ResponseWriter, r *http.Request) {
	id, ok := parseBatchID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.Batches().Get(r.Context(), id); err != nil {
		s.lookupError(w, "get batch", err)
		return
	}
	changes, err := s.store.Changes().ListByBatch(r.Context(), id)
	if err != nil {
		s.serverError(w, "list batch changes", err)
		return
	}

	keys := make([]string, 0, len(changes))
	seen := make(map[string]struct{}, len(changes))
	for _, change := range changes {
		if _, dup := seen[change.ExternalKey]; dup {
			continue
		}
		seen[change.ExternalKey] = struct{}{}
		keys = append(keys, change.ExternalKey)
	}

	records := map[string]domain.CanonicalRecord{}
	if loader := middleware.RecordLoaderFromContext(r.Context()); loader != nil {
		records, err = loader.LoadMany(r.Context(), keys)
		if err != nil {
			s.serverError(w, "load change records", err)
			return
		}
	}

	views := make([]changeView, 0, len(changes))
	for _, change := range changes {
		view := changeView{ChangeLogEntry: change}
		if record, ok := records[change.ExternalKey]; ok {
			view.RecordTitle = record.Get(merge.FieldTitle).TextValue()
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, listResponse[changeView]{Items: views, Limit: len(views), Total: len(views)})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}
	records, total, err := s.store.Records().List(r.Context(), limit, offset)
	if err != nil {
		s.serverError(w, "list records", err)
		return
	}
	if records == nil {
		records = []domain.CanonicalRecord{}
	}
	writeJSON(w, http.StatusOK, listResponse[domain.CanonicalRecord]{Items: records, Limit: limit, Offset: offset, Total: total})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	record, err := s.store.Records().Get(r.Context(), key)
	if err != nil {
		s.lookupError(w, "get record", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRecordHistory(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	changes, ok := s.recordChanges(w, r, key)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, listResponse[domain.ChangeLogEntry]{Items: changes, Limit: len(changes), Total: len(changes)})
}

// handleRecordDiff renders a unified diff between two versions rebuilt from
// the change log. "to" defaults to the latest version and "from" to the one
// before it.
func (s *Server) handleRecordDiff(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	changes, ok := s.recordChanges(w, r, key)
	if !ok {
		return
	}
	latest := domain.ReplayChanges(key, changes).Version

	to, err := parseVersion(r.URL.Query().Get("to"), latest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	from, err := parseVersion(r.URL.Query().Get("from"), to-1)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	base, ok := domain.SnapshotAt(key, changes, from)
	if !ok {
		http.Error(w, fmt.Sprintf("version %d not found", from), http.StatusNotFound)
		return
	}
	target, ok := domain.SnapshotAt(key, changes, to)
	if !ok {
		http.Error(w, fmt.Sprintf("version %d not found", to), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, domain.DiffRecordSnapshots(
		fmt.Sprintf("%s@%d", key, from), &base,
		fmt.Sprintf("%s@%d", key, to), &target,
	))
}

func (s *Server) handleExplainField(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	field := r.PathValue("field")
	if _, known := s.registry.OwnerOf(field); !known {
		http.Error(w, fmt.Sprintf("unknown field %q", field), http.StatusBadRequest)
		return
	}
	changes, ok := s.recordChanges(w, r, key)
	if !ok {
		return
	}
	exp := reconcile.Explain(key, field, changes)
	writeJSON(w, http.StatusOK, struct {
		reconcile.Explanation
		Summary string `json:"summary"`
	}{Explanation: exp, Summary: exp.Summary()})
}

// recordChanges loads a record's change log, answering 404 for unknown keys.
func (s *Server) recordChanges(w http.ResponseWriter, r *http.Request, key string) ([]domain.ChangeLogEntry, bool) {
	if _, err := s.store.Records().Get(r.Context(), key); err != nil {
		s.lookupError(w, "get record", err)
		return nil, false
	}
	changes, err := s.store.Changes().ListByRecord(r.Context(), key)
	if err != nil {
		s.serverError(w, "list record changes", err)
		return nil, false
	}
	if changes == nil {
		changes = []domain.ChangeLogEntry{}
	}
	return changes, true
}

func (s *Server) lookupError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, domain.ErrBatchNotFound) || errors.Is(err, domain.ErrRecordNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.serverError(w, op, err)
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("api request failed", zap.String("op", op), zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func parseBatchID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid batch id: %v", err), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func parsePage(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	query := r.URL.Query()
	limit := defaultListLimit
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return 0, 0, false
		}
		limit = min(parsed, maxListLimit)
	}
	offset := 0
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "offset must be a non-negative integer", http.StatusBadRequest)
			return 0, 0, false
		}
		offset = parsed
	}
	return limit, offset, true
}

func parseStatuses(values []string) ([]domain.BatchStatus, error) {
	var result []domain.BatchStatus
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.ToLower(strings.TrimSpace(part))
			if trimmed == "" {
				continue
			}
			switch status := domain.BatchStatus(trimmed); status {
			case domain.BatchPending, domain.BatchStaging, domain.BatchStaged,
				domain.BatchProcessing, domain.BatchCompleted, domain.BatchPartial, domain.BatchFailed:
				result = append(result, status)
			default:
				return nil, fmt.Errorf("unknown batch status %q", part)
			}
		}
	}
	return result, nil
}

func parseVersion(raw string, fallback int64) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if fallback < 0 {
			return 0, nil
		}
		return fallback, nil
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || version < 0 {
		return 0, fmt.Errorf("invalid version %q", raw)
	}
	return version, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
