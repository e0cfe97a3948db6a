package domain

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus represents the lifecycle of an ingestion batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchStaging    BatchStatus = "staging"
	BatchStaged     BatchStatus = "staged"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchPartial    BatchStatus = "partial"
	BatchFailed     BatchStatus = "failed"
)

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchPending:    {BatchStaging, BatchFailed},
	BatchStaging:    {BatchStaged, BatchFailed},
	BatchStaged:     {BatchProcessing, BatchFailed},
	BatchProcessing: {BatchCompleted, BatchPartial, BatchFailed, BatchStaged},
}

// CanTransition reports whether moving from one status to another is allowed.
// processing -> staged is the operator requeue of an abandoned batch.
func CanTransition(from, to BatchStatus) bool {
	for _, next := range batchTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchPartial || s == BatchFailed
}

// BatchStats aggregates per-entry outcomes of a processing run.
type BatchStats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Add counts one entry outcome.
func (s *BatchStats) Add(outcome EntryOutcome) {
	switch outcome {
	case OutcomeCreated:
		s.Created++
	case OutcomeUpdated:
		s.Updated++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}

// Merge adds another set of counts.
func (s *BatchStats) Merge(other BatchStats) {
	s.Created += other.Created
	s.Updated += other.Updated
	s.Skipped += other.Skipped
	s.Failed += other.Failed
}

// Succeeded is the number of entries reconciled without error.
func (s BatchStats) Succeeded() int {
	return s.Created + s.Updated + s.Skipped
}

// Total is the number of entries accounted for.
func (s BatchStats) Total() int {
	return s.Succeeded() + s.Failed
}

// IngestionBatch groups the staged entries of one upload.
type IngestionBatch struct {
	ID           uuid.UUID   `json:"id"`
	Source       SourceType  `json:"source"`
	FileName     string      `json:"file_name"`
	Checksum     string      `json:"checksum,omitempty"`
	Actor        string      `json:"actor"`
	Status       BatchStatus `json:"status"`
	RowsStaged   int         `json:"rows_staged"`
	RejectedRows []int       `json:"rejected_rows"`
	Stats        BatchStats  `json:"stats"`
	ErrorMessage string      `json:"error_message,omitempty"`
	ReplayOf     *uuid.UUID  `json:"replay_of,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// NewIngestionBatch creates a pending batch.
func NewIngestionBatch(source SourceType, fileName, checksum, actor string) IngestionBatch {
	now := time.Now().UTC()
	return IngestionBatch{
		ID:           uuid.New(),
		Source:       source,
		FileName:     fileName,
		Checksum:     checksum,
		Actor:        actor,
		Status:       BatchPending,
		RejectedRows: []int{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// FinalStatus derives the terminal status from a run's statistics. Entry
// failures never fail a batch; failed is kept for batch-level errors.
func FinalStatus(stats BatchStats) BatchStatus {
	if stats.Failed == 0 {
		return BatchCompleted
	}
	return BatchPartial
}
