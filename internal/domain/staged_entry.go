package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntryOutcome records what reconciliation did with a staged entry.
type EntryOutcome string

const (
	OutcomeCreated EntryOutcome = "created"
	OutcomeUpdated EntryOutcome = "updated"
	OutcomeSkipped EntryOutcome = "skipped"
	OutcomeFailed  EntryOutcome = "failed"
)

// CandidateRecord is one normalized upstream row, ready for staging.
type CandidateRecord struct {
	RowNumber   int               `json:"row_number"`
	ExternalKey string            `json:"external_key"`
	Fields      map[string]Value  `json:"fields"`
	Raw         map[string]string `json:"raw"`
}

// StagedEntry is an immutable snapshot of one normalized row within a batch.
// Only Processed, Outcome and ProcessedAt change after insertion.
type StagedEntry struct {
	ID          int64             `json:"id"`
	BatchID     uuid.UUID         `json:"batch_id"`
	Source      SourceType        `json:"source"`
	RowNumber   int               `json:"row_number"`
	ExternalKey string            `json:"external_key"`
	Fields      map[string]Value  `json:"fields"`
	Raw         map[string]string `json:"raw"`
	Processed   bool              `json:"processed"`
	Outcome     EntryOutcome      `json:"outcome,omitempty"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
}

// NewStagedEntry builds an unsaved entry from a candidate.
func NewStagedEntry(batchID uuid.UUID, source SourceType, candidate CandidateRecord) StagedEntry {
	raw := make(map[string]string, len(candidate.Raw))
	for k, v := range candidate.Raw {
		raw[k] = v
	}
	return StagedEntry{
		BatchID:     batchID,
		Source:      source,
		RowNumber:   candidate.RowNumber,
		ExternalKey: candidate.ExternalKey,
		Fields:      CloneFields(candidate.Fields),
		Raw:         raw,
	}
}

// Get returns the staged value for a field, or Absent.
func (e StagedEntry) Get(field string) Value {
	if e.Fields == nil {
		return Absent()
	}
	return e.Fields[field]
}
