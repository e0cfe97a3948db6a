package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingFailure captures a staged entry that could not be reconciled.
type ProcessingFailure struct {
	ID            int64             `json:"id"`
	BatchID       uuid.UUID         `json:"batch_id"`
	StagedEntryID int64             `json:"staged_entry_id"`
	ExternalKey   string            `json:"external_key"`
	RowNumber     int               `json:"row_number"`
	Raw           map[string]string `json:"raw"`
	Kind          FailureKind       `json:"kind"`
	ErrorMessage  string            `json:"error_message"`
	CreatedAt     time.Time         `json:"created_at"`
}

// NewProcessingFailure builds a failure row for an entry and its error.
func NewProcessingFailure(entry StagedEntry, err error) ProcessingFailure {
	return ProcessingFailure{
		BatchID:       entry.BatchID,
		StagedEntryID: entry.ID,
		ExternalKey:   entry.ExternalKey,
		RowNumber:     entry.RowNumber,
		Raw:           entry.Raw,
		Kind:          FailureKindOf(err),
		ErrorMessage:  err.Error(),
		CreatedAt:     time.Now().UTC(),
	}
}
