package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChangeType distinguishes fields populated at creation from later updates.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
)

// ChangeLogEntry records one field mutation on a canonical record.
type ChangeLogEntry struct {
	ID            int64      `json:"id"`
	BatchID       uuid.UUID  `json:"batch_id"`
	StagedEntryID int64      `json:"staged_entry_id"`
	Source        SourceType `json:"source"`
	ExternalKey   string     `json:"external_key"`
	Field         string     `json:"field"`
	OldValue      Value      `json:"old_value"`
	NewValue      Value      `json:"new_value"`
	ChangeType    ChangeType `json:"change_type"`
	Actor         string     `json:"actor"`
	ChangedAt     time.Time  `json:"changed_at"`
}
