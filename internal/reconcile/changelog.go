package reconcile

import (
	"fmt"
	"time"

	"github.com/rpattn/catalogmerge/internal/domain"
)

// buildChangeLog turns planned field changes into change log rows for one
// staged entry.
func buildChangeLog(batch domain.IngestionBatch, entry domain.StagedEntry, changeType domain.ChangeType, actor string, at time.Time, changes []fieldChange) []domain.ChangeLogEntry {
	rows := make([]domain.ChangeLogEntry, 0, len(changes))
	for _, change := range changes {
		rows = append(rows, domain.ChangeLogEntry{
			BatchID:       batch.ID,
			StagedEntryID: entry.ID,
			Source:        entry.Source,
			ExternalKey:   entry.ExternalKey,
			Field:         change.Field,
			OldValue:      change.Old,
			NewValue:      change.New,
			ChangeType:    changeType,
			Actor:         actor,
			ChangedAt:     at,
		})
	}
	return rows
}

// Explanation answers why a field of a record holds its current value.
type Explanation struct {
	ExternalKey string                  `json:"external_key"`
	Field       string                  `json:"field"`
	Value       domain.Value            `json:"value"`
	LastChange  *domain.ChangeLogEntry  `json:"last_change,omitempty"`
	History     []domain.ChangeLogEntry `json:"history"`
}

// Explain filters a record's change log down to one field. changes must be
// in log order, as the repositories return them.
func Explain(externalKey, field string, changes []domain.ChangeLogEntry) Explanation {
	exp := Explanation{
		ExternalKey: externalKey,
		Field:       field,
		Value:       domain.Absent(),
		History:     []domain.ChangeLogEntry{},
	}
	for _, change := range changes {
		if change.ExternalKey != externalKey || change.Field != field {
			continue
		}
		exp.History = append(exp.History, change)
	}
	if n := len(exp.History); n > 0 {
		last := exp.History[n-1]
		exp.LastChange = &last
		exp.Value = last.NewValue
	}
	return exp
}

// Summary renders the explanation as one line.
func (e Explanation) Summary() string {
	if e.LastChange == nil {
		return fmt.Sprintf("%s.%s has never been written", e.ExternalKey, e.Field)
	}
	c := e.LastChange
	who := c.Actor
	if who == "" {
		who = "unknown actor"
	}
	return fmt.Sprintf("%s.%s = %s: %s by the %s source in batch %s (entry %d, %s) at %s; %d change(s) in total",
		e.ExternalKey, e.Field, quote(c.NewValue), c.ChangeType, c.Source, c.BatchID, c.StagedEntryID, who,
		c.ChangedAt.UTC().Format(time.RFC3339), len(e.History))
}

func quote(v domain.Value) string {
	if v.IsAbsent() {
		return "<absent>"
	}
	return fmt.Sprintf("%q", v.String())
}
