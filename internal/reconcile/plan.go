package reconcile

import (
	"fmt"
	"sort"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/merge"
)

// fieldChange is one field a staged entry moves from Old to New.
type fieldChange struct {
	Field string
	Old   domain.Value
	New   domain.Value
}

// planCreate computes the fields of a record created from a system entry:
// every present system-owned field plus the creation defaults. A default the
// entry carries explicitly wins over the registered one.
func planCreate(registry *merge.Registry, entry domain.StagedEntry) (map[string]domain.Value, []fieldChange, error) {
	fields := map[string]domain.Value{}
	var changes []fieldChange

	for _, rule := range registry.Rules(entry.Source) {
		next, changed, err := merge.Apply(rule, domain.Absent(), entry.Get(rule.Field))
		if err != nil {
			return nil, nil, err
		}
		if changed {
			fields[rule.Field] = next
			changes = append(changes, fieldChange{Field: rule.Field, Old: domain.Absent(), New: next})
		}
	}

	for field, fallback := range registry.CreationDefaults() {
		if _, set := fields[field]; set {
			continue
		}
		rule, ok := registry.Rule(field)
		if !ok {
			return nil, nil, fmt.Errorf("creation default %s has no rule", field)
		}
		incoming := entry.Get(field)
		if incoming.IsAbsent() {
			incoming = fallback
		}
		next, changed, err := merge.Apply(rule, domain.Absent(), incoming)
		if err != nil {
			return nil, nil, err
		}
		if changed {
			fields[field] = next
			changes = append(changes, fieldChange{Field: field, Old: domain.Absent(), New: next})
		}
	}

	sortChanges(changes)
	return fields, changes, nil
}

// planUpdate applies the strategies of the entry's source to an existing
// record. Fields owned by the other source are never read from the entry.
func planUpdate(registry *merge.Registry, record domain.CanonicalRecord, entry domain.StagedEntry) ([]fieldChange, error) {
	var changes []fieldChange
	for _, rule := range registry.Rules(entry.Source) {
		existing := record.Get(rule.Field)
		next, changed, err := merge.Apply(rule, existing, entry.Get(rule.Field))
		if err != nil {
			return nil, err
		}
		if changed {
			changes = append(changes, fieldChange{Field: rule.Field, Old: existing, New: next})
		}
	}
	sortChanges(changes)
	return changes, nil
}

func sortChanges(changes []fieldChange) {
	sort.Slice(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })
}

func applyChanges(record domain.CanonicalRecord, changes []fieldChange) domain.CanonicalRecord {
	for _, change := range changes {
		record = record.WithField(change.Field, change.New)
	}
	return record
}
