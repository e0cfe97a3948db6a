package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// CanonicalRecord is the reconciled row of truth for one catalog item.
type CanonicalRecord struct {
	ExternalKey string           `json:"external_key"`
	Fields      map[string]Value `json:"fields"`
	Version     int64            `json:"version"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NewCanonicalRecord creates an unsaved record for the given key.
func NewCanonicalRecord(externalKey string) CanonicalRecord {
	now := time.Now().UTC()
	return CanonicalRecord{
		ExternalKey: externalKey,
		Fields:      map[string]Value{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Get returns the stored value for a field, or Absent.
func (r CanonicalRecord) Get(field string) Value {
	if r.Fields == nil {
		return Absent()
	}
	return r.Fields[field]
}

// WithField returns a copy of the record with the field set. Setting an
// absent value removes the field.
func (r CanonicalRecord) WithField(field string, value Value) CanonicalRecord {
	fields := CloneFields(r.Fields)
	if value.IsAbsent() {
		delete(fields, field)
	} else {
		fields[field] = value
	}
	r.Fields = fields
	r.UpdatedAt = time.Now().UTC()
	return r
}

// FieldNames returns the populated field names in sorted order.
func (r CanonicalRecord) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalFields encodes a field map for storage.
func MarshalFields(fields map[string]Value) ([]byte, error) {
	if fields == nil {
		fields = map[string]Value{}
	}
	return json.Marshal(fields)
}

// UnmarshalFields decodes a stored field map, dropping absent entries.
func UnmarshalFields(data []byte) (map[string]Value, error) {
	fields := map[string]Value{}
	if len(data) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for name, value := range fields {
		if value.IsAbsent() {
			delete(fields, name)
		}
	}
	return fields, nil
}

// CloneFields copies a field map. Values are immutable so a shallow copy is enough.
func CloneFields(fields map[string]Value) map[string]Value {
	cloned := make(map[string]Value, len(fields))
	for name, value := range fields {
		cloned[name] = value
	}
	return cloned
}
