package testsupport

import (
	"path/filepath"
	"testing"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/sqlitestore"
)

// MustOpenStore opens a SQLite store under the test's temp dir and registers
// cleanup.
func MustOpenStore(t testing.TB) *sqlitestore.Store {
	t.Helper()

	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("sqlitestore.Open: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// Candidate builds a candidate record with the given fields.
func Candidate(row int, key string, fields map[string]domain.Value) domain.CandidateRecord {
	raw := map[string]string{"material_id": key}
	for name, value := range fields {
		raw[name] = value.String()
	}
	return domain.CandidateRecord{
		RowNumber:   row,
		ExternalKey: key,
		Fields:      fields,
		Raw:         raw,
	}
}
