package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRecordSnapshotCanonicalText(t *testing.T) {
	snapshot := RecordSnapshot{
		ExternalKey: "M-1",
		Version:     2,
		Fields: map[string]Value{
			"title":      Text("Lecture 1"),
			"page_count": Int(12),
		},
	}

	expected := []string{
		"ExternalKey: M-1",
		"Version: 2",
		"Fields:",
		"  page_count: int \"12\"",
		"  title: text \"Lecture 1\"",
	}

	lines := snapshot.CanonicalText()
	if len(lines) != len(expected) {
		t.Fatalf("expected %d canonical lines, got %d\n%v", len(expected), len(lines), lines)
	}
	for idx, line := range expected {
		if lines[idx] != line {
			t.Errorf("line %d mismatch: expected %q got %q", idx, line, lines[idx])
		}
	}
}

func TestRecordSnapshotCanonicalTextEmpty(t *testing.T) {
	lines := RecordSnapshot{ExternalKey: "M-2"}.CanonicalText()
	if lines[len(lines)-1] != "  (empty)" {
		t.Fatalf("expected empty marker, got %v", lines)
	}
}

func TestDiffRecordSnapshots(t *testing.T) {
	base := RecordSnapshot{
		ExternalKey: "M-1",
		Version:     1,
		Fields:      map[string]Value{"title": Text("Old"), "author": Text("Ada")},
	}
	target := RecordSnapshot{
		ExternalKey: "M-1",
		Version:     2,
		Fields:      map[string]Value{"title": Text("New"), "author": Text("Ada")},
	}

	diff := DiffRecordSnapshots("version 1", &base, "version 2", &target)

	for _, want := range []string{
		"--- version 1\n",
		"+++ version 2\n",
		"-Version: 1\n",
		"+Version: 2\n",
		"-  title: text \"Old\"\n",
		"+  title: text \"New\"\n",
		"   author: text \"Ada\"\n",
	} {
		if !strings.Contains(diff, want) {
			t.Errorf("diff missing %q:\n%s", want, diff)
		}
	}
}

func TestDiffRecordSnapshotsAgainstNothing(t *testing.T) {
	target := RecordSnapshot{ExternalKey: "M-1", Version: 1, Fields: map[string]Value{"title": Text("A")}}
	diff := DiffRecordSnapshots("none", nil, "version 1", &target)
	if strings.Contains(diff, "\n-") {
		t.Fatalf("expected only additions, got:\n%s", diff)
	}
	if !strings.Contains(diff, "+ExternalKey: M-1") {
		t.Fatalf("expected additions, got:\n%s", diff)
	}
}

func TestReplayChanges(t *testing.T) {
	batch := uuid.New()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	changes := []ChangeLogEntry{
		{BatchID: batch, StagedEntryID: 1, ExternalKey: "M-1", Field: "title", NewValue: Text("A"), ChangeType: ChangeCreated, ChangedAt: at},
		{BatchID: batch, StagedEntryID: 1, ExternalKey: "M-1", Field: "workflow_state", NewValue: Text("ToDo"), ChangeType: ChangeCreated, ChangedAt: at},
		{BatchID: batch, StagedEntryID: 7, ExternalKey: "M-2", Field: "title", NewValue: Text("other"), ChangeType: ChangeCreated, ChangedAt: at},
		{BatchID: batch, StagedEntryID: 9, ExternalKey: "M-1", Field: "workflow_state", OldValue: Text("ToDo"), NewValue: Text("Done"), ChangeType: ChangeUpdated, ChangedAt: at},
	}

	snapshot := ReplayChanges("M-1", changes)
	if snapshot.Version != 2 {
		t.Fatalf("expected version 2, got %d", snapshot.Version)
	}
	if got := snapshot.Fields["workflow_state"].TextValue(); got != "Done" {
		t.Fatalf("expected workflow_state Done, got %q", got)
	}
	if got := snapshot.Fields["title"].TextValue(); got != "A" {
		t.Fatalf("expected title A, got %q", got)
	}
}

func TestSnapshotAt(t *testing.T) {
	batch := uuid.New()
	changes := []ChangeLogEntry{
		{BatchID: batch, StagedEntryID: 1, ExternalKey: "M-1", Field: "title", NewValue: Text("A")},
		{BatchID: batch, StagedEntryID: 1, ExternalKey: "M-1", Field: "workflow_state", NewValue: Text("ToDo")},
		{BatchID: batch, StagedEntryID: 4, ExternalKey: "M-1", Field: "title", OldValue: Text("A"), NewValue: Text("B")},
		{BatchID: batch, StagedEntryID: 9, ExternalKey: "M-1", Field: "workflow_state", OldValue: Text("ToDo"), NewValue: Text("Done")},
	}

	first, ok := SnapshotAt("M-1", changes, 1)
	if !ok || first.Version != 1 || first.Fields["title"].TextValue() != "A" {
		t.Fatalf("unexpected version 1 snapshot: %+v (ok=%v)", first, ok)
	}

	second, ok := SnapshotAt("M-1", changes, 2)
	if !ok || second.Fields["title"].TextValue() != "B" || second.Fields["workflow_state"].TextValue() != "ToDo" {
		t.Fatalf("unexpected version 2 snapshot: %+v (ok=%v)", second, ok)
	}

	empty, ok := SnapshotAt("M-1", changes, 0)
	if !ok || len(empty.Fields) != 0 {
		t.Fatalf("expected empty version 0 snapshot, got %+v", empty)
	}

	if _, ok := SnapshotAt("M-1", changes, 4); ok {
		t.Fatal("expected version 4 to be unreachable")
	}
}
