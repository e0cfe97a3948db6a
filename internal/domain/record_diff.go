package domain

import (
	"fmt"
	"sort"
	"strings"
)

// RecordSnapshot is the field state of a canonical record at one point in
// its change history.
type RecordSnapshot struct {
	ExternalKey string
	Version     int64
	Fields      map[string]Value
}

// NewRecordSnapshot captures the current state of a stored record.
func NewRecordSnapshot(record CanonicalRecord) RecordSnapshot {
	return RecordSnapshot{
		ExternalKey: record.ExternalKey,
		Version:     record.Version,
		Fields:      CloneFields(record.Fields),
	}
}

// ReplayChanges rebuilds a record's field state by applying its change log
// entries in order. Version counts the distinct staged entries applied,
// matching the one-version-per-committed-entry rule of the stores.
func ReplayChanges(externalKey string, changes []ChangeLogEntry) RecordSnapshot {
	snapshot := RecordSnapshot{ExternalKey: externalKey, Fields: map[string]Value{}}
	var lastEntry int64 = -1
	for _, change := range changes {
		if change.ExternalKey != externalKey {
			continue
		}
		if change.StagedEntryID != lastEntry {
			snapshot.Version++
			lastEntry = change.StagedEntryID
		}
		if change.NewValue.IsAbsent() {
			delete(snapshot.Fields, change.Field)
			continue
		}
		snapshot.Fields[change.Field] = change.NewValue
	}
	return snapshot
}

// SnapshotAt replays changes up to and including the given version. It
// returns false when the history never reached that version.
func SnapshotAt(externalKey string, changes []ChangeLogEntry, version int64) (RecordSnapshot, bool) {
	if version <= 0 {
		return RecordSnapshot{ExternalKey: externalKey, Fields: map[string]Value{}}, version == 0
	}
	var upTo []ChangeLogEntry
	var seen int64
	var lastEntry int64 = -1
	for _, change := range changes {
		if change.ExternalKey != externalKey {
			continue
		}
		if change.StagedEntryID != lastEntry {
			if seen == version {
				break
			}
			seen++
			lastEntry = change.StagedEntryID
		}
		upTo = append(upTo, change)
	}
	if seen < version {
		return RecordSnapshot{}, false
	}
	return ReplayChanges(externalKey, upTo), true
}

// CanonicalText flattens the snapshot into a deterministic set of lines suitable for diffing.
func (s RecordSnapshot) CanonicalText() []string {
	lines := []string{
		fmt.Sprintf("ExternalKey: %s", s.ExternalKey),
		fmt.Sprintf("Version: %d", s.Version),
		"Fields:",
	}

	if len(s.Fields) == 0 {
		return append(lines, "  (empty)")
	}

	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := s.Fields[name]
		lines = append(lines, fmt.Sprintf("  %s: %s %q", name, value.Kind(), value.String()))
	}
	return lines
}

// DiffRecordSnapshots produces a unified diff between two snapshots using the provided labels.
func DiffRecordSnapshots(baseLabel string, base *RecordSnapshot, targetLabel string, target *RecordSnapshot) string {
	return buildUnifiedDiff(baseLabel, targetLabel, canonicalString(base), canonicalString(target))
}

func canonicalString(snapshot *RecordSnapshot) string {
	if snapshot == nil {
		return ""
	}
	return strings.Join(snapshot.CanonicalText(), "\n") + "\n"
}

type diffOp struct {
	prefix string
	line   string
}

func buildUnifiedDiff(baseLabel, targetLabel, baseContent, targetContent string) string {
	baseLines := splitLines(baseContent)
	targetLines := splitLines(targetContent)

	ops := diffLines(baseLines, targetLines)

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("--- %s\n", baseLabel))
	builder.WriteString(fmt.Sprintf("+++ %s\n", targetLabel))
	builder.WriteString("@@ -0,0 +0,0 @@\n")
	for _, operation := range ops {
		builder.WriteString(operation.prefix)
		builder.WriteString(operation.line)
		builder.WriteString("\n")
	}

	return builder.String()
}

func splitLines(input string) []string {
	lines := strings.Split(input, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func diffLines(base, target []string) []diffOp {
	m := len(base)
	n := len(target)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if base[i] == target[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	ops := make([]diffOp, 0, m+n)
	i, j := 0, 0
	for i < m && j < n {
		if base[i] == target[j] {
			ops = append(ops, diffOp{prefix: " ", line: base[i]})
			i++
			j++
			continue
		}

		if dp[i+1][j] >= dp[i][j+1] {
			ops = append(ops, diffOp{prefix: "-", line: base[i]})
			i++
		} else {
			ops = append(ops, diffOp{prefix: "+", line: target[j]})
			j++
		}
	}

	for i < m {
		ops = append(ops, diffOp{prefix: "-", line: base[i]})
		i++
	}

	for j < n {
		ops = append(ops, diffOp{prefix: "+", line: target[j]})
		j++
	}

	return ops
}
