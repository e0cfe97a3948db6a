// Package normalize turns raw upstream rows into typed candidate records.
// Everything here is pure: no I/O and no shared state.
package normalize

import (
	"fmt"
	"sort"

	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/merge"
)

// Row is one data row keyed by its original column header. Number is the
// 1-indexed row number in the source file.
type Row struct {
	Number int
	Cells  map[string]string
}

// Options configures normalization.
type Options struct {
	// Registry supplies field kinds and creation defaults. Nil uses the
	// default registry.
	Registry *merge.Registry
	OrgUnits OrgUnits
}

// Rejection reports a row dropped before staging.
type Rejection struct {
	RowNumber int    `json:"row_number"`
	Reason    string `json:"reason"`
}

// Result holds the accepted candidates in input order and the rejected rows.
type Result struct {
	Candidates []domain.CandidateRecord
	Rejected   []Rejection
}

// RejectedRows returns the row numbers of every rejected row.
func (r Result) RejectedRows() []int {
	rows := make([]int, 0, len(r.Rejected))
	for _, rejection := range r.Rejected {
		rows = append(rows, rejection.RowNumber)
	}
	return rows
}

// Rows normalizes rows of one source.
func Rows(rows []Row, source domain.SourceType, opts Options) (Result, error) {
	if !source.Valid() {
		return Result{}, fmt.Errorf("unknown source type %q", source)
	}
	reg := opts.Registry
	if reg == nil {
		var err error
		if reg, err = merge.DefaultRegistry(); err != nil {
			return Result{}, err
		}
	}

	n := &normalizer{
		source:   source,
		registry: reg,
		columns:  buildColumnIndex(source),
		orgUnits: opts.OrgUnits,
		defaults: reg.CreationDefaults(),
	}

	result := Result{
		Candidates: make([]domain.CandidateRecord, 0, len(rows)),
		Rejected:   []Rejection{},
	}
	for _, row := range rows {
		if blankRow(row) {
			continue
		}
		candidate, err := n.row(row)
		if err != nil {
			result.Rejected = append(result.Rejected, Rejection{RowNumber: row.Number, Reason: err.Error()})
			continue
		}
		result.Candidates = append(result.Candidates, candidate)
	}
	return result, nil
}

type normalizer struct {
	source   domain.SourceType
	registry *merge.Registry
	columns  columnIndex
	orgUnits OrgUnits
	defaults map[string]domain.Value
}

func (n *normalizer) row(row Row) (domain.CandidateRecord, error) {
	headers := make([]string, 0, len(row.Cells))
	for header := range row.Cells {
		headers = append(headers, header)
	}
	sort.Strings(headers)

	var key, rowType string
	fields := map[string]domain.Value{}
	raw := make(map[string]string, len(row.Cells))

	for _, header := range headers {
		cell := row.Cells[header]
		raw[header] = cell
		target, ok := n.columns.target(header)
		if !ok || isNull(cell) {
			continue
		}
		switch target {
		case targetKey:
			if key == "" {
				key = normalizeKey(cell)
			}
			continue
		case targetRowType:
			if rowType == "" {
				rowType = labelKey(cell)
			}
			continue
		}
		if _, seen := fields[target]; seen {
			continue
		}
		rule, ok := n.registry.Rule(target)
		if !ok || !n.writable(rule) {
			continue
		}
		value, err := coerceValue(rule.Kind, cell)
		if err != nil {
			return domain.CandidateRecord{}, fmt.Errorf("column %q: %w", header, err)
		}
		if !value.IsAbsent() {
			fields[target] = value
		}
	}

	if key == "" {
		return domain.CandidateRecord{}, fmt.Errorf("missing external key")
	}
	if rowType != "" {
		if _, ok := handledRowTypes[n.source][rowType]; !ok {
			return domain.CandidateRecord{}, fmt.Errorf("unhandled row type %q", rowType)
		}
	}

	if n.source == domain.SourceSystem {
		for field, value := range n.defaults {
			if _, ok := fields[field]; !ok {
				fields[field] = value
			}
		}
		n.deriveOrgUnit(fields)
	}

	return domain.CandidateRecord{
		RowNumber:   row.Number,
		ExternalKey: key,
		Fields:      fields,
		Raw:         raw,
	}, nil
}

// writable reports whether the source may populate the field at all.
func (n *normalizer) writable(rule merge.Rule) bool {
	if rule.Owner == n.source {
		return true
	}
	_, isDefault := n.defaults[rule.Field]
	return isDefault && n.source == domain.SourceSystem
}

func (n *normalizer) deriveOrgUnit(fields map[string]domain.Value) {
	if _, ok := fields[merge.FieldOrgUnit]; ok {
		return
	}
	department, ok := fields[merge.FieldDepartment]
	if !ok {
		return
	}
	if code, ok := n.orgUnits.Resolve(department.TextValue()); ok {
		fields[merge.FieldOrgUnit] = domain.Text(code)
	}
}

func blankRow(row Row) bool {
	for _, cell := range row.Cells {
		if !isNull(cell) {
			return false
		}
	}
	return true
}
