package merge

import "github.com/rpattn/catalogmerge/internal/domain"

// Canonical field names.
const (
	FieldFilename     = "filename"
	FieldTitle        = "title"
	FieldAuthor       = "author"
	FieldCourseCode   = "course_code"
	FieldCourseName   = "course_name"
	FieldDepartment   = "department"
	FieldFileType     = "file_type"
	FieldOrgUnit      = "org_unit"
	FieldPageCount    = "page_count"
	FieldViewCount    = "view_count"
	FieldLastModified = "last_modified"

	FieldWorkflowState   = "workflow_state"
	FieldClassification  = "classification"
	FieldRemarks         = "remarks"
	FieldOrgUnitOverride = "org_unit_override"
	FieldReviewedAt      = "reviewed_at"
)

// Workflow states from lowest to highest priority.
const (
	WorkflowToDo       = "ToDo"
	WorkflowInProgress = "InProgress"
	WorkflowReview     = "Review"
	WorkflowDone       = "Done"
)

// WorkflowRanking orders workflow states so a later, lower-priority update
// cannot regress a record.
var WorkflowRanking = []string{WorkflowToDo, WorkflowInProgress, WorkflowReview, WorkflowDone}

// SystemRules is the field table owned by the system export.
func SystemRules() []Rule {
	return []Rule{
		{Field: FieldFilename, Owner: domain.SourceSystem, Strategy: Overwrite, Kind: domain.KindText},
		{Field: FieldTitle, Owner: domain.SourceSystem, Strategy: Overwrite, Kind: domain.KindText},
		{Field: FieldAuthor, Owner: domain.SourceSystem, Strategy: Overwrite, Kind: domain.KindText},
		{Field: FieldCourseCode, Owner: domain.SourceSystem, Strategy: Overwrite, Kind: domain.KindText},
		{Field: FieldCourseName, Owner: domain.SourceSystem, Strategy: Overwrite, Kind: domain.KindText},
		{Field: FieldDepartment, Owner: domain.SourceSystem, Strategy: Overwrite, Kind: domain.KindText},
		{Field: FieldFileType, Owner: domain.SourceSystem, Strategy: Overwrite, Kind: domain.KindText},
		{Field: FieldOrgUnit, Owner: domain.SourceSystem, Strategy: FillIfEmpty, Kind: domain.KindText},
		{Field: FieldPageCount, Owner: domain.SourceSystem, Strategy: NumericMax, Kind: domain.KindInt},
		{Field: FieldViewCount, Owner: domain.SourceSystem, Strategy: NumericMax, Kind: domain.KindInt},
		{Field: FieldLastModified, Owner: domain.SourceSystem, Strategy: DateMax, Kind: domain.KindDate},
	}
}

// HumanRules is the field table owned by the expert-maintained sheet.
func HumanRules() []Rule {
	return []Rule{
		{Field: FieldWorkflowState, Owner: domain.SourceHuman, Strategy: RankedPriority, Kind: domain.KindText, Ranking: WorkflowRanking},
		{Field: FieldClassification, Owner: domain.SourceHuman, Strategy: Overwrite, Kind: domain.KindText},
		{Field: FieldRemarks, Owner: domain.SourceHuman, Strategy: Overwrite, Kind: domain.KindText},
		{Field: FieldOrgUnitOverride, Owner: domain.SourceHuman, Strategy: Overwrite, Kind: domain.KindText},
		{Field: FieldReviewedAt, Owner: domain.SourceHuman, Strategy: DateMax, Kind: domain.KindDate},
	}
}

// DefaultRegistry builds the production ownership table, including the
// initial workflow state system rows carry for newly created records.
func DefaultRegistry() (*Registry, error) {
	reg, err := NewRegistry(SystemRules(), HumanRules())
	if err != nil {
		return nil, err
	}
	if err := reg.WithCreationDefault(FieldWorkflowState, domain.Text(WorkflowToDo)); err != nil {
		return nil, err
	}
	return reg, nil
}

// MustDefaultRegistry is DefaultRegistry for process startup; an invalid
// table is a programming error and stops the process.
func MustDefaultRegistry() *Registry {
	reg, err := DefaultRegistry()
	if err != nil {
		panic(err)
	}
	return reg
}
