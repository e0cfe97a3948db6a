package normalize

import (
	"github.com/rpattn/catalogmerge/internal/domain"
	"github.com/rpattn/catalogmerge/internal/merge"
)

const (
	targetKey     = "$key"
	targetRowType = "$row_type"
)

var keyAliases = []string{"material id", "materialid", "material", "material nr", "material number", "id", "item id", "object id"}

var rowTypeAliases = []string{"type", "row type", "item type", "material type"}

// systemColumns maps canonical fields to the headers the system export has
// used over time.
var systemColumns = map[string][]string{
	merge.FieldFilename:      {"filename", "file name", "file", "document name"},
	merge.FieldTitle:         {"title", "document title", "material title"},
	merge.FieldAuthor:        {"author", "authors", "creator", "uploaded by"},
	merge.FieldCourseCode:    {"course code", "course", "course id", "course codes"},
	merge.FieldCourseName:    {"course name", "course title"},
	merge.FieldDepartment:    {"department", "dept", "faculty", "school"},
	merge.FieldFileType:      {"file type", "filetype", "extension", "format", "mime type"},
	merge.FieldOrgUnit:       {"org unit", "org unit code", "faculty code"},
	merge.FieldPageCount:     {"pages", "page count", "number of pages", "#pages", "n pages"},
	merge.FieldViewCount:     {"views", "view count", "hits", "number of views"},
	merge.FieldLastModified:  {"last modified", "modified", "modified at", "mutation date", "last update", "updated at"},
	merge.FieldWorkflowState: {"workflow state", "workflow status"},
}

var humanColumns = map[string][]string{
	merge.FieldWorkflowState:   {"workflow state", "workflow status", "workflow", "status", "state"},
	merge.FieldClassification:  {"classification", "manual classification", "category", "copyright classification"},
	merge.FieldRemarks:         {"remarks", "remark", "notes", "note", "comments", "comment"},
	merge.FieldOrgUnitOverride: {"org unit override", "faculty override", "department override", "org unit"},
	merge.FieldReviewedAt:      {"reviewed at", "review date", "reviewed", "last reviewed"},
}

// handledRowTypes lists the row types each source pipeline accepts. Rows
// without a type column are accepted.
var handledRowTypes = map[domain.SourceType]map[string]struct{}{
	domain.SourceSystem: {"file": {}, "document": {}},
	domain.SourceHuman:  {"file": {}, "document": {}, "material": {}},
}

// columnIndex maps folded header keys to their target for one source.
type columnIndex map[string]string

func buildColumnIndex(source domain.SourceType) columnIndex {
	index := columnIndex{}
	for _, alias := range keyAliases {
		index[headerKey(alias)] = targetKey
	}
	for _, alias := range rowTypeAliases {
		index[headerKey(alias)] = targetRowType
	}
	columns := systemColumns
	if source == domain.SourceHuman {
		columns = humanColumns
	}
	for field, aliases := range columns {
		// Every canonical name matches itself, whatever the casing or separators.
		index[headerKey(field)] = field
		for _, alias := range aliases {
			index[headerKey(alias)] = field
		}
	}
	return index
}

func (c columnIndex) target(header string) (string, bool) {
	target, ok := c[headerKey(header)]
	return target, ok
}

// MapHeaders reports the canonical target of each header for source. Headers
// that map to nothing are omitted. The external key maps to "$key".
func MapHeaders(source domain.SourceType, headers []string) map[string]string {
	index := buildColumnIndex(source)
	mapped := make(map[string]string, len(headers))
	for _, header := range headers {
		if target, ok := index.target(header); ok {
			mapped[header] = target
		}
	}
	return mapped
}
