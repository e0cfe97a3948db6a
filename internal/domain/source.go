package domain

import (
	"fmt"
	"strings"
)

// SourceType identifies which upstream export a row came from.
type SourceType string

const (
	// SourceSystem is the system-of-record export, authoritative for
	// descriptive and technical metadata.
	SourceSystem SourceType = "system"
	// SourceHuman is the expert-maintained sheet carrying workflow decisions.
	SourceHuman SourceType = "human"
)

// AllSources lists every known source type.
var AllSources = []SourceType{SourceSystem, SourceHuman}

// Valid reports whether the source type is known.
func (s SourceType) Valid() bool {
	return s == SourceSystem || s == SourceHuman
}

// ParseSourceType converts a user supplied label into a SourceType.
func ParseSourceType(raw string) (SourceType, error) {
	source := SourceType(strings.ToLower(strings.TrimSpace(raw)))
	if !source.Valid() {
		return "", fmt.Errorf("unknown source type %q (expected system or human)", raw)
	}
	return source, nil
}
