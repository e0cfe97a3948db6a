package merge

import (
	"fmt"

	"github.com/rpattn/catalogmerge/internal/domain"
)

// Strategy is the closed set of comparison strategies a field can use.
type Strategy int

const (
	// Overwrite takes the incoming value whenever it is present.
	Overwrite Strategy = iota + 1
	// FillIfEmpty takes the incoming value only while the existing one is empty.
	FillIfEmpty
	// NumericMax keeps the numerically greater value.
	NumericMax
	// DateMax keeps the later timestamp.
	DateMax
	// RankedPriority keeps whichever value ranks higher in the rule's ranking.
	RankedPriority
)

var strategyNames = map[Strategy]string{
	Overwrite:      "overwrite",
	FillIfEmpty:    "fill_if_empty",
	NumericMax:     "numeric_max",
	DateMax:        "date_max",
	RankedPriority: "ranked_priority",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// Valid reports whether s is one of the declared strategies.
func (s Strategy) Valid() bool {
	_, ok := strategyNames[s]
	return ok
}

// Apply decides the new value of a field given the existing and incoming
// values. changed is false whenever the result equals the existing value.
// An absent incoming value never changes anything.
func Apply(rule Rule, existing, incoming domain.Value) (domain.Value, bool, error) {
	if incoming.IsAbsent() {
		return existing, false, nil
	}
	if err := rule.checkKind(incoming); err != nil {
		return existing, false, err
	}

	var next domain.Value
	switch rule.Strategy {
	case Overwrite:
		next = incoming
	case FillIfEmpty:
		next = existing
		if existing.IsEmpty() {
			next = incoming
		}
	case NumericMax, DateMax:
		next = maxValue(existing, incoming)
	case RankedPriority:
		ranked, err := rule.higherRanked(existing, incoming)
		if err != nil {
			return existing, false, err
		}
		next = ranked
	default:
		return existing, false, fmt.Errorf("field %s: unsupported strategy %s", rule.Field, rule.Strategy)
	}

	if next.Equal(existing) {
		return existing, false, nil
	}
	return next, true, nil
}

// maxValue returns the greater of two values. An existing value that cannot
// be compared with the incoming one (absent, or stored under an older kind)
// is replaced.
func maxValue(existing, incoming domain.Value) domain.Value {
	cmp, ok := incoming.Compare(existing)
	if !ok || cmp > 0 {
		return incoming
	}
	return existing
}
