package merge

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rpattn/catalogmerge/internal/domain"
)

var (
	// ErrOverlappingOwnership means a field is claimed by both sources.
	ErrOverlappingOwnership = errors.New("field owned by more than one source")
	// ErrInvalidRule covers malformed rule declarations.
	ErrInvalidRule = errors.New("invalid field ownership rule")
)

// Rule declares who owns a canonical field and how incoming values merge.
type Rule struct {
	Field    string
	Owner    domain.SourceType
	Strategy Strategy
	Kind     domain.ValueKind
	// Ranking lists RankedPriority values from lowest to highest priority.
	Ranking []string
}

func (r Rule) checkKind(value domain.Value) error {
	if value.Kind() != r.Kind {
		return domain.NewEntryError(domain.FailureInvalidValue,
			fmt.Errorf("field %s expects %s, got %s %q", r.Field, r.Kind, value.Kind(), value.String()))
	}
	return nil
}

func (r Rule) rank(value domain.Value) (int, bool) {
	if value.IsEmpty() {
		return -1, true
	}
	for idx, candidate := range r.Ranking {
		if strings.EqualFold(candidate, value.TextValue()) {
			return idx, true
		}
	}
	return 0, false
}

// canonical maps a ranked value onto its declared spelling.
func (r Rule) canonical(value domain.Value) domain.Value {
	if idx, ok := r.rank(value); ok && idx >= 0 {
		return domain.Text(r.Ranking[idx])
	}
	return value
}

func (r Rule) higherRanked(existing, incoming domain.Value) (domain.Value, error) {
	in, ok := r.rank(incoming)
	if !ok {
		return existing, domain.NewEntryError(domain.FailureInvalidValue,
			fmt.Errorf("field %s: %q is not one of %s", r.Field, incoming.String(), strings.Join(r.Ranking, ", ")))
	}
	cur, ok := r.rank(existing)
	if !ok {
		// Existing value predates the ranking; any ranked value replaces it.
		return r.canonical(incoming), nil
	}
	if in > cur {
		return r.canonical(incoming), nil
	}
	return existing, nil
}

// Registry is the validated field ownership table.
type Registry struct {
	rules    map[string]Rule
	bySource map[domain.SourceType][]Rule
	defaults map[string]domain.Value
}

// NewRegistry builds a registry from one rule table per source and checks
// that the two field sets are disjoint.
func NewRegistry(system, human []Rule) (*Registry, error) {
	reg := &Registry{
		rules:    map[string]Rule{},
		bySource: map[domain.SourceType][]Rule{},
		defaults: map[string]domain.Value{},
	}
	tables := []struct {
		source domain.SourceType
		rules  []Rule
	}{
		{domain.SourceSystem, system},
		{domain.SourceHuman, human},
	}
	for _, table := range tables {
		for _, rule := range table.rules {
			if rule.Owner == "" {
				rule.Owner = table.source
			}
			if rule.Owner != table.source {
				return nil, fmt.Errorf("%w: field %s declared in %s table with owner %s", ErrInvalidRule, rule.Field, table.source, rule.Owner)
			}
			if err := validateRule(rule); err != nil {
				return nil, err
			}
			if existing, ok := reg.rules[rule.Field]; ok {
				if existing.Owner != rule.Owner {
					return nil, fmt.Errorf("%w: %s is declared by %s and %s", ErrOverlappingOwnership, rule.Field, existing.Owner, rule.Owner)
				}
				return nil, fmt.Errorf("%w: %s declared twice for %s", ErrInvalidRule, rule.Field, rule.Owner)
			}
			reg.rules[rule.Field] = rule
			reg.bySource[rule.Owner] = append(reg.bySource[rule.Owner], rule)
		}
	}
	return reg, nil
}

func validateRule(rule Rule) error {
	if strings.TrimSpace(rule.Field) == "" {
		return fmt.Errorf("%w: empty field name", ErrInvalidRule)
	}
	if !rule.Owner.Valid() {
		return fmt.Errorf("%w: field %s has unknown owner %q", ErrInvalidRule, rule.Field, rule.Owner)
	}
	if !rule.Strategy.Valid() {
		return fmt.Errorf("%w: field %s has unknown strategy %s", ErrInvalidRule, rule.Field, rule.Strategy)
	}
	switch rule.Strategy {
	case NumericMax:
		if rule.Kind != domain.KindInt && rule.Kind != domain.KindFloat {
			return fmt.Errorf("%w: field %s uses numeric_max on %s", ErrInvalidRule, rule.Field, rule.Kind)
		}
	case DateMax:
		if rule.Kind != domain.KindDate {
			return fmt.Errorf("%w: field %s uses date_max on %s", ErrInvalidRule, rule.Field, rule.Kind)
		}
	case RankedPriority:
		if rule.Kind != domain.KindText || len(rule.Ranking) == 0 {
			return fmt.Errorf("%w: field %s needs a text ranking", ErrInvalidRule, rule.Field)
		}
	}
	return nil
}

// WithCreationDefault registers a value a system-source entry may carry for
// a human-owned field. It is written only when the record is created.
func (r *Registry) WithCreationDefault(field string, value domain.Value) error {
	rule, ok := r.rules[field]
	if !ok {
		return fmt.Errorf("%w: creation default for unknown field %s", ErrInvalidRule, field)
	}
	if err := rule.checkKind(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	r.defaults[field] = value
	return nil
}

// Validate re-checks the disjointness invariant.
func (r *Registry) Validate() error {
	if r == nil || len(r.rules) == 0 {
		return fmt.Errorf("%w: registry is empty", ErrInvalidRule)
	}
	seen := map[string]domain.SourceType{}
	for source, rules := range r.bySource {
		for _, rule := range rules {
			if owner, ok := seen[rule.Field]; ok && owner != source {
				return fmt.Errorf("%w: %s", ErrOverlappingOwnership, rule.Field)
			}
			seen[rule.Field] = source
		}
	}
	return nil
}

// OwnerOf returns the source allowed to write field.
func (r *Registry) OwnerOf(field string) (domain.SourceType, bool) {
	rule, ok := r.rules[field]
	return rule.Owner, ok
}

// StrategyFor returns the comparison strategy of field.
func (r *Registry) StrategyFor(field string) (Strategy, bool) {
	rule, ok := r.rules[field]
	return rule.Strategy, ok
}

// Rule returns the full rule of field.
func (r *Registry) Rule(field string) (Rule, bool) {
	rule, ok := r.rules[field]
	return rule, ok
}

// Rules returns the rules owned by source in declaration order.
func (r *Registry) Rules(source domain.SourceType) []Rule {
	return append([]Rule(nil), r.bySource[source]...)
}

// Fields returns the sorted field names owned by source.
func (r *Registry) Fields(source domain.SourceType) []string {
	rules := r.bySource[source]
	names := make([]string, 0, len(rules))
	for _, rule := range rules {
		names = append(names, rule.Field)
	}
	sort.Strings(names)
	return names
}

// CreationDefault reports the creation-only default for field, if any.
func (r *Registry) CreationDefault(field string) (domain.Value, bool) {
	value, ok := r.defaults[field]
	return value, ok
}

// CreationDefaults returns a copy of every registered creation default.
func (r *Registry) CreationDefaults() map[string]domain.Value {
	return domain.CloneFields(r.defaults)
}

// CheckEntryFields verifies that every field of an entry from source may be
// written by that source. System entries may also carry creation defaults.
func (r *Registry) CheckEntryFields(source domain.SourceType, fields map[string]domain.Value) error {
	for name, value := range fields {
		if value.IsAbsent() {
			continue
		}
		rule, ok := r.rules[name]
		if !ok {
			return fmt.Errorf("field %s is not part of the canonical record", name)
		}
		if rule.Owner == source {
			continue
		}
		if _, isDefault := r.defaults[name]; isDefault && source == domain.SourceSystem {
			if err := rule.checkKind(value); err != nil {
				return err
			}
			continue
		}
		return fmt.Errorf("field %s is owned by %s and cannot be written by %s", name, rule.Owner, source)
	}
	return nil
}
