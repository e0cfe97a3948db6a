package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/catalogmerge/internal/domain"
)

func TestDefaultRegistryOwnershipIsDisjoint(t *testing.T) {
	reg := MustDefaultRegistry()
	require.NoError(t, reg.Validate())

	system := reg.Fields(domain.SourceSystem)
	human := reg.Fields(domain.SourceHuman)
	require.NotEmpty(t, system)
	require.NotEmpty(t, human)

	for _, field := range system {
		assert.NotContains(t, human, field)
		owner, ok := reg.OwnerOf(field)
		require.True(t, ok)
		assert.Equal(t, domain.SourceSystem, owner)
	}
	for _, field := range human {
		owner, ok := reg.OwnerOf(field)
		require.True(t, ok)
		assert.Equal(t, domain.SourceHuman, owner)
	}
}

func TestNewRegistryRejectsOverlap(t *testing.T) {
	human := append(HumanRules(), Rule{Field: FieldTitle, Owner: domain.SourceHuman, Strategy: Overwrite, Kind: domain.KindText})
	_, err := NewRegistry(SystemRules(), human)
	require.ErrorIs(t, err, ErrOverlappingOwnership)
}

func TestNewRegistryRejectsMalformedRules(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
	}{
		{"duplicate field", []Rule{
			{Field: "a", Strategy: Overwrite, Kind: domain.KindText},
			{Field: "a", Strategy: Overwrite, Kind: domain.KindText},
		}},
		{"empty field", []Rule{{Field: " ", Strategy: Overwrite, Kind: domain.KindText}}},
		{"unknown strategy", []Rule{{Field: "a", Strategy: Strategy(0), Kind: domain.KindText}}},
		{"ranked without ranking", []Rule{{Field: "a", Strategy: RankedPriority, Kind: domain.KindText}}},
		{"numeric max on text", []Rule{{Field: "a", Strategy: NumericMax, Kind: domain.KindText}}},
		{"date max on int", []Rule{{Field: "a", Strategy: DateMax, Kind: domain.KindInt}}},
		{"wrong owner", []Rule{{Field: "a", Owner: domain.SourceHuman, Strategy: Overwrite, Kind: domain.KindText}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRegistry(tc.rules, nil)
			require.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestRegistryLookups(t *testing.T) {
	reg := MustDefaultRegistry()

	strategy, ok := reg.StrategyFor(FieldPageCount)
	require.True(t, ok)
	assert.Equal(t, NumericMax, strategy)

	_, ok = reg.StrategyFor("nonexistent")
	assert.False(t, ok)

	def, ok := reg.CreationDefault(FieldWorkflowState)
	require.True(t, ok)
	assert.Equal(t, WorkflowToDo, def.TextValue())

	assert.Len(t, reg.Rules(domain.SourceSystem), len(SystemRules()))
	assert.Len(t, reg.Rules(domain.SourceHuman), len(HumanRules()))
}

func TestWithCreationDefaultChecksKind(t *testing.T) {
	reg, err := NewRegistry(SystemRules(), HumanRules())
	require.NoError(t, err)

	require.ErrorIs(t, reg.WithCreationDefault(FieldWorkflowState, domain.Int(1)), ErrInvalidRule)
	require.ErrorIs(t, reg.WithCreationDefault("unknown", domain.Text("x")), ErrInvalidRule)
}

func TestCheckEntryFields(t *testing.T) {
	reg := MustDefaultRegistry()

	require.NoError(t, reg.CheckEntryFields(domain.SourceSystem, map[string]domain.Value{
		FieldTitle:         domain.Text("Lecture 1"),
		FieldWorkflowState: domain.Text(WorkflowToDo),
	}))
	require.NoError(t, reg.CheckEntryFields(domain.SourceHuman, map[string]domain.Value{
		FieldRemarks: domain.Text("checked"),
		FieldTitle:   domain.Absent(),
	}))

	err := reg.CheckEntryFields(domain.SourceHuman, map[string]domain.Value{FieldTitle: domain.Text("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owned by system")

	err = reg.CheckEntryFields(domain.SourceSystem, map[string]domain.Value{FieldRemarks: domain.Text("x")})
	require.Error(t, err)

	err = reg.CheckEntryFields(domain.SourceSystem, map[string]domain.Value{"bogus": domain.Text("x")})
	require.Error(t, err)
}
