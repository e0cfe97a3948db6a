package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbsentIsDistinctFromZero(t *testing.T) {
	assert.True(t, Absent().IsAbsent())
	assert.True(t, Value{}.IsAbsent())
	assert.False(t, Int(0).IsAbsent())
	assert.False(t, Text("").IsAbsent())
	assert.False(t, Bool(false).IsAbsent())

	assert.True(t, Text("").IsEmpty())
	assert.False(t, Int(0).IsEmpty())
	assert.False(t, Absent().Equal(Int(0)))
	assert.False(t, Text("").Equal(Absent()))
}

func TestValueEqualRequiresSameKind(t *testing.T) {
	assert.True(t, Int(3).Equal(Int(3)))
	assert.False(t, Int(3).Equal(Float(3)))
	assert.False(t, Text("3").Equal(Int(3)))

	local := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	assert.True(t, Date(local).Equal(Date(local.UTC())))
}

func TestValueCompare(t *testing.T) {
	cmp, ok := Int(3).Compare(Float(2.5))
	require.True(t, ok)
	assert.Equal(t, 1, cmp)

	early := Date(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	late := Date(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	cmp, ok = early.Compare(late)
	require.True(t, ok)
	assert.Equal(t, -1, cmp)

	_, ok = Text("a").Compare(Int(1))
	assert.False(t, ok)
	_, ok = Int(1).Compare(Absent())
	assert.False(t, ok)
}

func TestValueJSONRoundTripPreservesKind(t *testing.T) {
	fields := map[string]Value{
		"title":     Text("Intro"),
		"pages":     Int(42),
		"ratio":     Float(0.5),
		"modified":  Date(time.Date(2024, 2, 29, 8, 30, 0, 0, time.UTC)),
		"published": Bool(true),
	}

	data, err := MarshalFields(fields)
	require.NoError(t, err)

	decoded, err := UnmarshalFields(data)
	require.NoError(t, err)
	require.Len(t, decoded, len(fields))
	for name, want := range fields {
		assert.True(t, want.Equal(decoded[name]), "field %s: want %v got %v", name, want, decoded[name])
	}
}

func TestValueJSONAbsentIsNull(t *testing.T) {
	data, err := json.Marshal(Absent())
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	decoded, err := UnmarshalFields([]byte(`{"title":null,"pages":{"kind":"int","value":7}}`))
	require.NoError(t, err)
	assert.NotContains(t, decoded, "title")
	assert.Equal(t, int64(7), decoded["pages"].IntValue())
}

func TestValueJSONRejectsUnknownKind(t *testing.T) {
	var v Value
	err := json.Unmarshal([]byte(`{"kind":"blob","value":"x"}`), &v)
	require.Error(t, err)
}

func TestCanonicalRecordWithField(t *testing.T) {
	record := NewCanonicalRecord("M-1")
	updated := record.WithField("title", Text("A"))

	assert.Empty(t, record.Fields, "original record is not mutated")
	assert.Equal(t, "A", updated.Get("title").TextValue())

	cleared := updated.WithField("title", Absent())
	assert.True(t, cleared.Get("title").IsAbsent())
	assert.Equal(t, []string{"title"}, updated.FieldNames())
}
