package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"int", Int(42), "42"},
		{"negative int", Int(-100), "-100"},
		{"bool", Bool(true), "true"},
		{"null", Null{}, "null"},
		{"decimal", Decimal("3.50"), `{"$decimal":"3.50"}`},
		{"date", NewDate(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)), `{"$date":"2024-01-02T03:04:05Z"}`},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"html not escaped", String("<a&b>"), `"<a&b>"`},
		{"control escaped", String("a\nb\x01"), `"a\nb\u0001"`},
		{"line separator literal", String("a\u2028b"), "\"a\u2028b\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := Object{
		"zebra": Int(1),
		"alpha": Int(2),
		"beta":  Object{"b": Int(1), "a": Int(2)},
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":{"a":2,"b":1},"zebra":1}`, string(result))
}

func TestMarshalCanonicalRejectsFloats(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"x": float32(1.5)})
	require.Error(t, err)

	_, err = MarshalCanonical(1.5)
	require.Error(t, err)
}

func TestMarshalCanonicalNFC(t *testing.T) {
	// "e" + combining acute normalizes to U+00E9
	result, err := MarshalCanonical(String("e\u0301"))
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(result))
}

func TestUnmarshalValueRoundTrip(t *testing.T) {
	obj := Object{
		"name":     String("Amina"),
		"age":      Int(31),
		"weight":   Decimal("61.5"),
		"dob":      NewDate(time.Date(1993, 5, 1, 0, 0, 0, 0, time.UTC)),
		"pregnant": Bool(false),
		"visits":   Array{Int(1), String("two")},
		"note":     Null{},
	}

	data, err := MarshalCanonical(obj)
	require.NoError(t, err)

	decoded, err := UnmarshalValue(data)
	require.NoError(t, err)
	assert.True(t, Equal(obj, decoded))

	back, ok := decoded.(Object)
	require.True(t, ok)
	assert.Equal(t, "decimal", back["weight"].Kind())
	assert.Equal(t, "date", back["dob"].Kind())
}

func TestUnmarshalValueNumbers(t *testing.T) {
	v, err := UnmarshalValue([]byte(`12`))
	require.NoError(t, err)
	assert.Equal(t, Int(12), v)

	v, err = UnmarshalValue([]byte(`1.25`))
	require.NoError(t, err)
	assert.Equal(t, Decimal("1.25"), v)

	v, err = UnmarshalValue([]byte(`2e3`))
	require.NoError(t, err)
	assert.Equal(t, Decimal("2e3"), v)
}

func TestParseDecimal(t *testing.T) {
	_, err := ParseDecimal("1/2")
	require.Error(t, err)
	_, err = ParseDecimal("0x10")
	require.Error(t, err)

	d, err := ParseDecimal("-0.75")
	require.NoError(t, err)
	assert.Equal(t, "-3/4", d.Rat().String())
}

func TestSortedKeysUTF16Order(t *testing.T) {
	// U+1F600 encodes as surrogates D83D DE00, which sort before U+FF5E.
	obj := Object{"～": Int(1), "\U0001F600": Int(2)}
	assert.Equal(t, []string{"\U0001F600", "～"}, obj.SortedKeys())
}
