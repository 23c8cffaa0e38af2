package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimagi/caseledger/internal/model"
)

func TestLoadDirectory(t *testing.T) {
	r, err := Load("testdata/schemas")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://example.org/register", "http://example.org/visit"}, r.XMLNS())

	s, ok := r.Lookup("http://example.org/register")
	require.True(t, ok)
	assert.Equal(t, "register", s.Name)
	assert.Equal(t, map[string]Kind{
		"age":    KindInt,
		"weight": KindDecimal,
		"dob":    KindDate,
		"active": KindBool,
		"nick":   KindString,
	}, s.Properties)

	visit, ok := r.Lookup("http://example.org/visit")
	require.True(t, ok)
	assert.Empty(t, visit.Properties)
}

func TestLoadMissingDirectory(t *testing.T) {
	_, err := Load("testdata/nope")
	assert.Error(t, err)

	_, err = Load(t.TempDir())
	assert.ErrorContains(t, err, "no CUE files")
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"missing xmlns", `form: a: properties: x: int`, "xmlns is required"},
		{"duplicate xmlns", `form: a: xmlns: "ns"
form: b: xmlns: "ns"`, "already declared"},
		{"unknown kind", `form: a: {xmlns: "ns", properties: x: string @kind(money)}`, "unknown kind"},
		{"list property", `form: a: {xmlns: "ns", properties: x: [...int]}`, "unsupported property kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile("test.cue", tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCompileWithoutForms(t *testing.T) {
	r, err := Compile("empty.cue", `other: 1`)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestCoerce(t *testing.T) {
	r, err := Load("testdata/schemas")
	require.NoError(t, err)
	s, _ := r.Lookup("http://example.org/register")

	out, errs := s.Coerce(model.Object{
		"age":     model.String("42"),
		"weight":  model.String("3.25"),
		"dob":     model.String("2020-02-29"),
		"active":  model.String("true"),
		"nick":    model.Int(7),
		"unknown": model.String("kept"),
		"cleared": model.Null{},
	})
	require.Empty(t, errs)
	assert.Equal(t, model.Int(42), out["age"])
	assert.Equal(t, model.Decimal("3.25"), out["weight"])
	assert.Equal(t, model.NewDate(time.Date(2020, 2, 29, 0, 0, 0, 0, time.UTC)), out["dob"])
	assert.Equal(t, model.Bool(true), out["active"])
	assert.Equal(t, model.String("7"), out["nick"])
	assert.Equal(t, model.String("kept"), out["unknown"])
}

func TestCoerceReportsMismatches(t *testing.T) {
	r, err := Load("testdata/schemas")
	require.NoError(t, err)
	s, _ := r.Lookup("http://example.org/register")

	update := model.Object{
		"weight": model.String("heavy"),
		"age":    model.String("forty"),
	}
	_, errs := s.Coerce(update)
	require.Len(t, errs, 2)
	assert.Equal(t, "age", errs[0].Property)
	assert.Equal(t, "weight", errs[1].Property)
	assert.Equal(t, `property age: want int, got string "forty"; property weight: want decimal, got string "heavy"`, Problem(errs))

	// The input is not modified.
	assert.Equal(t, model.String("forty"), update["age"])
}

func TestNilSchemaAcceptsEverything(t *testing.T) {
	var s *FormSchema
	out, errs := s.Coerce(model.Object{"x": model.Int(1)})
	assert.Empty(t, errs)
	assert.Equal(t, model.Int(1), out["x"])

	var r *Registry
	_, ok := r.Lookup("anything")
	assert.False(t, ok)
}
