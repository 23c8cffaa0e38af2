package harness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dimagi/caseledger/internal/model"
)

func TestSubsetMatch(t *testing.T) {
	got := model.Object{
		"name":       model.String("Y"),
		"closed":     model.Bool(true),
		"properties": model.Object{"age": model.Int(30), "dob": model.NewDate(testDate)},
		"form_ids":   model.Array{model.String("a"), model.String("b")},
	}

	tests := []struct {
		name string
		want model.Value
		path string
		ok   bool
	}{
		{"subset", model.Object{"name": model.String("Y")}, "", true},
		{"nested subset", model.Object{"properties": model.Object{"age": model.Int(30)}}, "", true},
		{"date as string", model.Object{"properties": model.Object{"dob": model.String("2024-01-01T09:00:00Z")}}, "", true},
		{"array compares whole", model.Object{"form_ids": model.Array{model.String("a")}}, "form_ids", false},
		{"nested mismatch", model.Object{"properties": model.Object{"age": model.Int(31)}}, "properties.age", false},
		{"missing field", model.Object{"owner_id": model.String("o1")}, "owner_id", false},
		{"type differs", model.Object{"closed": model.String("true")}, "closed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, ok := subsetMatch(tt.want, got, "")
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				assert.Equal(t, tt.path, path)
			}
		})
	}
}

func TestMatchFieldsMessage(t *testing.T) {
	err := matchFields(AssertCase, "c1", map[string]any{"name": "Z"}, model.Object{"name": model.String("Y")})
	var ae *AssertionError
	assert.ErrorAs(t, err, &ae)
	assert.Equal(t, `name = "Z"`, ae.Expected)
	assert.Equal(t, `name = "Y"`, ae.Actual)
	assert.Contains(t, err.Error(), "Assertion failed: case c1")
}

func TestAssertOutcomeCount(t *testing.T) {
	trace := []TraceEvent{
		{Op: OpSubmit, Outcome: "normal"},
		{Op: OpSubmit, Outcome: "duplicate"},
		{Op: OpArchive},
		{Op: OpSubmit, Outcome: "duplicate"},
	}
	assert.NoError(t, assertOutcomeCount(trace, Assertion{Outcome: "duplicate", Count: 2}))
	assert.Error(t, assertOutcomeCount(trace, Assertion{Outcome: "edit", Count: 1}))
}

var testDate = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
