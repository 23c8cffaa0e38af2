package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ValidFile(t *testing.T) {
	s := loadInline(t, `
name: valid
description: "one submit"
steps:
  - submit: { form_id: a, xmlns: x, cases: [] }
    expect: { outcome: normal }
assertions:
  - type: outcome_count
    outcome: normal
    count: 1
`)
	assert.Equal(t, "valid", s.Name)
	assert.Equal(t, DefaultDomain, s.Domain)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, OpSubmit, s.Steps[0].Op())
	assert.Equal(t, "a", s.Steps[0].Submit["form_id"])
}

func TestLoadScenario_ResolvesSchemaDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "schemas"), 0o755))
	path := filepath.Join(dir, "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: s
description: d
schemas: schemas
steps:
  - repair_clashes: {}
assertions:
  - type: verify
`), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "schemas"), s.Schemas)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "unknown field",
			content: "name: s\ndescription: d\nstep: []\n",
			want:    "failed to parse YAML",
		},
		{
			name:    "missing name",
			content: "description: d\nsteps: [{repair_clashes: {}}]\nassertions: [{type: verify}]\n",
			want:    "name is required",
		},
		{
			name:    "no steps",
			content: "name: s\ndescription: d\nassertions: [{type: verify}]\n",
			want:    "steps list is required",
		},
		{
			name:    "no assertions",
			content: "name: s\ndescription: d\nsteps: [{repair_clashes: {}}]\n",
			want:    "assertions list is required",
		},
		{
			name:    "two operations",
			content: "name: s\ndescription: d\nsteps: [{archive: {form_id: a}, unarchive: {form_id: a}}]\nassertions: [{type: verify}]\n",
			want:    "exactly one operation",
		},
		{
			name:    "archive without form",
			content: "name: s\ndescription: d\nsteps: [{archive: {}}]\nassertions: [{type: verify}]\n",
			want:    "form_id is required",
		},
		{
			name:    "outcome on rebuild",
			content: "name: s\ndescription: d\nsteps: [{rebuild: {case_id: c1}, expect: {outcome: normal}}]\nassertions: [{type: verify}]\n",
			want:    "outcome only applies to submit",
		},
		{
			name:    "unknown assertion",
			content: "name: s\ndescription: d\nsteps: [{repair_clashes: {}}]\nassertions: [{type: trace_contains}]\n",
			want:    `unknown assertion type "trace_contains"`,
		},
		{
			name:    "case without expect",
			content: "name: s\ndescription: d\nsteps: [{repair_clashes: {}}]\nassertions: [{type: case, case_id: c1}]\n",
			want:    "expect or missing is required",
		},
		{
			name:    "missing schema dir",
			content: "name: s\ndescription: d\nschemas: nowhere\nsteps: [{repair_clashes: {}}]\nassertions: [{type: verify}]\n",
			want:    "schema directory not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_GoldenWithoutAssertions(t *testing.T) {
	s := loadInline(t, "name: s\ndescription: d\nsteps: [{repair_clashes: {}}]\ngolden: true\n")
	assert.True(t, s.Golden)
	assert.Empty(t, s.Assertions)
}
