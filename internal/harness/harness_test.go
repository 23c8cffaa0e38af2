package harness

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

// writeScenario writes a scenario file into a fresh directory.
func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func loadInline(t *testing.T, content string) *Scenario {
	t.Helper()
	s, err := LoadScenario(writeScenario(t, content))
	require.NoError(t, err)
	return s
}

func TestScenarios(t *testing.T) {
	paths, err := FindScenarios("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			if scenario.Golden {
				result, err := RunWithGolden(t, scenario)
				require.NoError(t, err)
				assert.True(t, result.Pass)
				return
			}
			result, err := Run(t.Context(), scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRunTraceRecordsSteps(t *testing.T) {
	s := loadInline(t, `
name: trace
description: "two forms, one archived"
steps:
  - submit:
      form_id: a
      xmlns: x
      received_on: "2024-01-01T09:00:00Z"
      cases: [{ case_id: c1, create: { case_type: t, case_name: A, owner_id: o } }]
  - submit:
      form_id: a
      xmlns: x
      received_on: "2024-01-01T09:00:00Z"
      cases: [{ case_id: c1, create: { case_type: t, case_name: A, owner_id: o } }]
  - archive: { form_id: a }
assertions:
  - type: verify
`)
	result, err := Run(t.Context(), s)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Trace, 3)
	assert.Equal(t, TraceEvent{Step: 0, Op: OpSubmit, Target: "a", Outcome: "normal", FormID: "a", Rebuilt: []string{"c1"}}, result.Trace[0])
	assert.Equal(t, TraceEvent{Step: 1, Op: OpSubmit, Target: "a", Outcome: "duplicate", FormID: "fresh-1"}, result.Trace[1])
	assert.Equal(t, TraceEvent{Step: 2, Op: OpArchive, Target: "a", Rebuilt: []string{"c1"}}, result.Trace[2])

	require.Len(t, result.Cases, 1)
	assert.Equal(t, "c1", result.Cases[0].CaseID)
}

func TestRunReportsUnexpectedOutcomes(t *testing.T) {
	s := loadInline(t, `
name: wrong
description: "every expectation here is wrong"
steps:
  - submit:
      form_id: a
      xmlns: x
      cases: [{ case_id: c1, update: { p: 1 } }]
    expect: { outcome: duplicate }
  - unarchive: { form_id: a }
  - archive: { form_id: a }
    expect: { error: FORM_NOT_FOUND }
assertions:
  - type: case
    case_id: c1
    expect: { properties: { p: 2 } }
`)
	result, err := Run(t.Context(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "expected outcome duplicate, got normal")
	assert.Contains(t, result.Errors[1], "unexpected error")
	assert.Contains(t, result.Errors[2], "expected error FORM_NOT_FOUND, got success")
	assert.Contains(t, result.Errors[3], "properties.p")

	assert.Equal(t, "INVALID_STATE_TRANSITION", result.Trace[1].Error)
}

func TestRunBadSchemaDir(t *testing.T) {
	dir := t.TempDir()
	s := &Scenario{Name: "s", Description: "d", Schemas: dir, Steps: []Step{{RepairClashes: &RepairStep{}}}}
	_, err := Run(t.Context(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load schemas")
}
