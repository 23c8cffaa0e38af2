package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	scenariosDir = "../harness/testdata/scenarios"
	goldenDir    = "../harness/testdata/golden"
)

func TestTestCommandPasses(t *testing.T) {
	out, err := execute(t, "test", scenariosDir, "--golden", goldenDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Test Summary: 3 passed, 0 failed, 3 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommandReportsFailures(t *testing.T) {
	dir := t.TempDir()
	scenario := `name: wrong_name
steps:
  - submit:
      form_id: a
      xmlns: http://example.org/register
      received_on: "2024-01-01T09:00:00Z"
      cases:
        - case_id: c1
          create: { case_type: person, case_name: X, owner_id: o1 }
assertions:
  - type: case
    case_id: c1
    expect: { name: Z }
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong_name.yaml"), []byte(scenario), 0o600))

	out, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_name")
	assert.Contains(t, out, "Test Summary: 0 passed, 1 failed, 1 total")

	out, err = execute(t, "--format", "json", "test", dir)
	require.Error(t, err)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeTestFailed, resp.Error.Code)
}

func TestTestCommandMissingDir(t *testing.T) {
	_, err := execute(t, "test", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}
