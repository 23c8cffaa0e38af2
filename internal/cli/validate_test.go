package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSchemas(t *testing.T) {
	out, err := execute(t, "validate", "../schema/testdata/schemas")
	require.NoError(t, err)
	assert.Contains(t, out, "schema(s) valid")

	out, err = execute(t, "--format", "json", "validate", "../schema/testdata/schemas")
	require.NoError(t, err)
	var resp struct {
		Data ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Data.Valid)
	assert.NotEmpty(t, resp.Data.Schemas)
}

func TestValidateReportsDefinitionErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "forms.cue"), []byte("package schemas\n\nform: a: properties: x: int\n"), 0o600))

	out, err := execute(t, "validate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "xmlns is required")

	out, err = execute(t, "--format", "json", "validate", dir)
	require.Error(t, err)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalid, resp.Error.Code)
}

func TestValidateMissingDir(t *testing.T) {
	_, err := execute(t, "validate", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
