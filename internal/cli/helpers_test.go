package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// ledgerDir is a scratch directory holding a ledger database, a blob root
// and payload files.
type ledgerDir struct {
	root  string
	db    string
	blobs string
}

func newLedgerDir(t *testing.T) *ledgerDir {
	t.Helper()
	root := t.TempDir()
	return &ledgerDir{
		root:  root,
		db:    filepath.Join(root, "ledger.db"),
		blobs: filepath.Join(root, "blobs"),
	}
}

// run executes the root command against the ledger and returns stdout.
func (d *ledgerDir) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, append([]string{"--db", d.db, "--blobs", d.blobs}, args...)...)
}

// write stores a payload file and returns its path.
func (d *ledgerDir) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(d.root, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// execute runs the root command with args and returns stdout. Logs go to
// a discarded stderr buffer.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

// Submissions for the create, update, close sequence of case c1.
const (
	payloadA = `{"form_id":"a","domain":"demo","xmlns":"http://example.org/register","user_id":"u1",` +
		`"received_on":"2024-01-01T09:00:00Z","form":{"q":"a"},` +
		`"cases":[{"case_id":"c1","create":{"case_type":"person","case_name":"X","owner_id":"o1"},"update":{"age":30}}]}`

	payloadB = `{"form_id":"b","domain":"demo","xmlns":"http://example.org/visit","user_id":"u1",` +
		`"received_on":"2024-01-01T09:05:00Z","form":{"q":"b"},` +
		`"cases":[{"case_id":"c1","update":{"case_name":"Y"}}]}`

	payloadC = `{"form_id":"c","domain":"demo","xmlns":"http://example.org/visit","user_id":"u1",` +
		`"received_on":"2024-01-01T09:10:00Z","form":{"q":"c"},` +
		`"cases":[{"case_id":"c1","close":true}]}`
)

// submitABC submits payloads a, b and c.
func submitABC(t *testing.T, d *ledgerDir) {
	t.Helper()
	_, err := d.run(t, "submit",
		d.write(t, "a.json", payloadA),
		d.write(t, "b.json", payloadB),
		d.write(t, "c.json", payloadC),
	)
	require.NoError(t, err)
}
