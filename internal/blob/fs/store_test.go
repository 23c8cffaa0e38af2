package fs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimagi/caseledger/internal/blob/core"
)

func TestFilesystemStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	assert.Equal(t, core.DriverFilesystem, s.Driver())

	info, err := s.Put(ctx, "sha256/ab/cd", strings.NewReader("payload"), core.PutOptions{ContentType: "application/json"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)
	assert.Len(t, info.ETag, 64)

	_, err = os.Stat(filepath.Join(root, "sha256", "ab", "cd"))
	require.NoError(t, err)

	_, err = s.Put(ctx, "sha256/ab/cd", strings.NewReader("x"), core.PutOptions{})
	assert.ErrorIs(t, err, core.ErrExists)

	got, rc, err := s.Get(ctx, "sha256/ab/cd")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, "application/json", got.ContentType)

	list, err := s.List(ctx, "sha256/")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sha256/ab/cd", list[0].Key)

	existed, err := s.Delete(ctx, "sha256/ab/cd")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.Delete(ctx, "sha256/ab/cd")
	require.NoError(t, err)
	assert.False(t, existed)

	_, _, err = s.Get(ctx, "sha256/ab/cd")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestFilesystemStoreRejectsBadKeys(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"", "  ", "../escape", "/abs"} {
		_, err := s.Put(context.Background(), key, strings.NewReader("x"), core.PutOptions{})
		assert.Error(t, err, "key %q", key)
	}
}
