package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimagi/caseledger/internal/model"
)

func TestPutContentIsContentAddressed(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	data := []byte(`{"form":"a"}`)
	first, err := PutContent(ctx, s, data, "application/json")
	require.NoError(t, err)
	assert.Equal(t, model.BlobKey(data), first.Key)

	second, err := PutContent(ctx, s, data, "application/json")
	require.NoError(t, err)
	assert.Equal(t, first.Key, second.Key)

	got, err := ReadAll(ctx, s, first.Key)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = ReadAll(ctx, s, "sha256/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: DriverMemory})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, s.Driver())

	s, err = Open(ctx, Config{Root: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, s.Driver())

	_, err = Open(ctx, Config{Driver: "tape"})
	assert.Error(t, err)
}
