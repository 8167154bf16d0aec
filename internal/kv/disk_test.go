package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStorage(t *testing.T) {
	storage, err := NewDiskStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()

	_, err = storage.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, storage.Set(ctx, "some-key", `{"a":1}`))
	val, err := storage.Get(ctx, "some-key")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, val)

	// overwrite
	require.NoError(t, storage.Set(ctx, "some-key", `{"a":2}`))
	val, err = storage.Get(ctx, "some-key")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, val)
}
