package cache

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskBackend_PutGetRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, err := NewDiskBackend(t.TempDir())
	require.NoError(t, err)

	err = b.Put(ctx, "key1", Meta{"state_blob": "abc"}, map[string][]byte{"w": {9, 8, 7}}, 0)
	require.NoError(t, err)

	entry, ok, err := b.Get(ctx, "key1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", entry.Meta["state_blob"])
	assert.Equal(t, []byte{9, 8, 7}, entry.Arrays["w"])
}

func TestDiskBackend_MissIsNotError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, err := NewDiskBackend(t.TempDir())
	require.NoError(t, err)

	_, ok, err := b.Get(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiskBackend_ExistsAfterPut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, err := NewDiskBackend(t.TempDir())
	require.NoError(t, err)

	ok, err := b.Exists(ctx, "key1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Put(ctx, "key1", Meta{}, nil, 0))

	ok, err = b.Exists(ctx, "key1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDiskBackend_NoArraysRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, err := NewDiskBackend(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, b.Put(ctx, "key1", Meta{"a": float64(1)}, nil, 0))

	entry, ok, err := b.Get(ctx, "key1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, entry.Arrays)
}

func TestDiskBackend_ArraysFileExistsBeforeMetaFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, err := NewDiskBackend(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, b.Put(ctx, "key1", Meta{"a": float64(1)}, map[string][]byte{"w": {1}}, 0))

	arraysInfo, err := os.Stat(b.arraysPath("key1"))
	require.NoError(t, err)
	metaInfo, err := os.Stat(b.metaPath("key1"))
	require.NoError(t, err)

	assert.False(t, arraysInfo.ModTime().After(metaInfo.ModTime()),
		"arrays file must be written no later than the meta file that references it")
}

func TestArrayBundle_RoundTrip(t *testing.T) {
	t.Parallel()

	original := map[string][]byte{
		"weights": {1, 2, 3, 4},
		"bias":    {5, 6},
		"empty":   {},
	}
	encoded, err := encodeArrayBundle(original)
	require.NoError(t, err)

	decoded, err := decodeArrayBundle(encoded)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}
