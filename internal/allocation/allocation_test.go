package allocation

import (
	"testing"

	"github.com/desertwitch/govol/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewHandler_Success verifies the initial accounting.
func TestNewHandler_Success(t *testing.T) {
	t.Parallel()

	a, err := NewHandler(128, 10, nil)
	require.NoError(t, err)

	assert.Equal(t, uint32(118), a.FreeCount())
	assert.Equal(t, uint32(128), a.Total())
	assert.Equal(t, uint32(10), a.Reserved())
	assert.True(t, a.Dirty())

	for b := schema.BlockID(0); b < 10; b++ {
		assert.False(t, a.IsFree(b), "metadata block %d must be used", b)
	}
	assert.True(t, a.IsFree(10))
	assert.True(t, a.IsFree(127))
	assert.False(t, a.IsFree(128))

	_, err = NewHandler(4, 5, nil)
	require.ErrorIs(t, err, schema.ErrInvalidArgument)
}

// TestAllocate_Single verifies cursor allocation and reuse of freed blocks.
func TestAllocate_Single(t *testing.T) {
	t.Parallel()

	a, err := NewHandler(32, 2, nil)
	require.NoError(t, err)

	first, err := a.Allocate(1)
	require.NoError(t, err)
	second, err := a.Allocate(1)
	require.NoError(t, err)

	assert.Equal(t, []schema.BlockID{2}, first)
	assert.Equal(t, []schema.BlockID{3}, second)
	assert.Equal(t, uint32(28), a.FreeCount())

	require.NoError(t, a.Free(2))
	assert.True(t, a.IsFree(2))

	reused, err := a.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, []schema.BlockID{2}, reused, "recently freed blocks are handed out first")
}

// TestAllocate_Multiple verifies scanning for non-contiguous blocks.
func TestAllocate_Multiple(t *testing.T) {
	t.Parallel()

	a, err := NewHandler(32, 2, nil)
	require.NoError(t, err)

	blocks, err := a.Allocate(6)
	require.NoError(t, err)
	assert.Equal(t, []schema.BlockID{2, 3, 4, 5, 6, 7}, blocks)

	require.NoError(t, a.Free(3, 5))

	blocks, err = a.Allocate(3)
	require.NoError(t, err)
	assert.Equal(t, []schema.BlockID{3, 5, 8}, blocks)
	assert.Equal(t, uint32(32-2-7), a.FreeCount())
}

// TestAllocate_Fail_OutOfSpace verifies that failed requests allocate nothing.
func TestAllocate_Fail_OutOfSpace(t *testing.T) {
	t.Parallel()

	a, err := NewHandler(16, 4, nil)
	require.NoError(t, err)

	_, err = a.Allocate(13)
	require.ErrorIs(t, err, schema.ErrOutOfSpace)
	assert.Equal(t, uint32(12), a.FreeCount())

	blocks, err := a.Allocate(12)
	require.NoError(t, err)
	assert.Len(t, blocks, 12)

	_, err = a.Allocate(1)
	require.ErrorIs(t, err, schema.ErrOutOfSpace)

	none, err := a.Allocate(0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// TestAllocate_WrapsAround verifies that the cursor wraps to the start of the
// data region.
func TestAllocate_WrapsAround(t *testing.T) {
	t.Parallel()

	a, err := NewHandler(12, 2, nil)
	require.NoError(t, err)

	all, err := a.Allocate(10)
	require.NoError(t, err)
	require.Len(t, all, 10)

	a.cursor = 11
	a.recent = nil
	require.NoError(t, a.Free(4))
	a.recent = nil

	got, err := a.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, []schema.BlockID{4}, got)
}

// TestFree_Fail_Range verifies that metadata blocks cannot be freed.
func TestFree_Fail_Range(t *testing.T) {
	t.Parallel()

	a, err := NewHandler(16, 2, nil)
	require.NoError(t, err)

	require.ErrorIs(t, a.Free(1), ErrBlockRange)
	require.ErrorIs(t, a.Free(16), ErrBlockRange)
	require.ErrorIs(t, a.Reserve(0), ErrBlockRange)
	assert.Equal(t, uint32(14), a.FreeCount())
}

// TestLoad_RoundTrip verifies persisting and restoring the bitmap.
func TestLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	a, err := NewHandler(100, 3, nil)
	require.NoError(t, err)

	_, err = a.Allocate(7)
	require.NoError(t, err)
	require.NoError(t, a.Reserve(50))
	require.NoError(t, a.Reserve(50))

	data := a.Bytes()
	assert.Len(t, data, 13)

	b, err := Load(data, 100, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, a.FreeCount(), b.FreeCount())
	assert.False(t, b.Dirty())
	assert.False(t, b.IsFree(50))
	assert.True(t, b.IsFree(51))

	a.MarkClean()
	assert.False(t, a.Dirty())

	_, err = Load(data[:5], 100, 3, nil)
	require.ErrorIs(t, err, ErrBitmapSize)
}

// TestLoad_IgnoresPadding verifies that bits past the last block and inside
// the metadata region never count as free.
func TestLoad_IgnoresPadding(t *testing.T) {
	t.Parallel()

	data := []byte{0xFF, 0xFF}

	a, err := Load(data, 10, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), a.FreeCount())
	assert.False(t, a.IsFree(0))
	assert.False(t, a.IsFree(11))
}
