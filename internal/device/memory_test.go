package device

import (
	"bytes"
	"io"
	"testing"

	"github.com/desertwitch/govol/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemory_ReadWrite_Success verifies block round trips and isolation of the
// returned copies.
func TestMemory_ReadWrite_Success(t *testing.T) {
	t.Parallel()

	dev, err := NewMemory(512, 8)
	require.NoError(t, err)
	assert.Equal(t, uint32(512), dev.BlockSize())
	assert.Equal(t, uint32(8), dev.BlockCount())

	data := bytes.Repeat([]byte{0xAB}, 512)
	require.NoError(t, dev.WriteBlock(3, data))

	got, err := dev.ReadBlock(3)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	got[0] = 0x00
	again, err := dev.ReadBlock(3)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), again[0])

	zero, err := dev.ReadBlock(2)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 512), zero)
}

// TestMemory_Fail_Bounds verifies range and length checks.
func TestMemory_Fail_Bounds(t *testing.T) {
	t.Parallel()

	dev, err := NewMemory(512, 4)
	require.NoError(t, err)

	_, err = dev.ReadBlock(4)
	require.ErrorIs(t, err, schema.ErrIO)

	require.ErrorIs(t, dev.WriteBlock(4, make([]byte, 512)), schema.ErrIO)
	require.ErrorIs(t, dev.WriteBlock(0, make([]byte, 100)), schema.ErrInvalidArgument)

	_, err = NewMemory(0, 4)
	require.ErrorIs(t, err, schema.ErrInvalidArgument)
}

// TestMemory_ReadAt verifies the [io.ReaderAt] view of the arena.
func TestMemory_ReadAt(t *testing.T) {
	t.Parallel()

	dev, err := NewMemory(512, 2)
	require.NoError(t, err)
	require.NoError(t, dev.WriteBlock(1, bytes.Repeat([]byte{7}, 512)))

	p := make([]byte, 4)
	n, err := dev.ReadAt(p, 510)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{0, 0, 7, 7}, p)

	n, err = dev.ReadAt(p, 1022)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, n)
}

// TestMemory_Claim verifies that only one claim can be held at a time.
func TestMemory_Claim(t *testing.T) {
	t.Parallel()

	dev, err := NewMemory(512, 2)
	require.NoError(t, err)

	require.NoError(t, dev.Claim())
	require.ErrorIs(t, dev.Claim(), schema.ErrBusy)
	require.NoError(t, dev.Release())
	require.NoError(t, dev.Claim())
}
