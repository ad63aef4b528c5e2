package device

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/desertwitch/govol/internal/schema"
)

// Memory is a block device backed by one flat byte arena, blocks being
// addressed by their index into it.
type Memory struct {
	sync.RWMutex
	blockSize uint32
	blocks    uint32
	arena     []byte
	claimed   atomic.Bool
}

// NewMemory returns a pointer to a new zeroed [Memory] device.
func NewMemory(blockSize uint32, blocks uint32) (*Memory, error) {
	if err := checkGeometry("mem", blockSize, blocks); err != nil {
		return nil, err
	}

	return &Memory{
		blockSize: blockSize,
		blocks:    blocks,
		arena:     make([]byte, uint64(blockSize)*uint64(blocks)),
	}, nil
}

// BlockSize returns the size of a block in bytes.
func (m *Memory) BlockSize() uint32 {
	return m.blockSize
}

// BlockCount returns the amount of blocks of the device.
func (m *Memory) BlockCount() uint32 {
	return m.blocks
}

// ReadBlock returns a copy of a block.
func (m *Memory) ReadBlock(id schema.BlockID) ([]byte, error) {
	if err := checkRange("mem-read", id, m.blocks); err != nil {
		return nil, err
	}

	m.RLock()
	defer m.RUnlock()

	off := uint64(id) * uint64(m.blockSize)
	block := make([]byte, m.blockSize)
	copy(block, m.arena[off:off+uint64(m.blockSize)])

	return block, nil
}

// WriteBlock overwrites a block with a copy of data.
func (m *Memory) WriteBlock(id schema.BlockID, data []byte) error {
	if err := checkRange("mem-write", id, m.blocks); err != nil {
		return err
	}

	if err := checkLength("mem-write", data, m.blockSize); err != nil {
		return err
	}

	m.Lock()
	defer m.Unlock()

	off := uint64(id) * uint64(m.blockSize)
	copy(m.arena[off:], data)

	return nil
}

// ReadAt implements [io.ReaderAt] over the whole arena.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.RLock()
	defer m.RUnlock()

	if off < 0 {
		return 0, fmt.Errorf("(device-mem-readat) %w: negative offset", schema.ErrInvalidArgument)
	}

	if off >= int64(len(m.arena)) {
		return 0, io.EOF
	}

	n := copy(p, m.arena[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// Claim marks the device as mounted.
func (m *Memory) Claim() error {
	if !m.claimed.CompareAndSwap(false, true) {
		return fmt.Errorf("(device-mem-claim) %w", schema.ErrBusy)
	}

	return nil
}

// Release drops a claim taken with [Memory.Claim].
func (m *Memory) Release() error {
	m.claimed.Store(false)

	return nil
}
