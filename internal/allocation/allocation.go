// Package allocation implements the block allocator of a volume. Free blocks
// are tracked in a bitmap (a set bit marks a free block); single-block
// requests are served from a stack of recently freed blocks and a forward
// cursor, larger requests fall back to a full bitmap scan.
package allocation

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/desertwitch/govol/internal/schema"
)

const (
	// recentMax caps the stack of recently freed blocks.
	recentMax = 64
)

// Handler is the principal implementation of the block allocator.
type Handler struct {
	sync.Mutex
	bitmap   bitmap
	total    uint32
	reserved uint32
	free     uint32
	cursor   uint32
	recent   []schema.BlockID
	dirty    bool
	log      *slog.Logger
}

// NewHandler returns a pointer to a new allocator for a volume of total
// blocks, where the first reserved blocks hold metadata and are never handed
// out. A nil logger means [slog.Default].
func NewHandler(total uint32, reserved uint32, log *slog.Logger) (*Handler, error) {
	if reserved > total {
		return nil, fmt.Errorf("(alloc-new) %w: %d reserved of %d blocks", schema.ErrInvalidArgument, reserved, total)
	}

	a := &Handler{
		bitmap:   newBitmap(total),
		total:    total,
		reserved: reserved,
		cursor:   reserved,
		dirty:    true,
		log:      log,
	}

	if a.log == nil {
		a.log = slog.Default()
	}

	for i := reserved; i < total; i++ {
		a.bitmap.setFree(i)
	}
	a.free = total - reserved

	return a, nil
}

// Load returns a pointer to an allocator restored from a persisted bitmap.
// The metadata region is forced to used, whatever the bitmap says.
func Load(data []byte, total uint32, reserved uint32, log *slog.Logger) (*Handler, error) {
	if uint32(len(data)) < BitmapBytes(total) {
		return nil, fmt.Errorf("(alloc-load) %w: %d bytes for %d blocks", ErrBitmapSize, len(data), total)
	}

	a, err := NewHandler(total, reserved, log)
	if err != nil {
		return nil, err
	}

	copy(a.bitmap, data[:BitmapBytes(total)])
	for i := uint32(0); i < reserved; i++ {
		a.bitmap.setUsed(i)
	}

	// bits past the last block are padding
	for i := total; i < uint32(len(a.bitmap))*bitsPerByte; i++ {
		a.bitmap.setUsed(i)
	}

	a.free = a.bitmap.countFree(total)
	a.dirty = false

	return a, nil
}

// Allocate returns n free blocks and marks them used. The blocks need not be
// contiguous. If fewer than n blocks are free, nothing is allocated and
// [schema.ErrOutOfSpace] is returned.
func (a *Handler) Allocate(n uint32) ([]schema.BlockID, error) {
	a.Lock()
	defer a.Unlock()

	if n == 0 {
		return nil, nil
	}

	if n > a.free {
		return nil, fmt.Errorf("(alloc-allocate) %w: need %d blocks, %d free", schema.ErrOutOfSpace, n, a.free)
	}

	if n == 1 {
		b, err := a.allocateOne()
		if err != nil {
			return nil, err
		}

		return []schema.BlockID{b}, nil
	}

	blocks := make([]schema.BlockID, 0, n)
	for i := a.reserved; i < a.total && uint32(len(blocks)) < n; {
		next, ok := a.bitmap.nextFree(i, a.total)
		if !ok {
			break
		}
		blocks = append(blocks, schema.BlockID(next))
		i = next + 1
	}

	if uint32(len(blocks)) < n {
		return nil, fmt.Errorf("(alloc-allocate) %w: free count says %d, found %d", schema.ErrCorrupt, a.free, len(blocks))
	}

	for _, b := range blocks {
		a.bitmap.setUsed(uint32(b))
	}
	a.free -= n
	a.dirty = true

	return blocks, nil
}

func (a *Handler) allocateOne() (schema.BlockID, error) {
	for len(a.recent) > 0 {
		b := a.recent[len(a.recent)-1]
		a.recent = a.recent[:len(a.recent)-1]

		if a.bitmap.isFree(uint32(b)) {
			a.take(uint32(b))

			return b, nil
		}
	}

	next, ok := a.bitmap.nextFree(a.cursor, a.total)
	if !ok {
		next, ok = a.bitmap.nextFree(a.reserved, a.cursor)
	}

	if !ok {
		return schema.NullBlock, fmt.Errorf("(alloc-one) %w: free count says %d, found none", schema.ErrCorrupt, a.free)
	}

	a.take(next)
	a.cursor = next + 1

	return schema.BlockID(next), nil
}

func (a *Handler) take(i uint32) {
	a.bitmap.setUsed(i)
	a.free--
	a.dirty = true
}

// Free returns blocks to the free pool. Freeing a block that is already free
// is a logic error: it panics in builds tagged govoldebug and is logged and
// skipped otherwise.
func (a *Handler) Free(blocks ...schema.BlockID) error {
	a.Lock()
	defer a.Unlock()

	for _, b := range blocks {
		if err := a.checkRange(b); err != nil {
			return err
		}
	}

	for _, b := range blocks {
		if a.bitmap.isFree(uint32(b)) {
			if strictFree {
				panic(fmt.Sprintf("(alloc-free) %v: block %d", ErrDoubleFree, b))
			}
			a.log.Warn("Ignored free of an already free block", "block", b, "err", ErrDoubleFree)

			continue
		}

		a.bitmap.setFree(uint32(b))
		a.free++
		a.dirty = true

		if len(a.recent) < recentMax {
			a.recent = append(a.recent, b)
		}
	}

	return nil
}

// Reserve marks a block as used without handing it out. It is used when the
// bitmap is rebuilt from the inode table; reserving a used block is a no-op.
func (a *Handler) Reserve(b schema.BlockID) error {
	a.Lock()
	defer a.Unlock()

	if err := a.checkRange(b); err != nil {
		return err
	}

	if a.bitmap.isFree(uint32(b)) {
		a.take(uint32(b))
	}

	return nil
}

func (a *Handler) checkRange(b schema.BlockID) error {
	if uint32(b) < a.reserved || uint32(b) >= a.total {
		return fmt.Errorf("(alloc) %w: block %d, allocatable [%d, %d)", ErrBlockRange, b, a.reserved, a.total)
	}

	return nil
}

// IsFree reports if a block is free. Blocks out of range are never free.
func (a *Handler) IsFree(b schema.BlockID) bool {
	a.Lock()
	defer a.Unlock()

	if uint32(b) >= a.total {
		return false
	}

	return a.bitmap.isFree(uint32(b))
}

// FreeCount returns the amount of free blocks.
func (a *Handler) FreeCount() uint32 {
	a.Lock()
	defer a.Unlock()

	return a.free
}

// Total returns the amount of blocks the allocator manages.
func (a *Handler) Total() uint32 {
	return a.total
}

// Reserved returns the size of the metadata region.
func (a *Handler) Reserved() uint32 {
	return a.reserved
}

// Bytes returns a copy of the bitmap for persisting.
func (a *Handler) Bytes() []byte {
	a.Lock()
	defer a.Unlock()

	out := make([]byte, len(a.bitmap))
	copy(out, a.bitmap)

	return out
}

// Dirty reports if the bitmap changed since the last [Handler.MarkClean].
func (a *Handler) Dirty() bool {
	a.Lock()
	defer a.Unlock()

	return a.dirty
}

// MarkClean records that the bitmap was persisted.
func (a *Handler) MarkClean() {
	a.Lock()
	defer a.Unlock()

	a.dirty = false
}
