package volume

import (
	"fmt"

	"github.com/desertwitch/govol/internal/allocation"
	"github.com/desertwitch/govol/internal/inode"
	"github.com/desertwitch/govol/internal/schema"
)

// minInodes is the smallest inode table a volume is formatted with.
const minInodes = 16

// layout is the position of the metadata regions of a volume:
//
//	block 0                 superblock
//	blocks 1..bitmapBlocks  free block bitmap
//	next tableBlocks        inode table
//	dataStart..total-1      data blocks
type layout struct {
	blockSize    uint32
	total        uint32
	inodes       uint32
	bitmapStart  schema.BlockID
	bitmapBlocks uint32
	tableStart   schema.BlockID
	tableBlocks  uint32
	dataStart    uint32
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// inodeCount returns the inode table size for a volume of total blocks.
func inodeCount(total uint32, blockSize uint32, bytesPerInode uint32) uint32 {
	n := uint64(total) * uint64(blockSize) / uint64(bytesPerInode)

	return uint32(max(n, minInodes)) //nolint:gosec
}

func newLayout(blockSize uint32, total uint32, inodes uint32) (layout, error) {
	if blockSize < SuperblockSize || blockSize%inode.Size != 0 {
		return layout{}, fmt.Errorf("(volume-layout) %w: block size %d", ErrGeometry, blockSize)
	}

	if inodes == 0 {
		return layout{}, fmt.Errorf("(volume-layout) %w: no inodes", ErrGeometry)
	}

	bs := uint64(blockSize)
	bitmapBlocks := ceilDiv(uint64(allocation.BitmapBytes(total)), bs)
	tableBlocks := ceilDiv(uint64(inodes)*inode.Size, bs)

	l := layout{
		blockSize:    blockSize,
		total:        total,
		inodes:       inodes,
		bitmapStart:  1,
		bitmapBlocks: uint32(bitmapBlocks), //nolint:gosec
		tableBlocks:  uint32(tableBlocks),  //nolint:gosec
	}
	l.tableStart = l.bitmapStart + schema.BlockID(l.bitmapBlocks)
	l.dataStart = uint32(l.tableStart) + l.tableBlocks

	// the root directory needs at least one data block
	if uint64(l.dataStart)+1 > uint64(total) {
		return layout{}, fmt.Errorf("(volume-layout) %w: %d metadata blocks leave no room in %d blocks",
			ErrGeometry, l.dataStart, total)
	}

	return l, nil
}

// reserved returns the amount of metadata blocks.
func (l layout) reserved() uint32 {
	return l.dataStart
}

// inodeSlot returns the table block and byte offset holding an inode.
func (l layout) inodeSlot(n schema.InodeID) (schema.BlockID, int) {
	pos := uint64(n-1) * inode.Size
	bs := uint64(l.blockSize)

	return l.tableStart + schema.BlockID(pos/bs), int(pos % bs) //nolint:gosec
}
