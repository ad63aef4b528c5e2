package inode

import (
	"encoding/binary"
	"fmt"

	"github.com/desertwitch/govol/internal/schema"
)

// Level is the indirection level a logical block is addressed through.
type Level int

const (
	LevelDirect Level = iota
	LevelIndirect
	LevelDouble
)

func (l Level) String() string {
	switch l {
	case LevelDirect:
		return "direct"
	case LevelIndirect:
		return "indirect"
	case LevelDouble:
		return "double-indirect"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Path locates a logical block: the direct slot for [LevelDirect], the slot
// of the indirect block for [LevelIndirect], and the slot of the
// double-indirect block (Outer) plus the slot of that pointer block (Inner)
// for [LevelDouble].
type Path struct {
	Level Level
	Outer uint32
	Inner uint32
}

// Map holds the pointer geometry for one block size.
//
//	direct:  12 slots in the inode
//	indirect: 1 pointer block  -> P data blocks
//	double:   1 pointer block  -> P pointer blocks -> P*P data blocks
type Map struct {
	perBlock uint32
}

// NewMap returns the [Map] for a block size.
func NewMap(blockSize uint32) Map {
	return Map{perBlock: blockSize / PointerSize}
}

// PointersPerBlock returns how many pointers one pointer block holds.
func (m Map) PointersPerBlock() uint32 {
	return m.perBlock
}

// MaxDataBlocks returns the amount of data blocks one inode can address.
func (m Map) MaxDataBlocks() uint64 {
	p := uint64(m.perBlock)

	return DirectPointers + p + p*p
}

// Locate returns the [Path] of a logical block.
func (m Map) Locate(logical uint64) (Path, error) {
	p := uint64(m.perBlock)

	switch {
	case logical < DirectPointers:
		return Path{Level: LevelDirect, Outer: uint32(logical)}, nil
	case logical < DirectPointers+p:
		return Path{Level: LevelIndirect, Outer: uint32(logical - DirectPointers)}, nil
	case logical < m.MaxDataBlocks():
		rel := logical - DirectPointers - p

		return Path{Level: LevelDouble, Outer: uint32(rel / p), Inner: uint32(rel % p)}, nil
	default:
		return Path{}, fmt.Errorf("(inode-locate) %w: logical block %d, max %d",
			schema.ErrFileTooLarge, logical, m.MaxDataBlocks())
	}
}

// PointerBlocks returns how many pointer blocks a file of n data blocks owns,
// data being mapped as a contiguous logical prefix.
func (m Map) PointerBlocks(n uint64) uint64 {
	p := uint64(m.perBlock)

	switch {
	case n <= DirectPointers:
		return 0
	case n <= DirectPointers+p:
		return 1
	default:
		rest := n - DirectPointers - p

		return 2 + (rest+p-1)/p
	}
}

// Used returns blocks_used of a file of n data blocks.
func (m Map) Used(n uint64) uint64 {
	return n + m.PointerBlocks(n)
}

// DataBlocks is the inverse of [Map.Used].
func (m Map) DataBlocks(used uint64) uint64 {
	p := uint64(m.perBlock)

	if used <= DirectPointers {
		return used
	}

	rest := used - DirectPointers
	if rest <= 1+p {
		return DirectPointers + rest - 1
	}

	// the double-indirect block, then chunks of one pointer block plus up to
	// p data blocks
	rest -= 1 + p
	x := rest - 1
	data := (x / (p + 1)) * p
	if r := x % (p + 1); r > 0 {
		data += r - 1
	}

	return DirectPointers + p + data
}

// Pointer returns slot i of a pointer block.
func Pointer(block []byte, i uint32) schema.BlockID {
	return schema.BlockID(binary.LittleEndian.Uint32(block[i*PointerSize:]))
}

// SetPointer sets slot i of a pointer block.
func SetPointer(block []byte, i uint32, b schema.BlockID) {
	binary.LittleEndian.PutUint32(block[i*PointerSize:], uint32(b))
}
