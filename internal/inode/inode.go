// Package inode defines the fixed-size inode record, its on-disk encoding and
// the geometry of the direct, indirect and double-indirect block pointers.
package inode

import (
	"encoding/binary"
	"time"

	"github.com/desertwitch/govol/internal/schema"
)

const (
	// Size is the size of an encoded inode record in bytes.
	Size = 128

	// DirectPointers is the amount of direct block pointers of an inode.
	DirectPointers = 12

	// PointerSize is the size of a block pointer inside a pointer block.
	PointerSize = 4

	PermOwnerRead  uint16 = 0o400
	PermOwnerWrite uint16 = 0o200
	PermOwnerAll   uint16 = 0o700
	PermMask       uint16 = 0o7777

	DefaultFileMode uint16 = 0o644
	DefaultDirMode  uint16 = 0o755
)

// record field offsets
const (
	offNumber   = 0
	offType     = 4
	offFlags    = 5
	offMode     = 6
	offLinks    = 8
	offSize     = 12
	offBlocks   = 20
	offCreated  = 24
	offModified = 28
	offAccessed = 32
	offUID      = 36
	offGID      = 40
	offDirect   = 44
	offIndirect = offDirect + DirectPointers*PointerSize
	offDouble   = offIndirect + PointerSize
)

// Inode is the metadata record of one file or directory.
type Inode struct {
	Number         schema.InodeID
	Type           schema.FileType
	Flags          uint8
	Mode           uint16
	Links          uint16
	Size           uint64
	BlocksUsed     uint32
	Created        time.Time
	Modified       time.Time
	Accessed       time.Time
	UID            uint32
	GID            uint32
	Direct         [DirectPointers]schema.BlockID
	Indirect       schema.BlockID
	DoubleIndirect schema.BlockID
}

// IsLive reports if the inode slot is in use.
func (in *Inode) IsLive() bool {
	return in.Type != schema.TypeNone
}

// IsDir reports if the inode is a directory.
func (in *Inode) IsDir() bool {
	return in.Type == schema.TypeDirectory
}

// CanRead reports if the owner read bit is set.
func (in *Inode) CanRead() bool {
	return in.Mode&PermOwnerRead != 0
}

// CanWrite reports if the owner write bit is set.
func (in *Inode) CanWrite() bool {
	return in.Mode&PermOwnerWrite != 0
}

// Encode writes the record into p, which must hold at least [Size] bytes.
// Timestamps are stored as 32-bit Unix seconds.
func Encode(in *Inode, p []byte) {
	_ = p[Size-1]
	clear(p[:Size])

	le := binary.LittleEndian
	le.PutUint32(p[offNumber:], uint32(in.Number))
	p[offType] = byte(in.Type)
	p[offFlags] = in.Flags
	le.PutUint16(p[offMode:], in.Mode)
	le.PutUint16(p[offLinks:], in.Links)
	le.PutUint64(p[offSize:], in.Size)
	le.PutUint32(p[offBlocks:], in.BlocksUsed)
	le.PutUint32(p[offCreated:], unixSeconds(in.Created))
	le.PutUint32(p[offModified:], unixSeconds(in.Modified))
	le.PutUint32(p[offAccessed:], unixSeconds(in.Accessed))
	le.PutUint32(p[offUID:], in.UID)
	le.PutUint32(p[offGID:], in.GID)

	for i, b := range in.Direct {
		le.PutUint32(p[offDirect+i*PointerSize:], uint32(b))
	}
	le.PutUint32(p[offIndirect:], uint32(in.Indirect))
	le.PutUint32(p[offDouble:], uint32(in.DoubleIndirect))
}

// Decode reads a record from p, which must hold at least [Size] bytes.
func Decode(p []byte) Inode {
	_ = p[Size-1]

	le := binary.LittleEndian
	in := Inode{
		Number:         schema.InodeID(le.Uint32(p[offNumber:])),
		Type:           schema.FileType(p[offType]),
		Flags:          p[offFlags],
		Mode:           le.Uint16(p[offMode:]),
		Links:          le.Uint16(p[offLinks:]),
		Size:           le.Uint64(p[offSize:]),
		BlocksUsed:     le.Uint32(p[offBlocks:]),
		Created:        fromUnixSeconds(le.Uint32(p[offCreated:])),
		Modified:       fromUnixSeconds(le.Uint32(p[offModified:])),
		Accessed:       fromUnixSeconds(le.Uint32(p[offAccessed:])),
		UID:            le.Uint32(p[offUID:]),
		GID:            le.Uint32(p[offGID:]),
		Indirect:       schema.BlockID(le.Uint32(p[offIndirect:])),
		DoubleIndirect: schema.BlockID(le.Uint32(p[offDouble:])),
	}

	for i := range in.Direct {
		in.Direct[i] = schema.BlockID(le.Uint32(p[offDirect+i*PointerSize:]))
	}

	return in
}

func unixSeconds(t time.Time) uint32 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}

	return uint32(t.Unix()) //nolint:gosec
}

func fromUnixSeconds(s uint32) time.Time {
	if s == 0 {
		return time.Time{}
	}

	return time.Unix(int64(s), 0)
}
