package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/desertwitch/govol/internal/profile"
	"github.com/desertwitch/govol/internal/schema"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/zeebo/blake3"
)

const (
	// SuperblockSize is the size of the encoded superblock at offset 0.
	SuperblockSize = 128

	// Magic identifies a formatted volume.
	Magic = "PVFS"

	// Version is the on-disk format version written by [Format].
	Version uint16 = 1

	// LabelSize is the maximum length of a volume label in bytes.
	LabelSize = 32

	// FlagBitmapClean is set while the persisted bitmap matches the inode
	// table, i.e. between a clean unmount and the next mount.
	FlagBitmapClean uint8 = 1 << 0
)

// superblock field offsets
const (
	sbMagic      = 0
	sbVersion    = 4
	sbProfile    = 6
	sbFlags      = 7
	sbTotal      = 8
	sbFree       = 12
	sbBlockSize  = 16
	sbInodes     = 20
	sbFreeInodes = 24
	sbRoot       = 28
	sbCreated    = 32
	sbLastMount  = 36
	sbMounts     = 40
	sbLabel      = 44
	sbUUID       = sbLabel + LabelSize
	sbChecksum   = sbUUID + 16
)

// Superblock is the volume header stored at the start of block 0.
type Superblock struct {
	Version     uint16
	Profile     profile.Profile
	Flags       uint8
	TotalBlocks uint32
	FreeBlocks  uint32
	BlockSize   uint32
	InodeCount  uint32
	FreeInodes  uint32
	RootInode   schema.InodeID
	Created     time.Time
	LastMount   time.Time
	MountCount  uint32
	Label       string
	UUID        uuid.UUID
	Checksum    uint32
}

// Clean reports if the persisted bitmap was marked clean.
func (sb *Superblock) Clean() bool {
	return sb.Flags&FlagBitmapClean != 0
}

// NormalizeLabel turns a free-form label into the stored form: a slug of at
// most [LabelSize] bytes.
func NormalizeLabel(label string) string {
	s := slug.Make(label)
	if len(s) > LabelSize {
		s = strings.TrimRight(s[:LabelSize], "-")
	}

	return s
}

// Encode returns the 128-byte encoding of the superblock and sets its
// checksum field to the value it was encoded with.
func (sb *Superblock) Encode() []byte {
	p := make([]byte, SuperblockSize)
	le := binary.LittleEndian

	copy(p[sbMagic:], Magic)
	le.PutUint16(p[sbVersion:], sb.Version)
	p[sbProfile] = byte(sb.Profile)
	p[sbFlags] = sb.Flags
	le.PutUint32(p[sbTotal:], sb.TotalBlocks)
	le.PutUint32(p[sbFree:], sb.FreeBlocks)
	le.PutUint32(p[sbBlockSize:], sb.BlockSize)
	le.PutUint32(p[sbInodes:], sb.InodeCount)
	le.PutUint32(p[sbFreeInodes:], sb.FreeInodes)
	le.PutUint32(p[sbRoot:], uint32(sb.RootInode))
	le.PutUint32(p[sbCreated:], unixSeconds(sb.Created))
	le.PutUint32(p[sbLastMount:], unixSeconds(sb.LastMount))
	le.PutUint32(p[sbMounts:], sb.MountCount)
	copy(p[sbLabel:sbLabel+LabelSize], sb.Label)
	copy(p[sbUUID:sbUUID+16], sb.UUID[:])

	sb.Checksum = checksum(p)
	le.PutUint32(p[sbChecksum:], sb.Checksum)

	return p
}

// checksum returns the first four bytes (little endian) of the BLAKE3 digest
// of the header with its checksum field zeroed.
func checksum(p []byte) uint32 {
	var hdr [SuperblockSize]byte
	copy(hdr[:], p[:SuperblockSize])
	clear(hdr[sbChecksum : sbChecksum+4])

	sum := blake3.Sum256(hdr[:])

	return binary.LittleEndian.Uint32(sum[:4])
}

// DecodeSuperblock parses and validates a superblock. Every failure wraps
// [schema.ErrCorruptSuperblock].
func DecodeSuperblock(p []byte) (Superblock, error) {
	if len(p) < SuperblockSize {
		return Superblock{}, fmt.Errorf("(volume-sb) %w: %w: %d bytes", schema.ErrCorruptSuperblock, ErrGeometry, len(p))
	}

	if !bytes.Equal(p[sbMagic:sbMagic+4], []byte(Magic)) {
		return Superblock{}, fmt.Errorf("(volume-sb) %w: %w: %q", schema.ErrCorruptSuperblock, ErrBadMagic, p[sbMagic:sbMagic+4])
	}

	le := binary.LittleEndian
	sb := Superblock{
		Version:     le.Uint16(p[sbVersion:]),
		Profile:     profile.Profile(p[sbProfile]),
		Flags:       p[sbFlags],
		TotalBlocks: le.Uint32(p[sbTotal:]),
		FreeBlocks:  le.Uint32(p[sbFree:]),
		BlockSize:   le.Uint32(p[sbBlockSize:]),
		InodeCount:  le.Uint32(p[sbInodes:]),
		FreeInodes:  le.Uint32(p[sbFreeInodes:]),
		RootInode:   schema.InodeID(le.Uint32(p[sbRoot:])),
		Created:     fromUnixSeconds(le.Uint32(p[sbCreated:])),
		LastMount:   fromUnixSeconds(le.Uint32(p[sbLastMount:])),
		MountCount:  le.Uint32(p[sbMounts:]),
		Label:       string(bytes.TrimRight(p[sbLabel:sbLabel+LabelSize], "\x00")),
		Checksum:    le.Uint32(p[sbChecksum:]),
	}
	copy(sb.UUID[:], p[sbUUID:sbUUID+16])

	if sb.Version != Version {
		return Superblock{}, fmt.Errorf("(volume-sb) %w: %w: %d", schema.ErrCorruptSuperblock, ErrBadVersion, sb.Version)
	}

	if sum := checksum(p); sum != sb.Checksum {
		return Superblock{}, fmt.Errorf("(volume-sb) %w: %w: stored %08x, computed %08x",
			schema.ErrCorruptSuperblock, ErrChecksum, sb.Checksum, sum)
	}

	if err := sb.validate(); err != nil {
		return Superblock{}, err
	}

	return sb, nil
}

func (sb *Superblock) validate() error {
	g, err := profile.Resolve(sb.Profile)
	if err != nil {
		return fmt.Errorf("(volume-sb) %w: %w", schema.ErrCorruptSuperblock, err)
	}

	if err := g.Validate(sb.BlockSize); err != nil {
		return fmt.Errorf("(volume-sb) %w: %w", schema.ErrCorruptSuperblock, err)
	}

	switch {
	case sb.FreeBlocks > sb.TotalBlocks:
		return fmt.Errorf("(volume-sb) %w: %w: %d free of %d blocks",
			schema.ErrCorruptSuperblock, ErrGeometry, sb.FreeBlocks, sb.TotalBlocks)
	case sb.FreeInodes > sb.InodeCount:
		return fmt.Errorf("(volume-sb) %w: %w: %d free of %d inodes",
			schema.ErrCorruptSuperblock, ErrGeometry, sb.FreeInodes, sb.InodeCount)
	case sb.RootInode != schema.RootInode:
		return fmt.Errorf("(volume-sb) %w: %w: root inode %d",
			schema.ErrCorruptSuperblock, ErrGeometry, sb.RootInode)
	}

	if _, err := newLayout(sb.BlockSize, sb.TotalBlocks, sb.InodeCount); err != nil {
		return fmt.Errorf("(volume-sb) %w: %w", schema.ErrCorruptSuperblock, err)
	}

	return nil
}

// Probe reads the superblock from raw storage, so that a caller can open the
// device with the block size the volume was formatted with.
func Probe(r io.ReaderAt) (Superblock, error) {
	p := make([]byte, SuperblockSize)
	if _, err := r.ReadAt(p, 0); err != nil {
		return Superblock{}, fmt.Errorf("(volume-probe) %w: %w", schema.ErrIO, err)
	}

	return DecodeSuperblock(p)
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
