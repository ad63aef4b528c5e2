package schema

import (
	"fmt"
	"strings"
)

// BlockID addresses a block on a [Device]. Block 0 always holds the superblock,
// which is why the zero value doubles as the null block pointer.
type BlockID uint32

// InodeID addresses a slot of the inode table. The zero value is the null
// inode; numbering starts at [RootInode].
type InodeID uint32

const (
	// NullBlock is the null block pointer.
	NullBlock BlockID = 0

	// NullInode is the null inode number, used by tombstoned directory entries.
	NullInode InodeID = 0

	// RootInode is the inode number of the root directory.
	RootInode InodeID = 1
)

// FileType is the type of an inode, as stored in inodes and directory entries.
type FileType uint8

const (
	TypeNone FileType = iota
	TypeRegular
	TypeDirectory
	TypeSymlink
	TypeDevice
	TypeKernelImage
	TypeConfig
	TypeSpecial
)

//nolint:gochecknoglobals
var fileTypeNames = map[FileType]string{
	TypeNone:        "none",
	TypeRegular:     "regular",
	TypeDirectory:   "directory",
	TypeSymlink:     "symlink",
	TypeDevice:      "device",
	TypeKernelImage: "kernel-image",
	TypeConfig:      "config",
	TypeSpecial:     "special",
}

// String returns the name of the [FileType].
func (t FileType) String() string {
	if name, ok := fileTypeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Valid reports if the [FileType] is one a live inode can have.
func (t FileType) Valid() bool {
	return t > TypeNone && t <= TypeSpecial
}

// ParseFileType returns the [FileType] for a name as returned by
// [FileType.String].
func ParseFileType(name string) (FileType, error) {
	for t, n := range fileTypeNames {
		if t != TypeNone && strings.EqualFold(n, name) {
			return t, nil
		}
	}

	return TypeNone, fmt.Errorf("(schema-type) %w: unknown file type %q", ErrInvalidArgument, name)
}
