// Package directory implements the variable-length directory entries stored
// in the data blocks of directory inodes. Every record carries its own length;
// the last record of a block spans to the end of the block, so free space is
// the slack behind the live records. Functions operate on one block at a time.
package directory

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/desertwitch/govol/internal/schema"
)

const (
	// HeaderSize is the fixed part of a record: inode, record length, name
	// length and type.
	HeaderSize = 8

	// MaxNameLen is the longest name a record can hold.
	MaxNameLen = 255

	align = 4

	Self   = "."
	Parent = ".."
)

// Entry is a live directory entry.
type Entry struct {
	Inode schema.InodeID
	Type  schema.FileType
	Name  string
}

type record struct {
	off     int
	inode   schema.InodeID
	recLen  int
	nameLen int
	typ     schema.FileType
}

// EntrySize returns the aligned on-disk size of a record with a name of
// nameLen bytes.
func EntrySize(nameLen int) int {
	return (HeaderSize + nameLen + align - 1) &^ (align - 1)
}

// ValidateName checks that a name can be stored as a directory entry.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("(dir-name) %w: empty name", schema.ErrInvalidArgument)
	case len(name) > MaxNameLen:
		return fmt.Errorf("(dir-name) %w: name of %d bytes exceeds %d", schema.ErrInvalidArgument, len(name), MaxNameLen)
	case name == Self || name == Parent:
		return fmt.Errorf("(dir-name) %w: %q is reserved", schema.ErrInvalidArgument, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("(dir-name) %w: %q contains '/' or NUL", schema.ErrInvalidArgument, name)
	}

	return nil
}

// InitEmpty formats a block as one unused record spanning the whole block.
func InitEmpty(block []byte) {
	clear(block)
	putRecord(block, 0, schema.NullInode, len(block), "", schema.TypeNone)
}

// InitFirst formats the first block of a new directory with the "." and ".."
// entries.
func InitFirst(block []byte, self schema.InodeID, parent schema.InodeID) {
	clear(block)

	selfLen := EntrySize(len(Self))
	putRecord(block, 0, self, selfLen, Self, schema.TypeDirectory)
	putRecord(block, selfLen, parent, len(block)-selfLen, Parent, schema.TypeDirectory)
}

func putRecord(block []byte, off int, ino schema.InodeID, recLen int, name string, typ schema.FileType) {
	le := binary.LittleEndian
	le.PutUint32(block[off:], uint32(ino))
	le.PutUint16(block[off+4:], uint16(recLen)) //nolint:gosec
	block[off+6] = byte(len(name))
	block[off+7] = byte(typ)
	copy(block[off+HeaderSize:], name)
}

// walk calls fn for every record of a block until fn returns false.
func walk(block []byte, fn func(r record) bool) error {
	for off := 0; off < len(block); {
		if len(block)-off < HeaderSize {
			return fmt.Errorf("(dir-walk) %w: %w: truncated header at %d", schema.ErrCorrupt, ErrBadRecord, off)
		}

		r := record{
			off:     off,
			inode:   schema.InodeID(binary.LittleEndian.Uint32(block[off:])),
			recLen:  int(binary.LittleEndian.Uint16(block[off+4:])),
			nameLen: int(block[off+6]),
			typ:     schema.FileType(block[off+7]),
		}

		if r.recLen < HeaderSize || r.recLen%align != 0 || off+r.recLen > len(block) ||
			HeaderSize+r.nameLen > r.recLen {
			return fmt.Errorf("(dir-walk) %w: %w: record at %d (len %d, name %d)",
				schema.ErrCorrupt, ErrBadRecord, off, r.recLen, r.nameLen)
		}

		if !fn(r) {
			return nil
		}
		off += r.recLen
	}

	return nil
}

func (r record) name(block []byte) string {
	return string(block[r.off+HeaderSize : r.off+HeaderSize+r.nameLen])
}

// Entries returns the live entries of a block, "." and ".." included.
func Entries(block []byte) ([]Entry, error) {
	var entries []Entry

	err := walk(block, func(r record) bool {
		if r.inode != schema.NullInode {
			entries = append(entries, Entry{Inode: r.inode, Type: r.typ, Name: r.name(block)})
		}

		return true
	})

	return entries, err
}

// Find returns the entry with exactly the given name.
func Find(block []byte, name string) (Entry, bool, error) {
	var (
		found Entry
		ok    bool
	)

	err := walk(block, func(r record) bool {
		if r.inode != schema.NullInode && r.nameLen == len(name) && r.name(block) == name {
			found = Entry{Inode: r.inode, Type: r.typ, Name: name}
			ok = true

			return false
		}

		return true
	})

	return found, ok, err
}

// Insert places an entry into the first slack large enough to hold it. It
// reports false when the block has no room.
func Insert(block []byte, e Entry) (bool, error) {
	need := EntrySize(len(e.Name))
	inserted := false

	err := walk(block, func(r record) bool {
		used := 0
		if r.inode != schema.NullInode {
			used = EntrySize(r.nameLen)
		}

		if r.recLen-used < need {
			return true
		}

		if used == 0 {
			putRecord(block, r.off, e.Inode, r.recLen, e.Name, e.Type)
		} else {
			binary.LittleEndian.PutUint16(block[r.off+4:], uint16(used)) //nolint:gosec
			putRecord(block, r.off+used, e.Inode, r.recLen-used, e.Name, e.Type)
		}
		inserted = true

		return false
	})

	return inserted, err
}

// Remove deletes the entry with the given name. The first record of a block
// is tombstoned, any other record is merged into its predecessor.
func Remove(block []byte, name string) (Entry, bool, error) {
	var (
		removed Entry
		ok      bool
		prev    = -1
	)

	err := walk(block, func(r record) bool {
		if r.inode == schema.NullInode || r.nameLen != len(name) || r.name(block) != name {
			prev = r.off

			return true
		}

		removed = Entry{Inode: r.inode, Type: r.typ, Name: name}
		ok = true

		if prev < 0 {
			binary.LittleEndian.PutUint32(block[r.off:], uint32(schema.NullInode))
			block[r.off+6] = 0
			clear(block[r.off+HeaderSize : r.off+HeaderSize+r.nameLen])
		} else {
			prevLen := int(binary.LittleEndian.Uint16(block[prev+4:]))
			binary.LittleEndian.PutUint16(block[prev+4:], uint16(prevLen+r.recLen)) //nolint:gosec
			clear(block[r.off : r.off+r.recLen])
		}

		return false
	})

	return removed, ok, err
}

// SetInode repoints an existing entry, e.g. ".." after a move.
func SetInode(block []byte, name string, ino schema.InodeID) (bool, error) {
	found := false

	err := walk(block, func(r record) bool {
		if r.inode != schema.NullInode && r.nameLen == len(name) && r.name(block) == name {
			binary.LittleEndian.PutUint32(block[r.off:], uint32(ino))
			found = true

			return false
		}

		return true
	})

	return found, err
}
