package volume

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/desertwitch/govol/internal/inode"
	"github.com/desertwitch/govol/internal/schema"
)

// splitPath cleans an absolute or relative slash path into its elements,
// relative paths being taken from the root.
func splitPath(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}

	return strings.Split(p[1:], "/")
}

// Resolve returns the inode a path names. Paths are resolved from the root
// directory; symbolic links are not followed.
func (v *Volume) Resolve(p string) (schema.InodeID, error) {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return schema.NullInode, err
	}

	return v.resolve(splitPath(p))
}

func (v *Volume) resolve(elems []string) (schema.InodeID, error) {
	cur := schema.RootInode

	for _, name := range elems {
		next, err := v.lookup(cur, name)
		if err != nil {
			return schema.NullInode, err
		}
		cur = next
	}

	return cur, nil
}

// resolveParent returns the directory holding the last element of a path and
// that element's name.
func (v *Volume) resolveParent(p string) (schema.InodeID, string, error) {
	elems := splitPath(p)
	if len(elems) == 0 {
		return schema.NullInode, "", fmt.Errorf("(volume-path) %w: %q names the root directory", schema.ErrPermissionDenied, p)
	}

	parent, err := v.resolve(elems[:len(elems)-1])
	if err != nil {
		return schema.NullInode, "", err
	}

	return parent, elems[len(elems)-1], nil
}

// CreatePath creates an inode at a path whose parent directory exists.
func (v *Volume) CreatePath(p string, typ schema.FileType, sizeHint uint64) (schema.InodeID, error) {
	parent, name, err := v.parentOf(p)
	if err != nil {
		return schema.NullInode, err
	}

	return v.Create(parent, name, typ, sizeHint)
}

func (v *Volume) parentOf(p string) (schema.InodeID, string, error) {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return schema.NullInode, "", err
	}

	return v.resolveParent(p)
}

// MkdirAll creates a directory and every missing parent of it. Existing
// directories along the path are fine; other existing inodes are not.
func (v *Volume) MkdirAll(p string) (schema.InodeID, error) {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return schema.NullInode, err
	}

	cur := schema.RootInode

	for _, name := range splitPath(p) {
		next, err := v.lookup(cur, name)

		switch {
		case errors.Is(err, schema.ErrNotFound):
			if next, err = v.mkdir(cur, name); err != nil {
				return schema.NullInode, err
			}

		case err != nil:
			return schema.NullInode, err

		default:
			if _, err := v.liveDir(next); err != nil {
				return schema.NullInode, err
			}
		}

		cur = next
	}

	return cur, nil
}

// Remove deletes the inode a path names. The root cannot be removed.
func (v *Volume) Remove(p string) error {
	parent, name, err := v.parentOf(p)
	if err != nil {
		return err
	}

	return v.Delete(parent, name)
}

// File is an open regular file. It implements [io.ReaderAt] and
// [io.WriterAt]; the offset-free API makes it safe for concurrent use.
type File struct {
	volume *Volume
	ino    schema.InodeID
	name   string
}

var (
	_ io.ReaderAt = (*File)(nil)
	_ io.WriterAt = (*File)(nil)
)

// Open returns the file at a path. Directories cannot be opened.
func (v *Volume) Open(p string) (*File, error) {
	ino, err := v.Resolve(p)
	if err != nil {
		return nil, err
	}

	in, err := v.Stat(ino)
	if err != nil {
		return nil, err
	}

	if in.IsDir() {
		return nil, fmt.Errorf("(volume-open) %w: %q", schema.ErrIsDirectory, p)
	}

	return &File{volume: v, ino: ino, name: path.Clean("/" + p)}, nil
}

// Name returns the cleaned absolute path the file was opened with.
func (f *File) Name() string {
	return f.name
}

// Inode returns the inode number of the file.
func (f *File) Inode() schema.InodeID {
	return f.ino
}

// Stat returns the current inode record of the file.
func (f *File) Stat() (inode.Inode, error) {
	return f.volume.Stat(f.ino)
}

// ReadAt reads len(p) bytes from off. It returns [io.EOF] when fewer bytes
// are available.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("(volume-file) %w: negative offset %d", schema.ErrInvalidArgument, off)
	}

	data, err := f.volume.Read(f.ino, uint64(off), len(p))
	if err != nil {
		return 0, err
	}

	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt writes p at off, extending the file when needed.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("(volume-file) %w: negative offset %d", schema.ErrInvalidArgument, off)
	}

	return f.volume.Write(f.ino, uint64(off), p)
}

// Truncate sets the size of the file.
func (f *File) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("(volume-file) %w: negative size %d", schema.ErrInvalidArgument, size)
	}

	return f.volume.Truncate(f.ino, uint64(size))
}
