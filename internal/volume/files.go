package volume

import (
	"fmt"

	"github.com/desertwitch/govol/internal/directory"
	"github.com/desertwitch/govol/internal/inode"
	"github.com/desertwitch/govol/internal/schema"
)

// SymlinkMode is the permission of a new symbolic link.
const SymlinkMode uint16 = 0o777

// Create makes a new inode of the given type in a parent directory and
// preallocates enough data blocks for sizeHint bytes. The size of the new
// inode stays zero until it is written. Directories are created like
// [Volume.Mkdir] does, ignoring sizeHint.
func (v *Volume) Create(parent schema.InodeID, name string, typ schema.FileType, sizeHint uint64) (schema.InodeID, error) {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return schema.NullInode, err
	}

	if !typ.Valid() {
		return schema.NullInode, fmt.Errorf("(volume-create) %w: file type %s", schema.ErrInvalidArgument, typ)
	}

	if typ == schema.TypeDirectory {
		return v.mkdir(parent, name)
	}

	mode := inode.DefaultFileMode
	if typ == schema.TypeSymlink {
		mode = SymlinkMode
	}

	return v.create(parent, name, typ, mode, sizeHint)
}

// create allocates and links a non-directory inode.
func (v *Volume) create(parent schema.InodeID, name string, typ schema.FileType, mode uint16, sizeHint uint64) (schema.InodeID, error) {
	dir, err := v.prepareInsert(parent, name)
	if err != nil {
		return schema.NullInode, err
	}

	n, err := v.takeInode()
	if err != nil {
		return schema.NullInode, err
	}

	now := v.now()
	in := inode.Inode{
		Number:   n,
		Type:     typ,
		Mode:     mode,
		Links:    1,
		Created:  now,
		Modified: now,
		Accessed: now,
	}

	if err := v.grow(&in, v.blocksFor(sizeHint)); err != nil {
		v.returnInode(n)

		return schema.NullInode, fmt.Errorf("(volume-create) %q: %w", name, err)
	}

	if err := v.link(&dir, &in, name); err != nil {
		return schema.NullInode, fmt.Errorf("(volume-create) %q: %w", name, err)
	}

	v.log.Debug("Created inode", "inode", n, "type", typ, "name", name, "parent", parent, "blocks", in.BlocksUsed)

	return n, v.checkAccounting("create")
}

// prepareInsert checks that name can be added to the parent directory.
func (v *Volume) prepareInsert(parent schema.InodeID, name string) (inode.Inode, error) {
	if err := directory.ValidateName(name); err != nil {
		return inode.Inode{}, err
	}

	dir, err := v.liveDir(parent)
	if err != nil {
		return inode.Inode{}, err
	}

	if !dir.CanWrite() {
		return inode.Inode{}, fmt.Errorf("(volume-insert) %w: directory %d is not writable", schema.ErrPermissionDenied, parent)
	}

	if _, found, err := v.find(&dir, name); err != nil {
		return inode.Inode{}, err
	} else if found {
		return inode.Inode{}, fmt.Errorf("(volume-insert) %w: %q in directory %d", schema.ErrAlreadyExists, name, parent)
	}

	return dir, nil
}

// link stores a new inode and inserts it into its directory. On failure the
// inode's blocks and slot are released again.
func (v *Volume) link(dir *inode.Inode, in *inode.Inode, name string) error {
	if err := v.storeInode(in); err != nil {
		return v.unwind(in, err)
	}

	if err := v.insert(dir, directory.Entry{Inode: in.Number, Type: in.Type, Name: name}); err != nil {
		return v.unwind(in, err)
	}

	return nil
}

func (v *Volume) unwind(in *inode.Inode, cause error) error {
	if err := v.shrink(in, 0); err != nil {
		return fmt.Errorf("%w (unwind: %w)", cause, err)
	}

	if err := v.clearInode(in.Number); err != nil {
		return fmt.Errorf("%w (unwind: %w)", cause, err)
	}

	return cause
}

// Write writes data at offset, extending the file when needed. The write
// either fits completely or fails without allocating anything.
func (v *Volume) Write(n schema.InodeID, offset uint64, data []byte) (int, error) {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return 0, err
	}

	in, err := v.writable(n)
	if err != nil {
		return 0, err
	}

	if err := v.write(&in, offset, data); err != nil {
		return 0, err
	}

	if err := v.storeInode(&in); err != nil {
		return 0, err
	}

	return len(data), v.checkAccounting("write")
}

func (v *Volume) writable(n schema.InodeID) (inode.Inode, error) {
	in, err := v.liveInode(n)
	if err != nil {
		return inode.Inode{}, err
	}

	if in.IsDir() {
		return inode.Inode{}, fmt.Errorf("(volume-write) %w: inode %d", schema.ErrIsDirectory, n)
	}

	if !in.CanWrite() {
		return inode.Inode{}, fmt.Errorf("(volume-write) %w: inode %d mode %04o", schema.ErrPermissionDenied, n, in.Mode)
	}

	return in, nil
}

func (v *Volume) write(in *inode.Inode, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	end := offset + uint64(len(data))
	if end < offset {
		return fmt.Errorf("(volume-write) %w: offset %d overflows", schema.ErrInvalidArgument, offset)
	}

	have := v.dataBlocks(in)
	if err := v.grow(in, v.blocksFor(end)); err != nil {
		return fmt.Errorf("(volume-write) inode %d: %w", in.Number, err)
	}

	if err := v.copyIn(in, offset, data); err != nil {
		if serr := v.shrink(in, have); serr != nil {
			return fmt.Errorf("%w (unwind: %w)", err, serr)
		}

		return err
	}

	in.Size = max(in.Size, end)
	in.Modified = v.now()

	return nil
}

// copyIn copies data into the mapped blocks of an inode starting at offset.
func (v *Volume) copyIn(in *inode.Inode, offset uint64, data []byte) error {
	bs := uint64(v.layout.blockSize)
	end := offset + uint64(len(data))

	for pos := offset; pos < end; {
		logical, within := pos/bs, pos%bs
		chunk := min(bs-within, end-pos)

		b, err := v.blockAt(in, logical)
		if err != nil {
			return err
		}

		var block []byte
		if chunk == bs {
			block = make([]byte, bs)
		} else if block, err = v.cache.Get(b); err != nil {
			return fmt.Errorf("(volume-write) inode %d: %w", in.Number, err)
		}

		copy(block[within:], data[pos-offset:pos-offset+chunk])

		if err := v.cache.Put(b, block); err != nil {
			return fmt.Errorf("(volume-write) inode %d: %w", in.Number, err)
		}
		pos += chunk
	}

	return nil
}

// Read returns up to n bytes from offset. The result is short at the end of
// the file and empty at or past it.
func (v *Volume) Read(ino schema.InodeID, offset uint64, n int) ([]byte, error) {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return nil, err
	}

	in, err := v.liveInode(ino)
	if err != nil {
		return nil, err
	}

	if in.IsDir() {
		return nil, fmt.Errorf("(volume-read) %w: inode %d", schema.ErrIsDirectory, ino)
	}

	if !in.CanRead() {
		return nil, fmt.Errorf("(volume-read) %w: inode %d mode %04o", schema.ErrPermissionDenied, ino, in.Mode)
	}

	data, err := v.read(&in, offset, n)
	if err != nil {
		return nil, err
	}

	in.Accessed = v.now()
	if err := v.storeInode(&in); err != nil {
		return nil, err
	}

	return data, nil
}

func (v *Volume) read(in *inode.Inode, offset uint64, n int) ([]byte, error) {
	bs := uint64(v.layout.blockSize)

	if in.Size > v.dataBlocks(in)*bs {
		return nil, fmt.Errorf("(volume-read) %w: inode %d size %d exceeds %d mapped blocks",
			schema.ErrCorrupt, in.Number, in.Size, v.dataBlocks(in))
	}

	if n <= 0 || offset >= in.Size {
		return []byte{}, nil
	}

	end := min(offset+uint64(n), in.Size)
	out := make([]byte, 0, end-offset)

	for pos := offset; pos < end; {
		logical, within := pos/bs, pos%bs
		chunk := min(bs-within, end-pos)

		b, err := v.blockAt(in, logical)
		if err != nil {
			return nil, err
		}

		block, err := v.cache.Get(b)
		if err != nil {
			return nil, fmt.Errorf("(volume-read) inode %d: %w", in.Number, err)
		}

		out = append(out, block[within:within+chunk]...)
		pos += chunk
	}

	return out, nil
}

// Delete removes name from a parent directory, frees the inode's blocks and
// returns its slot. Directories must be empty; the root can never be deleted.
func (v *Volume) Delete(parent schema.InodeID, name string) error {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return err
	}

	if err := directory.ValidateName(name); err != nil {
		return err
	}

	dir, err := v.liveDir(parent)
	if err != nil {
		return err
	}

	e, found, err := v.find(&dir, name)
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("(volume-delete) %w: %q in directory %d", schema.ErrNotFound, name, parent)
	}

	if e.Inode == schema.RootInode {
		return fmt.Errorf("(volume-delete) %w: root directory", schema.ErrPermissionDenied)
	}

	if !dir.CanWrite() {
		return fmt.Errorf("(volume-delete) %w: directory %d is not writable", schema.ErrPermissionDenied, parent)
	}

	in, err := v.liveInode(e.Inode)
	if err != nil {
		return err
	}

	if in.IsDir() {
		empty, err := v.isEmpty(&in)
		if err != nil {
			return err
		}

		if !empty {
			return fmt.Errorf("(volume-delete) %w: %q", schema.ErrNotEmpty, name)
		}
	}

	if err := v.remove(&dir, name); err != nil {
		return err
	}

	if in.IsDir() {
		dir.Links--
	}
	dir.Modified = v.now()

	if err := v.storeInode(&dir); err != nil {
		return err
	}

	freed := in.BlocksUsed
	if err := v.shrink(&in, 0); err != nil {
		return err
	}

	if err := v.clearInode(in.Number); err != nil {
		return err
	}

	v.log.Debug("Deleted inode", "inode", in.Number, "name", name, "parent", parent, "blocks", freed)

	return v.checkAccounting("delete")
}

// Stat returns the inode record of a live inode.
func (v *Volume) Stat(n schema.InodeID) (inode.Inode, error) {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return inode.Inode{}, err
	}

	return v.liveInode(n)
}

// Truncate sets the size of a file, freeing or zero-filling blocks.
func (v *Volume) Truncate(n schema.InodeID, size uint64) error {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return err
	}

	in, err := v.writable(n)
	if err != nil {
		return err
	}

	if size < in.Size {
		if err := v.shrink(&in, v.blocksFor(size)); err != nil {
			return err
		}

		if err := v.zeroTail(&in, size); err != nil {
			return err
		}
	} else if err := v.grow(&in, v.blocksFor(size)); err != nil {
		return fmt.Errorf("(volume-truncate) inode %d: %w", n, err)
	}

	in.Size = size
	in.Modified = v.now()

	if err := v.storeInode(&in); err != nil {
		return err
	}

	return v.checkAccounting("truncate")
}

// zeroTail clears the bytes of the last mapped block past size, so that a
// later extension reads zeros.
func (v *Volume) zeroTail(in *inode.Inode, size uint64) error {
	bs := uint64(v.layout.blockSize)
	if size%bs == 0 {
		return nil
	}

	b, err := v.blockAt(in, size/bs)
	if err != nil {
		return err
	}

	block, err := v.cache.Get(b)
	if err != nil {
		return fmt.Errorf("(volume-truncate) inode %d: %w", in.Number, err)
	}
	clear(block[size%bs:])

	if err := v.cache.Put(b, block); err != nil {
		return fmt.Errorf("(volume-truncate) inode %d: %w", in.Number, err)
	}

	return nil
}

// Chmod replaces the permission bits of an inode. The root directory keeps
// its owner bits, as the volume would become unusable without them.
func (v *Volume) Chmod(n schema.InodeID, mode uint16) error {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return err
	}

	if n == schema.RootInode && mode&inode.PermOwnerAll != inode.PermOwnerAll {
		return fmt.Errorf("(volume-chmod) %w: root directory mode %04o drops owner bits", schema.ErrPermissionDenied, mode)
	}

	in, err := v.liveInode(n)
	if err != nil {
		return err
	}

	in.Mode = mode & inode.PermMask
	in.Modified = v.now()

	return v.storeInode(&in)
}

// Symlink creates a symbolic link holding target. Links are stored but never
// followed by path resolution.
func (v *Volume) Symlink(parent schema.InodeID, name string, target string) (schema.InodeID, error) {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return schema.NullInode, err
	}

	if target == "" {
		return schema.NullInode, fmt.Errorf("(volume-symlink) %w: empty target", schema.ErrInvalidArgument)
	}

	n, err := v.create(parent, name, schema.TypeSymlink, SymlinkMode, uint64(len(target)))
	if err != nil {
		return schema.NullInode, err
	}

	in, err := v.liveInode(n)
	if err != nil {
		return schema.NullInode, err
	}

	if err := v.write(&in, 0, []byte(target)); err != nil {
		return schema.NullInode, err
	}

	return n, v.storeInode(&in)
}

// Readlink returns the target of a symbolic link.
func (v *Volume) Readlink(n schema.InodeID) (string, error) {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return "", err
	}

	in, err := v.liveInode(n)
	if err != nil {
		return "", err
	}

	if in.Type != schema.TypeSymlink {
		return "", fmt.Errorf("(volume-readlink) %w: inode %d is a %s", schema.ErrInvalidArgument, n, in.Type)
	}

	target, err := v.read(&in, 0, int(in.Size)) //nolint:gosec
	if err != nil {
		return "", err
	}

	return string(target), nil
}
