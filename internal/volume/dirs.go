package volume

import (
	"fmt"

	"github.com/desertwitch/govol/internal/directory"
	"github.com/desertwitch/govol/internal/inode"
	"github.com/desertwitch/govol/internal/schema"
)

// DirEntry is a live entry of a directory.
type DirEntry = directory.Entry

// eachDirBlock calls fn with every data block of a directory until fn
// returns false.
func (v *Volume) eachDirBlock(dir *inode.Inode, fn func(id schema.BlockID, block []byte) (bool, error)) error {
	for logical := range v.dataBlocks(dir) {
		id, err := v.blockAt(dir, logical)
		if err != nil {
			return err
		}

		block, err := v.cache.Get(id)
		if err != nil {
			return fmt.Errorf("(volume-dir) directory %d: %w", dir.Number, err)
		}

		more, err := fn(id, block)
		if err != nil {
			return fmt.Errorf("(volume-dir) directory %d block %d: %w", dir.Number, id, err)
		}

		if !more {
			return nil
		}
	}

	return nil
}

func (v *Volume) find(dir *inode.Inode, name string) (directory.Entry, bool, error) {
	var (
		e     directory.Entry
		found bool
	)

	err := v.eachDirBlock(dir, func(_ schema.BlockID, block []byte) (bool, error) {
		var err error
		e, found, err = directory.Find(block, name)

		return !found, err
	})

	return e, found, err
}

// insert adds an entry to the first directory block with room, growing the
// directory by one block when all are full. The directory is stored.
func (v *Volume) insert(dir *inode.Inode, e directory.Entry) error {
	inserted := false

	err := v.eachDirBlock(dir, func(id schema.BlockID, block []byte) (bool, error) {
		ok, err := directory.Insert(block, e)
		if err != nil || !ok {
			return true, err
		}

		inserted = true

		return false, v.cache.Put(id, block)
	})
	if err != nil {
		return err
	}

	if !inserted {
		if err := v.growDir(dir, e); err != nil {
			return err
		}
	}

	dir.Modified = v.now()

	return v.storeInode(dir)
}

func (v *Volume) growDir(dir *inode.Inode, e directory.Entry) error {
	logical := v.dataBlocks(dir)
	if err := v.grow(dir, logical+1); err != nil {
		return fmt.Errorf("(volume-dir) grow directory %d: %w", dir.Number, err)
	}

	if err := v.fillDirBlock(dir, logical, e); err != nil {
		if serr := v.shrink(dir, logical); serr != nil {
			return fmt.Errorf("%w (unwind: %w)", err, serr)
		}

		return err
	}
	dir.Size += uint64(v.layout.blockSize)

	v.log.Debug("Grew directory", "inode", dir.Number, "blocks", dir.BlocksUsed)

	return nil
}

func (v *Volume) fillDirBlock(dir *inode.Inode, logical uint64, e directory.Entry) error {
	id, err := v.blockAt(dir, logical)
	if err != nil {
		return err
	}

	block := make([]byte, v.layout.blockSize)
	directory.InitEmpty(block)

	if ok, err := directory.Insert(block, e); err != nil || !ok {
		return fmt.Errorf("(volume-dir) %w: entry %q does not fit an empty block", schema.ErrInvalidArgument, e.Name)
	}

	if err := v.cache.Put(id, block); err != nil {
		return fmt.Errorf("(volume-dir) %w", err)
	}

	return nil
}

// remove drops an entry from a directory. The caller stores the directory.
func (v *Volume) remove(dir *inode.Inode, name string) error {
	removed := false

	err := v.eachDirBlock(dir, func(id schema.BlockID, block []byte) (bool, error) {
		_, ok, err := directory.Remove(block, name)
		if err != nil || !ok {
			return true, err
		}

		removed = true

		return false, v.cache.Put(id, block)
	})
	if err != nil {
		return err
	}

	if !removed {
		return fmt.Errorf("(volume-dir) %w: %q in directory %d", schema.ErrNotFound, name, dir.Number)
	}

	return nil
}

func (v *Volume) entries(dir *inode.Inode, dots bool) ([]directory.Entry, error) {
	var out []directory.Entry

	err := v.eachDirBlock(dir, func(_ schema.BlockID, block []byte) (bool, error) {
		es, err := directory.Entries(block)
		for _, e := range es {
			if dots || (e.Name != directory.Self && e.Name != directory.Parent) {
				out = append(out, e)
			}
		}

		return true, err
	})

	return out, err
}

func (v *Volume) isEmpty(dir *inode.Inode) (bool, error) {
	es, err := v.entries(dir, false)

	return len(es) == 0, err
}

// Lookup returns the inode of a name in a directory. Matching is exact and
// case-sensitive; "." and ".." resolve as well.
func (v *Volume) Lookup(dir schema.InodeID, name string) (schema.InodeID, error) {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return schema.NullInode, err
	}

	return v.lookup(dir, name)
}

func (v *Volume) lookup(dir schema.InodeID, name string) (schema.InodeID, error) {
	if name == "" || len(name) > directory.MaxNameLen {
		return schema.NullInode, fmt.Errorf("(volume-lookup) %w: name of %d bytes", schema.ErrInvalidArgument, len(name))
	}

	d, err := v.liveDir(dir)
	if err != nil {
		return schema.NullInode, err
	}

	e, found, err := v.find(&d, name)
	if err != nil {
		return schema.NullInode, err
	}

	if !found {
		return schema.NullInode, fmt.Errorf("(volume-lookup) %w: %q in directory %d", schema.ErrNotFound, name, dir)
	}

	return e.Inode, nil
}

// ReadDir lists the live entries of a directory, without "." and "..".
func (v *Volume) ReadDir(dir schema.InodeID) ([]DirEntry, error) {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return nil, err
	}

	d, err := v.liveDir(dir)
	if err != nil {
		return nil, err
	}

	if !d.CanRead() {
		return nil, fmt.Errorf("(volume-readdir) %w: directory %d", schema.ErrPermissionDenied, dir)
	}

	return v.entries(&d, false)
}

// Mkdir creates an empty directory in a parent directory.
func (v *Volume) Mkdir(parent schema.InodeID, name string) (schema.InodeID, error) {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return schema.NullInode, err
	}

	return v.mkdir(parent, name)
}

func (v *Volume) mkdir(parent schema.InodeID, name string) (schema.InodeID, error) {
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
		Type:     schema.TypeDirectory,
		Mode:     inode.DefaultDirMode,
		Links:    2, //nolint:mnd
		Created:  now,
		Modified: now,
		Accessed: now,
	}

	if err := v.grow(&in, 1); err != nil {
		v.returnInode(n)

		return schema.NullInode, fmt.Errorf("(volume-mkdir) %q: %w", name, err)
	}

	block := make([]byte, v.layout.blockSize)
	directory.InitFirst(block, n, parent)
	if err := v.cache.Put(in.Direct[0], block); err != nil {
		return schema.NullInode, v.unwind(&in, fmt.Errorf("(volume-mkdir) %q: %w", name, err))
	}
	in.Size = uint64(v.layout.blockSize)

	dir.Links++
	if err := v.link(&dir, &in, name); err != nil {
		return schema.NullInode, fmt.Errorf("(volume-mkdir) %q: %w", name, err)
	}

	v.log.Debug("Created directory", "inode", n, "name", name, "parent", parent)

	return n, v.checkAccounting("mkdir")
}

// Rename moves an entry to a new name and/or directory. The target name must
// not exist; a directory cannot be moved below itself.
func (v *Volume) Rename(oldParent schema.InodeID, oldName string, newParent schema.InodeID, newName string) error {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return err
	}

	if err := directory.ValidateName(oldName); err != nil {
		return err
	}

	src, err := v.liveDir(oldParent)
	if err != nil {
		return err
	}

	e, found, err := v.find(&src, oldName)
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("(volume-rename) %w: %q in directory %d", schema.ErrNotFound, oldName, oldParent)
	}

	if !src.CanWrite() {
		return fmt.Errorf("(volume-rename) %w: directory %d is not writable", schema.ErrPermissionDenied, oldParent)
	}

	dst, err := v.prepareInsert(newParent, newName)
	if err != nil {
		return err
	}

	moved := e.Type == schema.TypeDirectory && oldParent != newParent
	if moved {
		if err := v.checkNotBelow(e.Inode, newParent); err != nil {
			return err
		}

		dst.Links++
	}

	e.Name = newName
	if err := v.insert(&dst, e); err != nil {
		return err
	}

	// the insert may have changed the source when both are the same
	if src, err = v.liveDir(oldParent); err != nil {
		return err
	}

	if err := v.remove(&src, oldName); err != nil {
		return err
	}

	if moved {
		src.Links--

		if err := v.reparent(e.Inode, newParent); err != nil {
			return err
		}
	}
	src.Modified = v.now()

	if err := v.storeInode(&src); err != nil {
		return err
	}

	return v.checkAccounting("rename")
}

// checkNotBelow fails when dir is ino or one of its descendants.
func (v *Volume) checkNotBelow(ino schema.InodeID, dir schema.InodeID) error {
	for seen := uint32(0); seen <= v.layout.inodes; seen++ {
		if dir == ino {
			return fmt.Errorf("(volume-rename) %w: directory %d cannot move below itself", schema.ErrInvalidArgument, ino)
		}

		if dir == schema.RootInode {
			return nil
		}

		parent, err := v.lookup(dir, directory.Parent)
		if err != nil {
			return err
		}
		dir = parent
	}

	return fmt.Errorf("(volume-rename) %w: directory loop above %d", schema.ErrCorrupt, dir)
}

// reparent points the ".." entry of a directory at a new parent.
func (v *Volume) reparent(ino schema.InodeID, parent schema.InodeID) error {
	d, err := v.liveDir(ino)
	if err != nil {
		return err
	}

	updated := false

	err = v.eachDirBlock(&d, func(id schema.BlockID, block []byte) (bool, error) {
		ok, err := directory.SetInode(block, directory.Parent, parent)
		if err != nil || !ok {
			return true, err
		}

		updated = true

		return false, v.cache.Put(id, block)
	})
	if err != nil {
		return err
	}

	if !updated {
		return fmt.Errorf("(volume-rename) %w: directory %d has no %q entry", schema.ErrCorrupt, ino, directory.Parent)
	}

	return nil
}
