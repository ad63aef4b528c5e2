package volume

import (
	"fmt"

	"github.com/desertwitch/govol/internal/inode"
	"github.com/desertwitch/govol/internal/schema"
)

func (v *Volume) checkInode(n schema.InodeID) error {
	if n == schema.NullInode || uint32(n) > v.layout.inodes {
		return fmt.Errorf("(volume-inode) %w: inode %d outside [1, %d]", schema.ErrNotFound, n, v.layout.inodes)
	}

	return nil
}

// loadInode reads an inode slot, live or not.
func (v *Volume) loadInode(n schema.InodeID) (inode.Inode, error) {
	if err := v.checkInode(n); err != nil {
		return inode.Inode{}, err
	}

	id, off := v.layout.inodeSlot(n)

	block, err := v.cache.Get(id)
	if err != nil {
		return inode.Inode{}, fmt.Errorf("(volume-inode) load %d: %w", n, err)
	}

	return inode.Decode(block[off:]), nil
}

// liveInode reads an inode that must be in use.
func (v *Volume) liveInode(n schema.InodeID) (inode.Inode, error) {
	in, err := v.loadInode(n)
	if err != nil {
		return inode.Inode{}, err
	}

	if !in.IsLive() {
		return inode.Inode{}, fmt.Errorf("(volume-inode) %w: inode %d is free", schema.ErrNotFound, n)
	}

	if in.Number != n {
		return inode.Inode{}, fmt.Errorf("(volume-inode) %w: slot %d holds inode %d", schema.ErrCorrupt, n, in.Number)
	}

	return in, nil
}

// liveDir reads an inode that must be a live directory.
func (v *Volume) liveDir(n schema.InodeID) (inode.Inode, error) {
	in, err := v.liveInode(n)
	if err != nil {
		return inode.Inode{}, err
	}

	if !in.IsDir() {
		return inode.Inode{}, fmt.Errorf("(volume-inode) %w: inode %d is a %s", schema.ErrNotDirectory, n, in.Type)
	}

	return in, nil
}

func (v *Volume) storeInode(in *inode.Inode) error {
	if err := v.checkInode(in.Number); err != nil {
		return err
	}

	id, off := v.layout.inodeSlot(in.Number)

	block, err := v.cache.Get(id)
	if err != nil {
		return fmt.Errorf("(volume-inode) store %d: %w", in.Number, err)
	}

	inode.Encode(in, block[off:])

	if err := v.cache.Put(id, block); err != nil {
		return fmt.Errorf("(volume-inode) store %d: %w", in.Number, err)
	}

	return nil
}

// clearInode zeroes an inode slot and returns it to the free list.
func (v *Volume) clearInode(n schema.InodeID) error {
	id, off := v.layout.inodeSlot(n)

	block, err := v.cache.Get(id)
	if err != nil {
		return fmt.Errorf("(volume-inode) clear %d: %w", n, err)
	}

	clear(block[off : off+inode.Size])

	if err := v.cache.Put(id, block); err != nil {
		return fmt.Errorf("(volume-inode) clear %d: %w", n, err)
	}
	v.returnInode(n)

	return nil
}

// eachInode calls fn for every live inode of the table, in inode order.
func (v *Volume) eachInode(fn func(in *inode.Inode) error) error {
	perBlock := v.layout.blockSize / inode.Size

	for i := range v.layout.tableBlocks {
		block, err := v.cache.Get(v.layout.tableStart + schema.BlockID(i))
		if err != nil {
			return fmt.Errorf("(volume-inode) table block %d: %w", i, err)
		}

		for j := range perBlock {
			n := schema.InodeID(i*perBlock + j + 1)
			if uint32(n) > v.layout.inodes {
				return nil
			}

			in := inode.Decode(block[j*inode.Size:])
			if !in.IsLive() {
				continue
			}

			if in.Number != n || !in.Type.Valid() {
				return fmt.Errorf("(volume-inode) %w: slot %d holds inode %d of type %s",
					schema.ErrCorrupt, n, in.Number, in.Type)
			}

			if err := fn(&in); err != nil {
				return err
			}
		}
	}

	return nil
}

// loadInodes rebuilds the free inode list and the used block total from the
// inode table.
func (v *Volume) loadInodes() error {
	live := make(map[schema.InodeID]struct{})
	v.liveBlocks = 0

	if err := v.eachInode(func(in *inode.Inode) error {
		live[in.Number] = struct{}{}
		v.liveBlocks += uint64(in.BlocksUsed)

		return nil
	}); err != nil {
		return err
	}

	if _, ok := live[schema.RootInode]; !ok {
		return fmt.Errorf("(volume-inode) %w: root inode is free", schema.ErrCorrupt)
	}

	v.freeInodes = make(inodeHeap, 0, int(v.layout.inodes)-len(live))
	for n := schema.RootInode; uint32(n) <= v.layout.inodes; n++ {
		if _, ok := live[n]; !ok {
			v.freeInodes = append(v.freeInodes, n)
		}
	}

	return nil
}
