package volume

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/desertwitch/govol/internal/directory"
	"github.com/desertwitch/govol/internal/inode"
	"github.com/desertwitch/govol/internal/schema"
)

// Report is the result of [Volume.Verify].
type Report struct {
	Inodes         int
	Directories    int
	Files          int
	Symlinks       int
	UsedBlocks     uint64
	FreeBlocks     uint32
	ReservedBlocks uint32
	TotalBlocks    uint32
	Problems       []string
}

// OK reports if no problems were found.
func (r *Report) OK() bool {
	return len(r.Problems) == 0
}

func (r *Report) problem(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Verify scans the whole volume: every chain, the bitmap against the
// references, the block accounting and the entries of every directory.
// Inconsistencies are collected in the [Report]; only device failures are
// returned as an error.
func (v *Volume) Verify() (*Report, error) {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return nil, err
	}

	r := &Report{
		FreeBlocks:     v.alloc.FreeCount(),
		ReservedBlocks: v.layout.reserved(),
		TotalBlocks:    v.layout.total,
	}

	owner := make([]schema.InodeID, v.layout.total)
	types := make(map[schema.InodeID]schema.FileType)
	var dirs []inode.Inode

	err := v.eachInode(func(in *inode.Inode) error {
		r.Inodes++
		r.UsedBlocks += uint64(in.BlocksUsed)
		types[in.Number] = in.Type

		switch in.Type { //nolint:exhaustive
		case schema.TypeDirectory:
			r.Directories++
			dirs = append(dirs, *in)
		case schema.TypeSymlink:
			r.Symlinks++
		default:
			r.Files++
		}

		c, err := v.reachable(in)
		if errors.Is(err, schema.ErrCorrupt) {
			r.problem("inode %d: %v", in.Number, err)

			return nil
		} else if err != nil {
			return err
		}

		for _, b := range append(c.pointers, c.data...) {
			if prev := owner[b]; prev != schema.NullInode {
				r.problem("block %d: referenced by inode %d and inode %d", b, prev, in.Number)
			}
			owner[b] = in.Number
		}

		if c.len() != int(in.BlocksUsed) {
			r.problem("inode %d: blocks_used %d, chain holds %d", in.Number, in.BlocksUsed, c.len())
		}

		if limit := uint64(len(c.data)) * uint64(v.layout.blockSize); in.Size > limit {
			r.problem("inode %d: size %d exceeds %d mapped bytes", in.Number, in.Size, limit)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("(volume-verify) %w", err)
	}

	for b := v.layout.dataStart; b < v.layout.total; b++ {
		free := v.alloc.IsFree(schema.BlockID(b))
		if used := owner[b] != schema.NullInode; free == used {
			r.problem("block %d: bitmap free=%t, referenced=%t", b, free, used)
		}
	}

	if got := uint64(r.FreeBlocks) + r.UsedBlocks + uint64(r.ReservedBlocks); got != uint64(r.TotalBlocks) {
		r.problem("accounting: free %d + used %d + reserved %d != total %d",
			r.FreeBlocks, r.UsedBlocks, r.ReservedBlocks, r.TotalBlocks)
	}

	if free := v.freeInodes.Len(); free+r.Inodes != int(v.layout.inodes) {
		r.problem("inodes: %d free + %d live != %d", free, r.Inodes, v.layout.inodes)
	}

	if err := v.verifyDirs(r, dirs, types); err != nil {
		return nil, fmt.Errorf("(volume-verify) %w", err)
	}

	v.log.Debug("Verified volume", "inodes", r.Inodes, "problems", len(r.Problems))

	return r, nil
}

func (v *Volume) verifyDirs(r *Report, dirs []inode.Inode, types map[schema.InodeID]schema.FileType) error {
	linked := map[schema.InodeID]bool{schema.RootInode: true}

	for i := range dirs {
		d := &dirs[i]

		es, err := v.entries(d, true)
		if errors.Is(err, schema.ErrCorrupt) {
			r.problem("directory %d: %v", d.Number, err)

			continue
		} else if err != nil {
			return err
		}

		if len(es) < 2 || es[0].Name != directory.Self || es[1].Name != directory.Parent { //nolint:mnd
			r.problem("directory %d: does not start with %q and %q", d.Number, directory.Self, directory.Parent)

			continue
		}

		if es[0].Inode != d.Number {
			r.problem("directory %d: %q points to %d", d.Number, directory.Self, es[0].Inode)
		}

		if d.Number == schema.RootInode && es[1].Inode != schema.RootInode {
			r.problem("root directory: %q points to %d", directory.Parent, es[1].Inode)
		}

		if types[es[1].Inode] != schema.TypeDirectory {
			r.problem("directory %d: %q points to non-directory %d", d.Number, directory.Parent, es[1].Inode)
		}

		for _, e := range es[2:] {
			typ, live := types[e.Inode]

			switch {
			case !live:
				r.problem("directory %d: entry %q points to free inode %d", d.Number, e.Name, e.Inode)
			case typ != e.Type:
				r.problem("directory %d: entry %q has type %s, inode %d is a %s", d.Number, e.Name, e.Type, e.Inode, typ)
			}

			linked[e.Inode] = true
		}
	}

	for _, n := range slices.Sorted(maps.Keys(types)) {
		if !linked[n] {
			r.problem("inode %d: not linked from any directory", n)
		}
	}

	return nil
}
