package volume

import (
	"fmt"

	"github.com/desertwitch/govol/internal/allocation"
	"github.com/desertwitch/govol/internal/inode"
	"github.com/desertwitch/govol/internal/schema"
)

// rebuild recreates the free block bitmap from the inode table: every block
// reachable from a live inode is used, everything else in the data region is
// free. Inodes whose blocks_used or size disagree with their chain are
// repaired on the way. Blocks claimed twice cannot be repaired.
func (v *Volume) rebuild() error {
	alloc, err := allocation.NewHandler(v.layout.total, v.layout.reserved(), v.log)
	if err != nil {
		return err
	}

	bs := uint64(v.layout.blockSize)
	v.liveBlocks = 0
	repaired := 0

	err = v.eachInode(func(in *inode.Inode) error {
		c, err := v.reachable(in)
		if err != nil {
			return err
		}

		for _, b := range append(c.pointers, c.data...) {
			if !alloc.IsFree(b) {
				return fmt.Errorf("(volume-rebuild) %w: block %d is referenced twice (inode %d)", schema.ErrCorrupt, b, in.Number)
			}

			if err := alloc.Reserve(b); err != nil {
				return fmt.Errorf("(volume-rebuild) %w: %w", schema.ErrCorrupt, err)
			}
		}

		changed := false

		if used := uint32(c.len()); in.BlocksUsed != used { //nolint:gosec
			v.log.Warn("Repaired inode block count", "inode", in.Number, "was", in.BlocksUsed, "now", used)
			in.BlocksUsed = used
			changed = true
		}

		if limit := uint64(len(c.data)) * bs; in.Size > limit {
			v.log.Warn("Clamped inode size", "inode", in.Number, "was", in.Size, "now", limit)
			in.Size = limit
			changed = true
		}

		if changed {
			repaired++
			if err := v.storeInode(in); err != nil {
				return err
			}
		}

		v.liveBlocks += uint64(in.BlocksUsed)

		return nil
	})
	if err != nil {
		return err
	}

	v.alloc = alloc

	v.log.Info("Rebuilt free block bitmap",
		"free", alloc.FreeCount(),
		"used", v.liveBlocks,
		"repaired", repaired,
	)

	return v.checkAccounting("rebuild")
}
