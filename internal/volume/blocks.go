package volume

import (
	"fmt"
	"slices"

	"github.com/desertwitch/govol/internal/inode"
	"github.com/desertwitch/govol/internal/schema"
)

// dataBlocks returns the amount of data blocks mapped by an inode. Data is
// always mapped as a contiguous logical prefix.
func (v *Volume) dataBlocks(in *inode.Inode) uint64 {
	return v.bmap.DataBlocks(uint64(in.BlocksUsed))
}

// blocksFor returns the amount of data blocks needed to hold size bytes.
func (v *Volume) blocksFor(size uint64) uint64 {
	return ceilDiv(size, uint64(v.layout.blockSize))
}

// blockAt resolves a logical block of an inode to its physical block. The
// logical block must be mapped.
func (v *Volume) blockAt(in *inode.Inode, logical uint64) (schema.BlockID, error) {
	path, err := v.bmap.Locate(logical)
	if err != nil {
		return schema.NullBlock, err
	}

	var b schema.BlockID

	switch path.Level {
	case inode.LevelDirect:
		b = in.Direct[path.Outer]

	case inode.LevelIndirect:
		b, err = v.pointer(in.Indirect, path.Outer)

	case inode.LevelDouble:
		var mid schema.BlockID
		if mid, err = v.pointer(in.DoubleIndirect, path.Outer); err == nil {
			b, err = v.pointer(mid, path.Inner)
		}
	}

	if err != nil {
		return schema.NullBlock, err
	}

	if b == schema.NullBlock {
		return schema.NullBlock, fmt.Errorf("(volume-map) %w: inode %d logical block %d (%s) is unmapped",
			schema.ErrCorrupt, in.Number, logical, path.Level)
	}

	return b, nil
}

func (v *Volume) pointer(block schema.BlockID, i uint32) (schema.BlockID, error) {
	if block == schema.NullBlock {
		return schema.NullBlock, nil
	}

	data, err := v.cache.Get(block)
	if err != nil {
		return schema.NullBlock, fmt.Errorf("(volume-map) pointer block %d: %w", block, err)
	}

	return inode.Pointer(data, i), nil
}

func (v *Volume) setPointer(block schema.BlockID, i uint32, b schema.BlockID) error {
	data, err := v.cache.Get(block)
	if err != nil {
		return fmt.Errorf("(volume-map) pointer block %d: %w", block, err)
	}

	inode.SetPointer(data, i, b)

	if err := v.cache.Put(block, data); err != nil {
		return fmt.Errorf("(volume-map) pointer block %d: %w", block, err)
	}

	return nil
}

// grow extends the chain of an inode to n data blocks. Either every needed
// block (data and pointer blocks) is allocated or none is. New blocks are
// zeroed. On failure the inode is left as it was and the blocks are freed
// again. The caller stores the inode.
func (v *Volume) grow(in *inode.Inode, n uint64) error {
	have := v.dataBlocks(in)
	if n <= have {
		return nil
	}

	if n > v.bmap.MaxDataBlocks() {
		return fmt.Errorf("(volume-grow) %w: inode %d needs %d data blocks, max %d",
			schema.ErrFileTooLarge, in.Number, n, v.bmap.MaxDataBlocks())
	}

	need := v.bmap.Used(n) - v.bmap.Used(have)
	if free := uint64(v.alloc.FreeCount()); need > free {
		return fmt.Errorf("(volume-grow) %w: inode %d needs %d blocks, %d free",
			schema.ErrOutOfSpace, in.Number, need, free)
	}

	fresh, err := v.alloc.Allocate(uint32(need)) //nolint:gosec
	if err != nil {
		return fmt.Errorf("(volume-grow) %w", err)
	}

	g := &growth{fresh: fresh}
	work := *in

	zero := make([]byte, v.layout.blockSize)
	for _, b := range fresh {
		if err := v.cache.Put(b, zero); err != nil {
			return v.abandon(g, fmt.Errorf("(volume-grow) zero block %d: %w", b, err))
		}
	}

	for logical := have; logical < n; logical++ {
		if err := v.mapBlock(&work, logical, g); err != nil {
			return v.abandon(g, err)
		}
	}

	work.BlocksUsed += uint32(need) //nolint:gosec
	*in = work
	v.liveBlocks += need

	return nil
}

// growth is a grow in progress. It hands out the allocated blocks and
// remembers the slots set in pointer blocks the inode already had.
type growth struct {
	fresh []schema.BlockID
	next  int
	slots []slot
}

type slot struct {
	block schema.BlockID
	index uint32
}

func (g *growth) take() schema.BlockID {
	b := g.fresh[g.next]
	g.next++

	return b
}

// setSlot sets a pointer slot for the grow, recording it when the pointer
// block predates the grow.
func (g *growth) setSlot(v *Volume, block schema.BlockID, i uint32, b schema.BlockID) error {
	data, err := v.cache.Get(block)
	if err != nil {
		return fmt.Errorf("(volume-grow) pointer block %d: %w", block, err)
	}

	if !slices.Contains(g.fresh, block) {
		g.slots = append(g.slots, slot{block: block, index: i})
	}

	inode.SetPointer(data, i, b)

	if err := v.cache.Put(block, data); err != nil {
		return fmt.Errorf("(volume-grow) pointer block %d: %w", block, err)
	}

	return nil
}

// abandon undoes a failed grow: every allocated block is freed and the
// recorded slots are cleared. Allocated pointer blocks need no clearing, as
// nothing points to them once the inode copy is dropped.
func (v *Volume) abandon(g *growth, cause error) error {
	if err := v.alloc.Free(g.fresh...); err != nil {
		return fmt.Errorf("%w (unwind: %w: %w)", cause, schema.ErrCorrupt, err)
	}

	for _, s := range g.slots {
		if err := v.setPointer(s.block, s.index, schema.NullBlock); err != nil {
			return fmt.Errorf("%w (unwind: %w)", cause, err)
		}
	}

	v.log.Debug("Abandoned grow", "blocks", len(g.fresh), "slots", len(g.slots), "err", cause)

	return cause
}

// mapBlock links a new data block at a logical position, creating the
// pointer blocks on the way.
func (v *Volume) mapBlock(in *inode.Inode, logical uint64, g *growth) error {
	path, err := v.bmap.Locate(logical)
	if err != nil {
		return err
	}

	switch path.Level {
	case inode.LevelDirect:
		in.Direct[path.Outer] = g.take()

		return nil

	case inode.LevelIndirect:
		if in.Indirect == schema.NullBlock {
			in.Indirect = g.take()
		}

		return g.setSlot(v, in.Indirect, path.Outer, g.take())

	default:
		if in.DoubleIndirect == schema.NullBlock {
			in.DoubleIndirect = g.take()
		}

		mid, err := v.pointer(in.DoubleIndirect, path.Outer)
		if err != nil {
			return err
		}

		if mid == schema.NullBlock {
			mid = g.take()
			if err := g.setSlot(v, in.DoubleIndirect, path.Outer, mid); err != nil {
				return err
			}
		}

		return g.setSlot(v, mid, path.Inner, g.take())
	}
}

// shrink cuts the chain of an inode down to n data blocks, freeing data
// blocks and the pointer blocks that become empty. The caller stores the
// inode.
func (v *Volume) shrink(in *inode.Inode, n uint64) error {
	have := v.dataBlocks(in)
	if n >= have {
		return nil
	}

	var freed []schema.BlockID

	for logical := have; logical > n; logical-- {
		b, err := v.unmapBlock(in, logical-1)
		if err != nil {
			return err
		}
		freed = append(freed, b...)
	}

	if err := v.alloc.Free(freed...); err != nil {
		return fmt.Errorf("(volume-shrink) %w: inode %d: %w", schema.ErrCorrupt, in.Number, err)
	}

	in.BlocksUsed -= uint32(len(freed)) //nolint:gosec
	v.liveBlocks -= uint64(len(freed))

	return nil
}

// unmapBlock unlinks the last data block of an inode and returns it together
// with every pointer block left empty by that.
func (v *Volume) unmapBlock(in *inode.Inode, logical uint64) ([]schema.BlockID, error) {
	path, err := v.bmap.Locate(logical)
	if err != nil {
		return nil, err
	}

	b, err := v.blockAt(in, logical)
	if err != nil {
		return nil, err
	}
	freed := []schema.BlockID{b}

	switch path.Level {
	case inode.LevelDirect:
		in.Direct[path.Outer] = schema.NullBlock

	case inode.LevelIndirect:
		if path.Outer == 0 {
			freed = append(freed, in.Indirect)
			in.Indirect = schema.NullBlock
		} else if err := v.setPointer(in.Indirect, path.Outer, schema.NullBlock); err != nil {
			return nil, err
		}

	case inode.LevelDouble:
		mid, err := v.pointer(in.DoubleIndirect, path.Outer)
		if err != nil {
			return nil, err
		}

		if path.Inner > 0 {
			if err := v.setPointer(mid, path.Inner, schema.NullBlock); err != nil {
				return nil, err
			}

			break
		}

		freed = append(freed, mid)

		if path.Outer == 0 {
			freed = append(freed, in.DoubleIndirect)
			in.DoubleIndirect = schema.NullBlock
		} else if err := v.setPointer(in.DoubleIndirect, path.Outer, schema.NullBlock); err != nil {
			return nil, err
		}
	}

	return freed, nil
}

// chain is every block reachable from an inode.
type chain struct {
	data     []schema.BlockID
	pointers []schema.BlockID
}

func (c chain) len() int {
	return len(c.data) + len(c.pointers)
}

// reachable walks every non-null pointer of an inode. Unlike blockAt it does
// not trust blocks_used, which is what a rebuild repairs.
func (v *Volume) reachable(in *inode.Inode) (chain, error) {
	var c chain

	for _, b := range in.Direct {
		if b != schema.NullBlock {
			c.data = append(c.data, b)
		}
	}

	pointers := func(block schema.BlockID) ([]schema.BlockID, error) {
		if err := v.checkDataBlock(in, block); err != nil {
			return nil, err
		}

		data, err := v.cache.Get(block)
		if err != nil {
			return nil, fmt.Errorf("(volume-walk) pointer block %d: %w", block, err)
		}

		var out []schema.BlockID
		for i := range v.bmap.PointersPerBlock() {
			if p := inode.Pointer(data, i); p != schema.NullBlock {
				out = append(out, p)
			}
		}

		return out, nil
	}

	if in.Indirect != schema.NullBlock {
		c.pointers = append(c.pointers, in.Indirect)

		ps, err := pointers(in.Indirect)
		if err != nil {
			return chain{}, err
		}
		c.data = append(c.data, ps...)
	}

	if in.DoubleIndirect != schema.NullBlock {
		c.pointers = append(c.pointers, in.DoubleIndirect)

		mids, err := pointers(in.DoubleIndirect)
		if err != nil {
			return chain{}, err
		}

		for _, mid := range mids {
			c.pointers = append(c.pointers, mid)

			ps, err := pointers(mid)
			if err != nil {
				return chain{}, err
			}
			c.data = append(c.data, ps...)
		}
	}

	for _, b := range c.data {
		if err := v.checkDataBlock(in, b); err != nil {
			return chain{}, err
		}
	}

	return c, nil
}

func (v *Volume) checkDataBlock(in *inode.Inode, b schema.BlockID) error {
	if uint32(b) < v.layout.dataStart || uint32(b) >= v.layout.total {
		return fmt.Errorf("(volume-walk) %w: inode %d points to block %d outside data region [%d, %d)",
			schema.ErrCorrupt, in.Number, b, v.layout.dataStart, v.layout.total)
	}

	return nil
}
