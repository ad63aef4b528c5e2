// Package volume implements the volume manager: formatting and mounting of a
// block device, the inode table with its file operations and the directory
// layer. A [Volume] is an explicit handle owned by the caller; all of its
// operations are serialized by one volume-wide lock.
package volume

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/desertwitch/govol/internal/allocation"
	"github.com/desertwitch/govol/internal/cache"
	"github.com/desertwitch/govol/internal/directory"
	"github.com/desertwitch/govol/internal/inode"
	"github.com/desertwitch/govol/internal/profile"
	"github.com/desertwitch/govol/internal/schema"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const (
	// DefaultCacheBlocks is the cache budget, in blocks, used when
	// [Options.CacheBudget] is not set.
	DefaultCacheBlocks = 256
)

// Options configures [Format] and [Mount]. The zero value is usable.
type Options struct {
	// Label is normalized with [NormalizeLabel]. Format only.
	Label string

	// UUID is generated at random when zero. Format only.
	UUID uuid.UUID

	// BlockSize overrides the profile's block size within its allowed range.
	// Format only.
	BlockSize uint32

	// CacheBudget is the block cache capacity in bytes.
	CacheBudget uint64

	Now    func() time.Time
	Logger *slog.Logger
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}

	return time.Now()
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}

	return slog.Default()
}

// Volume is a mounted volume.
type Volume struct {
	sync.Mutex
	device     schema.Device
	cache      *cache.Cache
	alloc      *allocation.Handler
	sb         Superblock
	layout     layout
	bmap       inode.Map
	freeInodes inodeHeap
	liveBlocks uint64
	mounted    bool
	now        func() time.Time
	log        *slog.Logger
}

// Stats is a snapshot of the usage counters of a [Volume].
type Stats struct {
	Label          string
	UUID           uuid.UUID
	Profile        profile.Profile
	BlockSize      uint32
	TotalBlocks    uint32
	FreeBlocks     uint32
	ReservedBlocks uint32
	UsedBlocks     uint64
	InodeCount     uint32
	FreeInodes     uint32
	MountCount     uint32
	Created        time.Time
	LastMount      time.Time
	Cache          cache.Stats
}

func newVolume(dev schema.Device, sb Superblock, l layout, opts *Options) *Volume {
	budget := opts.CacheBudget
	if budget == 0 {
		budget = DefaultCacheBlocks * uint64(sb.BlockSize)
	}

	return &Volume{
		device:  dev,
		cache:   cache.New(dev, budget, opts.logger()),
		sb:      sb,
		layout:  l,
		bmap:    inode.NewMap(sb.BlockSize),
		mounted: true,
		now:     opts.now,
		log:     opts.logger(),
	}
}

func claim(dev schema.Device) error {
	if c, ok := dev.(schema.Claimer); ok {
		if err := c.Claim(); err != nil {
			return fmt.Errorf("(volume-claim) %w", err)
		}
	}

	return nil
}

func release(dev schema.Device) error {
	if c, ok := dev.(schema.Claimer); ok {
		if err := c.Release(); err != nil {
			return fmt.Errorf("(volume-release) %w", err)
		}
	}

	return nil
}

// Format lays out a new volume of the given profile on a device and returns
// it mounted. The volume spans the profile's capacity or the device,
// whichever is smaller.
func Format(dev schema.Device, p profile.Profile, opts Options) (*Volume, error) {
	g, err := profile.Resolve(p)
	if err != nil {
		return nil, fmt.Errorf("(volume-format) %w", err)
	}

	bs := g.BlockSize
	if opts.BlockSize != 0 {
		bs = opts.BlockSize
	}

	if err := g.Validate(bs); err != nil {
		return nil, fmt.Errorf("(volume-format) %w", err)
	}

	if dev.BlockSize() != bs {
		return nil, fmt.Errorf("(volume-format) %w: %w: device has %d, volume needs %d",
			schema.ErrInvalidArgument, ErrBlockSizeMismatch, dev.BlockSize(), bs)
	}

	total := uint32(min(g.Capacity/uint64(bs), uint64(dev.BlockCount()))) //nolint:gosec
	inodes := inodeCount(total, bs, g.BytesPerInode)

	l, err := newLayout(bs, total, inodes)
	if err != nil {
		return nil, fmt.Errorf("(volume-format) %w: %w", schema.ErrInvalidArgument, err)
	}

	id := opts.UUID
	if id == uuid.Nil {
		if id, err = uuid.NewRandom(); err != nil {
			return nil, fmt.Errorf("(volume-format) uuid: %w", err)
		}
	}

	if err := claim(dev); err != nil {
		return nil, err
	}

	created := opts.now()
	sb := Superblock{
		Version:     Version,
		Profile:     p,
		TotalBlocks: total,
		BlockSize:   bs,
		InodeCount:  inodes,
		RootInode:   schema.RootInode,
		Created:     created,
		LastMount:   created,
		MountCount:  1,
		Label:       NormalizeLabel(opts.Label),
		UUID:        id,
	}

	v := newVolume(dev, sb, l, &opts)
	if err := v.format(); err != nil {
		_ = release(dev)

		return nil, err
	}

	v.log.Info("Formatted volume",
		"label", v.sb.Label,
		"uuid", v.sb.UUID,
		"profile", p,
		"blockSize", humanize.IBytes(uint64(bs)),
		"size", humanize.IBytes(uint64(total)*uint64(bs)),
		"inodes", inodes,
	)

	return v, nil
}

func (v *Volume) format() error {
	alloc, err := allocation.NewHandler(v.layout.total, v.layout.reserved(), v.log)
	if err != nil {
		return fmt.Errorf("(volume-format) %w", err)
	}
	v.alloc = alloc

	zero := make([]byte, v.layout.blockSize)
	for i := range v.layout.tableBlocks {
		if err := v.cache.Put(v.layout.tableStart+schema.BlockID(i), zero); err != nil {
			return fmt.Errorf("(volume-format) inode table: %w", err)
		}
	}

	v.freeInodes = newInodeHeap(schema.RootInode+1, v.layout.inodes)

	now := v.now()
	root := inode.Inode{
		Number:   schema.RootInode,
		Type:     schema.TypeDirectory,
		Mode:     inode.DefaultDirMode,
		Links:    2, //nolint:mnd
		Created:  now,
		Modified: now,
		Accessed: now,
	}

	if err := v.grow(&root, 1); err != nil {
		return fmt.Errorf("(volume-format) root: %w", err)
	}

	block := make([]byte, v.layout.blockSize)
	directory.InitFirst(block, schema.RootInode, schema.RootInode)
	if err := v.cache.Put(root.Direct[0], block); err != nil {
		return fmt.Errorf("(volume-format) root: %w", err)
	}
	root.Size = uint64(v.layout.blockSize)

	if err := v.storeInode(&root); err != nil {
		return fmt.Errorf("(volume-format) root: %w", err)
	}

	if err := v.persist(false); err != nil {
		return fmt.Errorf("(volume-format) %w", err)
	}

	return v.checkAccounting("format")
}

// Mount opens a formatted volume. A bitmap that was not persisted by a clean
// unmount, or that disagrees with the superblock, is rebuilt from the inode
// table before the volume is returned.
func Mount(dev schema.Device, opts Options) (*Volume, error) {
	if err := claim(dev); err != nil {
		return nil, err
	}

	v, err := mount(dev, &opts)
	if err != nil {
		_ = release(dev)

		return nil, err
	}

	return v, nil
}

func mount(dev schema.Device, opts *Options) (*Volume, error) {
	raw, err := dev.ReadBlock(0)
	if err != nil {
		return nil, fmt.Errorf("(volume-mount) superblock: %w", err)
	}

	sb, err := DecodeSuperblock(raw)
	if err != nil {
		return nil, fmt.Errorf("(volume-mount) %w", err)
	}

	if sb.BlockSize != dev.BlockSize() {
		return nil, fmt.Errorf("(volume-mount) %w: %w: device has %d, volume has %d",
			schema.ErrCorruptSuperblock, ErrBlockSizeMismatch, dev.BlockSize(), sb.BlockSize)
	}

	if sb.TotalBlocks > dev.BlockCount() {
		return nil, fmt.Errorf("(volume-mount) %w: %w: %d blocks on a device of %d",
			schema.ErrCorruptSuperblock, ErrGeometry, sb.TotalBlocks, dev.BlockCount())
	}

	l, err := newLayout(sb.BlockSize, sb.TotalBlocks, sb.InodeCount)
	if err != nil {
		return nil, fmt.Errorf("(volume-mount) %w: %w", schema.ErrCorruptSuperblock, err)
	}

	v := newVolume(dev, sb, l, opts)

	bm, err := v.readBitmap()
	if err != nil {
		return nil, fmt.Errorf("(volume-mount) %w", err)
	}

	if v.alloc, err = allocation.Load(bm, l.total, l.reserved(), v.log); err != nil {
		return nil, fmt.Errorf("(volume-mount) %w: %w", schema.ErrCorrupt, err)
	}

	if err := v.loadInodes(); err != nil {
		return nil, fmt.Errorf("(volume-mount) %w", err)
	}

	if reason := v.rebuildReason(); reason != "" {
		v.log.Warn("Rebuilding free block bitmap", "label", v.sb.Label, "reason", reason)

		if err := v.rebuild(); err != nil {
			return nil, fmt.Errorf("(volume-mount) rebuild: %w", err)
		}
	}

	v.sb.MountCount++
	v.sb.LastMount = v.now()

	if err := v.persist(false); err != nil {
		return nil, fmt.Errorf("(volume-mount) %w", err)
	}

	v.log.Info("Mounted volume",
		"label", v.sb.Label,
		"profile", v.sb.Profile,
		"free", humanize.IBytes(uint64(v.alloc.FreeCount())*uint64(v.sb.BlockSize)),
		"mounts", v.sb.MountCount,
	)

	return v, nil
}

func (v *Volume) rebuildReason() string {
	switch {
	case !v.sb.Clean():
		return "not cleanly unmounted"
	case v.alloc.FreeCount() != v.sb.FreeBlocks:
		return fmt.Sprintf("bitmap has %d free blocks, superblock %d", v.alloc.FreeCount(), v.sb.FreeBlocks)
	case v.accounted() != uint64(v.layout.total):
		return "block accounting mismatch"
	default:
		return ""
	}
}

// Unmount flushes all dirty state, marks the bitmap clean and releases the
// device. The handle is unusable afterwards.
func (v *Volume) Unmount() error {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return err
	}

	if err := v.persist(true); err != nil {
		return fmt.Errorf("(volume-unmount) %w", err)
	}

	v.mounted = false

	if err := release(v.device); err != nil {
		return err
	}

	v.log.Info("Unmounted volume", "label", v.sb.Label)

	return nil
}

// Sync persists the bitmap, the superblock and every dirty cached block
// without unmounting.
func (v *Volume) Sync() error {
	v.Lock()
	defer v.Unlock()

	if err := v.checkMounted(); err != nil {
		return err
	}

	if err := v.persist(false); err != nil {
		return fmt.Errorf("(volume-sync) %w", err)
	}

	return nil
}

// Superblock returns a copy of the in-memory superblock.
func (v *Volume) Superblock() Superblock {
	v.Lock()
	defer v.Unlock()

	sb := v.sb
	sb.FreeBlocks = v.alloc.FreeCount()
	sb.FreeInodes = uint32(v.freeInodes.Len()) //nolint:gosec

	return sb
}

// Stats returns the usage counters of the volume.
func (v *Volume) Stats() Stats {
	v.Lock()
	defer v.Unlock()

	return Stats{
		Label:          v.sb.Label,
		UUID:           v.sb.UUID,
		Profile:        v.sb.Profile,
		BlockSize:      v.sb.BlockSize,
		TotalBlocks:    v.layout.total,
		FreeBlocks:     v.alloc.FreeCount(),
		ReservedBlocks: v.layout.reserved(),
		UsedBlocks:     v.liveBlocks,
		InodeCount:     v.layout.inodes,
		FreeInodes:     uint32(v.freeInodes.Len()), //nolint:gosec
		MountCount:     v.sb.MountCount,
		Created:        v.sb.Created,
		LastMount:      v.sb.LastMount,
		Cache:          v.cache.Stats(),
	}
}

func (v *Volume) checkMounted() error {
	if !v.mounted {
		return fmt.Errorf("(volume) %w", schema.ErrUnmounted)
	}

	return nil
}

// persist writes the bitmap and the superblock through the cache, flushes
// the cache and syncs the device.
func (v *Volume) persist(clean bool) error {
	if err := v.writeBitmap(); err != nil {
		return err
	}

	v.sb.FreeBlocks = v.alloc.FreeCount()
	v.sb.FreeInodes = uint32(v.freeInodes.Len()) //nolint:gosec
	if clean {
		v.sb.Flags |= FlagBitmapClean
	} else {
		v.sb.Flags &^= FlagBitmapClean
	}

	block := make([]byte, v.layout.blockSize)
	copy(block, v.sb.Encode())
	if err := v.cache.Put(0, block); err != nil {
		return fmt.Errorf("(volume-persist) superblock: %w", err)
	}

	if err := v.cache.Flush(); err != nil {
		return fmt.Errorf("(volume-persist) %w", err)
	}
	v.alloc.MarkClean()

	if s, ok := v.device.(schema.Syncer); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("(volume-persist) sync: %w", err)
		}
	}

	return nil
}

func (v *Volume) writeBitmap() error {
	bm := v.alloc.Bytes()
	bs := int(v.layout.blockSize)

	for i := range v.layout.bitmapBlocks {
		block := make([]byte, bs)
		if start := int(i) * bs; start < len(bm) {
			copy(block, bm[start:])
		}

		if err := v.cache.Put(v.layout.bitmapStart+schema.BlockID(i), block); err != nil {
			return fmt.Errorf("(volume-bitmap) %w", err)
		}
	}

	return nil
}

func (v *Volume) readBitmap() ([]byte, error) {
	bm := make([]byte, 0, int(v.layout.bitmapBlocks)*int(v.layout.blockSize))

	for i := range v.layout.bitmapBlocks {
		block, err := v.cache.Get(v.layout.bitmapStart + schema.BlockID(i))
		if err != nil {
			return nil, fmt.Errorf("(volume-bitmap) %w", err)
		}
		bm = append(bm, block...)
	}

	return bm, nil
}

// accounted returns free + used + reserved blocks, which equals the volume
// size on a consistent volume.
func (v *Volume) accounted() uint64 {
	return uint64(v.alloc.FreeCount()) + v.liveBlocks + uint64(v.layout.reserved())
}

// checkAccounting verifies the block accounting after a mutating operation.
func (v *Volume) checkAccounting(op string) error {
	if got := v.accounted(); got != uint64(v.layout.total) {
		err := fmt.Errorf("(volume-%s) %w: free %d + used %d + reserved %d != total %d",
			op, schema.ErrCorrupt, v.alloc.FreeCount(), v.liveBlocks, v.layout.reserved(), v.layout.total)
		v.log.Error("Block accounting broken", "op", op, "err", err)

		return err
	}

	return nil
}

// inodeHeap is a min-heap of free inode numbers, so the lowest free slot is
// reused first.
type inodeHeap []schema.InodeID

func newInodeHeap(from schema.InodeID, to uint32) inodeHeap {
	h := make(inodeHeap, 0, to)
	for n := from; uint32(n) <= to; n++ {
		h = append(h, n)
	}

	return h // ascending order is a valid heap
}

func (h inodeHeap) Len() int           { return len(h) }
func (h inodeHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h inodeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *inodeHeap) Push(x any) {
	*h = append(*h, x.(schema.InodeID)) //nolint:forcetypeassert
}

func (h *inodeHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]

	return n
}

func (v *Volume) takeInode() (schema.InodeID, error) {
	if v.freeInodes.Len() == 0 {
		return schema.NullInode, fmt.Errorf("(volume-inode) %w: all %d inodes in use", schema.ErrResourceExhausted, v.layout.inodes)
	}

	return heap.Pop(&v.freeInodes).(schema.InodeID), nil //nolint:forcetypeassert
}

func (v *Volume) returnInode(n schema.InodeID) {
	heap.Push(&v.freeInodes, n)
}
