package volume

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/desertwitch/govol/internal/device"
	"github.com/desertwitch/govol/internal/profile"
	"github.com/desertwitch/govol/internal/schema"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	testUUID = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
)

func testOptions() Options {
	return Options{
		Label:  "Test Volume",
		UUID:   testUUID,
		Now:    func() time.Time { return testTime },
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func formatMemory(t *testing.T, p profile.Profile, blockSize uint32, blocks uint32) (*device.Memory, *Volume) {
	t.Helper()

	dev, err := device.NewMemory(blockSize, blocks)
	require.NoError(t, err)

	opts := testOptions()
	opts.BlockSize = blockSize

	v, err := Format(dev, p, opts)
	require.NoError(t, err)

	return dev, v
}

func requireAccounting(t *testing.T, v *Volume) {
	t.Helper()

	s := v.Stats()
	require.Equal(t, uint64(s.TotalBlocks), uint64(s.FreeBlocks)+s.UsedBlocks+uint64(s.ReservedBlocks),
		"free %d + used %d + reserved %d", s.FreeBlocks, s.UsedBlocks, s.ReservedBlocks)
}

func requireVerified(t *testing.T, v *Volume) {
	t.Helper()

	r, err := v.Verify()
	require.NoError(t, err)
	require.Empty(t, r.Problems)
}

// faultyDevice is a memory device with switchable read and write failures.
type faultyDevice struct {
	*device.Memory
	failReads  atomic.Bool
	failWrites atomic.Bool
}

func (d *faultyDevice) ReadBlock(id schema.BlockID) ([]byte, error) {
	if d.failReads.Load() {
		return nil, fmt.Errorf("(test-read) %w: block %d", schema.ErrIO, id)
	}

	return d.Memory.ReadBlock(id)
}

func (d *faultyDevice) WriteBlock(id schema.BlockID, data []byte) error {
	if d.failWrites.Load() {
		return fmt.Errorf("(test-write) %w: block %d", schema.ErrIO, id)
	}

	return d.Memory.WriteBlock(id, data)
}

// TestFormat_Layout_Success verifies the layout of a freshly formatted
// embedded volume.
func TestFormat_Layout_Success(t *testing.T) {
	t.Parallel()

	_, v := formatMemory(t, profile.Embedded, 512, 128)

	s := v.Stats()
	assert.Equal(t, "test-volume", s.Label)
	assert.Equal(t, testUUID, s.UUID)
	assert.Equal(t, profile.Embedded, s.Profile)
	assert.Equal(t, uint32(512), s.BlockSize)
	assert.Equal(t, uint32(128), s.TotalBlocks)
	assert.Equal(t, uint32(10), s.ReservedBlocks, "superblock, 1 bitmap block, 8 inode table blocks")
	assert.Equal(t, uint64(1), s.UsedBlocks, "root directory")
	assert.Equal(t, uint32(117), s.FreeBlocks)
	assert.Equal(t, uint32(32), s.InodeCount)
	assert.Equal(t, uint32(31), s.FreeInodes)
	assert.Equal(t, uint32(1), s.MountCount)

	root, err := v.Stat(schema.RootInode)
	require.NoError(t, err)
	assert.Equal(t, schema.TypeDirectory, root.Type)
	assert.Equal(t, uint16(2), root.Links)
	assert.Equal(t, uint32(1), root.BlocksUsed)

	parent, err := v.Lookup(schema.RootInode, "..")
	require.NoError(t, err)
	assert.Equal(t, schema.RootInode, parent, "the root is its own parent")

	requireVerified(t, v)
}

// TestFormat_DeviceSize verifies that a volume spans the profile capacity or
// the device, whichever is smaller.
func TestFormat_DeviceSize(t *testing.T) {
	t.Parallel()

	_, big := formatMemory(t, profile.Embedded, 512, 256)
	assert.Equal(t, uint32(128), big.Stats().TotalBlocks)

	_, small := formatMemory(t, profile.Embedded, 512, 64)
	assert.Equal(t, uint32(64), small.Stats().TotalBlocks)
	assert.Equal(t, uint32(16), small.Stats().InodeCount)
	requireVerified(t, small)
}

// TestFormat_Fail_Arguments verifies the argument checks of Format.
func TestFormat_Fail_Arguments(t *testing.T) {
	t.Parallel()

	dev, err := device.NewMemory(512, 128)
	require.NoError(t, err)

	_, err = Format(dev, profile.Profile(42), testOptions())
	require.ErrorIs(t, err, schema.ErrUnknownProfile)

	_, err = Format(dev, profile.Desktop, testOptions())
	require.ErrorIs(t, err, schema.ErrInvalidArgument)
	require.ErrorIs(t, err, ErrBlockSizeMismatch)

	opts := testOptions()
	opts.BlockSize = 4096
	_, err = Format(dev, profile.Embedded, opts)
	require.ErrorIs(t, err, schema.ErrInvalidArgument)

	tiny, err := device.NewMemory(512, 4)
	require.NoError(t, err)
	_, err = Format(tiny, profile.Embedded, testOptions())
	require.ErrorIs(t, err, schema.ErrInvalidArgument)

	// nothing above may leave a claim behind
	v, err := Format(dev, profile.Embedded, testOptions())
	require.NoError(t, err)
	require.NoError(t, v.Unmount())
}

// TestFormat_RandomUUID verifies that a UUID is generated when none is given.
func TestFormat_RandomUUID(t *testing.T) {
	t.Parallel()

	dev, err := device.NewMemory(512, 128)
	require.NoError(t, err)

	opts := testOptions()
	opts.UUID = uuid.Nil

	v, err := Format(dev, profile.Embedded, opts)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, v.Stats().UUID)
}

// TestMount_Success verifies a clean unmount and mount cycle.
func TestMount_Success(t *testing.T) {
	t.Parallel()

	dev, v := formatMemory(t, profile.Embedded, 512, 128)
	before := v.Stats()
	require.NoError(t, v.Unmount())

	sb, err := Probe(dev)
	require.NoError(t, err)
	assert.True(t, sb.Clean())
	assert.Equal(t, before.FreeBlocks, sb.FreeBlocks)

	v, err = Mount(dev, testOptions())
	require.NoError(t, err)

	after := v.Stats()
	assert.Equal(t, uint32(2), after.MountCount)
	assert.Equal(t, before.FreeBlocks, after.FreeBlocks)
	assert.Equal(t, before.FreeInodes, after.FreeInodes)
	assert.True(t, after.LastMount.Equal(testTime))

	sb, err = Probe(dev)
	require.NoError(t, err)
	assert.False(t, sb.Clean(), "a mounted volume is not clean on disk")

	requireVerified(t, v)
}

// TestMount_Fail_Busy verifies that a device is mounted at most once.
func TestMount_Fail_Busy(t *testing.T) {
	t.Parallel()

	dev, v := formatMemory(t, profile.Embedded, 512, 128)

	_, err := Mount(dev, testOptions())
	require.ErrorIs(t, err, schema.ErrBusy)

	require.NoError(t, v.Unmount())

	v, err = Mount(dev, testOptions())
	require.NoError(t, err)
	require.NoError(t, v.Unmount())
}

// TestMount_Fail_CorruptChecksum verifies that a single flipped byte in the
// superblock refuses the mount.
func TestMount_Fail_CorruptChecksum(t *testing.T) {
	t.Parallel()

	for _, off := range []int{sbFree, sbLabel + 3, sbChecksum} {
		t.Run(fmt.Sprintf("Offset_%d", off), func(t *testing.T) {
			t.Parallel()

			dev, v := formatMemory(t, profile.Embedded, 512, 128)
			require.NoError(t, v.Unmount())

			block, err := dev.ReadBlock(0)
			require.NoError(t, err)
			block[off] ^= 0x5A
			require.NoError(t, dev.WriteBlock(0, block))

			_, err = Mount(dev, testOptions())
			require.ErrorIs(t, err, schema.ErrCorruptSuperblock)
			require.ErrorIs(t, err, ErrChecksum)

			// the failed mount released the device
			_, err = Mount(dev, testOptions())
			require.ErrorIs(t, err, schema.ErrCorruptSuperblock)
		})
	}
}

// TestMount_Fail_Unformatted verifies that a blank device is refused.
func TestMount_Fail_Unformatted(t *testing.T) {
	t.Parallel()

	dev, err := device.NewMemory(512, 128)
	require.NoError(t, err)

	_, err = Mount(dev, testOptions())
	require.ErrorIs(t, err, schema.ErrCorruptSuperblock)
	require.ErrorIs(t, err, ErrBadMagic)
}

// TestMount_RebuildsBitmap_Unclean verifies the bitmap rebuild after a
// volume was not unmounted, including repair of a damaged block count.
func TestMount_RebuildsBitmap_Unclean(t *testing.T) {
	t.Parallel()

	dev, v := formatMemory(t, profile.Embedded, 512, 128)

	ino, err := v.Create(schema.RootInode, "kernel.img", schema.TypeKernelImage, 0)
	require.NoError(t, err)
	_, err = v.Write(ino, 0, make([]byte, 3*512))
	require.NoError(t, err)
	require.NoError(t, v.Sync())

	want := v.Stats()

	// simulate a crash: the handle is dropped without unmount, the bitmap
	// claims every block and the inode miscounts its blocks
	require.NoError(t, dev.Release())
	require.NoError(t, dev.WriteBlock(1, make([]byte, 512)))

	id, off := v.layout.inodeSlot(ino)
	table, err := dev.ReadBlock(id)
	require.NoError(t, err)
	table[off+20] = 99
	require.NoError(t, dev.WriteBlock(id, table))

	v, err = Mount(dev, testOptions())
	require.NoError(t, err)

	got := v.Stats()
	assert.Equal(t, want.FreeBlocks, got.FreeBlocks)
	assert.Equal(t, want.UsedBlocks, got.UsedBlocks)

	in, err := v.Stat(ino)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), in.BlocksUsed)

	requireAccounting(t, v)
	requireVerified(t, v)
}

// TestMount_RebuildsBitmap_Mismatch verifies the rebuild of a bitmap that
// disagrees with the superblock of a cleanly unmounted volume.
func TestMount_RebuildsBitmap_Mismatch(t *testing.T) {
	t.Parallel()

	dev, v := formatMemory(t, profile.Embedded, 512, 128)
	_, err := v.Create(schema.RootInode, "boot.cfg", schema.TypeConfig, 1024)
	require.NoError(t, err)
	want := v.Stats().FreeBlocks
	require.NoError(t, v.Unmount())

	bm, err := dev.ReadBlock(1)
	require.NoError(t, err)
	bm[15] = 0x00
	require.NoError(t, dev.WriteBlock(1, bm))

	v, err = Mount(dev, testOptions())
	require.NoError(t, err)
	assert.Equal(t, want, v.Stats().FreeBlocks)
	requireVerified(t, v)
}

// TestUnmount_Fail_Unmounted verifies that a handle is unusable after
// unmount.
func TestUnmount_Fail_Unmounted(t *testing.T) {
	t.Parallel()

	_, v := formatMemory(t, profile.Embedded, 512, 128)
	require.NoError(t, v.Unmount())

	require.ErrorIs(t, v.Unmount(), schema.ErrUnmounted)
	require.ErrorIs(t, v.Sync(), schema.ErrUnmounted)

	_, err := v.Stat(schema.RootInode)
	require.ErrorIs(t, err, schema.ErrUnmounted)

	_, err = v.Create(schema.RootInode, "x", schema.TypeRegular, 0)
	require.ErrorIs(t, err, schema.ErrUnmounted)

	_, err = v.Verify()
	require.ErrorIs(t, err, schema.ErrUnmounted)
}

// TestDevice_Fail_IO verifies that device failures surface as ErrIO.
func TestDevice_Fail_IO(t *testing.T) {
	t.Parallel()

	mem, err := device.NewMemory(512, 128)
	require.NoError(t, err)
	dev := &faultyDevice{Memory: mem}

	opts := testOptions()
	opts.CacheBudget = 512

	v, err := Format(dev, profile.Embedded, opts)
	require.NoError(t, err)

	ino, err := v.Create(schema.RootInode, "data", schema.TypeRegular, 0)
	require.NoError(t, err)
	_, err = v.Write(ino, 0, []byte("payload"))
	require.NoError(t, err)

	dev.failReads.Store(true)
	_, err = v.Read(ino, 0, 7)
	require.ErrorIs(t, err, schema.ErrIO)
	dev.failReads.Store(false)

	dev.failWrites.Store(true)
	require.ErrorIs(t, v.Sync(), schema.ErrIO)
	dev.failWrites.Store(false)

	require.NoError(t, v.Unmount())

	dev.failReads.Store(true)
	_, err = Mount(dev, opts)
	require.ErrorIs(t, err, schema.ErrIO)
}

// TestWrite_Fail_IO_KeepsAccounting verifies that a write failing on the
// device gives back its blocks, and that the volume works normally once the
// device recovers.
func TestWrite_Fail_IO_KeepsAccounting(t *testing.T) {
	t.Parallel()

	mem, err := device.NewMemory(512, 128)
	require.NoError(t, err)
	dev := &faultyDevice{Memory: mem}

	opts := testOptions()
	opts.CacheBudget = 512

	v, err := Format(dev, profile.Embedded, opts)
	require.NoError(t, err)

	ino, err := v.Create(schema.RootInode, "data", schema.TypeRegular, 0)
	require.NoError(t, err)
	_, err = v.Write(ino, 0, []byte("payload"))
	require.NoError(t, err)

	before := v.Stats()
	data := bytes.Repeat([]byte("x"), 3*512)

	dev.failWrites.Store(true)
	_, err = v.Write(ino, 0, data)
	require.ErrorIs(t, err, schema.ErrIO)

	requireAccounting(t, v)
	assert.Equal(t, before.FreeBlocks, v.Stats().FreeBlocks)
	assert.Equal(t, before.UsedBlocks, v.Stats().UsedBlocks)

	dev.failWrites.Store(false)

	_, err = v.Write(ino, 0, data)
	require.NoError(t, err)
	_, err = v.Create(schema.RootInode, "more", schema.TypeRegular, 0)
	require.NoError(t, err)

	got, err := v.Read(ino, 0, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	requireAccounting(t, v)
	requireVerified(t, v)
}

// TestWrite_Fail_IO_Indirect verifies that a write failing while it links
// blocks into an existing indirect block leaves the chain as it was.
func TestWrite_Fail_IO_Indirect(t *testing.T) {
	t.Parallel()

	mem, err := device.NewMemory(512, 128)
	require.NoError(t, err)
	dev := &faultyDevice{Memory: mem}

	opts := testOptions()
	opts.CacheBudget = 512

	v, err := Format(dev, profile.Embedded, opts)
	require.NoError(t, err)

	ino, err := v.Create(schema.RootInode, "log", schema.TypeRegular, 0)
	require.NoError(t, err)

	head := bytes.Repeat([]byte("h"), 13*512)
	_, err = v.Write(ino, 0, head)
	require.NoError(t, err)

	before := v.Stats()
	tail := bytes.Repeat([]byte("t"), 7*512)

	dev.failReads.Store(true)
	_, err = v.Write(ino, uint64(len(head)), tail)
	require.ErrorIs(t, err, schema.ErrIO)
	dev.failReads.Store(false)

	requireAccounting(t, v)
	assert.Equal(t, before.FreeBlocks, v.Stats().FreeBlocks)
	requireVerified(t, v)

	_, err = v.Write(ino, uint64(len(head)), tail)
	require.NoError(t, err)

	got, err := v.Read(ino, 0, len(head)+len(tail))
	require.NoError(t, err)
	assert.Equal(t, append(head, tail...), got)

	requireAccounting(t, v)
	requireVerified(t, v)
}

// TestOptions_Logger verifies that the cache below a volume logs through the
// logger given in the options.
func TestOptions_Logger(t *testing.T) {
	t.Parallel()

	dev, err := device.NewMemory(512, 128)
	require.NoError(t, err)

	var buf bytes.Buffer
	opts := testOptions()
	opts.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	v, err := Format(dev, profile.Embedded, opts)
	require.NoError(t, err)

	ino, err := v.Create(schema.RootInode, "data", schema.TypeRegular, 0)
	require.NoError(t, err)
	_, err = v.Write(ino, 0, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, v.Sync())

	assert.Contains(t, buf.String(), "Formatted volume")
	assert.Contains(t, buf.String(), "Flushed block cache")
}

// TestStats_CacheCounters verifies that repeated reads of one file are served
// by the block cache.
func TestStats_CacheCounters(t *testing.T) {
	t.Parallel()

	_, v := formatMemory(t, profile.Embedded, 512, 128)

	ino, err := v.Create(schema.RootInode, "boot.cfg", schema.TypeConfig, 0)
	require.NoError(t, err)
	_, err = v.Write(ino, 0, []byte("key=value"))
	require.NoError(t, err)

	_, err = v.Read(ino, 0, 9)
	require.NoError(t, err)
	first := v.Stats().Cache

	_, err = v.Read(ino, 0, 9)
	require.NoError(t, err)
	second := v.Stats().Cache

	assert.Equal(t, first.Misses, second.Misses)
	assert.Greater(t, second.Hits, first.Hits)
}
