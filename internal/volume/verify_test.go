package volume

import (
	"testing"

	"github.com/desertwitch/govol/internal/profile"
	"github.com/desertwitch/govol/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestVerify_Success verifies the counters of a report on a consistent
// volume.
func TestVerify_Success(t *testing.T) {
	t.Parallel()

	_, v := formatMemory(t, profile.Embedded, 512, 128)

	etc, err := v.Mkdir(schema.RootInode, "etc")
	require.NoError(t, err)
	_, err = v.Create(etc, "fstab", schema.TypeConfig, 700)
	require.NoError(t, err)
	_, err = v.Symlink(schema.RootInode, "cfg", "/etc/fstab")
	require.NoError(t, err)

	r, err := v.Verify()
	require.NoError(t, err)
	assert.True(t, r.OK())
	assert.Equal(t, 4, r.Inodes)
	assert.Equal(t, 2, r.Directories)
	assert.Equal(t, 1, r.Files)
	assert.Equal(t, 1, r.Symlinks)
	assert.Equal(t, uint64(5), r.UsedBlocks, "2 directories, 2 file blocks, 1 link block")
	assert.Equal(t, uint32(128), r.TotalBlocks)
}

// TestVerify_DetectsBrokenAccounting verifies that a block freed behind the
// volume's back is reported and blocks further mutations.
func TestVerify_DetectsBrokenAccounting(t *testing.T) {
	t.Parallel()

	_, v := formatMemory(t, profile.Embedded, 512, 128)

	ino, err := v.Create(schema.RootInode, "boot.cfg", schema.TypeConfig, 1024)
	require.NoError(t, err)

	in, err := v.Stat(ino)
	require.NoError(t, err)
	require.NoError(t, v.alloc.Free(in.Direct[1]))

	r, err := v.Verify()
	require.NoError(t, err)
	assert.False(t, r.OK())
	assert.GreaterOrEqual(t, len(r.Problems), 2, "bitmap and accounting")

	_, err = v.Create(schema.RootInode, "other", schema.TypeRegular, 0)
	require.ErrorIs(t, err, schema.ErrCorrupt)
}

// TestVerify_DetectsOrphan verifies that an inode without a directory entry
// is reported.
func TestVerify_DetectsOrphan(t *testing.T) {
	t.Parallel()

	_, v := formatMemory(t, profile.Embedded, 512, 128)

	ino, err := v.Create(schema.RootInode, "boot.cfg", schema.TypeConfig, 0)
	require.NoError(t, err)

	v.Lock()
	root, err := v.liveDir(schema.RootInode)
	require.NoError(t, err)
	require.NoError(t, v.remove(&root, "boot.cfg"))
	v.Unlock()

	r, err := v.Verify()
	require.NoError(t, err)
	require.Len(t, r.Problems, 1)
	assert.Contains(t, r.Problems[0], "not linked")

	_, err = v.Stat(ino)
	require.NoError(t, err)
}
