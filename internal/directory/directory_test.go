package directory

import (
	"fmt"
	"strings"
	"testing"

	"github.com/desertwitch/govol/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestInitFirst_DotEntries verifies the first two entries of a new directory.
func TestInitFirst_DotEntries(t *testing.T) {
	t.Parallel()

	block := make([]byte, 512)
	InitFirst(block, 5, 1)

	entries, err := Entries(block)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{Inode: 5, Type: schema.TypeDirectory, Name: "."}, entries[0])
	assert.Equal(t, Entry{Inode: 1, Type: schema.TypeDirectory, Name: ".."}, entries[1])
}

// TestInsertFind_Success verifies inserting into slack and finding by exact,
// case-sensitive name.
func TestInsertFind_Success(t *testing.T) {
	t.Parallel()

	block := make([]byte, 512)
	InitFirst(block, 1, 1)

	ok, err := Insert(block, Entry{Inode: 2, Type: schema.TypeConfig, Name: "boot.cfg"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Insert(block, Entry{Inode: 3, Type: schema.TypeRegular, Name: "Boot.cfg"})
	require.NoError(t, err)
	require.True(t, ok)

	e, found, err := Find(block, "boot.cfg")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, schema.InodeID(2), e.Inode)
	assert.Equal(t, schema.TypeConfig, e.Type)

	e, found, err = Find(block, "Boot.cfg")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, schema.InodeID(3), e.Inode)

	_, found, err = Find(block, "BOOT.CFG")
	require.NoError(t, err)
	assert.False(t, found)
}

// TestInsert_UntilFull verifies that a block reports being full exactly when
// the aligned records no longer fit.
func TestInsert_UntilFull(t *testing.T) {
	t.Parallel()

	block := make([]byte, 512)
	InitEmpty(block)

	// 8 byte header + 8 byte name = 16 bytes per record
	inserted := 0
	for i := range 100 {
		ok, err := Insert(block, Entry{Inode: schema.InodeID(i + 1), Type: schema.TypeRegular, Name: fmt.Sprintf("file%04d", i)})
		require.NoError(t, err)
		if !ok {
			break
		}
		inserted++
	}
	assert.Equal(t, 512/16, inserted)

	entries, err := Entries(block)
	require.NoError(t, err)
	assert.Len(t, entries, inserted)
}

// TestRemove_MergeAndTombstone verifies both removal strategies and reuse of
// the freed space.
func TestRemove_MergeAndTombstone(t *testing.T) {
	t.Parallel()

	block := make([]byte, 512)
	InitEmpty(block)

	for i, name := range []string{"a", "b", "c"} {
		ok, err := Insert(block, Entry{Inode: schema.InodeID(i + 10), Type: schema.TypeRegular, Name: name})
		require.NoError(t, err)
		require.True(t, ok)
	}

	removed, ok, err := Remove(block, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, schema.InodeID(11), removed.Inode)

	removed, ok, err = Remove(block, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, schema.InodeID(10), removed.Inode)

	entries, err := Entries(block)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c", entries[0].Name)

	_, ok, err = Remove(block, "a")
	require.NoError(t, err)
	assert.False(t, ok, "second removal finds nothing")

	ok, err = Insert(block, Entry{Inode: 20, Type: schema.TypeRegular, Name: "d"})
	require.NoError(t, err)
	require.True(t, ok)

	e, found, err := Find(block, "d")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, schema.InodeID(20), e.Inode)
}

// TestWalk_Fail_Corrupt verifies that malformed records are reported.
func TestWalk_Fail_Corrupt(t *testing.T) {
	t.Parallel()

	block := make([]byte, 512)
	InitFirst(block, 1, 1)
	block[4], block[5] = 0x03, 0x00 // record length 3

	_, err := Entries(block)
	require.ErrorIs(t, err, schema.ErrCorrupt)
	require.ErrorIs(t, err, ErrBadRecord)

	_, _, err = Find(make([]byte, 512), "x")
	require.ErrorIs(t, err, schema.ErrCorrupt, "an all-zero block has a zero record length")
}

// TestValidateName_Table verifies name validation.
func TestValidateName_Table(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input string
		valid bool
	}{
		{"Success_Simple", "kernel.img", true},
		{"Success_MaxLength", strings.Repeat("x", MaxNameLen), true},
		{"Fail_Empty", "", false},
		{"Fail_TooLong", strings.Repeat("x", MaxNameLen+1), false},
		{"Fail_Dot", ".", false},
		{"Fail_DotDot", "..", false},
		{"Fail_Slash", "a/b", false},
		{"Fail_NUL", "a\x00b", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateName(tc.input)
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, schema.ErrInvalidArgument)
			}
		})
	}
}

// TestSetInode verifies repointing an entry.
func TestSetInode(t *testing.T) {
	t.Parallel()

	block := make([]byte, 512)
	InitFirst(block, 4, 1)

	ok, err := SetInode(block, Parent, 9)
	require.NoError(t, err)
	require.True(t, ok)

	e, found, err := Find(block, Parent)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, schema.InodeID(9), e.Inode)
	assert.Equal(t, 12, EntrySize(1))
	assert.Equal(t, 264, EntrySize(MaxNameLen))
}
