// Package profile maps deployment profiles to the on-disk geometry a volume is
// formatted with. The table is closed and monotonic: a profile with a larger
// capacity never gets a smaller block size than one with a smaller capacity.
package profile

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/desertwitch/govol/internal/schema"
)

const (
	KiB = 1 << 10
	MiB = 1 << 20
	GiB = 1 << 30
)

// Profile is a deployment class. Its numeric value is persisted as the
// superblock's profile_id.
type Profile uint8

const (
	Micro Profile = iota + 1
	Embedded
	Mobile
	Desktop
	Server
)

// Geometry is the layout a [Profile] resolves to.
type Geometry struct {
	BlockSize     uint32
	Capacity      uint64
	MinBlockSize  uint32
	MaxBlockSize  uint32
	BytesPerInode uint32
}

type entry struct {
	token    string
	geometry Geometry
}

//nolint:gochecknoglobals,mnd
var table = map[Profile]entry{
	Micro: {"micro", Geometry{
		BlockSize: 512, Capacity: 16 * KiB,
		MinBlockSize: 512, MaxBlockSize: 1 * KiB, BytesPerInode: 1 * KiB,
	}},
	Embedded: {"embedded", Geometry{
		BlockSize: 512, Capacity: 64 * KiB,
		MinBlockSize: 512, MaxBlockSize: 2 * KiB, BytesPerInode: 2 * KiB,
	}},
	Mobile: {"mobile", Geometry{
		BlockSize: 1 * KiB, Capacity: 16 * MiB,
		MinBlockSize: 512, MaxBlockSize: 4 * KiB, BytesPerInode: 8 * KiB,
	}},
	Desktop: {"desktop", Geometry{
		BlockSize: 4 * KiB, Capacity: 1 * GiB,
		MinBlockSize: 1 * KiB, MaxBlockSize: 32 * KiB, BytesPerInode: 16 * KiB,
	}},
	Server: {"server", Geometry{
		BlockSize: 8 * KiB, Capacity: 4 * GiB,
		MinBlockSize: 4 * KiB, MaxBlockSize: 32 * KiB, BytesPerInode: 64 * KiB,
	}},
}

// All returns every known [Profile], ordered by capacity.
func All() []Profile {
	return []Profile{Micro, Embedded, Mobile, Desktop, Server}
}

// String returns the token of the [Profile].
func (p Profile) String() string {
	if e, ok := table[p]; ok {
		return e.token
	}

	return fmt.Sprintf("profile(%d)", uint8(p))
}

// Parse returns the [Profile] for a token. Matching ignores case and
// surrounding whitespace.
func Parse(token string) (Profile, error) {
	t := strings.ToLower(strings.TrimSpace(token))
	for p, e := range table {
		if e.token == t {
			return p, nil
		}
	}

	return 0, fmt.Errorf("(profile-parse) %w: %q", schema.ErrUnknownProfile, token)
}

// Resolve returns the [Geometry] of a [Profile].
func Resolve(p Profile) (Geometry, error) {
	e, ok := table[p]
	if !ok {
		return Geometry{}, fmt.Errorf("(profile-resolve) %w: id %d", schema.ErrUnknownProfile, uint8(p))
	}

	return e.geometry, nil
}

// Blocks returns how many blocks of the default block size the capacity holds.
func (g Geometry) Blocks() uint64 {
	return g.Capacity / uint64(g.BlockSize)
}

// Validate checks that a block size is a power of two inside the allowed range
// of the [Geometry].
func (g Geometry) Validate(blockSize uint32) error {
	if bits.OnesCount32(blockSize) != 1 {
		return fmt.Errorf("(profile-validate) %w: block size %d is not a power of two", schema.ErrInvalidArgument, blockSize)
	}

	if blockSize < g.MinBlockSize || blockSize > g.MaxBlockSize {
		return fmt.Errorf("(profile-validate) %w: block size %d outside [%d, %d]",
			schema.ErrInvalidArgument, blockSize, g.MinBlockSize, g.MaxBlockSize)
	}

	return nil
}
