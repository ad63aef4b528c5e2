package volume

import "errors"

var (
	// ErrBadMagic is returned (wrapped in [schema.ErrCorruptSuperblock]) when
	// block 0 does not start with the volume magic.
	ErrBadMagic = errors.New("bad superblock magic")

	// ErrBadVersion is returned (wrapped in [schema.ErrCorruptSuperblock])
	// for an on-disk format version this package does not understand.
	ErrBadVersion = errors.New("unsupported format version")

	// ErrChecksum is returned (wrapped in [schema.ErrCorruptSuperblock]) when
	// the stored checksum does not match the superblock content.
	ErrChecksum = errors.New("superblock checksum mismatch")

	// ErrGeometry is returned (wrapped in [schema.ErrCorruptSuperblock]) when
	// the superblock's geometry is impossible or does not fit the device.
	ErrGeometry = errors.New("superblock geometry invalid")

	// ErrBlockSizeMismatch is returned when a device's block size differs
	// from the block size a volume is (to be) formatted with.
	ErrBlockSizeMismatch = errors.New("device block size mismatch")
)
