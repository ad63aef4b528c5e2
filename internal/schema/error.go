package schema

import "errors"

var (
	// ErrUnknownProfile is returned for a deployment profile token or
	// identifier outside of the known set.
	ErrUnknownProfile = errors.New("unknown profile")

	// ErrCorruptSuperblock is returned when a superblock fails validation
	// (magic, version, checksum or geometry). It is fatal to a mount only.
	ErrCorruptSuperblock = errors.New("corrupt superblock")

	// ErrOutOfSpace is returned when fewer blocks are free than an operation
	// needs. Nothing is allocated when it is returned.
	ErrOutOfSpace = errors.New("out of space")

	// ErrNotFound is returned when a name, path or inode does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a name is already taken in a directory.
	ErrAlreadyExists = errors.New("already exists")

	// ErrPermissionDenied is returned when permission bits forbid an operation
	// or an immutable object (the root directory) would be changed.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidArgument is returned for malformed input, e.g. oversized names
	// or invalid block sizes.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIO is returned (wrapping the cause) when a device operation failed.
	ErrIO = errors.New("i/o error")

	// ErrCorrupt is returned when a structural inconsistency is detected, e.g.
	// a size exceeding the mapped blocks or a broken accounting invariant.
	ErrCorrupt = errors.New("structure corrupt")

	// ErrResourceExhausted is returned when no free inode slot is left.
	ErrResourceExhausted = errors.New("no free inodes")

	// ErrNotDirectory is returned when a directory operation targets another
	// type of inode.
	ErrNotDirectory = errors.New("not a directory")

	// ErrIsDirectory is returned when a file operation targets a directory.
	ErrIsDirectory = errors.New("is a directory")

	// ErrNotEmpty is returned when deleting a directory that still has entries.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrFileTooLarge is returned when a file would exceed what the direct,
	// indirect and double-indirect pointers can address.
	ErrFileTooLarge = errors.New("file too large")

	// ErrBusy is returned when a device is already claimed by another mount.
	ErrBusy = errors.New("device busy")

	// ErrUnmounted is returned when a volume handle is used after unmount.
	ErrUnmounted = errors.New("volume unmounted")
)
