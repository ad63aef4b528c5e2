// Package schema provides the principal schematics for all other packages. It
// defines the identifiers of the on-disk structures, the block device contract
// consumed by the volume, the shared error taxonomy and implementations for
// handling (Unix-based) operating system syscalls. The package serves as a
// foundational layer for block storage throughout the codebase.
package schema
